package torctl

import (
	"log/slog"
	"time"
)

// Options configures Connect.
type Options struct {
	// Logger receives debug and progress output. Defaults to NopLogger.
	Logger *slog.Logger

	// Address is the control port address. Defaults to "127.0.0.1".
	Address string

	// Port is the control port. Defaults to 9051.
	Port int

	// SocketFile, when set, connects over a unix domain socket instead of
	// the control port.
	SocketFile string

	// Password is used when tor requires password authentication.
	Password string

	// TorPath is an explicit tor binary to launch when nothing is listening
	// on the control endpoint. Empty searches PATH and common locations.
	TorPath string

	// SkipVersionCheck skips probing the discovered binary's version.
	SkipVersionCheck bool

	// LaunchTimeout bounds the bootstrap wait when we launch tor ourselves.
	// Zero uses the launch default of 90 seconds.
	LaunchTimeout time.Duration

	// CompletionPercent is the bootstrap percentage to wait for when
	// launching. Zero waits for a full 100%.
	CompletionPercent int

	// DataDirectory is the DataDirectory for a launched instance. Empty uses
	// a fresh temporary directory.
	DataDirectory string

	// TorConfig holds extra torrc options for a launched instance, merged
	// over our defaults.
	TorConfig map[string]string

	// InitMsgHandler, when set, receives a launched tor's startup output line
	// by line.
	InitMsgHandler func(line string)

	// DisableCaching turns off reply caching for GETINFO, GETCONF and
	// PROTOCOLINFO.
	DisableCaching bool
}

// Option configures Connect behavior.
type Option func(*Options)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithAddress sets the control port address.
func WithAddress(address string) Option {
	return func(o *Options) {
		o.Address = address
	}
}

// WithPort sets the control port.
func WithPort(port int) Option {
	return func(o *Options) {
		o.Port = port
	}
}

// WithSocketFile connects over a unix domain socket instead of TCP.
func WithSocketFile(path string) Option {
	return func(o *Options) {
		o.SocketFile = path
	}
}

// WithPassword sets the controller authentication password.
func WithPassword(password string) Option {
	return func(o *Options) {
		o.Password = password
	}
}

// WithTorPath sets an explicit tor binary path.
func WithTorPath(path string) Option {
	return func(o *Options) {
		o.TorPath = path
	}
}

// WithSkipVersionCheck disables the binary version probe.
func WithSkipVersionCheck() Option {
	return func(o *Options) {
		o.SkipVersionCheck = true
	}
}

// WithLaunchTimeout bounds the bootstrap wait for a launched instance.
func WithLaunchTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.LaunchTimeout = timeout
	}
}

// WithCompletionPercent sets the bootstrap percentage to wait for.
func WithCompletionPercent(percent int) Option {
	return func(o *Options) {
		o.CompletionPercent = percent
	}
}

// WithDataDirectory sets the DataDirectory for a launched instance.
func WithDataDirectory(path string) Option {
	return func(o *Options) {
		o.DataDirectory = path
	}
}

// WithTorConfig adds torrc options for a launched instance.
func WithTorConfig(config map[string]string) Option {
	return func(o *Options) {
		o.TorConfig = config
	}
}

// WithInitMsgHandler receives a launched tor's startup output.
func WithInitMsgHandler(handler func(line string)) Option {
	return func(o *Options) {
		o.InitMsgHandler = handler
	}
}

// WithCachingDisabled turns off reply caching.
func WithCachingDisabled() Option {
	return func(o *Options) {
		o.DisableCaching = true
	}
}

func applyOptions(opts []Option) *Options {
	options := &Options{
		Address: "127.0.0.1",
		Port:    9051,
	}

	for _, opt := range opts {
		opt(options)
	}

	if options.Logger == nil {
		options.Logger = NopLogger()
	}

	return options
}
