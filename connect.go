package torctl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ferrovax/torctl/internal/proc"
	"github.com/ferrovax/torctl/internal/torbin"
)

// dialAttempts is how often we retry connecting to a freshly launched tor
// before giving up. Tor opens its control listener early in startup, so
// these rarely go past the first attempt.
const (
	dialAttempts = 5
	dialBackoff  = 250 * time.Millisecond
)

// Connect returns an authenticated controller for the configured control
// endpoint. When nothing is listening there a tor instance is launched with
// that endpoint configured, and stays bound to the controller so Stop can
// shut it down again.
func Connect(ctx context.Context, opts ...Option) (*Controller, error) {
	options := applyOptions(opts)
	log := options.Logger

	ctrl, err := dialController(log, options)
	if err != nil {
		log.Info("No controller available, launching a tor instance", "error", err)

		ctrl, err = launchAndDial(ctx, log, options)
		if err != nil {
			return nil, err
		}
	}

	if options.DisableCaching {
		ctrl.SetCaching(false)
	}

	if err := ctrl.Authenticate(ctx, options.Password); err != nil {
		teardownOwned(ctx, log, ctrl)
		_ = ctrl.Close()

		return nil, err
	}

	return ctrl, nil
}

// Stop shuts the controller down. When Connect launched the tor instance
// itself it is terminated too, after an interactive "(y/N)" confirmation on
// stdin if confirm is set. Declining, or a controller for a tor we didn't
// launch, just closes the control connection.
func Stop(ctx context.Context, c *Controller, confirm bool) error {
	if c == nil {
		return nil
	}

	if !c.OwnsTor() {
		return c.Close()
	}

	if confirm && !askConfirm(os.Stdin, os.Stdout, "Shut down the tor instance we started? (y/N) ") {
		return c.Close()
	}

	err := stopOwnedTor(ctx, c)
	_ = c.Close()

	return err
}

func dialController(log *slog.Logger, options *Options) (*Controller, error) {
	if options.SocketFile != "" {
		return FromSocketFile(log, options.SocketFile)
	}

	return FromPort(log, options.Address, options.Port)
}

func launchAndDial(ctx context.Context, log *slog.Logger, options *Options) (*Controller, error) {
	discoverer := torbin.NewDiscoverer(&torbin.Config{
		TorPath:          options.TorPath,
		SkipVersionCheck: options.SkipVersionCheck,
		Logger:           log,
	})

	torPath, err := discoverer.Discover(ctx)
	if err != nil {
		return nil, err
	}

	dataDir := options.DataDirectory
	tempDataDir := ""

	if dataDir == "" {
		dataDir, err = os.MkdirTemp("", "torctl-data-")
		if err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}

		tempDataDir = dataDir
	}

	config := map[string]string{
		"SocksPort":            "0",
		"CookieAuthentication": "1",
		"DataDirectory":        dataDir,
	}

	if options.SocketFile != "" {
		config["ControlSocket"] = options.SocketFile
	} else {
		config["ControlPort"] = strconv.Itoa(options.Port)
	}

	for key, value := range options.TorConfig {
		config[key] = value
	}

	process, err := proc.Launch(ctx, proc.Config{
		TorPath:           torPath,
		Options:           config,
		CompletionPercent: options.CompletionPercent,
		InitMsgHandler:    options.InitMsgHandler,
		Timeout:           options.LaunchTimeout,
		Logger:            log,
	})
	if err != nil {
		if tempDataDir != "" {
			_ = os.RemoveAll(tempDataDir)
		}

		return nil, err
	}

	ctrl, err := redialController(log, options)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = process.Stop(stopCtx)

		if tempDataDir != "" {
			_ = os.RemoveAll(tempDataDir)
		}

		return nil, err
	}

	ctrl.ownedProc = process
	ctrl.ownedDataDir = tempDataDir

	return ctrl, nil
}

// redialController connects to a tor we just launched, retrying briefly in
// case its listener isn't up yet.
func redialController(log *slog.Logger, options *Options) (*Controller, error) {
	var lastErr error

	for attempt := range dialAttempts {
		if attempt > 0 {
			time.Sleep(dialBackoff)
		}

		ctrl, err := dialController(log, options)
		if err == nil {
			return ctrl, nil
		}

		lastErr = err
	}

	return nil, lastErr
}

// stopOwnedTor terminates the tor instance bound to the controller, asking
// it to exit cleanly before reaching for process signals.
func stopOwnedTor(ctx context.Context, c *Controller) error {
	sigCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.Signal(sigCtx, SignalShutdown); err != nil {
		c.log.Debug("SHUTDOWN signal failed, falling back to process signals", "error", err)
	}

	err := c.ownedProc.Stop(ctx)

	if c.ownedDataDir != "" {
		_ = os.RemoveAll(c.ownedDataDir)
	}

	return err
}

// teardownOwned cleans up a launched tor when connecting to it failed
// partway, such as on an authentication error.
func teardownOwned(ctx context.Context, log *slog.Logger, c *Controller) {
	if !c.OwnsTor() {
		return
	}

	if err := stopOwnedTor(ctx, c); err != nil {
		log.Warn("Failed to stop the tor instance we launched", "error", err)
	}
}

// askConfirm prompts for a yes/no answer, treating anything but an explicit
// yes as a no.
func askConfirm(r io.Reader, w io.Writer, prompt string) bool {
	fmt.Fprint(w, prompt)

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))

	return answer == "y" || answer == "yes"
}

// PrintUsage writes the interactive prompt's welcome banner.
func PrintUsage(w io.Writer) {
	header := color.New(color.FgGreen, color.Bold)
	dim := color.New(color.Faint)

	_, _ = header.Fprintln(w, "Welcome to the torctl prompt.")

	fmt.Fprintln(w)
	fmt.Fprintln(w, "This provides you with direct access to tor's control interface via the")
	fmt.Fprintln(w, "'control' connection. Lines you enter are sent to tor as-is, with replies")
	fmt.Fprintln(w, "printed as they arrive. For example...")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  GETINFO version")
	fmt.Fprintln(w, "  GETCONF ControlPort")
	fmt.Fprintln(w, "  SIGNAL NEWNYM")
	fmt.Fprintln(w)

	_, _ = dim.Fprintln(w, "Type 'quit' or press ctrl-d to leave.")

	fmt.Fprintln(w)
}
