package torctl

import (
	"bufio"
	"context"
	stderrors "errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ferrovax/torctl/internal/errors"
)

// sampleDescriptor is a well-formed server descriptor for wire tests.
const sampleDescriptor = `
router caerSidi 71.35.133.197 9001 0 0
platform Tor 0.2.1.30 on Linux x86_64
published 2012-03-01 17:15:27
bandwidth 153600 256000 104590
fingerprint 4F0C 867D F0EF 6816 0568 C826 838F 482C EA7C FE44
uptime 588217
onion-key
-----BEGIN RSA PUBLIC KEY-----
MIGJAoGBAJv5IIWQ+WDWYUdyA/0L8qbIkEVH/cwryZWoIaPAzINfrw1WfNZGtBmg
skFtXhOHHqTRN4GPPrZsAIUOQGzQtGb66IQgT4tO/pj+P6QmSCCdTfhvGfgTCsC+
WPi4Fl2qryzTb3QO5r5x7T8OsG2IBUET1bLQzmtbC560SYR49IvVAgMBAAE=
-----END RSA PUBLIC KEY-----
signing-key
-----BEGIN RSA PUBLIC KEY-----
MIGJAoGBAKwvOXyztVKnuYvpTKt+nS3XIKeO8dVungi8qGoeS+6gkR6lDtGfBTjd
uE9UIkdAl9zi8/1Ic2wsUNHE9jiS0VgeupITGZY8YOyMJJ/xtV1cqgiWhq1BG9i6
PDrrsRDu8nvo8PZqJE6F5bL6i0gpAUNeSWuJppBDSuZiDyvq2C1mAgMBAAE=
-----END RSA PUBLIC KEY-----
contact www.atagar.com/contact
reject *:*
router-signature
-----BEGIN SIGNATURE-----
dskLSPz8beUW7bzwDjR6EMNGpyoZCNkel+MMTfDxbzBKmUm3/kTVXg1RNAHk3R8h
GAMP2l9/afgpjShIW164vvsFsdv3e2aj7qVkTYpA6fT00C7RyRbL+ab9HZslmDcQ
5IGHRzRAnMPOBmq4hA8y97MLvtwqHRsVVAgG1O5xuao=
-----END SIGNATURE-----
`

// fakeTor is a scripted control port double. The handler receives each
// command line and returns the complete wire reply, CRLF included. QUIT is
// always answered so Close stays clean.
type fakeTor struct {
	listener net.Listener
	handler  func(cmd string) string
	requests atomic.Int64

	mu   sync.Mutex
	cmds []string
}

func newFakeTor(t *testing.T, handler func(cmd string) string) *fakeTor {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeTor{listener: listener, handler: handler}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			go f.serve(conn)
		}
	}()

	t.Cleanup(func() { _ = listener.Close() })

	return f
}

func (f *fakeTor) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		cmd := strings.TrimRight(line, "\r\n")

		if cmd == "QUIT" {
			_, _ = conn.Write([]byte("250 closing connection\r\n"))

			return
		}

		f.requests.Add(1)

		f.mu.Lock()
		f.cmds = append(f.cmds, cmd)
		f.mu.Unlock()

		if _, err := conn.Write([]byte(f.handler(cmd))); err != nil {
			return
		}
	}
}

func (f *fakeTor) port() int {
	return f.listener.Addr().(*net.TCPAddr).Port
}

func (f *fakeTor) lastCmd() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.cmds) == 0 {
		return ""
	}

	return f.cmds[len(f.cmds)-1]
}

func newTestController(t *testing.T, handler func(cmd string) string) (*Controller, *fakeTor) {
	t.Helper()

	fake := newFakeTor(t, handler)

	ctrl, err := FromPort(NopLogger(), "127.0.0.1", fake.port())
	require.NoError(t, err)

	t.Cleanup(func() { _ = ctrl.Close() })

	return ctrl, fake
}

// TestMsg verifies the raw command/reply exchange.
func TestMsg(t *testing.T) {
	ctrl, fake := newTestController(t, func(cmd string) string {
		return "250-version=0.4.8.10\r\n250 OK\r\n"
	})

	msg, err := ctrl.Msg(context.Background(), "GETINFO version")
	require.NoError(t, err)
	require.True(t, msg.IsOK())
	require.Equal(t, "version=0.4.8.10\nOK", msg.String())
	require.Equal(t, "GETINFO version", fake.lastCmd())
}

// TestGetInfoCaching verifies unchanging params are answered from cache.
func TestGetInfoCaching(t *testing.T) {
	ctrl, fake := newTestController(t, func(cmd string) string {
		return "250-version=0.4.8.10\r\n250 OK\r\n"
	})

	ctx := context.Background()

	value, err := ctrl.GetInfo(ctx, "version")
	require.NoError(t, err)
	require.Equal(t, "0.4.8.10", value)

	value, err = ctrl.GetInfo(ctx, "version")
	require.NoError(t, err)
	require.Equal(t, "0.4.8.10", value)

	require.Equal(t, int64(1), fake.requests.Load())

	// disabling caching drops what's cached
	ctrl.SetCaching(false)

	_, err = ctrl.GetInfo(ctx, "version")
	require.NoError(t, err)
	require.Equal(t, int64(2), fake.requests.Load())
}

// TestGetInfoUnrecognized verifies 552 replies identify the offending key.
func TestGetInfoUnrecognized(t *testing.T) {
	ctrl, _ := newTestController(t, func(cmd string) string {
		return "552 Unrecognized key \"blackhole\"\r\n"
	})

	_, err := ctrl.GetInfo(context.Background(), "blackhole")

	var argsErr *errors.InvalidArgumentsError
	require.True(t, stderrors.As(err, &argsErr))
	require.Equal(t, []string{"blackhole"}, argsErr.Arguments)
}

// TestGetConf verifies key casing is preserved and mapped options are
// queried under their real key.
func TestGetConf(t *testing.T) {
	ctrl, fake := newTestController(t, func(cmd string) string {
		switch cmd {
		case "GETCONF controlport":
			return "250 ControlPort=9051\r\n"
		case "GETCONF HiddenServiceOptions":
			return "250-HiddenServiceDir=/tmp/hs\r\n250 HiddenServicePort=80\r\n"
		default:
			return "552 Unrecognized configuration key \"" + strings.TrimPrefix(cmd, "GETCONF ") + "\"\r\n"
		}
	})

	ctx := context.Background()

	value, err := ctrl.GetConf(ctx, "controlport")
	require.NoError(t, err)
	require.Equal(t, "9051", value)

	// HiddenService* options can only be fetched via HiddenServiceOptions
	values, err := ctrl.GetConfMap(ctx, "HiddenServiceDir")
	require.NoError(t, err)
	require.Equal(t, []string{"/tmp/hs"}, values["HiddenServiceDir"])
	require.Equal(t, "GETCONF HiddenServiceOptions", fake.lastCmd())
}

// TestGetConfUnset verifies unset options come back as empty rather than an
// error.
func TestGetConfUnset(t *testing.T) {
	ctrl, _ := newTestController(t, func(cmd string) string {
		return "250 OK\r\n"
	})

	value, err := ctrl.GetConf(context.Background(), "ExitPolicy")
	require.NoError(t, err)
	require.Empty(t, value)
}

// TestSetConf verifies value quoting on the wire.
func TestSetConf(t *testing.T) {
	ctrl, fake := newTestController(t, func(cmd string) string {
		return "250 OK\r\n"
	})

	err := ctrl.SetConf(context.Background(), "ControlPort", "9051")
	require.NoError(t, err)
	require.Equal(t, `SETCONF ControlPort="9051"`, fake.lastCmd())

	err = ctrl.SetOptions(context.Background(), []ConfSetting{
		{Key: "ControlPort", Values: []string{"9051"}},
		{Key: "ExitPolicy"},
	}, false)
	require.NoError(t, err)
	require.Equal(t, `SETCONF ControlPort="9051" ExitPolicy`, fake.lastCmd())
}

// TestSetConfInvalidOption verifies the rejected option is named in the
// error.
func TestSetConfInvalidOption(t *testing.T) {
	ctrl, _ := newTestController(t, func(cmd string) string {
		return "552 Unrecognized option: Unknown option 'bombs'. Failing.\r\n"
	})

	err := ctrl.SetConf(context.Background(), "bombs", "away")

	var argsErr *errors.InvalidArgumentsError
	require.True(t, stderrors.As(err, &argsErr))
	require.Equal(t, []string{"bombs"}, argsErr.Arguments)

	// 513 is an invalid request without a named argument
	ctrl2, _ := newTestController(t, func(cmd string) string {
		return "513 Unacceptable option value\r\n"
	})

	err = ctrl2.SetConf(context.Background(), "ORPort", "-1")

	var reqErr *errors.InvalidRequestError
	require.True(t, stderrors.As(err, &reqErr))
	require.False(t, stderrors.As(err, &argsErr))
}

// TestSignal verifies delivery and the unrecognized signal error.
func TestSignal(t *testing.T) {
	ctrl, _ := newTestController(t, func(cmd string) string {
		if cmd == "SIGNAL NEWNYM" {
			return "250 OK\r\n"
		}

		return "552 Unrecognized signal code \"FOOBAR\"\r\n"
	})

	ctx := context.Background()

	require.NoError(t, ctrl.Signal(ctx, SignalNewnym))

	err := ctrl.Signal(ctx, Signal("FOOBAR"))

	var argsErr *errors.InvalidArgumentsError
	require.True(t, stderrors.As(err, &argsErr))
	require.Equal(t, []string{"FOOBAR"}, argsErr.Arguments)
}

// TestSignalReloadNotifiesListeners verifies a reload emits a reset
// notification.
func TestSignalReloadNotifiesListeners(t *testing.T) {
	ctrl, _ := newTestController(t, func(cmd string) string {
		return "250 OK\r\n"
	})

	states := make(chan State, 4)

	ctrl.AddStatusListener(func(c *Controller, state State, timestamp time.Time) {
		states <- state
	})

	require.NoError(t, ctrl.Signal(context.Background(), SignalReload))

	select {
	case state := <-states:
		require.Equal(t, StateReset, state)
	case <-time.After(5 * time.Second):
		t.Fatal("status listener was never notified")
	}
}

// TestCloseNotifiesListeners verifies closing emits a closed notification.
func TestCloseNotifiesListeners(t *testing.T) {
	ctrl, _ := newTestController(t, func(cmd string) string {
		return "250 OK\r\n"
	})

	states := make(chan State, 4)

	ctrl.AddStatusListener(func(c *Controller, state State, timestamp time.Time) {
		states <- state
	})

	require.NoError(t, ctrl.Close())

	select {
	case state := <-states:
		require.Equal(t, StateClosed, state)
	case <-time.After(5 * time.Second):
		t.Fatal("status listener was never notified")
	}

	require.False(t, ctrl.IsAlive())
}

// TestEvents verifies asynchronous events route to the events channel
// rather than replies.
func TestEvents(t *testing.T) {
	ctrl, _ := newTestController(t, func(cmd string) string {
		// an event sneaks in ahead of the reply
		return "650 BW 1532 2656\r\n250 OK\r\n"
	})

	msg, err := ctrl.Msg(context.Background(), "SETEVENTS BW")
	require.NoError(t, err)
	require.True(t, msg.IsOK())

	select {
	case event := <-ctrl.Events():
		require.True(t, event.IsEvent())
		require.Equal(t, "BW 1532 2656", event.Text())
	case <-time.After(5 * time.Second):
		t.Fatal("event was never delivered")
	}
}

// TestExtendCircuit verifies circuit id extraction and error mapping.
func TestExtendCircuit(t *testing.T) {
	ctrl, _ := newTestController(t, func(cmd string) string {
		if strings.HasPrefix(cmd, "EXTENDCIRCUIT 0") {
			return "250 EXTENDED 17\r\n"
		}

		return "552 Unknown circuit \"9\"\r\n"
	})

	ctx := context.Background()

	circuitID, err := ctrl.NewCircuit(ctx)
	require.NoError(t, err)
	require.Equal(t, "17", circuitID)

	_, err = ctrl.ExtendCircuit(ctx, "9", "caerSidi")

	var reqErr *errors.InvalidRequestError
	require.True(t, stderrors.As(err, &reqErr))
}

// TestMapAddress verifies mapping submission and result parsing.
func TestMapAddress(t *testing.T) {
	ctrl, fake := newTestController(t, func(cmd string) string {
		return "250 1.2.3.4=torproject.org\r\n"
	})

	mappings, err := ctrl.MapAddress(context.Background(), map[string]string{"1.2.3.4": "torproject.org"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"1.2.3.4": "torproject.org"}, mappings)
	require.Equal(t, "MAPADDRESS 1.2.3.4=torproject.org", fake.lastCmd())
}

// TestGetVersion verifies parsing and caching of tor's version.
func TestGetVersion(t *testing.T) {
	ctrl, fake := newTestController(t, func(cmd string) string {
		return "250-version=0.4.8.10\r\n250 OK\r\n"
	})

	ctx := context.Background()

	version, err := ctrl.GetVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, Version{Major: 0, Minor: 4, Micro: 8, Patch: 10}, version)

	_, err = ctrl.GetVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), fake.requests.Load())
}

// TestIsFeatureEnabled verifies features modern tor releases always provide
// are reported as on.
func TestIsFeatureEnabled(t *testing.T) {
	ctrl, _ := newTestController(t, func(cmd string) string {
		return "250-version=0.4.8.10\r\n250 OK\r\n"
	})

	ctx := context.Background()

	enabled, err := ctrl.IsFeatureEnabled(ctx, "extended_events")
	require.NoError(t, err)
	require.True(t, enabled)

	enabled, err = ctrl.IsFeatureEnabled(ctx, "NO_SUCH_FEATURE")
	require.NoError(t, err)
	require.False(t, enabled)
}

// TestGetServerDescriptor verifies fetching and parsing a descriptor over
// the control port.
func TestGetServerDescriptor(t *testing.T) {
	wireDescriptor := strings.ReplaceAll(strings.TrimSpace(sampleDescriptor), "\n", "\r\n")

	ctrl, fake := newTestController(t, func(cmd string) string {
		return "250+desc/name/caerSidi=\r\n" + wireDescriptor + "\r\n.\r\n250 OK\r\n"
	})

	desc, err := ctrl.GetServerDescriptor(context.Background(), "caerSidi")
	require.NoError(t, err)
	require.Equal(t, "caerSidi", desc.Nickname)
	require.Equal(t, "71.35.133.197", desc.Address)
	require.Equal(t, "GETINFO desc/name/caerSidi", fake.lastCmd())
}

// TestGetServerDescriptorBadRelay verifies relay name validation happens
// before anything touches the wire.
func TestGetServerDescriptorBadRelay(t *testing.T) {
	ctrl, fake := newTestController(t, func(cmd string) string {
		return "250 OK\r\n"
	})

	_, err := ctrl.GetServerDescriptor(context.Background(), "not a relay!")
	require.Error(t, err)
	require.Equal(t, int64(0), fake.requests.Load())
}

// TestMsgAfterClose verifies commands fail with the closed sentinel once the
// controller is closed.
func TestMsgAfterClose(t *testing.T) {
	ctrl, _ := newTestController(t, func(cmd string) string {
		return "250 OK\r\n"
	})

	require.NoError(t, ctrl.Close())

	_, err := ctrl.Msg(context.Background(), "GETINFO version")
	require.ErrorIs(t, err, errors.ErrControllerClosed)
}

// TestMsgNotAuthenticated verifies a 514 reply surfaces as the
// authentication sentinel.
func TestMsgNotAuthenticated(t *testing.T) {
	ctrl, _ := newTestController(t, func(cmd string) string {
		return "514 Authentication required.\r\n"
	})

	_, err := ctrl.Msg(context.Background(), "GETINFO version")
	require.ErrorIs(t, err, errors.ErrNotAuthenticated)
}
