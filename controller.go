package torctl

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ferrovax/torctl/internal/errors"
	"github.com/ferrovax/torctl/internal/proc"
	"github.com/ferrovax/torctl/internal/response"
	"github.com/ferrovax/torctl/internal/socket"
)

// Message is a complete reply from the control port.
type Message = response.Message

// ProtocolInfo is a PROTOCOLINFO query response.
type ProtocolInfo = response.ProtocolInfo

// AuthMethod is an authentication type tor will accept.
type AuthMethod = response.AuthMethod

// Authentication methods reported in PROTOCOLINFO AUTH lines.
const (
	AuthMethodNone       = response.AuthMethodNone
	AuthMethodPassword   = response.AuthMethodPassword
	AuthMethodCookie     = response.AuthMethodCookie
	AuthMethodSafeCookie = response.AuthMethodSafeCookie
	AuthMethodUnknown    = response.AuthMethodUnknown
)

// State is a controller connection state change.
type State string

// Connection states reported to status listeners.
const (
	// StateInit is emitted for the initial connection.
	StateInit State = "INIT"

	// StateReset is emitted when tor reloads its state, such as on a RELOAD
	// signal.
	StateReset State = "RESET"

	// StateClosed is emitted when the connection is closed.
	StateClosed State = "CLOSED"
)

// StatusListener is notified of connection state changes. Listeners run on
// their own goroutines, so a slow listener won't hold up the controller.
type StatusListener func(c *Controller, state State, timestamp time.Time)

// reply pairs a control port response with a read error, for handoff from the
// reader goroutine.
type reply struct {
	msg *Message
	err error
}

const (
	// replyBuffer bounds queued replies nobody has collected yet.
	replyBuffer = 16

	// eventBuffer bounds queued asynchronous events.
	eventBuffer = 128
)

// Controller is an authenticated-capable connection to tor's control port,
// providing both raw message exchange and typed wrappers for the common
// commands. All methods are safe for concurrent use.
//
// A reader goroutine owns the receiving side of the socket, routing
// asynchronous events (status code 650) to the Events channel and everything
// else to the caller waiting in Msg.
type Controller struct {
	log  *slog.Logger
	conn *socket.Conn

	// msgMu serializes command/reply exchanges so replies can't be
	// misattributed across concurrent Msg calls.
	msgMu   sync.Mutex
	replies chan reply
	events  chan *Message

	listenersMu sync.Mutex
	listeners   []StatusListener

	stateMu       sync.Mutex
	authenticated bool
	closed        bool

	cacheMu         sync.Mutex
	cachingEnabled  bool
	requestCache    map[string]string
	versionCache    *Version
	pinfoCache      *ProtocolInfo
	geoipFailures   int
	enabledFeatures map[string]bool

	// ownedProc is set when Connect launched the tor instance itself, along
	// with the temporary data directory if we made one.
	ownedProc    *proc.Process
	ownedDataDir string

	closeOnce sync.Once
}

// FromPort connects a controller to tor's control port over TCP.
func FromPort(log *slog.Logger, address string, port int) (*Controller, error) {
	return newController(log, socket.NewPort(log, address, port))
}

// FromSocketFile connects a controller to tor's control socket file.
func FromSocketFile(log *slog.Logger, path string) (*Controller, error) {
	return newController(log, socket.NewFile(log, path))
}

func newController(log *slog.Logger, conn *socket.Conn) (*Controller, error) {
	if log == nil {
		log = NopLogger()
	}

	c := &Controller{
		log:             log.With("component", "controller"),
		conn:            conn,
		replies:         make(chan reply, replyBuffer),
		events:          make(chan *Message, eventBuffer),
		cachingEnabled:  true,
		requestCache:    make(map[string]string),
		enabledFeatures: make(map[string]bool),
	}

	conn.OnClose = func() {
		c.notify(StateClosed)
	}

	if err := conn.Connect(); err != nil {
		return nil, err
	}

	go c.readerLoop()

	c.notify(StateInit)

	return c, nil
}

// readerLoop owns the socket's receiving side for the connection's lifetime.
func (c *Controller) readerLoop() {
	for {
		msg, err := c.conn.Recv()
		if err != nil {
			// Hand the error to whoever is waiting in Msg so they don't
			// block forever, then quit once the socket is actually gone.
			select {
			case c.replies <- reply{err: err}:
			default:
			}

			if stderrors.Is(err, errors.ErrSocketClosed) || !c.conn.IsAlive() {
				return
			}

			continue
		}

		if msg.IsEvent() {
			select {
			case c.events <- msg:
			default:
				c.log.Warn("Event queue is full, dropping event", "event", msg.Text())
			}

			continue
		}

		select {
		case c.replies <- reply{msg: msg}:
		default:
			c.log.Warn("Reply queue is full, dropping reply", "reply", msg.String())
		}
	}
}

// Msg sends a command to tor and returns its reply. Multiline commands are
// framed as a data sequence automatically. A closed controller returns
// ErrControllerClosed, and a 514 reply surfaces as ErrNotAuthenticated.
func (c *Controller) Msg(ctx context.Context, message string) (*Message, error) {
	c.msgMu.Lock()
	defer c.msgMu.Unlock()

	if c.isClosed() {
		return nil, errors.ErrControllerClosed
	}

	// Discard replies queued for earlier commands whose caller gave up
	// before the answer arrived.
drain:
	for {
		select {
		case stale := <-c.replies:
			switch {
			case stale.err != nil:
				// socket problems resurface on the send below
			case stale.msg.IsOK() && stale.msg.Text() == "OK":
				c.log.Info("Discarded a stale OK reply")
			default:
				c.log.Warn("Discarded a stale reply", "reply", stale.msg.String())
			}
		default:
			break drain
		}
	}

	if err := c.conn.Send(message); err != nil {
		return nil, err
	}

	select {
	case r := <-c.replies:
		if r.err != nil {
			return nil, r.err
		}

		if r.msg.Code() == "514" {
			return nil, fmt.Errorf("%w: %s", errors.ErrNotAuthenticated, r.msg.Text())
		}

		return r.msg, nil
	case <-ctx.Done():
		// The reply, if it ever arrives, is drained by the next Msg call.
		return nil, ctx.Err()
	}
}

// Events delivers asynchronous events (status code 650) from tor. Events
// arrive only for categories subscribed to via SETEVENTS. When the channel's
// buffer fills further events are dropped.
func (c *Controller) Events() <-chan *Message {
	return c.events
}

// IsAlive reports if the control connection is known to be open.
func (c *Controller) IsAlive() bool {
	return c.conn.IsAlive()
}

// IsAuthenticated reports if we've successfully authenticated.
func (c *Controller) IsAuthenticated() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	return c.authenticated
}

func (c *Controller) setAuthenticated() {
	c.stateMu.Lock()
	c.authenticated = true
	c.stateMu.Unlock()
}

func (c *Controller) isClosed() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	return c.closed
}

// OwnsTor reports if the tor instance on the other end was launched by us.
func (c *Controller) OwnsTor() bool {
	return c.ownedProc != nil
}

// AddStatusListener registers a callback for connection state changes.
func (c *Controller) AddStatusListener(listener StatusListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	c.listeners = append(c.listeners, listener)
}

func (c *Controller) notify(state State) {
	now := time.Now()

	c.listenersMu.Lock()
	listeners := slices.Clone(c.listeners)
	c.listenersMu.Unlock()

	for _, listener := range listeners {
		go listener(c, state, now)
	}
}

// Close shuts down the control connection, sending a best effort QUIT first
// so tor sees a clean disconnect. Closing an already closed controller is a
// no-op.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		if c.conn.IsAlive() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			if _, err := c.Msg(ctx, "QUIT"); err != nil {
				c.log.Debug("QUIT before close failed", "error", err)
			}
		}

		c.stateMu.Lock()
		c.closed = true
		c.stateMu.Unlock()

		_ = c.conn.Close()
	})

	return nil
}

// SetCaching enables or disables reply caching for GETINFO, GETCONF and
// PROTOCOLINFO. Disabling drops anything already cached.
func (c *Controller) SetCaching(enabled bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	c.cachingEnabled = enabled

	if !enabled {
		c.clearCacheLocked()
	}
}

// IsCachingEnabled reports if reply caching is on.
func (c *Controller) IsCachingEnabled() bool {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	return c.cachingEnabled
}

// ClearCache drops all cached replies. Happens automatically when tor's
// state resets.
func (c *Controller) ClearCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	c.clearCacheLocked()
}

func (c *Controller) clearCacheLocked() {
	c.requestCache = make(map[string]string)
	c.versionCache = nil
	c.pinfoCache = nil
	c.geoipFailures = 0
}

func (c *Controller) cachedValue(key string) (string, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if !c.cachingEnabled {
		return "", false
	}

	value, ok := c.requestCache[key]

	return value, ok
}

func (c *Controller) setCachedValues(values map[string]string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if !c.cachingEnabled {
		return
	}

	for key, value := range values {
		c.requestCache[key] = value
	}
}

func (c *Controller) dropCachedValues(keys []string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	for _, key := range keys {
		delete(c.requestCache, key)
	}
}
