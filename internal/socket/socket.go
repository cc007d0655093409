// Package socket provides message based communication with sockets speaking
// the tor control protocol. Callers send commands as plain strings and
// receive replies as response.Message values; the framing described in tor's
// control-spec is handled here.
package socket

import (
	"bufio"
	stderr "errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/ferrovax/torctl/internal/errors"
	"github.com/ferrovax/torctl/internal/response"
)

// Conn is a connection to a tor control port, over either TCP or a unix
// domain socket. All methods are safe for concurrent use.
//
// Sending and receiving are tracked separately so a blocked read never
// prevents writes; this is what lets a reader goroutine sit in Recv while
// commands keep flowing out.
type Conn struct {
	log  *slog.Logger
	dial func() (net.Conn, error)
	desc string

	// OnConnect and OnClose, when set before the first Connect, are invoked
	// on state changes. OnClose fires only when Close transitions us from
	// alive to closed.
	OnConnect func()
	OnClose   func()

	// sendMu guards writes along with connect/close state transitions,
	// recvMu guards reads.
	sendMu sync.Mutex
	recvMu sync.Mutex

	conn   net.Conn
	reader *bufio.Reader
	alive  bool
}

// NewPort prepares a control connection over TCP. The connection isn't
// established until Connect.
func NewPort(log *slog.Logger, address string, port int) *Conn {
	addr := net.JoinHostPort(address, strconv.Itoa(port))

	return &Conn{
		log:  log.With("component", "control_socket"),
		desc: "port " + addr,
		dial: func() (net.Conn, error) {
			return net.Dial("tcp", addr)
		},
	}
}

// NewFile prepares a control connection over a unix domain socket. The
// connection isn't established until Connect.
func NewFile(log *slog.Logger, path string) *Conn {
	return &Conn{
		log:  log.With("component", "control_socket"),
		desc: "socket file " + path,
		dial: func() (net.Conn, error) {
			return net.Dial("unix", path)
		},
	}
}

// String describes the endpoint this connects to.
func (c *Conn) String() string {
	return c.desc
}

// IsAlive reports if the socket is known to be open. We won't be aware of a
// disconnect until we either use the socket or explicitly shut it down.
func (c *Conn) IsAlive() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	return c.alive
}

// Connect establishes the connection, closing any previous one first.
func (c *Conn) Connect() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.alive {
		c.closeLocked()
	}

	conn, err := c.dial()
	if err != nil {
		return &errors.SocketError{Err: fmt.Errorf("dial %s: %w", c.desc, err)}
	}

	// Once the old socket is closed Recv calls fail rather than block, so
	// it's safe to take the recv lock and swap the reader.
	c.recvMu.Lock()
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.alive = true
	c.recvMu.Unlock()

	c.log.Debug("Connected to control socket", "endpoint", c.desc)

	if c.OnConnect != nil {
		c.OnConnect()
	}

	return nil
}

// Send formats and writes a command to the control socket.
func (c *Conn) Send(message string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.alive {
		return &errors.SocketError{Err: errors.ErrSocketClosed}
	}

	if _, err := c.conn.Write([]byte(Format(message))); err != nil {
		c.log.Debug("Failed to send message", "error", err)

		// A write failure means the connection is gone; shut everything down
		// so IsAlive reflects reality.
		c.closeLocked()

		return &errors.SocketError{Err: fmt.Errorf("%v: %w", err, errors.ErrSocketClosed)}
	}

	c.log.Debug("Sent to tor", "message", strings.TrimSpace(message))

	return nil
}

// Recv reads a complete message from the control socket, blocking until one
// arrives.
func (c *Conn) Recv() (*response.Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	// Nil until the first Connect. Close leaves the reader in place and
	// relies on the closed net.Conn to fail the read.
	reader := c.reader

	if reader == nil {
		return nil, &errors.SocketError{Err: errors.ErrSocketClosed}
	}

	msg, err := response.Read(reader)
	if err != nil {
		// If the connection dropped beneath us then shut down properly, but
		// only when nobody else is mid connect/close (they hold sendMu and
		// will handle it themselves).
		if stderr.Is(err, errors.ErrSocketClosed) && c.sendMu.TryLock() {
			c.closeLocked()
			c.sendMu.Unlock()
		}

		return nil, err
	}

	c.log.Debug("Received from tor", "message", msg.String())

	return msg, nil
}

// Close shuts down the socket. Closing an already closed connection is a
// no-op.
func (c *Conn) Close() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.closeLocked()

	return nil
}

// closeLocked closes the transport and flips alive, leaving conn and reader
// in place. Those fields belong to Recv under recvMu, which the Recv error
// path calling in here may already hold; closing the net.Conn is enough to
// fail its pending and future reads.
func (c *Conn) closeLocked() {
	isChange := c.alive

	if c.conn != nil {
		_ = c.conn.Close()
	}

	c.alive = false

	if isChange {
		c.log.Debug("Control socket closed", "endpoint", c.desc)

		if c.OnClose != nil {
			c.OnClose()
		}
	}
}

// Format wraps a command with the framing expected by the control port.
// Single line commands become "<command>\r\n", and commands with newlines
// become a multiline data sequence:
//
//	+<line 1>\r\n
//	<line 2>\r\n
//	.\r\n
func Format(message string) string {
	message = strings.ReplaceAll(message, "\r\n", "\n")

	if strings.Contains(message, "\n") {
		return "+" + strings.ReplaceAll(message, "\n", "\r\n") + "\r\n.\r\n"
	}

	return message + "\r\n"
}
