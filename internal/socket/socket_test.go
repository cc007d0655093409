package socket

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ferrovax/torctl/internal/errors"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testServer is a minimal control port double that replies "250 OK" to every
// command it reads.
type testServer struct {
	listener net.Listener

	mu       sync.Mutex
	received []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{listener: listener}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			go s.serve(conn)
		}
	}()

	t.Cleanup(func() { _ = listener.Close() })

	return s
}

func (s *testServer) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		s.mu.Lock()
		s.received = append(s.received, line)
		s.mu.Unlock()

		if _, err := conn.Write([]byte("250 OK\r\n")); err != nil {
			return
		}
	}
}

func (s *testServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *testServer) lastReceived() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.received) == 0 {
		return ""
	}

	return s.received[len(s.received)-1]
}

// TestConnSendRecv verifies a round trip over a real TCP connection.
func TestConnSendRecv(t *testing.T) {
	server := newTestServer(t)

	conn := NewPort(discardLog(), "127.0.0.1", server.port())
	require.False(t, conn.IsAlive())

	require.NoError(t, conn.Connect())
	require.True(t, conn.IsAlive())

	require.NoError(t, conn.Send("GETINFO version"))

	msg, err := conn.Recv()
	require.NoError(t, err)
	require.True(t, msg.IsOK())
	require.Equal(t, "GETINFO version\r\n", server.lastReceived())

	require.NoError(t, conn.Close())
	require.False(t, conn.IsAlive())
}

// TestConnUseAfterClose verifies operations on a closed socket fail with the
// closed sentinel.
func TestConnUseAfterClose(t *testing.T) {
	server := newTestServer(t)

	conn := NewPort(discardLog(), "127.0.0.1", server.port())
	require.NoError(t, conn.Connect())
	require.NoError(t, conn.Close())

	err := conn.Send("GETINFO version")
	require.ErrorIs(t, err, errors.ErrSocketClosed)

	_, err = conn.Recv()
	require.ErrorIs(t, err, errors.ErrSocketClosed)

	// closing again is a no-op
	require.NoError(t, conn.Close())
}

// TestConnRecvUnblocksOnClose verifies a blocked Recv returns once the peer
// goes away.
func TestConnRecvUnblocksOnClose(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	accepted := make(chan net.Conn, 1)

	go func() {
		c, err := listener.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn := NewPort(discardLog(), "127.0.0.1", listener.Addr().(*net.TCPAddr).Port)
	require.NoError(t, conn.Connect())

	recvErr := make(chan error, 1)

	go func() {
		_, err := conn.Recv()
		recvErr <- err
	}()

	// Dropping the server side makes the pending read fail, which also marks
	// the socket dead.
	server := <-accepted
	require.NoError(t, server.Close())

	err = <-recvErr
	require.ErrorIs(t, err, errors.ErrSocketClosed)
	require.False(t, conn.IsAlive())

	_ = listener.Close()
}

// TestConnCloseDuringRecv verifies closing the socket while another
// goroutine sits in Recv, the way the controller's reader loop does. Recv
// must return the closed sentinel without racing the close.
func TestConnCloseDuringRecv(t *testing.T) {
	server := newTestServer(t)

	conn := NewPort(discardLog(), "127.0.0.1", server.port())
	require.NoError(t, conn.Connect())

	recvErr := make(chan error, 1)

	go func() {
		for {
			if _, err := conn.Recv(); err != nil {
				recvErr <- err

				return
			}
		}
	}()

	require.NoError(t, conn.Close())

	select {
	case err := <-recvErr:
		require.ErrorIs(t, err, errors.ErrSocketClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Recv never returned after Close")
	}

	require.False(t, conn.IsAlive())
}

// TestConnDialFailure verifies connecting to a dead endpoint is a socket
// error.
func TestConnDialFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	conn := NewPort(discardLog(), "127.0.0.1", port)
	require.Error(t, conn.Connect())
	require.False(t, conn.IsAlive())
}

// TestFormat verifies control port command framing.
func TestFormat(t *testing.T) {
	require.Equal(t, "GETINFO version\r\n", Format("GETINFO version"))

	multiline := Format("LOADCONF\nControlPort 9051\nLog notice stdout")
	require.Equal(t, "+LOADCONF\r\nControlPort 9051\r\nLog notice stdout\r\n.\r\n", multiline)

	// already normalized CRLF input doesn't double up
	require.Equal(t, "+a\r\nb\r\n.\r\n", Format("a\r\nb"))

	require.True(t, strings.HasSuffix(Format("QUIT"), "\r\n"))
}

// TestConnString verifies the endpoint description.
func TestConnString(t *testing.T) {
	require.Equal(t, "port 127.0.0.1:9051", NewPort(discardLog(), "127.0.0.1", 9051).String())
	require.Equal(t, "socket file /run/tor/control", NewFile(discardLog(), "/run/tor/control").String())
}
