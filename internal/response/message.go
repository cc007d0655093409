// Package response parses replies from tor's control port into structured
// messages. Replies are sequences of "<status><divider><content>" lines, with
// data blocks for multiline payloads, as laid out in section 2.3 of tor's
// control-spec.
package response

import (
	"bufio"
	stderr "errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/ferrovax/torctl/internal/errors"
)

// Entry is a single reply line. Divider "-" marks a mid-reply line, " " the
// final line, and "+" a line whose content included a data block.
type Entry struct {
	Code    string
	Divider string
	Content string
}

// Message is a complete reply from the control port.
type Message struct {
	entries []Entry
	raw     string
}

// NewMessage constructs a message from pre-parsed entries. Intended for
// tests; normal construction happens via Read.
func NewMessage(entries []Entry) *Message {
	var raw strings.Builder
	for _, e := range entries {
		raw.WriteString(e.Code + e.Divider + e.Content + "\r\n")
	}

	return &Message{entries: entries, raw: raw.String()}
}

// IsOK reports whether the final status code is 250.
func (m *Message) IsOK() bool {
	return m.Code() == "250"
}

// IsEvent reports whether this is an asynchronous event (status code 650).
func (m *Message) IsEvent() bool {
	return m.Code() == "650"
}

// Code returns the status code of the final reply line.
func (m *Message) Code() string {
	if len(m.entries) == 0 {
		return ""
	}

	return m.entries[len(m.entries)-1].Code
}

// Text returns the content of the final reply line.
func (m *Message) Text() string {
	if len(m.entries) == 0 {
		return ""
	}

	return m.entries[len(m.entries)-1].Content
}

// Entries returns the reply lines in order.
func (m *Message) Entries() []Entry {
	return m.entries
}

// Raw returns the reply exactly as read from the socket.
func (m *Message) Raw() string {
	return m.raw
}

// SingleLine returns the code and content of a reply expected to be a single
// line, or a ProtocolError when it isn't.
func (m *Message) SingleLine() (code, content string, err error) {
	if len(m.entries) != 1 {
		return "", "", errors.Protocolf("expected a single line response, got %d lines", len(m.entries))
	}

	return m.entries[0].Code, m.entries[0].Content, nil
}

// String renders the message contents with conventional newlines, which is
// what terminal-facing callers usually want.
func (m *Message) String() string {
	lines := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		lines = append(lines, e.Content)
	}

	return strings.Join(lines, "\n")
}

// Read pulls from the control socket until we either have a complete message
// or encounter a problem.
//
// Returns a SocketError wrapping ErrSocketClosed if the connection drops
// before a complete message arrives, or a ProtocolError for malformed
// content.
func Read(r *bufio.Reader) (*Message, error) {
	var (
		entries []Entry
		raw     strings.Builder
	)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			// A clean EOF and a read against a locally closed socket both
			// mean the connection is gone.
			if (err == io.EOF && line == "") || stderr.Is(err, net.ErrClosed) {
				return nil, &errors.SocketError{Err: errors.ErrSocketClosed}
			}

			return nil, &errors.SocketError{Err: err}
		}

		raw.WriteString(line)

		// Reply lines are of the form <status code><divider><content>\r\n.
		switch {
		case len(line) < 4:
			return nil, errors.Protocolf("badly formatted reply line: too short (%q)", line)
		case !isStatusPrefix(line):
			return nil, errors.Protocolf("badly formatted reply line: beginning is malformed (%q)", line)
		case !strings.HasSuffix(line, "\r\n"):
			return nil, errors.Protocolf("all lines should end with CRLF (%q)", line)
		}

		line = line[:len(line)-2]
		code, divider, content := line[:3], line[3:4], line[4:]

		switch divider {
		case "-":
			entries = append(entries, Entry{Code: code, Divider: divider, Content: content})
		case " ":
			entries = append(entries, Entry{Code: code, Divider: divider, Content: content})

			return &Message{entries: entries, raw: raw.String()}, nil
		case "+":
			// Data entry: the following lines belong to the content until a
			// line with just a period.
			block, err := readDataBlock(r, &raw)
			if err != nil {
				return nil, err
			}

			if block != "" {
				content += "\n" + block
			}

			entries = append(entries, Entry{Code: code, Divider: divider, Content: content})
		}
	}
}

// readDataBlock consumes lines until the ".\r\n" terminator, unescaping
// leading periods per section 2.4 of the control-spec.
func readDataBlock(r *bufio.Reader, raw *strings.Builder) (string, error) {
	var lines []string

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", &errors.SocketError{Err: fmt.Errorf("connection dropped mid-way through a data reply: %w", errors.ErrSocketClosed)}
		}

		raw.WriteString(line)

		if !strings.HasSuffix(line, "\r\n") {
			return "", errors.Protocolf("data reply line missing CRLF (%q)", line)
		}

		if line == ".\r\n" {
			return strings.Join(lines, "\n"), nil
		}

		line = line[:len(line)-2]

		// Lines starting with a period are escaped by a second period.
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		lines = append(lines, line)
	}
}

// isStatusPrefix checks for three alphanumerics followed by a recognized
// divider.
func isStatusPrefix(line string) bool {
	for i := range 3 {
		c := line[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}

	return line[3] == '-' || line[3] == '+' || line[3] == ' '
}
