package response

import (
	"strings"

	"github.com/ferrovax/torctl/internal/errors"
)

// GetInfoReply holds the keyword to value entries of a GETINFO reply.
type GetInfoReply struct {
	Entries map[string]string
}

// ParseGetInfo interprets a reply to a GETINFO query.
//
// Example:
//
//	250-version=0.2.3.11-alpha-dev
//	250+config-text=
//	ControlPort 9051
//	.
//	250 OK
func ParseGetInfo(m *Message) (*GetInfoReply, error) {
	entries := m.Entries()

	if !m.IsOK() {
		for _, e := range entries {
			switch e.Code {
			case "552":
				return nil, unrecognizedKeyError(e.Content, "Unrecognized key \"")
			case "551":
				// The request was valid but tor couldn't answer it, like an
				// ip-to-country lookup without a geoip database.
				unsatErr := &errors.UnsatisfiableRequestError{}
				unsatErr.Code = e.Code
				unsatErr.Message = e.Content

				return nil, unsatErr
			}
		}

		return nil, errors.Protocolf("GETINFO response contained a non-OK status code:\n%s", m)
	}

	if len(entries) == 0 || entries[len(entries)-1].Content != "OK" {
		return nil, errors.Protocolf("GETINFO response didn't have an OK status:\n%s", m)
	}

	reply := &GetInfoReply{Entries: make(map[string]string, len(entries)-1)}

	for _, e := range entries[:len(entries)-1] {
		key, value, found := strings.Cut(e.Content, "=")
		if !found {
			return nil, errors.Protocolf("GETINFO reply line missing a '=': %s", e.Content)
		}

		// Data block values arrive as "key=\n<block>".
		value = strings.TrimPrefix(value, "\n")
		reply.Entries[key] = value
	}

	return reply, nil
}

// AssertMatches checks that the reply covers exactly the requested params,
// which tor guarantees for valid GETINFO queries.
func (r *GetInfoReply) AssertMatches(params []string) error {
	if len(r.Entries) != len(params) {
		return errors.Protocolf("GETINFO reply has %d entries, requested %d", len(r.Entries), len(params))
	}

	for _, param := range params {
		if _, ok := r.Entries[param]; !ok {
			return errors.Protocolf("GETINFO reply is missing %q", param)
		}
	}

	return nil
}

// unrecognizedKeyError extracts the offending key from a 552 message of the
// form `<prefix><key>"` when possible.
func unrecognizedKeyError(content, prefix string) error {
	err := &errors.InvalidArgumentsError{}
	err.Code = "552"
	err.Message = content

	if strings.HasPrefix(content, prefix) && strings.HasSuffix(content, "\"") {
		err.Arguments = []string{content[len(prefix) : len(content)-1]}
	}

	return err
}
