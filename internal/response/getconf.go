package response

import (
	"strings"

	"github.com/ferrovax/torctl/internal/errors"
)

// GetConfReply maps configuration keys to their values. Repeated keys
// accumulate, and keys reported without a value (unset options) carry a
// single empty string.
type GetConfReply struct {
	Entries map[string][]string
}

// ParseGetConf interprets a reply to a GETCONF query.
//
// Example:
//
//	250-CookieAuthentication=0
//	250-ControlPort=9100
//	250 DirPort
func ParseGetConf(m *Message) (*GetConfReply, error) {
	entries := m.Entries()

	// a GETCONF for entirely unset options is just "250 OK"
	if len(entries) == 1 && entries[0].Code == "250" && entries[0].Content == "OK" {
		return &GetConfReply{Entries: map[string][]string{}}, nil
	}

	if !m.IsOK() {
		var unrecognized []string

		for _, e := range entries {
			const prefix = "Unrecognized configuration key \""
			if e.Code == "552" && strings.HasPrefix(e.Content, prefix) && strings.HasSuffix(e.Content, "\"") {
				unrecognized = append(unrecognized, e.Content[len(prefix):len(e.Content)-1])
			}
		}

		if len(unrecognized) > 0 {
			err := &errors.InvalidArgumentsError{Arguments: unrecognized}
			err.Code = "552"
			err.Message = "GETCONF request contained unrecognized keywords: " + strings.Join(unrecognized, ", ")

			return nil, err
		}

		return nil, errors.Protocolf("GETCONF response contained a non-OK status code:\n%s", m)
	}

	reply := &GetConfReply{Entries: make(map[string][]string, len(entries))}

	for _, e := range entries {
		key, value, found := strings.Cut(e.Content, "=")
		if !found {
			key, value = e.Content, ""
		}

		reply.Entries[key] = append(reply.Entries[key], value)
	}

	return reply, nil
}
