package response

import (
	"strings"

	"github.com/ferrovax/torctl/internal/errors"
)

// ParseMapAddress interprets a reply to a MAPADDRESS query, returning the
// original to replacement address mappings tor accepted.
//
// Example:
//
//	250-127.192.10.10=torproject.org
//	250 1.2.3.4=tor.freehaven.net
func ParseMapAddress(m *Message) (map[string]string, error) {
	mappings := make(map[string]string)

	var firstErr error

	for _, e := range m.Entries() {
		switch e.Code {
		case "250":
			old, replacement, found := strings.Cut(e.Content, "=")
			if !found {
				return nil, errors.Protocolf("MAPADDRESS reply line missing a '=': %s", e.Content)
			}

			mappings[old] = replacement
		case "512":
			if firstErr == nil {
				err := &errors.InvalidRequestError{}
				err.Code = e.Code
				err.Message = e.Content
				firstErr = err
			}
		default:
			if firstErr == nil {
				firstErr = &errors.OperationFailedError{Code: e.Code, Message: e.Content}
			}
		}
	}

	// partial success still provides the accepted mappings
	if len(mappings) == 0 && firstErr != nil {
		return nil, firstErr
	}

	return mappings, nil
}
