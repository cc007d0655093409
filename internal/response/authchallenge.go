package response

import (
	"encoding/hex"

	"github.com/ferrovax/torctl/internal/errors"
)

// AuthChallenge is a reply to an AUTHCHALLENGE query, used by safe cookie
// authentication.
type AuthChallenge struct {
	ServerHash  []byte
	ServerNonce []byte
}

// ParseAuthChallenge interprets a reply to an AUTHCHALLENGE query.
//
// Example:
//
//	250 AUTHCHALLENGE SERVERHASH=680A73C98... SERVERNONCE=F8EA4B1F2...
func ParseAuthChallenge(m *Message) (*AuthChallenge, error) {
	if !m.IsOK() {
		return nil, errors.Protocolf("AUTHCHALLENGE response didn't have an OK status:\n%s", m)
	}

	if len(m.Entries()) > 1 {
		return nil, errors.Protocolf("received multiline AUTHCHALLENGE response:\n%s", m)
	}

	line := NewLine(m.Entries()[0].Content)

	keyword, err := line.Pop()
	if err != nil || keyword != "AUTHCHALLENGE" {
		return nil, errors.Protocolf("message is not an AUTHCHALLENGE response: %s", m)
	}

	challenge := &AuthChallenge{}

	challenge.ServerHash, err = popHexMapping(line, "SERVERHASH")
	if err != nil {
		return nil, err
	}

	challenge.ServerNonce, err = popHexMapping(line, "SERVERNONCE")
	if err != nil {
		return nil, err
	}

	return challenge, nil
}

// popHexMapping consumes a KEY=<64 hex digits> mapping and decodes its value.
func popHexMapping(line *Line, key string) ([]byte, error) {
	if !line.IsNextMapping(key, false) {
		return nil, errors.Protocolf("missing %s mapping: %s", key, line.Remainder())
	}

	_, value, err := line.PopMapping(false)
	if err != nil {
		return nil, err
	}

	if len(value) != 64 {
		return nil, errors.Protocolf("%s has an invalid value: %s", key, value)
	}

	decoded, err := hex.DecodeString(value)
	if err != nil {
		return nil, errors.Protocolf("%s has an invalid value: %s", key, value)
	}

	return decoded, nil
}
