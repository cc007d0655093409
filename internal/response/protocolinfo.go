package response

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/ferrovax/torctl/internal/errors"
)

// AuthMethod is an authentication type tor will accept.
type AuthMethod string

// Authentication methods reported in PROTOCOLINFO AUTH lines.
const (
	AuthMethodNone       AuthMethod = "NULL"
	AuthMethodPassword   AuthMethod = "HASHEDPASSWORD"
	AuthMethodCookie     AuthMethod = "COOKIE"
	AuthMethodSafeCookie AuthMethod = "SAFECOOKIE"
	AuthMethodUnknown    AuthMethod = "UNKNOWN"
)

// ProtocolInfo is a version one PROTOCOLINFO query response.
//
// The protocol version is the only mandatory data for a valid response, so
// other values are zero when undefined.
type ProtocolInfo struct {
	ProtocolVersion    int
	TorVersion         string
	AuthMethods        []AuthMethod
	UnknownAuthMethods []string
	CookiePath         string
}

// HasAuthMethod reports whether tor accepts the given method.
func (p *ProtocolInfo) HasAuthMethod(method AuthMethod) bool {
	for _, m := range p.AuthMethods {
		if m == method {
			return true
		}
	}

	return false
}

// ParseProtocolInfo interprets a reply to a PROTOCOLINFO query.
//
// Example:
//
//	250-PROTOCOLINFO 1
//	250-AUTH METHODS=COOKIE COOKIEFILE="/home/atagar/.tor/control_auth_cookie"
//	250-VERSION Tor="0.2.1.30"
//	250 OK
func ParseProtocolInfo(log *slog.Logger, m *Message) (*ProtocolInfo, error) {
	entries := m.Entries()

	if !m.IsOK() || len(entries) == 0 || entries[len(entries)-1].Content != "OK" {
		return nil, errors.Protocolf("PROTOCOLINFO response didn't have an OK status:\n%s", m)
	}

	if !strings.HasPrefix(entries[0].Content, "PROTOCOLINFO") {
		return nil, errors.Protocolf("message is not a PROTOCOLINFO response:\n%s", m)
	}

	info := &ProtocolInfo{}

	for _, e := range entries[:len(entries)-1] {
		line := NewLine(e.Content)

		lineType, err := line.Pop()
		if err != nil {
			return nil, err
		}

		switch lineType {
		case "PROTOCOLINFO":
			// FirstLine = "PROTOCOLINFO" SP PIVERSION CRLF
			if line.IsEmpty() {
				return nil, errors.Protocolf("PROTOCOLINFO response's initial line is missing the protocol version: %s", e.Content)
			}

			version, err := line.Pop()
			if err != nil {
				return nil, err
			}

			info.ProtocolVersion, err = strconv.Atoi(version)
			if err != nil {
				return nil, errors.Protocolf("PROTOCOLINFO response version is non-numeric: %s", e.Content)
			}

			// Tor doesn't necessarily provide the PROTOCOLINFO version we
			// requested. Still parse it as a v1 response, but note it.
			if info.ProtocolVersion != 1 {
				log.Info("PROTOCOLINFO response version differs from our query, parsing as v1 regardless",
					"version", info.ProtocolVersion)
			}
		case "AUTH":
			// AuthLine = "250-AUTH" SP "METHODS=" AuthMethod *("," AuthMethod)
			//            *(SP "COOKIEFILE=" AuthCookieFile) CRLF
			if !line.IsNextMapping("METHODS", false) {
				return nil, errors.Protocolf("PROTOCOLINFO response's AUTH line is missing its mandatory 'METHODS' mapping: %s", e.Content)
			}

			_, methods, err := line.PopMapping(false)
			if err != nil {
				return nil, err
			}

			for _, method := range strings.Split(methods, ",") {
				switch method {
				case "NULL":
					info.AuthMethods = append(info.AuthMethods, AuthMethodNone)
				case "HASHEDPASSWORD":
					info.AuthMethods = append(info.AuthMethods, AuthMethodPassword)
				case "COOKIE":
					info.AuthMethods = append(info.AuthMethods, AuthMethodCookie)
				case "SAFECOOKIE":
					info.AuthMethods = append(info.AuthMethods, AuthMethodSafeCookie)
				default:
					log.Info("PROTOCOLINFO response included an authentication type we don't recognize", "method", method)

					info.UnknownAuthMethods = append(info.UnknownAuthMethods, method)

					if !info.HasAuthMethod(AuthMethodUnknown) {
						info.AuthMethods = append(info.AuthMethods, AuthMethodUnknown)
					}
				}
			}

			// optional COOKIEFILE mapping (quoted and can have escapes)
			if line.IsNextMapping("COOKIEFILE", true) {
				_, info.CookiePath, err = line.PopMapping(true)
				if err != nil {
					return nil, err
				}
			}
		case "VERSION":
			// VersionLine = "250-VERSION" SP "Tor=" TorVersion OptArguments CRLF
			if !line.IsNextMapping("Tor", true) {
				return nil, errors.Protocolf("PROTOCOLINFO response's VERSION line is missing its mandatory tor version mapping: %s", e.Content)
			}

			_, info.TorVersion, err = line.PopMapping(true)
			if err != nil {
				return nil, err
			}
		default:
			log.Debug("Unrecognized PROTOCOLINFO line type, ignoring it", "line_type", lineType, "content", e.Content)
		}
	}

	return info, nil
}
