package exitpolicy

import (
	"fmt"
	"strings"
)

// MicroPolicy is the abbreviated exit policy found in microdescriptors, a
// single accept or reject verdict over a port list, like "accept 80,443".
type MicroPolicy struct {
	// Accept is whether the listed ports are the allowed ones or the
	// refused ones.
	Accept bool

	ports map[int]bool
	raw   string
}

// ParseMicro parses a microdescriptor exit policy.
func ParseMicro(policy string) (*MicroPolicy, error) {
	raw := strings.TrimSpace(policy)

	action, portList, found := strings.Cut(raw, " ")
	if !found {
		return nil, fmt.Errorf("microdescriptor exit policy %q is missing its port list", raw)
	}

	p := &MicroPolicy{ports: make(map[int]bool), raw: raw}

	switch action {
	case "accept":
		p.Accept = true
	case "reject":
	default:
		return nil, fmt.Errorf("microdescriptor exit policy %q must start with accept or reject", raw)
	}

	for _, entry := range strings.Split(portList, ",") {
		minSpec, maxSpec, isRange := strings.Cut(entry, "-")

		minPort, err := parsePort(minSpec)
		if err != nil {
			return nil, fmt.Errorf("microdescriptor exit policy %q: %w", raw, err)
		}

		maxPort := minPort

		if isRange {
			maxPort, err = parsePort(maxSpec)
			if err != nil {
				return nil, fmt.Errorf("microdescriptor exit policy %q: %w", raw, err)
			}

			if maxPort < minPort {
				return nil, fmt.Errorf("microdescriptor exit policy %q has a backwards port range", raw)
			}
		}

		for port := minPort; port <= maxPort; port++ {
			p.ports[port] = true
		}
	}

	return p, nil
}

// CanExitTo reports whether connections to the given port are allowed.
func (p *MicroPolicy) CanExitTo(port int) bool {
	return p.ports[port] == p.Accept
}

// String returns the policy as it appeared in the microdescriptor.
func (p *MicroPolicy) String() string {
	return p.raw
}
