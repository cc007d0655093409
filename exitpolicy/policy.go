package exitpolicy

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

// Policy is an ordered collection of exit policy rules, evaluated first
// match wins. Connections no rule matches are allowed, mirroring how tor
// treats a policy without a catch-all.
type Policy struct {
	rules []*Rule
}

// Parse parses a comma separated exit policy, like
// "accept *:80, accept *:443, reject *:*".
func Parse(policy string) (*Policy, error) {
	var rules []*Rule

	for _, entry := range strings.Split(policy, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		rule, err := ParseRule(entry)
		if err != nil {
			return nil, err
		}

		rules = append(rules, rule)
	}

	if len(rules) == 0 {
		return nil, fmt.Errorf("exit policy %q contains no rules", policy)
	}

	return &Policy{rules: rules}, nil
}

// New makes a policy from already parsed rules.
func New(rules ...*Rule) *Policy {
	return &Policy{rules: rules}
}

// Rules returns the policy's rules in evaluation order.
func (p *Policy) Rules() []*Rule {
	return p.rules
}

// CanExitTo reports whether the policy allows connections to the given
// address and port.
func (p *Policy) CanExitTo(addr netip.Addr, port int) bool {
	for _, rule := range p.rules {
		if rule.IsMatch(addr, port) {
			return rule.Accept
		}
	}

	return true
}

// CanExitToPort reports whether the policy allows connections to the given
// port on at least some address, for callers that don't know the address in
// advance.
func (p *Policy) CanExitToPort(port int) bool {
	for _, rule := range p.rules {
		if port < rule.MinPort || port > rule.MaxPort {
			continue
		}

		if rule.Accept {
			return true
		}

		// A reject covering every address settles it.
		if rule.IsAddressWildcard() {
			return false
		}
	}

	return true
}

// IsExitingAllowed reports whether the policy allows exiting at all.
func (p *Policy) IsExitingAllowed() bool {
	for _, rule := range p.rules {
		if rule.Accept {
			return true
		}

		if rule.IsAddressWildcard() && rule.IsPortWildcard() {
			return false
		}
	}

	return true
}

// Summary condenses the policy to a short port list, like
// "accept 80, 443" or "reject 1-442, 444-65535". Only rules applying to all
// addresses participate, which is how relay summaries are conventionally
// presented.
func (p *Policy) Summary() string {
	// A trailing catch-all tells us if this is a whitelist or a blacklist.
	isWhitelist := true

	for _, rule := range p.rules {
		if rule.IsAddressWildcard() && rule.IsPortWildcard() {
			isWhitelist = !rule.Accept

			break
		}
	}

	// Collect the ports the leading all-address rules accept (whitelist) or
	// reject (blacklist). Later rules can't override earlier ports.
	var displayPorts []int

	skipPorts := make(map[int]bool)

	for _, rule := range p.rules {
		if !rule.IsAddressWildcard() {
			continue
		}

		if rule.IsPortWildcard() {
			break
		}

		for port := rule.MinPort; port <= rule.MaxPort; port++ {
			if skipPorts[port] {
				continue
			}

			if rule.Accept == isWhitelist {
				displayPorts = append(displayPorts, port)
			}

			skipPorts[port] = true
		}
	}

	var ranges []string

	if len(displayPorts) > 0 {
		sort.Ints(displayPorts)
		ranges = collapseRanges(displayPorts)
	} else {
		// Nothing listed means the polarity flips and everything qualifies.
		isWhitelist = !isWhitelist
		ranges = []string{"1-65535"}
	}

	label := "reject "
	if isWhitelist {
		label = "accept "
	}

	return label + strings.Join(ranges, ", ")
}

// String renders the policy as its comma separated rules.
func (p *Policy) String() string {
	entries := make([]string, 0, len(p.rules))
	for _, rule := range p.rules {
		entries = append(entries, rule.String())
	}

	return strings.Join(entries, ", ")
}

// collapseRanges turns a sorted port list into range strings, like
// [80, 443, 444, 445] into ["80", "443-445"].
func collapseRanges(ports []int) []string {
	var ranges []string

	start, prev := ports[0], ports[0]

	flush := func() {
		if start == prev {
			ranges = append(ranges, strconv.Itoa(start))
		} else {
			ranges = append(ranges, fmt.Sprintf("%d-%d", start, prev))
		}
	}

	for _, port := range ports[1:] {
		if port == prev+1 {
			prev = port

			continue
		}

		flush()
		start, prev = port, port
	}

	flush()

	return ranges
}
