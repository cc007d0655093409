// Package exitpolicy parses and evaluates tor exit policies, the ordered
// accept/reject rules with which relays advertise what traffic they're
// willing to carry.
package exitpolicy

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Port range bounds for wildcard port specs.
const (
	MinPortValue = 1
	MaxPortValue = 65535
)

// Rule is a single exit policy entry, like "reject *:25" or
// "accept 192.168.0.0/16:80-443". Rules are evaluated in order, with the
// first match deciding a connection's fate.
type Rule struct {
	// Accept is whether matching connections are allowed or refused.
	Accept bool

	// IPv6Only is set for accept6/reject6 rules, which never match IPv4
	// addresses.
	IPv6Only bool

	// MinPort and MaxPort bound the matched ports, inclusive.
	MinPort int
	MaxPort int

	wildcardAddr bool
	prefix       netip.Prefix

	raw string
}

// ParseRule parses a single exit policy rule of the form
// "accept|reject <addrspec>:<portspec>".
func ParseRule(rule string) (*Rule, error) {
	raw := strings.TrimSpace(rule)

	action, exitPattern, found := strings.Cut(raw, " ")
	if !found {
		return nil, fmt.Errorf("exit policy rule %q is missing its address and port", raw)
	}

	r := &Rule{raw: raw}

	switch action {
	case "accept":
		r.Accept = true
	case "reject":
	case "accept6":
		r.Accept = true
		r.IPv6Only = true
	case "reject6":
		r.IPv6Only = true
	default:
		return nil, fmt.Errorf("exit policy rule %q must start with accept, accept6, reject or reject6", raw)
	}

	exitPattern = strings.TrimSpace(exitPattern)

	// The address may itself contain colons when it's a bracketed IPv6
	// address, so the port is whatever follows the last colon.
	idx := strings.LastIndex(exitPattern, ":")
	if idx == -1 {
		return nil, fmt.Errorf("exit policy rule %q is missing a port spec", raw)
	}

	addrSpec, portSpec := exitPattern[:idx], exitPattern[idx+1:]

	if err := r.parseAddrSpec(addrSpec); err != nil {
		return nil, fmt.Errorf("exit policy rule %q: %w", raw, err)
	}

	if err := r.parsePortSpec(portSpec); err != nil {
		return nil, fmt.Errorf("exit policy rule %q: %w", raw, err)
	}

	return r, nil
}

func (r *Rule) parseAddrSpec(addrSpec string) error {
	if addrSpec == "*" {
		r.wildcardAddr = true

		return nil
	}

	addrSpec, maskSpec, hasMask := strings.Cut(addrSpec, "/")

	// Bracketed IPv6, like [FC00::]/7.
	if strings.HasPrefix(addrSpec, "[") && strings.HasSuffix(addrSpec, "]") {
		addrSpec = addrSpec[1 : len(addrSpec)-1]
	}

	addr, err := netip.ParseAddr(addrSpec)
	if err != nil {
		return fmt.Errorf("malformed address %q", addrSpec)
	}

	bits := addr.BitLen()

	if hasMask {
		bits, err = parseMask(maskSpec, addr)
		if err != nil {
			return err
		}
	}

	prefix, err := addr.Prefix(bits)
	if err != nil {
		return fmt.Errorf("mask /%d doesn't fit address %q", bits, addrSpec)
	}

	r.prefix = prefix

	return nil
}

// parseMask handles both prefix lengths ("/24") and, for IPv4, dotted
// netmasks ("/255.255.255.0").
func parseMask(maskSpec string, addr netip.Addr) (int, error) {
	if strings.Contains(maskSpec, ".") {
		if !addr.Is4() {
			return 0, fmt.Errorf("dotted netmask %q on a non-IPv4 address", maskSpec)
		}

		mask, err := netip.ParseAddr(maskSpec)
		if err != nil || !mask.Is4() {
			return 0, fmt.Errorf("malformed netmask %q", maskSpec)
		}

		bits := 0
		seenZero := false

		for _, octet := range mask.As4() {
			for i := 7; i >= 0; i-- {
				if octet&(1<<i) != 0 {
					if seenZero {
						return 0, fmt.Errorf("non-contiguous netmask %q", maskSpec)
					}

					bits++
				} else {
					seenZero = true
				}
			}
		}

		return bits, nil
	}

	bits, err := strconv.Atoi(maskSpec)
	if err != nil || bits < 0 || bits > addr.BitLen() {
		return 0, fmt.Errorf("malformed mask %q", maskSpec)
	}

	return bits, nil
}

func (r *Rule) parsePortSpec(portSpec string) error {
	if portSpec == "*" {
		r.MinPort, r.MaxPort = MinPortValue, MaxPortValue

		return nil
	}

	minSpec, maxSpec, isRange := strings.Cut(portSpec, "-")

	minPort, err := parsePort(minSpec)
	if err != nil {
		return err
	}

	maxPort := minPort

	if isRange {
		maxPort, err = parsePort(maxSpec)
		if err != nil {
			return err
		}

		if maxPort < minPort {
			return fmt.Errorf("port range %q is backwards", portSpec)
		}
	}

	r.MinPort, r.MaxPort = minPort, maxPort

	return nil
}

func parsePort(spec string) (int, error) {
	port, err := strconv.Atoi(spec)
	if err != nil || port < 0 || port > MaxPortValue {
		return 0, fmt.Errorf("malformed port %q", spec)
	}

	return port, nil
}

// IsAddressWildcard reports whether the rule matches all addresses.
func (r *Rule) IsAddressWildcard() bool {
	return r.wildcardAddr
}

// IsPortWildcard reports whether the rule matches all ports.
func (r *Rule) IsPortWildcard() bool {
	return r.MinPort == MinPortValue && r.MaxPort == MaxPortValue
}

// Prefix returns the matched address prefix. The zero Prefix is returned for
// address wildcard rules.
func (r *Rule) Prefix() netip.Prefix {
	return r.prefix
}

// IsMatch reports whether the rule applies to a connection to the given
// address and port. Addresses of a different family than the rule's never
// match.
func (r *Rule) IsMatch(addr netip.Addr, port int) bool {
	if port < r.MinPort || port > r.MaxPort {
		return false
	}

	if r.IPv6Only && addr.Is4() {
		return false
	}

	if r.wildcardAddr {
		return true
	}

	// Prefix.Contains is false across address families.
	return r.prefix.Contains(addr)
}

// String returns the rule as it appeared in the policy.
func (r *Rule) String() string {
	return r.raw
}
