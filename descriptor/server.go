// Package descriptor parses relay server descriptors, the self-published
// documents in which relays advertise their addresses, keys and policies.
package descriptor

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ferrovax/torctl/exitpolicy"
)

// publishedLayout is the timestamp format of "published" lines.
const publishedLayout = "2006-01-02 15:04:05"

var platformLine = regexp.MustCompile(`^Tor (\S*).* on (.*)$`)

// requiredFields must each appear in a server descriptor exactly once.
var requiredFields = []string{
	"router",
	"bandwidth",
	"published",
	"onion-key",
	"signing-key",
	"router-signature",
}

// ServerDescriptor is a relay's server descriptor, as spelled out in section
// 2.1.1 of tor's dir-spec.
type ServerDescriptor struct {
	// Nickname is the relay's operator chosen name.
	Nickname string

	// Address is the relay's IPv4 address.
	Address string

	// ORPort is the port used for relaying.
	ORPort int

	// SocksPort is deprecated and zero on modern relays.
	SocksPort int

	// DirPort is the port serving directory information, zero when the relay
	// doesn't mirror the directory.
	DirPort int

	// AverageBandwidth, BurstBandwidth and ObservedBandwidth are the relay's
	// advertised bandwidth in bytes per second.
	AverageBandwidth  int64
	BurstBandwidth    int64
	ObservedBandwidth int64

	// Platform is the raw platform line, with TorVersion and OperatingSystem
	// extracted from it when it follows the conventional format.
	Platform        string
	TorVersion      string
	OperatingSystem string

	// Published is when the descriptor was generated, in UTC.
	Published time.Time

	// Fingerprint is the relay's identity key fingerprint, 40 hex digits.
	Fingerprint string

	// Hibernating is set when the relay is hibernating and shouldn't be
	// used.
	Hibernating bool

	// Uptime is how long the relay has been running, in seconds. Zero when
	// the descriptor doesn't say.
	Uptime int64

	// Contact is the operator's contact information.
	Contact string

	// Family lists relays the operator declares as run together.
	Family []string

	// OnionKey and SigningKey are PEM encoded.
	OnionKey   string
	SigningKey string

	// ExitPolicy is built from the descriptor's accept/reject lines. Nil
	// when the descriptor has none.
	ExitPolicy *exitpolicy.Policy

	// Signature is the PEM encoded router signature.
	Signature string

	// Unrecognized preserves lines this parser doesn't interpret, keyed by
	// their keyword.
	Unrecognized map[string][]string
}

// descriptorEntry is a parsed "keyword value" line, with block holding any
// PEM style block that followed it.
type descriptorEntry struct {
	keyword string
	value   string
	block   string
}

// ParseServerDescriptor parses a single server descriptor.
func ParseServerDescriptor(text string) (*ServerDescriptor, error) {
	entries, err := splitEntries(text)
	if err != nil {
		return nil, err
	}

	desc := &ServerDescriptor{Unrecognized: make(map[string][]string)}

	seen := make(map[string]int)

	var policyRules []*exitpolicy.Rule

	for _, entry := range entries {
		seen[entry.keyword]++

		if err := desc.applyEntry(entry, &policyRules); err != nil {
			return nil, err
		}
	}

	for _, field := range requiredFields {
		switch {
		case seen[field] == 0:
			return nil, fmt.Errorf("server descriptor is missing its %q entry", field)
		case seen[field] > 1:
			return nil, fmt.Errorf("server descriptor has multiple %q entries", field)
		}
	}

	if len(policyRules) > 0 {
		desc.ExitPolicy = exitpolicy.New(policyRules...)
	}

	return desc, nil
}

func (d *ServerDescriptor) applyEntry(entry descriptorEntry, policyRules *[]*exitpolicy.Rule) error {
	switch entry.keyword {
	case "router":
		return d.parseRouterLine(entry.value)
	case "bandwidth":
		return d.parseBandwidthLine(entry.value)
	case "platform":
		d.Platform = entry.value

		if match := platformLine.FindStringSubmatch(entry.value); match != nil {
			d.TorVersion = match[1]
			d.OperatingSystem = match[2]
		}

		return nil
	case "published":
		published, err := time.Parse(publishedLayout, entry.value)
		if err != nil {
			return fmt.Errorf("published line has a malformed timestamp: %s", entry.value)
		}

		d.Published = published.UTC()

		return nil
	case "fingerprint":
		fingerprint := strings.ReplaceAll(entry.value, " ", "")
		if !isHex(fingerprint) || len(fingerprint) != 40 {
			return fmt.Errorf("malformed fingerprint: %s", entry.value)
		}

		d.Fingerprint = fingerprint

		return nil
	case "hibernating":
		if entry.value != "0" && entry.value != "1" {
			return fmt.Errorf("hibernating line must be 0 or 1: %s", entry.value)
		}

		d.Hibernating = entry.value == "1"

		return nil
	case "uptime":
		uptime, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil || uptime < 0 {
			return fmt.Errorf("malformed uptime: %s", entry.value)
		}

		d.Uptime = uptime

		return nil
	case "contact":
		d.Contact = entry.value

		return nil
	case "family":
		d.Family = strings.Fields(entry.value)

		return nil
	case "onion-key":
		d.OnionKey = entry.block

		return nil
	case "signing-key":
		d.SigningKey = entry.block

		return nil
	case "router-signature":
		d.Signature = entry.block

		return nil
	case "accept", "reject":
		rule, err := exitpolicy.ParseRule(entry.keyword + " " + entry.value)
		if err != nil {
			return err
		}

		*policyRules = append(*policyRules, rule)

		return nil
	default:
		d.Unrecognized[entry.keyword] = append(d.Unrecognized[entry.keyword], entry.value)

		return nil
	}
}

// parseRouterLine handles "router nickname address ORPort SocksPort DirPort".
func (d *ServerDescriptor) parseRouterLine(value string) error {
	fields := strings.Fields(value)
	if len(fields) < 5 {
		return fmt.Errorf("router line must have five values: router %s", value)
	}

	ports := make([]int, 3)

	for i, field := range fields[2:5] {
		port, err := strconv.Atoi(field)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("router line has a malformed port: router %s", value)
		}

		ports[i] = port
	}

	d.Nickname = fields[0]
	d.Address = fields[1]
	d.ORPort = ports[0]
	d.SocksPort = ports[1]
	d.DirPort = ports[2]

	return nil
}

// parseBandwidthLine handles "bandwidth average burst observed".
func (d *ServerDescriptor) parseBandwidthLine(value string) error {
	fields := strings.Fields(value)
	if len(fields) != 3 {
		return fmt.Errorf("bandwidth line must have three values: bandwidth %s", value)
	}

	rates := make([]int64, 3)

	for i, field := range fields {
		rate, err := strconv.ParseInt(field, 10, 64)
		if err != nil || rate < 0 {
			return fmt.Errorf("bandwidth line has a malformed rate: bandwidth %s", value)
		}

		rates[i] = rate
	}

	d.AverageBandwidth = rates[0]
	d.BurstBandwidth = rates[1]
	d.ObservedBandwidth = rates[2]

	return nil
}

// Parse iterates over the server descriptors in a stream of concatenated
// descriptors, like tor's cached-descriptors file or a GETINFO
// desc/all-recent reply. A malformed descriptor is yielded as an error
// without stopping the iteration.
func Parse(r io.Reader) iter.Seq2[*ServerDescriptor, error] {
	return func(yield func(*ServerDescriptor, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var chunk strings.Builder

		emit := func() bool {
			if chunk.Len() == 0 {
				return true
			}

			desc, err := ParseServerDescriptor(chunk.String())
			chunk.Reset()

			return yield(desc, err)
		}

		for scanner.Scan() {
			line := scanner.Text()

			if strings.HasPrefix(line, "router ") && chunk.Len() > 0 {
				if !emit() {
					return
				}
			}

			chunk.WriteString(line)
			chunk.WriteString("\n")
		}

		if err := scanner.Err(); err != nil {
			yield(nil, err)

			return
		}

		emit()
	}
}

// splitEntries breaks descriptor text into keyword/value entries, attaching
// the PEM style block following an entry when present.
func splitEntries(text string) ([]descriptorEntry, error) {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")

	var entries []descriptorEntry

	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "-----BEGIN") {
			return nil, fmt.Errorf("orphaned block at line %d", i+1)
		}

		keyword, value, _ := strings.Cut(line, " ")

		entry := descriptorEntry{keyword: keyword, value: value}

		// A "-----BEGIN ...-----" on the next line means this entry carries
		// a block, consumed through its matching END line.
		if i+1 < len(lines) && strings.HasPrefix(lines[i+1], "-----BEGIN") {
			var block strings.Builder

			terminated := false

			for i++; i < len(lines); i++ {
				block.WriteString(strings.TrimRight(lines[i], "\r"))
				block.WriteString("\n")

				if strings.HasPrefix(lines[i], "-----END") {
					terminated = true

					break
				}
			}

			if !terminated {
				return nil, fmt.Errorf("unterminated block in %q entry", keyword)
			}

			entry.block = strings.TrimRight(block.String(), "\n")
		}

		entries = append(entries, entry)
	}

	if len(entries) == 0 || entries[0].keyword != "router" {
		return nil, fmt.Errorf("server descriptor must start with a router line")
	}

	return entries, nil
}

func isHex(s string) bool {
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}

	return len(s) > 0
}
