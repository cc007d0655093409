package response

import (
	"strings"

	"github.com/ferrovax/torctl/internal/errors"
)

// Line is a cursor over a reply line's content, consuming space separated
// tokens and KEY=VALUE mappings from the front.
type Line struct {
	remainder string
}

// NewLine makes a cursor for the given content.
func NewLine(content string) *Line {
	return &Line{remainder: content}
}

// IsEmpty reports whether all content has been consumed.
func (l *Line) IsEmpty() bool {
	return l.remainder == ""
}

// Remainder returns the content that hasn't been consumed yet.
func (l *Line) Remainder() string {
	return l.remainder
}

// Pop consumes and returns the next space separated token.
func (l *Line) Pop() (string, error) {
	if l.remainder == "" {
		return "", errors.Protocolf("no remaining content to pop")
	}

	token, rest, found := strings.Cut(l.remainder, " ")
	if found {
		l.remainder = rest
	} else {
		l.remainder = ""
	}

	return token, nil
}

// IsNextMapping reports whether the next entry is a KEY=VALUE mapping. When
// key is non-empty the mapping's key must match it; when quoted is set the
// value must be a quoted string.
func (l *Line) IsNextMapping(key string, quoted bool) bool {
	before, after, found := strings.Cut(l.remainder, "=")
	if !found || strings.ContainsAny(before, " \"") {
		return false
	}

	if key != "" && before != key {
		return false
	}

	if quoted {
		return strings.HasPrefix(after, "\"")
	}

	return true
}

// PopMapping consumes a KEY=VALUE mapping, returning the key and value. When
// quoted is set the value is read as a quoted string with backslash escapes
// unescaped; otherwise the value runs to the next space.
func (l *Line) PopMapping(quoted bool) (key, value string, err error) {
	before, after, found := strings.Cut(l.remainder, "=")
	if !found || strings.ContainsAny(before, " \"") {
		return "", "", errors.Protocolf("next entry isn't a KEY=VALUE mapping: %s", l.remainder)
	}

	if quoted {
		value, rest, err := popQuoted(after)
		if err != nil {
			return "", "", err
		}

		l.remainder = strings.TrimPrefix(rest, " ")

		return before, value, nil
	}

	value, rest, hasMore := strings.Cut(after, " ")
	if hasMore {
		l.remainder = rest
	} else {
		l.remainder = ""
	}

	return before, value, nil
}

// popQuoted reads a leading double-quoted string, handling \" and \\
// escapes, and returns the unescaped value plus what follows the closing
// quote.
func popQuoted(content string) (value, rest string, err error) {
	if !strings.HasPrefix(content, "\"") {
		return "", "", errors.Protocolf("expected a quoted value: %s", content)
	}

	var b strings.Builder

	for i := 1; i < len(content); i++ {
		switch content[i] {
		case '\\':
			if i+1 >= len(content) {
				return "", "", errors.Protocolf("unterminated escape in quoted value: %s", content)
			}

			i++
			b.WriteByte(content[i])
		case '"':
			return b.String(), content[i+1:], nil
		default:
			b.WriteByte(content[i])
		}
	}

	return "", "", errors.Protocolf("unterminated quoted value: %s", content)
}
