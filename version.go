package torctl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ferrovax/torctl/internal/errors"
)

// Version is a parsed tor version, as described in section 2 of tor's
// version-spec.
type Version struct {
	Major int
	Minor int
	Micro int

	// Patch is the optional fourth component. Releases before 0.1.0 lack it.
	Patch int

	// Status is the optional status tag, like "alpha" or "rc".
	Status string
}

// ParseVersion parses a version string like "0.4.8.10" or
// "0.2.1.30-alpha (git-b18125a26bd5d747)". Anything after the first space is
// ignored.
func ParseVersion(s string) (Version, error) {
	value, _, _ := strings.Cut(strings.TrimSpace(s), " ")

	numbers, status, _ := strings.Cut(value, "-")

	parts := strings.Split(numbers, ".")
	if len(parts) < 3 || len(parts) > 4 {
		return Version{}, errors.Protocolf("malformed tor version %q", s)
	}

	components := make([]int, 4)

	for i, part := range parts {
		num, err := strconv.Atoi(part)
		if err != nil || num < 0 {
			return Version{}, errors.Protocolf("malformed tor version %q", s)
		}

		components[i] = num
	}

	return Version{
		Major:  components[0],
		Minor:  components[1],
		Micro:  components[2],
		Patch:  components[3],
		Status: status,
	}, nil
}

// String formats the version the way tor reports it.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Micro, v.Patch)
	if v.Status != "" {
		s += "-" + v.Status
	}

	return s
}

// Compare orders versions by their numeric components. Status tags don't
// participate in ordering. Returns -1 if v < other, 0 if equal, 1 if v >
// other.
func (v Version) Compare(other Version) int {
	pairs := [4][2]int{
		{v.Major, other.Major},
		{v.Minor, other.Minor},
		{v.Micro, other.Micro},
		{v.Patch, other.Patch},
	}

	for _, pair := range pairs {
		if pair[0] < pair[1] {
			return -1
		}

		if pair[0] > pair[1] {
			return 1
		}
	}

	return 0
}

// AtLeast reports if v is the given version or newer.
func (v Version) AtLeast(other Version) bool {
	return v.Compare(other) >= 0
}
