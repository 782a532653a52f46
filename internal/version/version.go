// Package version implements the multi-component version numbers and
// constraint formulas used throughout tpm2. A VersionNumber is an ordered
// sequence of components, each either a non-negative integer or a single
// lowercase letter; every position is significant and letters sort above
// integers at the same position.
package version

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Component is one element of a VersionNumber: either an integer or a
// single lowercase letter. Exactly one of the two fields is meaningful,
// selected by isLetter.
type Component struct {
	isLetter bool
	letter   byte
	integer  uint64
}

func intComponent(n uint64) Component { return Component{integer: n} }
func letterComponent(c byte) Component { return Component{isLetter: true, letter: c} }

// Compare orders c relative to other. Letters compare greater than
// integers at the same position.
func (c Component) Compare(other Component) int {
	if c.isLetter != other.isLetter {
		if c.isLetter {
			return 1
		}
		return -1
	}
	if c.isLetter {
		switch {
		case c.letter < other.letter:
			return -1
		case c.letter > other.letter:
			return 1
		default:
			return 0
		}
	}
	switch {
	case c.integer < other.integer:
		return -1
	case c.integer > other.integer:
		return 1
	default:
		return 0
	}
}

func (c Component) String() string {
	if c.isLetter {
		return string(c.letter)
	}
	return strconv.FormatUint(c.integer, 10)
}

// VersionNumber is a parsed, ordered sequence of version components.
type VersionNumber struct {
	components []Component
}

// Parse tokenizes s on "." boundaries and additionally splits any maximal
// run of letters into individual single-letter components. An empty
// component, a trailing ".", or a non-alphanumeric character is an error.
func Parse(s string) (VersionNumber, error) {
	if s == "" {
		return VersionNumber{}, errors.New("version: empty string is not a valid version")
	}

	var comps []Component
	for _, dotPart := range strings.Split(s, ".") {
		if dotPart == "" {
			return VersionNumber{}, errors.Errorf("version %q: empty component (consecutive or trailing '.')", s)
		}

		runStart := 0
		runIsLetter := isLetter(dotPart[0])
		flush := func(end int) error {
			chunk := dotPart[runStart:end]
			if runIsLetter {
				for i := 0; i < len(chunk); i++ {
					comps = append(comps, letterComponent(chunk[i]))
				}
				return nil
			}
			n, err := strconv.ParseUint(chunk, 10, 64)
			if err != nil {
				return errors.Wrapf(err, "version %q: invalid integer component %q", s, chunk)
			}
			comps = append(comps, intComponent(n))
			return nil
		}

		for i := 1; i <= len(dotPart); i++ {
			if i < len(dotPart) {
				c := dotPart[i]
				if !isLetter(c) && !isDigit(c) {
					return VersionNumber{}, errors.Errorf("version %q: invalid character %q", s, c)
				}
				if isLetter(c) == runIsLetter {
					continue
				}
			}
			if err := flush(i); err != nil {
				return VersionNumber{}, err
			}
			runStart = i
			if i < len(dotPart) {
				runIsLetter = isLetter(dotPart[i])
			}
		}
	}

	return VersionNumber{components: comps}, nil
}

// MustParse is like Parse but panics on error; it exists for literal
// version numbers embedded in code and tests.
func MustParse(s string) VersionNumber {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func isLetter(c byte) bool { return c >= 'a' && c <= 'z' }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }

// String renders the canonical, normalized form: letter runs are split
// into single-character components, each joined by ".".
func (v VersionNumber) String() string {
	parts := make([]string, len(v.components))
	for i, c := range v.components {
		parts[i] = c.String()
	}
	return strings.Join(parts, ".")
}

// Compare returns -1, 0, or 1 as v orders before, the same as, or after
// other. A shorter prefix orders before its extensions.
func (v VersionNumber) Compare(other VersionNumber) int {
	n := len(v.components)
	if len(other.components) < n {
		n = len(other.components)
	}
	for i := 0; i < n; i++ {
		if c := v.components[i].Compare(other.components[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(v.components) < len(other.components):
		return -1
	case len(v.components) > len(other.components):
		return 1
	default:
		return 0
	}
}

func (v VersionNumber) Less(other VersionNumber) bool { return v.Compare(other) < 0 }
func (v VersionNumber) Equal(other VersionNumber) bool { return v.Compare(other) == 0 }

// IsZero reports whether v was never assigned a parsed value.
func (v VersionNumber) IsZero() bool { return v.components == nil }

// ByVersion sorts a slice of VersionNumber in ascending order.
type ByVersion []VersionNumber

func (s ByVersion) Len() int           { return len(s) }
func (s ByVersion) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s ByVersion) Less(i, j int) bool { return s[i].Less(s[j]) }
