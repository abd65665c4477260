package docstore

import (
	"strings"
	"unicode"
)

// Path is a parsed dotted attribute path, e.g. "profile.address.city".
type Path []string

// ParsePath validates and splits a dotted attribute path. Array subscripts
// are not supported, and segments may not be empty, whitespace-only or
// contain control characters.
func ParsePath(attr string) (Path, error) {
	if attr == "" {
		return nil, validationErrf("empty attribute path")
	}
	if strings.ContainsAny(attr, "[]") {
		return nil, validationErrf("attribute path %q: array subscripts are not supported", attr)
	}
	p := Path(strings.Split(attr, "."))
	for _, seg := range p {
		if strings.TrimSpace(seg) == "" {
			return nil, validationErrf("attribute path %q: empty segment", attr)
		}
		if strings.IndexFunc(seg, unicode.IsControl) >= 0 {
			return nil, validationErrf("attribute path %q: control character in segment", attr)
		}
	}
	return p, nil
}

// MustParsePath is like ParsePath but panics on invalid input.
func MustParsePath(attr string) Path {
	return must(ParsePath(attr))
}

func (p Path) String() string {
	return strings.Join(p, ".")
}

func (p Path) IsNested() bool {
	return len(p) > 1
}
