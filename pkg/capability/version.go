package capability

import (
	"fmt"
	"strconv"
	"strings"
)

// RangeKind tells how a requested version is compared with a provided one.
type RangeKind int

const (
	Exact RangeKind = iota
	AtLeast
	AtMost
)

// VersionRequirement is a parsed "8", "8+" or "8-" request.
type VersionRequirement struct {
	Kind    RangeKind
	Version string
}

// ParseVersionRequirement splits the trailing range marker off s.
func ParseVersionRequirement(s string) VersionRequirement {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasSuffix(s, "+"):
		return VersionRequirement{Kind: AtLeast, Version: strings.TrimSuffix(s, "+")}
	case strings.HasSuffix(s, "-"):
		return VersionRequirement{Kind: AtMost, Version: strings.TrimSuffix(s, "-")}
	}
	return VersionRequirement{Kind: Exact, Version: s}
}

// SatisfiedBy compares the requirement with a provided version.
func (r VersionRequirement) SatisfiedBy(provided string) (bool, error) {
	c, err := CompareVersions(provided, r.Version)
	if err != nil {
		return false, err
	}
	switch r.Kind {
	case AtLeast:
		return c >= 0, nil
	case AtMost:
		return c <= 0, nil
	}
	return c == 0, nil
}

// CompareVersions compares dotted numeric versions component by component,
// padding the shorter one with zeros. If the padded forms are equal, the
// version with more components sorts higher, so "1.10" and "1.10.0" are
// not equal. Callers relying on trailing zeros must normalise first.
func CompareVersions(a, b string) (int, error) {
	as, err := splitVersion(a)
	if err != nil {
		return 0, err
	}
	bs, err := splitVersion(b)
	if err != nil {
		return 0, err
	}
	n := max(len(as), len(bs))
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		if x != y {
			if x < y {
				return -1, nil
			}
			return 1, nil
		}
	}
	switch {
	case len(as) < len(bs):
		return -1, nil
	case len(as) > len(bs):
		return 1, nil
	}
	return 0, nil
}

func splitVersion(v string) ([]int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("empty version")
	}
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("version %q: component %q is not a number", v, p)
		}
		out[i] = n
	}
	return out, nil
}
