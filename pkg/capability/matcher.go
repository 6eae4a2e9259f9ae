// Package capability decides whether a slot's advertised capabilities satisfy
// a client's request.
package capability

import "slotgrid/pkg/model"

// Matcher is the allocation predicate used by the broker registry.
type Matcher interface {
	Matches(provided, required *model.Capabilities) bool
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(provided, required *model.Capabilities) bool

func (f MatcherFunc) Matches(provided, required *model.Capabilities) bool {
	return f(provided, required)
}

// DefaultMatcher checks every non-empty required key: platform by family,
// version by range, anything else by equality. Empty required keys are
// wildcards.
type DefaultMatcher struct{}

func (DefaultMatcher) Matches(provided, required *model.Capabilities) bool {
	if provided == nil || required == nil {
		return false
	}
	for _, key := range required.Keys() {
		want := required.Get(key)
		have := provided.Get(key)
		switch key {
		case model.KeyPlatform:
			if have == "" || !ParsePlatform(have).Is(ParsePlatform(want)) {
				return false
			}
		case model.KeyVersion:
			if have == "" {
				return false
			}
			ok, err := ParseVersionRequirement(want).SatisfiedBy(have)
			if err != nil || !ok {
				return false
			}
		default:
			if have != want {
				return false
			}
		}
	}
	return true
}
