package models

import (
	"fmt"
	"strconv"
	"strings"
)

// AdSetRef selects which pool of ads a serve draws from. It is either a
// SystemAdSet covering every ad of one type or a CustomAdSet curated by a
// creator. Refs are parsed once at the request boundary.
type AdSetRef interface {
	isAdSetRef()
	String() string
}

// SystemAdSet is the built-in ad set for a single ad type.
type SystemAdSet struct {
	AdType AdType
}

func (SystemAdSet) isAdSetRef() {}

func (s SystemAdSet) String() string { return "system-" + string(s.AdType) }

// CustomAdSet references a creator-curated ad set by id.
type CustomAdSet struct {
	ID string
}

func (CustomAdSet) isAdSetRef() {}

func (c CustomAdSet) String() string { return c.ID }

// ParseAdSetRef resolves the wire form of an ad set. "system-{type}" and
// "system-{type}-{index}" resolve to a SystemAdSet; anything else is taken as
// a custom ad set id. An empty string yields a nil ref.
func ParseAdSetRef(s string) (AdSetRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "system-") {
		return CustomAdSet{ID: s}, nil
	}
	parts := strings.Split(strings.TrimPrefix(s, "system-"), "-")
	if len(parts) > 2 {
		return nil, NewValidationError("ad_set", fmt.Sprintf("malformed system ad set %q", s))
	}
	t := AdType(parts[0])
	if !t.Valid() {
		return nil, NewValidationError("ad_set", fmt.Sprintf("unknown ad type %q", parts[0]))
	}
	if len(parts) == 2 {
		if _, err := strconv.Atoi(parts[1]); err != nil {
			return nil, NewValidationError("ad_set", fmt.Sprintf("malformed system ad set index %q", parts[1]))
		}
	}
	return SystemAdSet{AdType: t}, nil
}
