// Package search retrieves candidate ads by embedding similarity.
package search

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/patrickwarner/chatads/internal/models"
)

// DefaultLimit caps how many candidates one query returns when the caller
// does not say.
const DefaultLimit = 50

// Candidate is an ad scored against a query.
type Candidate = models.ScoredAd

// Filters narrow a search. Zero values mean "no restriction".
type Filters struct {
	AdType      models.AdType
	Placement   string
	AdSet       models.AdSetRef
	ExcludeIDs  []string
	IncludeDemo bool
	// Threshold is the minimum cosine similarity, within [-1, 1].
	Threshold float64
	Limit     int
}

// Engine runs nearest-neighbour queries against the store and normalises
// the result so every backend behaves the same.
type Engine struct {
	store models.Store
	now   func() time.Time
}

// NewEngine returns an engine over store.
func NewEngine(store models.Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Validate checks f and the query vector.
func (f Filters) Validate(embedding []float32) error {
	if len(embedding) == 0 {
		return models.NewValidationError("embedding", "must not be empty")
	}
	if math.IsNaN(f.Threshold) || f.Threshold < -1 || f.Threshold > 1 {
		return models.NewValidationError("similarity_threshold", fmt.Sprintf("%v is outside [-1, 1]", f.Threshold))
	}
	if f.AdType != "" && !f.AdType.Valid() {
		return models.NewValidationError("ad_type", fmt.Sprintf("unknown ad type %q", f.AdType))
	}
	if f.Limit < 0 {
		return models.NewValidationError("limit", "must not be negative")
	}
	return nil
}

// Search returns servable ads scoring at least f.Threshold, ordered by
// similarity desc, bid desc, then ad id. No match is an empty slice, not an
// error.
func (e *Engine) Search(ctx context.Context, embedding []float32, f Filters) ([]Candidate, error) {
	if err := f.Validate(embedding); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	now := e.now()

	found, err := e.store.SearchAds(ctx, models.SearchQuery{
		Embedding:     embedding,
		AdType:        f.AdType,
		Placement:     f.Placement,
		AdSet:         f.AdSet,
		ExcludeIDs:    f.ExcludeIDs,
		IncludeDemo:   f.IncludeDemo,
		MinSimilarity: f.Threshold,
		Limit:         limit,
		Now:           now,
	})
	if err != nil {
		return nil, fmt.Errorf("search ads: %w", err)
	}

	out := make([]Candidate, 0, len(found))
	for _, c := range found {
		if f.matches(c) {
			out = append(out, c)
		}
	}
	Sort(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// matches re-applies the filters an index may have approximated.
func (f Filters) matches(c Candidate) bool {
	ad := c.Ad
	if !ad.Servable() || c.Similarity < f.Threshold {
		return false
	}
	if f.AdType != "" && ad.AdType != f.AdType {
		return false
	}
	if f.Placement != "" && ad.Placement != f.Placement {
		return false
	}
	switch ref := f.AdSet.(type) {
	case models.SystemAdSet:
		if ad.AdType != ref.AdType {
			return false
		}
	case models.CustomAdSet:
		if ad.AdSetID != ref.ID {
			return false
		}
	}
	if ad.IsDemo && !f.IncludeDemo {
		return false
	}
	return !slices.Contains(f.ExcludeIDs, ad.ID)
}

// Sort orders candidates by similarity desc, bid desc, then ad id asc.
func Sort(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if c := a.Ad.BidAmount.Cmp(b.Ad.BidAmount); c != 0 {
			return c > 0
		}
		return a.Ad.ID < b.Ad.ID
	})
}

// Merge combines per-query result lists, keeping each ad once at its best
// similarity.
func Merge(lists ...[]Candidate) []Candidate {
	best := make(map[string]Candidate)
	for _, list := range lists {
		for _, c := range list {
			if prev, ok := best[c.Ad.ID]; !ok || c.Similarity > prev.Similarity {
				best[c.Ad.ID] = c
			}
		}
	}
	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	Sort(out)
	return out
}
