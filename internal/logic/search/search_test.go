package search

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/chatads/internal/db"
	"github.com/patrickwarner/chatads/internal/models"
)

// vecAt returns a unit vector whose cosine similarity with (1, 0) is sim.
func vecAt(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

var query = []float32{1, 0}

func newStore(t *testing.T) *db.MemoryStore {
	t.Helper()
	s := db.NewMemoryStore()
	s.PutCampaign(models.AdCampaign{
		ID:           "camp",
		BudgetAmount: decimal.NewFromInt(100),
		Status:       models.CampaignStatusActive,
	})
	return s
}

func putAd(s *db.MemoryStore, id string, sim float64, bid string, mut ...func(*models.Ad)) {
	ad := models.Ad{
		ID:           id,
		CampaignID:   "camp",
		AdType:       models.AdTypeHyperlink,
		PricingModel: models.PricingCPC,
		BidAmount:    decimal.RequireFromString(bid),
		Status:       models.AdStatusActive,
		Embedding:    vecAt(sim),
	}
	for _, m := range mut {
		m(&ad)
	}
	s.PutAd(ad)
}

func ids(cs []Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Ad.ID)
	}
	return out
}

func TestSearchThresholdScenario(t *testing.T) {
	s := newStore(t)
	putAd(s, "relevant", 0.30, "1.00")
	putAd(s, "irrelevant", 0.10, "5.00")

	got, err := NewEngine(s).Search(context.Background(), query, Filters{Threshold: 0.25})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "relevant", got[0].Ad.ID)
	assert.InDelta(t, 0.30, got[0].Similarity, 1e-6)
}

func TestSearchOrdering(t *testing.T) {
	s := newStore(t)
	putAd(s, "b", 0.8, "1.00")
	putAd(s, "a", 0.8, "1.00")
	putAd(s, "rich", 0.8, "2.00")
	putAd(s, "top", 0.9, "0.10")

	got, err := NewEngine(s).Search(context.Background(), query, Filters{Threshold: -1})
	require.NoError(t, err)
	assert.Equal(t, []string{"top", "rich", "a", "b"}, ids(got))
}

func TestSearchThresholdMonotonic(t *testing.T) {
	s := newStore(t)
	for i, sim := range []float64{-0.5, -0.1, 0.0, 0.2, 0.25, 0.4, 0.6, 0.95} {
		putAd(s, string(rune('a'+i)), sim, "1.00")
	}
	e := NewEngine(s)
	prev := math.MaxInt
	for th := -1.0; th <= 1.0; th += 0.05 {
		got, err := e.Search(context.Background(), query, Filters{Threshold: th})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(got), prev, "threshold %.2f", th)
		for _, c := range got {
			assert.GreaterOrEqual(t, c.Similarity, th)
		}
		prev = len(got)
	}
}

func TestSearchFilters(t *testing.T) {
	s := newStore(t)
	putAd(s, "link", 0.9, "1.00")
	putAd(s, "banner", 0.9, "1.00", func(a *models.Ad) { a.AdType = models.AdTypeBanner; a.Placement = "sidebar" })
	putAd(s, "demo", 0.9, "1.00", func(a *models.Ad) { a.IsDemo = true })
	putAd(s, "custom", 0.9, "1.00", func(a *models.Ad) { a.AdSetID = "set-1" })
	putAd(s, "paused", 0.9, "1.00", func(a *models.Ad) { a.Status = models.AdStatusPaused })
	e := NewEngine(s)
	ctx := context.Background()

	got, err := e.Search(ctx, query, Filters{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"link", "banner", "custom"}, ids(got))

	got, err = e.Search(ctx, query, Filters{IncludeDemo: true})
	require.NoError(t, err)
	assert.Contains(t, ids(got), "demo")

	got, err = e.Search(ctx, query, Filters{AdType: models.AdTypeBanner, Placement: "sidebar"})
	require.NoError(t, err)
	assert.Equal(t, []string{"banner"}, ids(got))

	got, err = e.Search(ctx, query, Filters{AdSet: models.CustomAdSet{ID: "set-1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"custom"}, ids(got))

	got, err = e.Search(ctx, query, Filters{ExcludeIDs: []string{"link", "custom"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"banner"}, ids(got))

	got, err = e.Search(ctx, query, Filters{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSearchExcludesUnservableCampaigns(t *testing.T) {
	s := newStore(t)
	s.PutCampaign(models.AdCampaign{
		ID:           "done",
		BudgetAmount: decimal.NewFromInt(1),
		SpentAmount:  decimal.NewFromInt(1),
		Status:       models.CampaignStatusExhausted,
	})
	putAd(s, "live", 0.9, "1.00")
	putAd(s, "spent", 0.9, "1.00", func(a *models.Ad) { a.CampaignID = "done" })

	got, err := NewEngine(s).Search(context.Background(), query, Filters{})
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, ids(got))
}

func TestSearchEmptyIsNotError(t *testing.T) {
	got, err := NewEngine(newStore(t)).Search(context.Background(), query, Filters{Threshold: 0.5})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchValidation(t *testing.T) {
	e := NewEngine(newStore(t))
	ctx := context.Background()
	for name, tc := range map[string]struct {
		vec []float32
		f   Filters
	}{
		"empty vector":  {vec: nil},
		"threshold >1":  {vec: query, f: Filters{Threshold: 1.5}},
		"threshold <-1": {vec: query, f: Filters{Threshold: -2}},
		"nan threshold": {vec: query, f: Filters{Threshold: math.NaN()}},
		"bad ad type":   {vec: query, f: Filters{AdType: "sticker"}},
		"negative lim":  {vec: query, f: Filters{Limit: -1}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.Search(ctx, tc.vec, tc.f)
			assert.True(t, errors.Is(err, models.ErrValidation), "got %v", err)
		})
	}
}

func TestMerge(t *testing.T) {
	a := models.Ad{ID: "a", BidAmount: decimal.NewFromInt(1)}
	b := models.Ad{ID: "b", BidAmount: decimal.NewFromInt(1)}
	got := Merge(
		[]Candidate{{Ad: a, Similarity: 0.4}, {Ad: b, Similarity: 0.5}},
		[]Candidate{{Ad: a, Similarity: 0.7}},
	)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Ad.ID)
	assert.Equal(t, 0.7, got[0].Similarity)
	assert.Equal(t, "b", got[1].Ad.ID)
}
