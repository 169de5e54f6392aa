package selection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/chatads/internal/logic"
	"github.com/patrickwarner/chatads/internal/logic/search"
	"github.com/patrickwarner/chatads/internal/models"
)

type fakeCampaigns struct {
	campaigns map[string]models.AdCampaign
	err       error
	calls     int
}

func (f *fakeCampaigns) GetCampaigns(ctx context.Context, ids []string) (map[string]models.AdCampaign, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]models.AdCampaign)
	for _, id := range ids {
		if c, ok := f.campaigns[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func active(id string) models.AdCampaign {
	return models.AdCampaign{ID: id, BudgetAmount: decimal.NewFromInt(10), Status: models.CampaignStatusActive}
}

func cand(id, campaign string, sim float64, bid string) search.Candidate {
	return search.Candidate{
		Ad: models.Ad{
			ID:         id,
			CampaignID: campaign,
			Status:     models.AdStatusActive,
			BidAmount:  decimal.RequireFromString(bid),
		},
		Similarity: sim,
	}
}

func adIDs(cs []search.Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Ad.ID)
	}
	return out
}

var defaults = models.CreatorSettings{MaxAdsPerCampaign: 1}

func newSource(ids ...string) *fakeCampaigns {
	f := &fakeCampaigns{campaigns: map[string]models.AdCampaign{}}
	for _, id := range ids {
		f.campaigns[id] = active(id)
	}
	return f
}

func TestSelectDedupesAndCapsPerCampaign(t *testing.T) {
	p := NewPolicy(newSource("c1", "c2"))
	got, err := p.Select(context.Background(), []search.Candidate{
		cand("a", "c1", 0.5, "1"),
		cand("a", "c1", 0.9, "1"),
		cand("b", "c1", 0.8, "1"),
		cand("c", "c2", 0.6, "1"),
	}, 5, defaults, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, adIDs(got))
	assert.Equal(t, 0.9, got[0].Similarity)

	got, err = p.Select(context.Background(), []search.Candidate{
		cand("a", "c1", 0.9, "1"),
		cand("b", "c1", 0.8, "1"),
		cand("c", "c2", 0.6, "1"),
	}, 5, models.CreatorSettings{MaxAdsPerCampaign: 2}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, adIDs(got))
}

func TestSelectRevenueVsRelevance(t *testing.T) {
	p := NewPolicy(newSource("c1", "c2"))
	cs := []search.Candidate{
		cand("relevant", "c1", 0.9, "0.10"),
		cand("rich", "c2", 0.5, "1.00"),
	}

	got, err := p.Select(context.Background(), cs, 1, models.CreatorSettings{RevenueVsRelevance: 0}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"relevant"}, adIDs(got))

	got, err = p.Select(context.Background(), cs, 1, models.CreatorSettings{RevenueVsRelevance: 1}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"rich"}, adIDs(got))

	// 0.5*0.9 + 0.5*0.1 = 0.5 vs 0.5*0.5 + 0.5*1 = 0.75
	got, err = p.Select(context.Background(), cs, 2, models.CreatorSettings{RevenueVsRelevance: 0.5}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"rich", "relevant"}, adIDs(got))
}

func TestSelectTieBreaks(t *testing.T) {
	p := NewPolicy(newSource("c1", "c2", "c3"))
	got, err := p.Select(context.Background(), []search.Candidate{
		cand("z", "c1", 0.7, "1"),
		cand("y", "c2", 0.7, "2"),
		cand("x", "c3", 0.7, "2"),
	}, 3, defaults, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, adIDs(got))
}

func TestSelectExcludesDemoUnlessRequested(t *testing.T) {
	p := NewPolicy(newSource("c1", "c2"))
	demo := cand("demo", "c1", 0.9, "1")
	demo.Ad.IsDemo = true
	cs := []search.Candidate{demo, cand("real", "c2", 0.5, "1")}

	got, err := p.Select(context.Background(), cs, 5, defaults, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"real"}, adIDs(got))

	got, err = p.Select(context.Background(), cs, 5, defaults, Options{IncludeDemo: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"demo", "real"}, adIDs(got))
}

func TestSelectFailsClosed(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	src := newSource("live")
	paused := active("paused")
	paused.Status = models.CampaignStatusPaused
	ended := active("ended")
	ended.EndDate = &past
	exhausted := active("exhausted")
	exhausted.SpentAmount = exhausted.BudgetAmount
	src.campaigns["paused"] = paused
	src.campaigns["ended"] = ended
	src.campaigns["exhausted"] = exhausted

	p := NewPolicy(src)
	trace := &logic.SelectionTrace{}
	got, err := p.Select(context.Background(), []search.Candidate{
		cand("a", "live", 0.5, "1"),
		cand("b", "paused", 0.9, "1"),
		cand("c", "ended", 0.9, "1"),
		cand("d", "exhausted", 0.9, "1"),
		cand("e", "gone", 0.9, "1"),
	}, 5, defaults, Options{Trace: trace})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, adIDs(got))
	require.Len(t, trace.Steps, 3)
	assert.Equal(t, "campaign_check", trace.Steps[1].Stage)
}

func TestSelectLookupFailure(t *testing.T) {
	p := NewPolicy(&fakeCampaigns{err: errors.New("connection refused")})
	got, err := p.Select(context.Background(), []search.Candidate{cand("a", "c1", 0.9, "1")}, 5, defaults, Options{})
	require.ErrorIs(t, err, models.ErrUpstreamUnavailable)
	assert.Empty(t, got)
}

func TestSelectEmpty(t *testing.T) {
	src := newSource()
	p := NewPolicy(src)
	got, err := p.Select(context.Background(), nil, 3, defaults, Options{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, src.calls)
}
