// Package selection turns raw similarity candidates into the final ad list
// for one serve.
package selection

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/patrickwarner/chatads/internal/logic"
	"github.com/patrickwarner/chatads/internal/logic/search"
	"github.com/patrickwarner/chatads/internal/models"
)

// CampaignSource reads current campaign state. models.Store satisfies it.
type CampaignSource interface {
	GetCampaigns(ctx context.Context, ids []string) (map[string]models.AdCampaign, error)
}

// Options tune a single Select call.
type Options struct {
	IncludeDemo bool
	// Trace, when set, receives one step per stage.
	Trace *logic.SelectionTrace
}

// Policy applies business rules on top of similarity results.
type Policy struct {
	campaigns CampaignSource
	now       func() time.Time
}

// NewPolicy returns a policy that re-reads campaign state from campaigns.
func NewPolicy(campaigns CampaignSource) *Policy {
	return &Policy{campaigns: campaigns, now: time.Now}
}

type scored struct {
	search.Candidate
	score float64
}

// Select returns at most maxResults candidates. Ads whose campaign is no
// longer servable are dropped; if campaign state cannot be read nothing is
// returned.
func (p *Policy) Select(ctx context.Context, candidates []search.Candidate, maxResults int, settings models.CreatorSettings, opts Options) ([]search.Candidate, error) {
	if maxResults <= 0 || len(candidates) == 0 {
		return nil, nil
	}

	// dedupe by ad id at best similarity, drop demo and unservable ads
	best := make(map[string]search.Candidate, len(candidates))
	for _, c := range candidates {
		if !c.Ad.Servable() || (c.Ad.IsDemo && !opts.IncludeDemo) {
			continue
		}
		if prev, ok := best[c.Ad.ID]; !ok || c.Similarity > prev.Similarity {
			best[c.Ad.ID] = c
		}
	}
	pool := make([]search.Candidate, 0, len(best))
	campaignIDs := make([]string, 0, len(best))
	seenCampaign := make(map[string]struct{})
	for _, c := range best {
		pool = append(pool, c)
		if _, ok := seenCampaign[c.Ad.CampaignID]; !ok {
			seenCampaign[c.Ad.CampaignID] = struct{}{}
			campaignIDs = append(campaignIDs, c.Ad.CampaignID)
		}
	}
	search.Sort(pool)
	opts.Trace.AddStep("dedupe", pool)
	if len(pool) == 0 {
		return nil, nil
	}

	sort.Strings(campaignIDs)
	campaigns, err := p.campaigns.GetCampaigns(ctx, campaignIDs)
	if err != nil {
		opts.Trace.AddStepWithDetails("campaign_check", nil, map[string]string{"error": err.Error()})
		return nil, fmt.Errorf("%w: campaign lookup: %w", models.ErrUpstreamUnavailable, err)
	}
	now := p.now()
	live := pool[:0]
	for _, c := range pool {
		if camp, ok := campaigns[c.Ad.CampaignID]; ok && camp.Servable(now) {
			live = append(live, c)
		}
	}
	opts.Trace.AddStep("campaign_check", live)

	ranked := rank(live, settings.RevenueVsRelevance)

	perCampaign := settings.MaxAdsPerCampaign
	if perCampaign <= 0 {
		perCampaign = models.DefaultMaxAdsPerCampaign
	}
	taken := make(map[string]int)
	out := make([]search.Candidate, 0, min(maxResults, len(ranked)))
	for _, c := range ranked {
		if len(out) == maxResults {
			break
		}
		if taken[c.Ad.CampaignID] >= perCampaign {
			continue
		}
		taken[c.Ad.CampaignID]++
		out = append(out, c.Candidate)
	}
	opts.Trace.AddStepWithDetails("ranked", out, map[string]string{
		"revenue_vs_relevance": strconv.FormatFloat(settings.RevenueVsRelevance, 'f', -1, 64),
		"max_ads_per_campaign": strconv.Itoa(perCampaign),
	})
	return out, nil
}

// rank blends similarity with bid normalised against the highest bid in the
// pool: score = (1-w)*similarity + w*bid/maxBid. Ties fall back to
// similarity, bid, then ad id.
func rank(cs []search.Candidate, w float64) []scored {
	if w < 0 {
		w = 0
	}
	if w > 1 {
		w = 1
	}
	maxBid := decimal.Zero
	for _, c := range cs {
		if c.Ad.BidAmount.GreaterThan(maxBid) {
			maxBid = c.Ad.BidAmount
		}
	}
	out := make([]scored, len(cs))
	for i, c := range cs {
		norm := 0.0
		if maxBid.IsPositive() {
			norm = c.Ad.BidAmount.Div(maxBid).InexactFloat64()
		}
		out[i] = scored{Candidate: c, score: (1-w)*c.Similarity + w*norm}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if c := a.Ad.BidAmount.Cmp(b.Ad.BidAmount); c != 0 {
			return c > 0
		}
		return a.Ad.ID < b.Ad.ID
	})
	return out
}
