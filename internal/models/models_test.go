package models

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAdSetRef(t *testing.T) {
	tests := []struct {
		in      string
		want    AdSetRef
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "system-banner", want: SystemAdSet{AdType: AdTypeBanner}},
		{in: "system-video-2", want: SystemAdSet{AdType: AdTypeVideo}},
		{in: "set-123", want: CustomAdSet{ID: "set-123"}},
		{in: "system-sticker-0", wantErr: true},
		{in: "system-banner-x", wantErr: true},
		{in: "system-banner-1-2", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAdSetRef(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAdCharge(t *testing.T) {
	cpm := Ad{PricingModel: PricingCPM, BidAmount: decimal.RequireFromString("2.50")}
	cpc := Ad{PricingModel: PricingCPC, BidAmount: decimal.RequireFromString("0.50")}

	assert.True(t, cpm.Charge().Equal(decimal.RequireFromString("0.0025")), "got %s", cpm.Charge())
	assert.True(t, cpc.Charge().Equal(decimal.RequireFromString("0.50")), "got %s", cpc.Charge())
}

func TestCampaignServable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	base := AdCampaign{
		ID:           "c1",
		BudgetAmount: decimal.NewFromInt(10),
		SpentAmount:  decimal.NewFromInt(2),
		Status:       CampaignStatusActive,
	}
	assert.True(t, base.Servable(now))

	paused := base
	paused.Status = CampaignStatusPaused
	assert.False(t, paused.Servable(now))

	spent := base
	spent.SpentAmount = decimal.NewFromInt(10)
	assert.False(t, spent.Servable(now))
	assert.True(t, spent.Remaining().IsZero())

	notStarted := base
	notStarted.StartDate = &future
	assert.False(t, notStarted.Servable(now))

	ended := base
	ended.EndDate = &past
	assert.False(t, ended.Servable(now))

	deleted := base
	deleted.DeletedAt = &past
	assert.False(t, deleted.Servable(now))
}

func TestAdTypeIsDisplay(t *testing.T) {
	display := map[AdType]bool{
		AdTypeHyperlink: false,
		AdTypeBanner:    true,
		AdTypePopup:     true,
		AdTypeVideo:     true,
		AdTypeThinking:  false,
	}
	for typ, want := range display {
		if got := typ.IsDisplay(); got != want {
			t.Errorf("%s.IsDisplay() = %v, want %v", typ, got, want)
		}
	}
}

func TestCreatorSettingsWithDefaults(t *testing.T) {
	def := CreatorSettings{
		MinSecondsBetweenDisplayAds:  DefaultMinSecondsBetweenDisplayAds,
		DisplayAdSimilarityThreshold: Threshold(DefaultDisplayAdSimilarityThreshold),
		MaxAdsPerCampaign:            DefaultMaxAdsPerCampaign,
	}
	got := CreatorSettings{RevenueVsRelevance: 1.5, MinSecondsBetweenDisplayAds: 45}.WithDefaults(def)

	assert.Equal(t, 45, got.MinSecondsBetweenDisplayAds)
	assert.Equal(t, DefaultDisplayAdSimilarityThreshold, got.DisplayThreshold())
	assert.Equal(t, DefaultDisplayAdSimilarityThreshold, *def.DisplayAdSimilarityThreshold, "defaults must not be aliased")
	assert.Equal(t, 1, got.MaxAdsPerCampaign)
	assert.Equal(t, 1.0, got.RevenueVsRelevance)
	assert.Equal(t, 45*time.Second, got.DisplayCooldown())
}

func TestCreatorSettingsExplicitZeroThreshold(t *testing.T) {
	def := CreatorSettings{DisplayAdSimilarityThreshold: Threshold(DefaultDisplayAdSimilarityThreshold)}

	got := CreatorSettings{DisplayAdSimilarityThreshold: Threshold(0)}.WithDefaults(def)
	require.NotNil(t, got.DisplayAdSimilarityThreshold)
	assert.Equal(t, 0.0, got.DisplayThreshold())

	assert.Equal(t, 0.0, CreatorSettings{}.DisplayThreshold())
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 2}))
}

func TestCreatorCatalog(t *testing.T) {
	c := NewCreatorCatalog()
	c.ReloadAll([]Creator{
		{ID: "cr1", APIKey: "key1"},
		{ID: "cr2", APIKey: "key2"},
	})

	require.NotNil(t, c.Get("cr1"))
	assert.Equal(t, "cr2", c.GetByAPIKey("key2").ID)
	assert.Nil(t, c.GetByAPIKey(""))
	assert.Nil(t, c.Get("missing"))

	c.Upsert(Creator{ID: "cr1", APIKey: "rotated"})
	assert.Nil(t, c.GetByAPIKey("key1"))
	assert.Equal(t, "cr1", c.GetByAPIKey("rotated").ID)
	assert.Equal(t, 2, c.Len())

	c.Upsert(Creator{ID: "cr3"})
	assert.Len(t, c.All(), 3)
}
