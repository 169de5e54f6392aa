package logic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/chatads/internal/db"
	"github.com/patrickwarner/chatads/internal/models"
)

var testSettings = models.CreatorSettings{
	MinSecondsBetweenDisplayAds:  30,
	DisplayAdSimilarityThreshold: models.Threshold(0.35),
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-10 * time.Second)
	old := now.Add(-30 * time.Second)

	tests := []struct {
		name    string
		last    *time.Time
		sim     float64
		show    bool
		reason  Reason
		state   PacingState
		hasNext bool
	}{
		{name: "no history", sim: 0.5, show: true, reason: ReasonEligible, state: PacingNoDisplayYet},
		{name: "cooling down", last: &recent, sim: 0.9, reason: ReasonCoolingDown, state: PacingCoolingDown, hasNext: true},
		{name: "cooldown elapsed exactly", last: &old, sim: 0.5, show: true, reason: ReasonEligible, state: PacingEligible},
		{name: "below threshold", sim: 0.2, reason: ReasonNoAdsAboveThreshold, state: PacingNoDisplayYet},
		{name: "cooling takes precedence", last: &recent, sim: 0.1, reason: ReasonCoolingDown, state: PacingCoolingDown, hasNext: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(models.ChatSession{ID: "s", LastDisplayAdAt: tt.last}, testSettings, tt.sim, now)
			assert.Equal(t, tt.show, d.ShouldShow)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.state, d.State)
			assert.Equal(t, tt.hasNext, d.NextEligibleAt != nil)
		})
	}

	d := Evaluate(models.ChatSession{LastDisplayAdAt: &recent}, testSettings, 0.9, now)
	assert.Equal(t, recent.Add(30*time.Second), *d.NextEligibleAt)
}

func TestPacingClaimStampsWithinTx(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	withNow(t, now)
	store := db.NewMemoryStore()
	store.PutSession(models.ChatSession{ID: "s1", CreatorID: "cr1"})
	p := NewPacingController(store)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(tx models.Tx) error {
		d, err := p.Claim(ctx, tx, "s1", testSettings, 0.8)
		require.NoError(t, err)
		assert.True(t, d.ShouldShow)
		return nil
	}))

	sess, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, sess.LastDisplayAdAt)
	assert.Equal(t, now, *sess.LastDisplayAdAt)

	d, err := p.ShouldShow(ctx, "s1", testSettings, 0.8)
	require.NoError(t, err)
	assert.Equal(t, ReasonCoolingDown, d.Reason)

	p.SetClock(func() time.Time { return now.Add(31 * time.Second) })
	d, err = p.ShouldShow(ctx, "s1", testSettings, 0.8)
	require.NoError(t, err)
	assert.True(t, d.ShouldShow)
	assert.Equal(t, PacingEligible, d.State)
}

func TestPacingClaimRolledBack(t *testing.T) {
	store := db.NewMemoryStore()
	store.PutSession(models.ChatSession{ID: "s1"})
	p := NewPacingController(store)
	ctx, cancel := context.WithCancel(context.Background())

	err := store.WithTx(ctx, func(tx models.Tx) error {
		if _, err := p.Claim(ctx, tx, "s1", testSettings, 0.8); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	sess, err := store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, sess.LastDisplayAdAt)
}

func TestPacingConcurrentClaimsSingleWinner(t *testing.T) {
	store := db.NewMemoryStore()
	store.PutSession(models.ChatSession{ID: "s1"})
	p := NewPacingController(store)
	ctx := context.Background()

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		cooling int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var d Decision
			err := store.WithTx(ctx, func(tx models.Tx) error {
				var err error
				d, err = p.Claim(ctx, tx, "s1", testSettings, 0.9)
				return err
			})
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if d.ShouldShow {
				winners++
			} else if d.Reason == ReasonCoolingDown {
				cooling++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, workers-1, cooling)
}

func TestPacingUnknownSession(t *testing.T) {
	p := NewPacingController(db.NewMemoryStore())
	_, err := p.ShouldShow(context.Background(), "missing", testSettings, 0.9)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
