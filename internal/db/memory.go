package db

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/patrickwarner/chatads/internal/models"
)

var _ models.Store = (*MemoryStore)(nil)

// MemoryStore is an in-process models.Store used by tests and local
// development. A single mutex serialises every transaction, and a failed or
// cancelled transaction restores the state captured when it began, so other
// readers never observe partial writes.
type MemoryStore struct {
	mu          sync.Mutex
	ads         map[string]models.Ad
	campaigns   map[string]models.AdCampaign
	sessions    map[string]models.ChatSession
	creators    map[string]models.Creator
	impressions map[string]models.Impression
	impOrder    []string
	clicks      map[string]models.Click
	failures    map[string]error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ads:         make(map[string]models.Ad),
		campaigns:   make(map[string]models.AdCampaign),
		sessions:    make(map[string]models.ChatSession),
		creators:    make(map[string]models.Creator),
		impressions: make(map[string]models.Impression),
		clicks:      make(map[string]models.Click),
		failures:    make(map[string]error),
	}
}

// PutAd inserts or replaces an ad.
func (s *MemoryStore) PutAd(ad models.Ad) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ads[ad.ID] = ad
}

// PutCampaign inserts or replaces a campaign.
func (s *MemoryStore) PutCampaign(c models.AdCampaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
}

// PutSession inserts or replaces a chat session.
func (s *MemoryStore) PutSession(sess models.ChatSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// PutCreator inserts or replaces a creator.
func (s *MemoryStore) PutCreator(c models.Creator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creators[c.ID] = c
}

// InjectFailure makes the next transactional call to op fail with err.
// op is the models.Tx method name, e.g. "InsertImpression".
func (s *MemoryStore) InjectFailure(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// ImpressionCount returns the number of ledger rows.
func (s *MemoryStore) ImpressionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.impressions)
}

func (s *MemoryStore) GetAd(ctx context.Context, id string) (models.Ad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAd(id)
}

func (s *MemoryStore) getAd(id string) (models.Ad, error) {
	ad, ok := s.ads[id]
	if !ok {
		return models.Ad{}, fmt.Errorf("get ad %s: %w", id, models.ErrNotFound)
	}
	return ad, nil
}

func (s *MemoryStore) GetCampaign(ctx context.Context, id string) (models.AdCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return models.AdCampaign{}, fmt.Errorf("get campaign %s: %w", id, models.ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) GetCampaigns(ctx context.Context, ids []string) (map[string]models.AdCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.AdCampaign, len(ids))
	for _, id := range ids {
		if c, ok := s.campaigns[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.ChatSession{}, fmt.Errorf("get session %s: %w", id, models.ErrNotFound)
	}
	return sess, nil
}

func (s *MemoryStore) GetImpression(ctx context.Context, id string) (models.Impression, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	imp, ok := s.impressions[id]
	if !ok {
		return models.Impression{}, fmt.Errorf("get impression %s: %w", id, models.ErrNotFound)
	}
	return imp, nil
}

func (s *MemoryStore) ListImpressionsBySession(ctx context.Context, sessionID string) ([]models.Impression, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Impression
	for _, id := range s.impOrder {
		if imp := s.impressions[id]; imp.SessionID == sessionID {
			out = append(out, imp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetClick(ctx context.Context, id string) (models.Click, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clicks[id]
	if !ok {
		return models.Click{}, fmt.Errorf("get click %s: %w", id, models.ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) ListCreators(ctx context.Context) ([]models.Creator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Creator, 0, len(s.creators))
	for _, c := range s.creators {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SearchAds scores every stored ad by brute-force cosine similarity.
func (s *MemoryStore) SearchAds(ctx context.Context, q models.SearchQuery) ([]models.ScoredAd, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ScoredAd
	for _, ad := range s.ads {
		if !ad.Servable() || len(ad.Embedding) == 0 {
			continue
		}
		c, ok := s.campaigns[ad.CampaignID]
		if !ok || !c.Servable(now) {
			continue
		}
		if q.AdType != "" && ad.AdType != q.AdType {
			continue
		}
		if q.Placement != "" && ad.Placement != q.Placement {
			continue
		}
		switch ref := q.AdSet.(type) {
		case models.SystemAdSet:
			if ad.AdType != ref.AdType {
				continue
			}
		case models.CustomAdSet:
			if ad.AdSetID != ref.ID {
				continue
			}
		}
		if ad.IsDemo && !q.IncludeDemo {
			continue
		}
		if slices.Contains(q.ExcludeIDs, ad.ID) {
			continue
		}
		sim := models.CosineSimilarity(q.Embedding, ad.Embedding)
		if sim < q.MinSimilarity {
			continue
		}
		out = append(out, models.ScoredAd{Ad: ad, Similarity: sim})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if c := a.Ad.BidAmount.Cmp(b.Ad.BidAmount); c != 0 {
			return c > 0
		}
		return a.Ad.ID < b.Ad.ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// WithTx runs fn while holding the store lock. On error, panic or context
// cancellation every change fn made is rolled back.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx models.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	campaigns := maps.Clone(s.campaigns)
	sessions := maps.Clone(s.sessions)
	impressions := maps.Clone(s.impressions)
	impOrder := slices.Clone(s.impOrder)
	clicks := maps.Clone(s.clicks)
	restore := func() {
		s.campaigns = campaigns
		s.sessions = sessions
		s.impressions = impressions
		s.impOrder = impOrder
		s.clicks = clicks
	}
	defer func() {
		if r := recover(); r != nil {
			restore()
			panic(r)
		}
		if err == nil {
			// commit point: a cancelled caller must not see its writes land
			err = ctx.Err()
		}
		if err != nil {
			restore()
		}
	}()
	return fn(&memTx{s: s})
}

// memTx operates on the store's maps directly; the enclosing WithTx holds
// the lock and owns rollback.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := t.s.failures[op]; ok {
		delete(t.s.failures, op)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (t *memTx) LockSession(ctx context.Context, id string) (models.ChatSession, error) {
	if err := t.check(ctx, "LockSession"); err != nil {
		return models.ChatSession{}, err
	}
	sess, ok := t.s.sessions[id]
	if !ok {
		return models.ChatSession{}, fmt.Errorf("lock session %s: %w", id, models.ErrNotFound)
	}
	return sess, nil
}

func (t *memTx) SetLastDisplayAdAt(ctx context.Context, sessionID string, at time.Time) error {
	if err := t.check(ctx, "SetLastDisplayAdAt"); err != nil {
		return err
	}
	sess, ok := t.s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("stamp session %s: %w", sessionID, models.ErrNotFound)
	}
	sess.LastDisplayAdAt = &at
	t.s.sessions[sessionID] = sess
	return nil
}

func (t *memTx) InsertImpression(ctx context.Context, imp models.Impression) error {
	if err := t.check(ctx, "InsertImpression"); err != nil {
		return err
	}
	if _, dup := t.s.impressions[imp.ID]; dup {
		return fmt.Errorf("insert impression %s: %w", imp.ID, models.ErrBillingConflict)
	}
	if _, ok := t.s.ads[imp.AdID]; !ok {
		return fmt.Errorf("insert impression ad %s: %w", imp.AdID, models.ErrNotFound)
	}
	if _, ok := t.s.sessions[imp.SessionID]; !ok {
		return fmt.Errorf("insert impression session %s: %w", imp.SessionID, models.ErrNotFound)
	}
	imp.Billed = false
	imp.BilledAt = nil
	imp.RevenueAmount = decimal.Zero
	imp.CreatorPayoutAmount = decimal.Zero
	t.s.impressions[imp.ID] = imp
	t.s.impOrder = append(t.s.impOrder, imp.ID)
	return nil
}

func (t *memTx) LockImpression(ctx context.Context, id string) (models.Impression, error) {
	if err := t.check(ctx, "LockImpression"); err != nil {
		return models.Impression{}, err
	}
	imp, ok := t.s.impressions[id]
	if !ok {
		return models.Impression{}, fmt.Errorf("lock impression %s: %w", id, models.ErrNotFound)
	}
	return imp, nil
}

func (t *memTx) MarkImpressionBilled(ctx context.Context, id string, revenue, payout decimal.Decimal, at time.Time) error {
	if err := t.check(ctx, "MarkImpressionBilled"); err != nil {
		return err
	}
	imp, ok := t.s.impressions[id]
	if !ok {
		return fmt.Errorf("mark impression billed %s: %w", id, models.ErrNotFound)
	}
	if imp.Billed {
		return fmt.Errorf("mark impression billed %s: %w", id, models.ErrBillingConflict)
	}
	imp.Billed = true
	imp.RevenueAmount = revenue
	imp.CreatorPayoutAmount = payout
	imp.BilledAt = &at
	t.s.impressions[id] = imp
	return nil
}

func (t *memTx) GetAd(ctx context.Context, id string) (models.Ad, error) {
	if err := t.check(ctx, "GetAd"); err != nil {
		return models.Ad{}, err
	}
	return t.s.getAd(id)
}

func (t *memTx) LockCampaign(ctx context.Context, id string) (models.AdCampaign, error) {
	if err := t.check(ctx, "LockCampaign"); err != nil {
		return models.AdCampaign{}, err
	}
	c, ok := t.s.campaigns[id]
	if !ok {
		return models.AdCampaign{}, fmt.Errorf("lock campaign %s: %w", id, models.ErrNotFound)
	}
	return c, nil
}

func (t *memTx) UpdateCampaignSpend(ctx context.Context, id string, spent decimal.Decimal, status models.CampaignStatus) error {
	if err := t.check(ctx, "UpdateCampaignSpend"); err != nil {
		return err
	}
	c, ok := t.s.campaigns[id]
	if !ok {
		return fmt.Errorf("update campaign spend %s: %w", id, models.ErrNotFound)
	}
	// mirrors the spent_within_budget check constraint
	if spent.IsNegative() || spent.GreaterThan(c.BudgetAmount) {
		return fmt.Errorf("update campaign spend %s to %s: %w", id, spent, models.ErrBudgetExhausted)
	}
	c.SpentAmount = spent
	c.Status = status
	t.s.campaigns[id] = c
	return nil
}

func (t *memTx) InsertClick(ctx context.Context, c models.Click) error {
	if err := t.check(ctx, "InsertClick"); err != nil {
		return err
	}
	if _, ok := t.s.impressions[c.ImpressionID]; !ok {
		return fmt.Errorf("insert click impression %s: %w", c.ImpressionID, models.ErrNotFound)
	}
	c.BilledAt = nil
	t.s.clicks[c.ID] = c
	return nil
}

func (t *memTx) LockClick(ctx context.Context, id string) (models.Click, error) {
	if err := t.check(ctx, "LockClick"); err != nil {
		return models.Click{}, err
	}
	c, ok := t.s.clicks[id]
	if !ok {
		return models.Click{}, fmt.Errorf("lock click %s: %w", id, models.ErrNotFound)
	}
	return c, nil
}

func (t *memTx) MarkClickBilled(ctx context.Context, id string, at time.Time) error {
	if err := t.check(ctx, "MarkClickBilled"); err != nil {
		return err
	}
	c, ok := t.s.clicks[id]
	if !ok {
		return fmt.Errorf("mark click billed %s: %w", id, models.ErrNotFound)
	}
	if c.BilledAt != nil {
		return fmt.Errorf("mark click billed %s: %w", id, models.ErrBillingConflict)
	}
	// one billed click per impression, as the partial unique index enforces
	for _, other := range t.s.clicks {
		if other.ID != id && other.ImpressionID == c.ImpressionID && other.BilledAt != nil {
			return fmt.Errorf("mark click billed %s: %w", id, models.ErrBillingConflict)
		}
	}
	c.BilledAt = &at
	t.s.clicks[id] = c
	return nil
}
