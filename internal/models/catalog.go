package models

import (
	"sync/atomic"
)

// CreatorCatalog provides lock-free read access to creators and their
// settings. Writers build a fresh snapshot and swap it in atomically so the
// serving hot path never blocks on a reload.
type CreatorCatalog struct {
	data atomic.Pointer[creatorSnapshot]
}

// creatorSnapshot is an immutable view of all creators.
type creatorSnapshot struct {
	creators []Creator
	byID     map[string]*Creator
	byAPIKey map[string]*Creator
}

func newCreatorSnapshot(creators []Creator) *creatorSnapshot {
	snap := &creatorSnapshot{
		creators: make([]Creator, len(creators)),
		byID:     make(map[string]*Creator, len(creators)),
		byAPIKey: make(map[string]*Creator, len(creators)),
	}
	copy(snap.creators, creators)
	for i := range snap.creators {
		c := &snap.creators[i]
		snap.byID[c.ID] = c
		if c.APIKey != "" {
			snap.byAPIKey[c.APIKey] = c
		}
	}
	return snap
}

// NewCreatorCatalog creates an empty catalog.
func NewCreatorCatalog() *CreatorCatalog {
	c := &CreatorCatalog{}
	c.data.Store(newCreatorSnapshot(nil))
	return c
}

// ReloadAll replaces every creator in one swap.
func (c *CreatorCatalog) ReloadAll(creators []Creator) {
	c.data.Store(newCreatorSnapshot(creators))
}

// Upsert inserts or replaces a single creator.
func (c *CreatorCatalog) Upsert(creator Creator) {
	for {
		old := c.data.Load()
		next := make([]Creator, 0, len(old.creators)+1)
		replaced := false
		for _, existing := range old.creators {
			if existing.ID == creator.ID {
				next = append(next, creator)
				replaced = true
				continue
			}
			next = append(next, existing)
		}
		if !replaced {
			next = append(next, creator)
		}
		if c.data.CompareAndSwap(old, newCreatorSnapshot(next)) {
			return
		}
	}
}

// Get returns a copy of the creator with id, or nil.
func (c *CreatorCatalog) Get(id string) *Creator {
	if cr, ok := c.data.Load().byID[id]; ok {
		out := *cr
		return &out
	}
	return nil
}

// GetByAPIKey resolves an API key to its creator, or nil.
func (c *CreatorCatalog) GetByAPIKey(key string) *Creator {
	if key == "" {
		return nil
	}
	if cr, ok := c.data.Load().byAPIKey[key]; ok {
		out := *cr
		return &out
	}
	return nil
}

// All returns a copy of every creator.
func (c *CreatorCatalog) All() []Creator {
	snap := c.data.Load()
	out := make([]Creator, len(snap.creators))
	copy(out, snap.creators)
	return out
}

// Len returns the number of creators in the current snapshot.
func (c *CreatorCatalog) Len() int {
	return len(c.data.Load().creators)
}
