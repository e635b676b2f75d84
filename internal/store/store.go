// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

// Package store holds the authoritative in-memory map of live items with
// deterministic sort order and bounded-size eviction.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/notifeed/internal/models"
)

// SortPolicy selects the order of Sorted().
type SortPolicy string

// Sort policies.
const (
	NewestFirst    SortPolicy = "newest_first"
	OldestFirst    SortPolicy = "oldest_first"
	PriceHighFirst SortPolicy = "price_high_first"
	PriceLowFirst  SortPolicy = "price_low_first"
)

// Valid reports whether p names a known policy.
func (p SortPolicy) Valid() bool {
	switch p {
	case NewestFirst, OldestFirst, PriceHighFirst, PriceLowFirst:
		return true
	}
	return false
}

// PriceBased reports whether item price participates in the sort key.
func (p SortPolicy) PriceBased() bool {
	return p == PriceHighFirst || p == PriceLowFirst
}

// ErrDuplicateImage marks an item rejected because another live item
// already carries the same thumbnail.
var ErrDuplicateImage = errors.New("duplicate image fingerprint")

// Store is the bounded, sorted item map owned by one monitor controller.
// All methods are safe for concurrent use.
type Store struct {
	mu sync.Mutex

	items   map[string]*models.Item
	arrival []string // ids in arrival order; truncation evicts from the front

	policy      SortPolicy
	sorted      []*models.Item
	sortedValid bool

	// imageFingerprints maps thumbnail fingerprint to the owning item id,
	// populated only while duplicate suppression is on.
	imageFingerprints map[string]string
	suppressDupImages bool
}

// New creates an empty store with the NewestFirst policy.
func New() *Store {
	return &Store{
		items:             make(map[string]*models.Item),
		policy:            NewestFirst,
		imageFingerprints: make(map[string]string),
	}
}

// SetDuplicateImageSuppression toggles thumbnail-based rejection of
// incoming items. Turning it on fingerprints the current population;
// turning it off clears the fingerprint set.
func (s *Store) SetDuplicateImageSuppression(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.suppressDupImages = on
	s.imageFingerprints = make(map[string]string)
	if !on {
		return
	}
	for id, item := range s.items {
		if item.ImageURL != "" {
			s.imageFingerprints[Fingerprint(item.ImageURL)] = id
		}
	}
}

// Fingerprint derives the dedup fingerprint of a thumbnail URL.
func Fingerprint(imageURL string) string {
	sum := sha256.Sum256([]byte(imageURL))
	return hex.EncodeToString(sum[:16])
}

// Upsert merges item into the store. Returns true when the id was not
// present before. Present fields never get erased by absent ones; see
// models.Item.Merge. With duplicate-image suppression on, a new item
// whose thumbnail fingerprint belongs to a different live id is rejected
// with ErrDuplicateImage and not stored.
func (s *Store) Upsert(item *models.Item) (bool, error) {
	if item == nil || item.ID == "" {
		return false, errors.New("upsert: item without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, known := s.items[item.ID]
	if !known {
		if s.suppressDupImages && item.ImageURL != "" {
			fp := Fingerprint(item.ImageURL)
			if owner, taken := s.imageFingerprints[fp]; taken && owner != item.ID {
				return false, ErrDuplicateImage
			}
			s.imageFingerprints[fp] = item.ID
		}

		stored := item.Clone()
		if stored.FirstSeenAt.IsZero() {
			stored.FirstSeenAt = time.Now()
		}
		s.items[item.ID] = stored
		s.arrival = append(s.arrival, item.ID)
		s.sortedValid = false
		return true, nil
	}

	priceBefore, hadPrice := existing.PriceKey()
	existing.Merge(item)
	priceAfter, hasPrice := existing.PriceKey()

	priceChanged := hadPrice != hasPrice || priceBefore != priceAfter
	if s.sortedValid && s.policy.PriceBased() && priceChanged {
		// Bounded update cost: move the one entry instead of invalidating
		// the whole cached order.
		s.repositionLocked(existing)
	} else if priceChanged || item.Timestamp != 0 {
		s.sortedValid = false
	}
	return false, nil
}

// Get returns the item for id.
func (s *Store) Get(id string) (*models.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	return item, ok
}

// Remove deletes id from the store.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

func (s *Store) removeLocked(id string) bool {
	item, ok := s.items[id]
	if !ok {
		return false
	}
	delete(s.items, id)
	if item.ImageURL != "" {
		fp := Fingerprint(item.ImageURL)
		if s.imageFingerprints[fp] == id {
			delete(s.imageFingerprints, fp)
		}
	}
	s.sortedValid = false
	return true
}

// Len returns the number of live items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// SetSortPolicy switches the active sort order and invalidates the
// cached order when it actually changes.
func (s *Store) SetSortPolicy(p SortPolicy) {
	if !p.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.policy != p {
		s.policy = p
		s.sortedValid = false
	}
}

// SortPolicy returns the active policy.
func (s *Store) SortPolicy() SortPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Sorted returns the items in the active sort order. The order is
// recomputed lazily and cached until the next mutation. Callers must not
// mutate the returned slice.
func (s *Store) Sorted() []*models.Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sortedValid {
		s.sorted = make([]*models.Item, 0, len(s.items))
		for _, item := range s.items {
			s.sorted = append(s.sorted, item)
		}
		less := s.lessFunc()
		sort.SliceStable(s.sorted, less)
		s.sortedValid = true
	}
	return s.sorted
}

// Reposition moves the single entry for id to its correct slot in the
// cached order. A no-op when the order is already invalidated (the next
// Sorted call recomputes anyway) or the id is unknown.
func (s *Store) Reposition(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sortedValid {
		return
	}
	if item, ok := s.items[id]; ok {
		s.repositionLocked(item)
	}
}

// repositionLocked removes item from the cached slice and re-inserts it
// at its sorted position via binary search. Caller holds the lock and
// has checked sortedValid.
func (s *Store) repositionLocked(item *models.Item) {
	idx := -1
	for i, candidate := range s.sorted {
		if candidate.ID == item.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.sortedValid = false
		return
	}
	s.sorted = append(s.sorted[:idx], s.sorted[idx+1:]...)

	cmp := s.compareFunc()
	insertAt := sort.Search(len(s.sorted), func(i int) bool {
		return cmp(item, s.sorted[i])
	})
	s.sorted = append(s.sorted, nil)
	copy(s.sorted[insertAt+1:], s.sorted[insertAt:])
	s.sorted[insertAt] = item
}

// Truncate evicts items in oldest-first arrival order until at most max
// remain, regardless of the active sort policy. Returns the evicted ids.
// max <= 0 disables truncation.
func (s *Store) Truncate(max int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if max <= 0 || len(s.items) <= max {
		return nil
	}

	var evicted []string
	kept := s.arrival[:0]
	excess := len(s.items) - max
	for _, id := range s.arrival {
		if _, live := s.items[id]; !live {
			continue // already removed; compact as we walk
		}
		if excess > 0 {
			s.removeLocked(id)
			evicted = append(evicted, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.arrival = kept
	return evicted
}

// lessFunc adapts compareFunc for sort.SliceStable over the cached slice.
func (s *Store) lessFunc() func(i, j int) bool {
	cmp := s.compareFunc()
	return func(i, j int) bool {
		return cmp(s.sorted[i], s.sorted[j])
	}
}

// compareFunc returns the strict-before comparison for the active policy.
// Ties break on timestamp descending then id, keeping the order
// deterministic across instances.
func (s *Store) compareFunc() func(a, b *models.Item) bool {
	switch s.policy {
	case OldestFirst:
		return func(a, b *models.Item) bool {
			if a.Timestamp != b.Timestamp {
				return a.Timestamp < b.Timestamp
			}
			return a.ID < b.ID
		}
	case PriceHighFirst:
		return func(a, b *models.Item) bool {
			ap, aok := a.PriceKey()
			bp, bok := b.PriceKey()
			if aok != bok {
				return aok // priced items before unpriced
			}
			if aok && ap != bp {
				return ap > bp
			}
			return tieBreakNewest(a, b)
		}
	case PriceLowFirst:
		return func(a, b *models.Item) bool {
			ap, aok := a.PriceKey()
			bp, bok := b.PriceKey()
			if aok != bok {
				return aok
			}
			if aok && ap != bp {
				return ap < bp
			}
			return tieBreakNewest(a, b)
		}
	default: // NewestFirst
		return func(a, b *models.Item) bool {
			if a.Timestamp != b.Timestamp {
				return a.Timestamp > b.Timestamp
			}
			return a.ID < b.ID
		}
	}
}

func tieBreakNewest(a, b *models.Item) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.ID < b.ID
}
