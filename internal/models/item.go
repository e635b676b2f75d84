// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

// Package models defines the core data structures shared across the feed
// pipeline, store, and coordination layers.
package models

import (
	"time"
)

// QueueClass identifies the recommendation pool an item was drawn from.
type QueueClass string

// Queue class values.
const (
	QueueA QueueClass = "A"
	QueueB QueueClass = "B"
	QueueC QueueClass = "C"
)

// Valid reports whether q is a known queue class.
func (q QueueClass) Valid() bool {
	switch q {
	case QueueA, QueueB, QueueC:
		return true
	}
	return false
}

// Tier is the account tier an item is gated to. Tier is mutable after
// creation: an item discovered as basic can later be re-flagged premium.
type Tier string

// Tier values.
const (
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// Category is the derived display category of an item.
// Priority order: Highlighted > ZeroValue > Regular.
type Category int

// Category values, ordered by ascending priority.
const (
	CategoryRegular Category = iota
	CategoryZeroValue
	CategoryHighlighted
)

// String implements fmt.Stringer.
func (c Category) String() string {
	switch c {
	case CategoryHighlighted:
		return "highlighted"
	case CategoryZeroValue:
		return "zero_value"
	default:
		return "regular"
	}
}

// HighestCategory returns the highest-priority category present in classes,
// or CategoryRegular for an empty set.
func HighestCategory(classes []Category) Category {
	highest := CategoryRegular
	for _, c := range classes {
		if c > highest {
			highest = c
		}
	}
	return highest
}

// Item is one product notification as held by the store. Items are unique
// by ID; late-arriving partial data merges into the existing entry.
type Item struct {
	ID              string     `json:"id"`
	Title           string     `json:"title,omitempty"`
	Queue           QueueClass `json:"queue_class,omitempty"`
	Tier            Tier       `json:"tier,omitempty"`
	ETVMin          *float64   `json:"etv_min,omitempty"`
	ETVMax          *float64   `json:"etv_max,omitempty"`
	Timestamp       int64      `json:"timestamp,omitempty"` // server ordering key, unix ms
	FirstSeenAt     time.Time  `json:"first_seen_at,omitempty"`
	ImageURL        string     `json:"image_url,omitempty"`
	IsParentVariant bool       `json:"is_parent_variant,omitempty"`
	GroupID         string     `json:"group_id,omitempty"`
	Unavailable     bool       `json:"unavailable,omitempty"`

	// Matched rule patterns from the stream pipeline. Empty means no match.
	MatchedHighlight string `json:"matched_highlight,omitempty"`
	MatchedHide      string `json:"matched_hide,omitempty"`
	MatchedBlur      string `json:"matched_blur,omitempty"`
}

// Category derives the display category. Highlighted wins over ZeroValue,
// which wins over Regular.
func (i *Item) Category() Category {
	if i.MatchedHighlight != "" {
		return CategoryHighlighted
	}
	if i.ETVMax != nil && *i.ETVMax == 0 {
		return CategoryZeroValue
	}
	return CategoryRegular
}

// SetETV applies new monetary bounds, normalizing so that min <= max holds
// afterwards. Nil arguments leave the corresponding bound untouched.
func (i *Item) SetETV(min, max *float64) {
	if min != nil {
		v := *min
		i.ETVMin = &v
	}
	if max != nil {
		v := *max
		i.ETVMax = &v
	}
	if i.ETVMin != nil && i.ETVMax != nil && *i.ETVMin > *i.ETVMax {
		i.ETVMin, i.ETVMax = i.ETVMax, i.ETVMin
	}
}

// PriceKey returns the sort key used by price-based sort policies and
// whether the item has a price at all. Items without a price sort after
// priced items regardless of direction.
func (i *Item) PriceKey() (float64, bool) {
	if i.ETVMax != nil {
		return *i.ETVMax, true
	}
	if i.ETVMin != nil {
		return *i.ETVMin, true
	}
	return 0, false
}

// Merge folds other into i. Present fields in other overwrite; absent
// fields never erase already-known data. Unavailable is a one-way
// false-to-true transition. The receiver's ID and FirstSeenAt are kept.
func (i *Item) Merge(other *Item) {
	if other == nil {
		return
	}
	if other.Title != "" {
		i.Title = other.Title
	}
	if other.Queue != "" {
		i.Queue = other.Queue
	}
	if other.Tier != "" {
		i.Tier = other.Tier
	}
	i.SetETV(other.ETVMin, other.ETVMax)
	if other.Timestamp != 0 {
		i.Timestamp = other.Timestamp
	}
	if other.ImageURL != "" {
		i.ImageURL = other.ImageURL
	}
	if other.IsParentVariant {
		i.IsParentVariant = true
	}
	if other.GroupID != "" {
		i.GroupID = other.GroupID
	}
	if other.Unavailable {
		i.Unavailable = true
	}
	if other.MatchedHighlight != "" {
		i.MatchedHighlight = other.MatchedHighlight
	}
	if other.MatchedHide != "" {
		i.MatchedHide = other.MatchedHide
	}
	if other.MatchedBlur != "" {
		i.MatchedBlur = other.MatchedBlur
	}
}

// Clone returns a deep copy of the item.
func (i *Item) Clone() *Item {
	out := *i
	if i.ETVMin != nil {
		v := *i.ETVMin
		out.ETVMin = &v
	}
	if i.ETVMax != nil {
		v := *i.ETVMax
		out.ETVMax = &v
	}
	return &out
}
