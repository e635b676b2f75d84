// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package monitor

import (
	"strings"

	"github.com/tomtom215/notifeed/internal/models"
)

// Filter decides which stored items are visible. Zero value shows
// everything a basic-tier instance may see.
type Filter struct {
	// Search is a case-insensitive substring match on the title.
	Search string `koanf:"search" json:"search,omitempty"`

	// Category restricts the feed to one notification category.
	Category *models.Category `koanf:"category" json:"category,omitempty"`

	// Queues restricts the feed to the listed queue classes. Empty
	// means all classes.
	Queues []models.QueueClass `koanf:"queues" json:"queues,omitempty"`

	// Tier is this instance's account tier. Premium-gated items are
	// hidden from basic-tier instances.
	Tier models.Tier `koanf:"tier" json:"tier,omitempty"`

	// WithVariants shows child variants of grouped items. When false
	// only the parent variant of a group is visible.
	WithVariants bool `koanf:"with_variants" json:"with_variants,omitempty"`
}

// Visible reports whether the item passes the filter. Hide rules never
// reach this point; matching items are dropped in the pipeline before
// storage.
func (f *Filter) Visible(item *models.Item) bool {
	if item == nil {
		return false
	}

	if f.Search != "" &&
		!strings.Contains(strings.ToLower(item.Title), strings.ToLower(f.Search)) {
		return false
	}

	if f.Category != nil && item.Category() != *f.Category {
		return false
	}

	if len(f.Queues) > 0 {
		found := false
		for _, q := range f.Queues {
			if item.Queue == q {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if item.Tier == models.TierPremium && f.Tier != models.TierPremium {
		return false
	}

	if !f.WithVariants && item.GroupID != "" && !item.IsParentVariant {
		return false
	}

	return true
}
