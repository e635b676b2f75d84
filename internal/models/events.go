// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedEvent marks an inbound event that cannot be processed.
// Malformed events are dropped with a warning; they never abort a batch.
var ErrMalformedEvent = errors.New("malformed event")

// ItemEvent is a raw "new item" push from the upstream server, before the
// stream pipeline has run. Date is the server-supplied wall-clock string;
// the pipeline derives the numeric Timestamp from it.
type ItemEvent struct {
	ID              string     `json:"id"`
	Title           string     `json:"title,omitempty"`
	Queue           QueueClass `json:"queue_class,omitempty"`
	Tier            Tier       `json:"tier,omitempty"`
	ETVMin          *float64   `json:"etv_min,omitempty"`
	ETVMax          *float64   `json:"etv_max,omitempty"`
	Date            string     `json:"date,omitempty"`
	ImageURL        string     `json:"image_url,omitempty"`
	IsParentVariant bool       `json:"is_parent_variant,omitempty"`
	GroupID         string     `json:"group_id,omitempty"`
	Unavailable     bool       `json:"unavailable,omitempty"`

	// Replay marks events delivered as part of a bulk replay reply rather
	// than a live push. Replay items must carry title and image.
	Replay bool `json:"replay,omitempty"`
}

// Validate checks the minimum field set. A live event needs an ID; a
// replay event additionally needs a title and image to be renderable.
func (e *ItemEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedEvent)
	}
	if e.Replay && (e.Title == "" || e.ImageURL == "") {
		return fmt.Errorf("%w: replay item %s missing title or image", ErrMalformedEvent, e.ID)
	}
	return nil
}

// DateFormat is the layout of the server-supplied date string.
const DateFormat = "2006-01-02 15:04:05"

// ParseTimestamp derives the unix-millisecond ordering key from the
// server-supplied date. Returns 0, false if the date is absent or
// unparsable; callers fall back to the local arrival time.
func (e *ItemEvent) ParseTimestamp() (int64, bool) {
	if e.Date == "" {
		return 0, false
	}
	t, err := time.ParseInLocation(DateFormat, e.Date, time.UTC)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}

// Item converts the raw event into a store item, without any pipeline
// enrichment applied.
func (e *ItemEvent) Item(firstSeen time.Time) *Item {
	item := &Item{
		ID:              e.ID,
		Title:           e.Title,
		Queue:           e.Queue,
		Tier:            e.Tier,
		FirstSeenAt:     firstSeen,
		ImageURL:        e.ImageURL,
		IsParentVariant: e.IsParentVariant,
		GroupID:         e.GroupID,
		Unavailable:     e.Unavailable,
	}
	item.SetETV(e.ETVMin, e.ETVMax)
	return item
}

// UnavailableEvent marks an already-notified item as no longer orderable.
type UnavailableEvent struct {
	ID string `json:"id"`
}

// Validate checks the minimum field set.
func (e *UnavailableEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedEvent)
	}
	return nil
}

// PriceUpdateEvent delivers monetary bounds discovered after the item was
// first pushed.
type PriceUpdateEvent struct {
	ID     string   `json:"id"`
	ETVMin *float64 `json:"etv_min,omitempty"`
	ETVMax *float64 `json:"etv_max,omitempty"`
}

// Validate checks the minimum field set.
func (e *PriceUpdateEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedEvent)
	}
	if e.ETVMin == nil && e.ETVMax == nil {
		return fmt.Errorf("%w: price update for %s carries no bounds", ErrMalformedEvent, e.ID)
	}
	return nil
}
