// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

// Package bus abstracts the cross-instance broadcast primitive. Every
// cooperating instance publishes and subscribes on one broadcast topic;
// delivery is at-most-once with no cross-instance ordering guarantee.
//
// Two implementations are provided: an in-process Watermill gochannel
// bus (single-process deployments and tests) and a NATS-backed bus for
// real multi-process coordination.
package bus

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/notifeed/internal/models"
)

// Topic is the single broadcast topic shared by all instances.
const Topic = "notifeed.broadcast"

// Kind discriminates broadcast payloads.
type Kind string

// Broadcast message kinds.
const (
	KindPing        Kind = "ping"
	KindPong        Kind = "pong"
	KindPlayed      Kind = "played"
	KindBulkStart   Kind = "bulk_fetch_start"
	KindBulkEnd     Kind = "bulk_fetch_end"
	KindItem        Kind = "item"
	KindUnavailable Kind = "unavailable"
	KindPriceUpdate Kind = "price_update"
	KindEndOfBatch  Kind = "end_of_batch"
)

// kindMetadataKey carries the Kind in message metadata so consumers can
// cheaply skip payloads they do not handle.
const kindMetadataKey = "kind"

// Envelope is the wire format of every broadcast message.
type Envelope struct {
	Kind     Kind   `json:"kind"`
	Instance string `json:"instance"`         // sender instance id
	SentAt   int64  `json:"sent_at"`          // sender clock, unix ms
	Master   string `json:"master,omitempty"` // pong: asserting master's id

	// Item events (enriched pipeline output relayed to all instances).
	Item   *models.Item `json:"item,omitempty"`
	ItemID string       `json:"item_id,omitempty"`
	ETVMin *float64     `json:"etv_min,omitempty"`
	ETVMax *float64     `json:"etv_max,omitempty"`

	// Played events.
	Key      string          `json:"key,omitempty"` // item id or bulk context
	Class    models.Category `json:"class,omitempty"`
	PlayedAt int64           `json:"played_at,omitempty"` // unix ms
}

// Marshal encodes the envelope into a Watermill message, tagging the
// kind in metadata.
func Marshal(env *Envelope) (*message.Message, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", env.Kind, err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(kindMetadataKey, string(env.Kind))
	return msg, nil
}

// Unmarshal decodes a Watermill message back into an envelope.
func Unmarshal(msg *message.Message) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Kind == "" {
		env.Kind = Kind(msg.Metadata.Get(kindMetadataKey))
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("envelope without kind")
	}
	return &env, nil
}

// Bus is the broadcast transport port. Publish delivers to every
// subscriber of the topic, including the publishing instance's own
// subscriptions. Close releases the transport.
type Bus interface {
	message.Publisher
	message.Subscriber
}
