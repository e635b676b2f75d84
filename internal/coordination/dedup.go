// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/notifeed/internal/bus"
	"github.com/tomtom215/notifeed/internal/cache"
	"github.com/tomtom215/notifeed/internal/clock"
	"github.com/tomtom215/notifeed/internal/logging"
	"github.com/tomtom215/notifeed/internal/models"
)

// DeduperConfig holds notification dedup settings.
type DeduperConfig struct {
	// Window is how long a played key suppresses repeats across all
	// instances.
	Window time.Duration

	// SweepInterval is how often expired entries are swept.
	SweepInterval time.Duration

	// Capacity bounds the dedup cache.
	Capacity int
}

// DefaultDeduperConfig returns production defaults.
func DefaultDeduperConfig() DeduperConfig {
	return DeduperConfig{
		Window:        3 * time.Second,
		SweepInterval: 10 * time.Second,
		Capacity:      10000,
	}
}

// Deduper suppresses duplicate sound emissions for the same key across
// instances. Keys are item ids for single-item sounds and a caller-chosen
// context string for bulk sounds. Every successful play is broadcast so
// the other instances suppress independently.
type Deduper struct {
	bus      bus.Bus
	instance string
	cfg      DeduperConfig
	clk      clock.Clock
	cache    *cache.Window
	logger   zerolog.Logger

	mu         sync.Mutex
	bulkActive bool
}

// NewDeduper creates a deduper.
func NewDeduper(b bus.Bus, instanceID string, cfg DeduperConfig, clk clock.Clock) *Deduper {
	if cfg.Window <= 0 {
		cfg.Window = DefaultDeduperConfig().Window
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultDeduperConfig().SweepInterval
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultDeduperConfig().Capacity
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Deduper{
		bus:      b,
		instance: instanceID,
		cfg:      cfg,
		clk:      clk,
		cache:    cache.NewWindow(cfg.Capacity, cfg.Window, clk.Now),
		logger:   logging.With("dedup").With().Str("instance", instanceID).Logger(),
	}
}

// TryPlay decides whether a single-item sound may play. Returns false
// when the item is not locally visible, a bulk fetch window is active,
// or the key already played inside the dedup window anywhere. On true
// the play is recorded and broadcast so other instances suppress.
func (d *Deduper) TryPlay(itemID string, class models.Category, locallyVisible bool) bool {
	if !locallyVisible {
		return false
	}
	if d.BulkFetchActive() {
		return false
	}
	if d.cache.Hit(itemID) {
		return false
	}
	d.broadcastPlayed(itemID, class)
	return true
}

// TryPlayBulk decides whether the one aggregate sound for a bulk
// operation may play, and with which priority class: the highest present
// in classes (Highlighted > ZeroValue > Regular). Keyed by context so
// concurrent instances replaying the same batch produce one sound.
func (d *Deduper) TryPlayBulk(classes []models.Category, context string) (models.Category, bool) {
	if len(classes) == 0 {
		return models.CategoryRegular, false
	}
	class := models.HighestCategory(classes)
	if d.cache.Hit(context) {
		return class, false
	}
	d.broadcastPlayed(context, class)
	return class, true
}

// BulkFetchActive reports whether a bulk fetch window is open, locally
// declared or learned from another instance's broadcast.
func (d *Deduper) BulkFetchActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bulkActive
}

// BeginBulkFetch opens the bulk fetch window and broadcasts it, so
// instances that did not initiate the fetch suppress per-item sounds too.
func (d *Deduper) BeginBulkFetch() {
	d.mu.Lock()
	d.bulkActive = true
	d.mu.Unlock()
	d.broadcast(&bus.Envelope{Kind: bus.KindBulkStart})
}

// EndBulkFetch closes the bulk fetch window and broadcasts the end.
func (d *Deduper) EndBulkFetch() {
	d.mu.Lock()
	d.bulkActive = false
	d.mu.Unlock()
	d.broadcast(&bus.Envelope{Kind: bus.KindBulkEnd})
}

// Serve implements suture.Service: it applies other instances' played
// and bulk-window broadcasts and periodically sweeps expired entries.
func (d *Deduper) Serve(ctx context.Context) error {
	msgs, err := d.bus.Subscribe(ctx, bus.Topic)
	if err != nil {
		return err
	}

	sweep := d.clk.NewTicker(d.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-sweep.C():
			if removed := d.cache.Sweep(); removed > 0 {
				d.logger.Debug().Int("removed", removed).Msg("swept dedup entries")
			}

		case msg, open := <-msgs:
			if !open {
				return ctx.Err()
			}
			msg.Ack()
			env, err := bus.Unmarshal(msg)
			if err != nil {
				d.logger.Warn().Err(err).Msg("dropping undecodable broadcast")
				continue
			}
			d.handleEnvelope(env)
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (d *Deduper) String() string { return "deduper" }

// handleEnvelope applies one broadcast. Played messages whose timestamp
// predates the current entry for the same key are stale echoes from a
// disconnected sender and are ignored.
func (d *Deduper) handleEnvelope(env *bus.Envelope) {
	if env.Instance == d.instance {
		return
	}
	switch env.Kind {
	case bus.KindPlayed:
		playedAt := time.UnixMilli(env.PlayedAt)
		if existing, ok := d.cache.Get(env.Key); ok && playedAt.Before(existing) {
			return
		}
		d.cache.Put(env.Key, playedAt)

	case bus.KindBulkStart:
		d.mu.Lock()
		d.bulkActive = true
		d.mu.Unlock()

	case bus.KindBulkEnd:
		d.mu.Lock()
		d.bulkActive = false
		d.mu.Unlock()
	}
}

func (d *Deduper) broadcastPlayed(key string, class models.Category) {
	now := d.clk.Now().UnixMilli()
	d.broadcast(&bus.Envelope{
		Kind:     bus.KindPlayed,
		Key:      key,
		Class:    class,
		PlayedAt: now,
	})
}

func (d *Deduper) broadcast(env *bus.Envelope) {
	env.Instance = d.instance
	env.SentAt = d.clk.Now().UnixMilli()
	msg, err := bus.Marshal(env)
	if err != nil {
		d.logger.Error().Err(err).Msg("marshal broadcast")
		return
	}
	if err := d.bus.Publish(bus.Topic, msg); err != nil {
		d.logger.Warn().Err(err).Str("kind", string(env.Kind)).Msg("broadcast failed")
	}
}
