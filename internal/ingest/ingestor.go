// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/notifeed/internal/bus"
	"github.com/tomtom215/notifeed/internal/clock"
	"github.com/tomtom215/notifeed/internal/coordination"
	"github.com/tomtom215/notifeed/internal/logging"
	"github.com/tomtom215/notifeed/internal/metrics"
	"github.com/tomtom215/notifeed/internal/models"
	"github.com/tomtom215/notifeed/internal/pipeline"
)

// Ingestion errors surfaced to callers of RequestBulkFetch.
var (
	ErrNotIngesting = errors.New("instance is not ingesting")
	ErrNotConnected = errors.New("upstream not connected")
	ErrCooldown     = errors.New("bulk fetch cooling down")
)

// Config controls the ingestor service.
type Config struct {
	URL   string `koanf:"url"`
	Token string `koanf:"token"`

	// ReconnectBackoff is the fixed delay between reconnect attempts.
	ReconnectBackoff time.Duration `koanf:"reconnect_backoff"`

	// BulkCooldown is the minimum interval between bulk replay
	// requests. BulkCount is how many recent items to request.
	BulkCooldown time.Duration `koanf:"bulk_cooldown"`
	BulkCount    int           `koanf:"bulk_count"`
}

// DefaultConfig returns production ingestor defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectBackoff: 5 * time.Second,
		BulkCooldown:     30 * time.Second,
		BulkCount:        100,
	}
}

// Status is a snapshot of the ingestor for the status API.
type Status struct {
	Ingesting bool `json:"ingesting"`
	Connected bool `json:"connected"`
}

// Ingestor owns the upstream connection while this instance is master.
// Decoded events run through the pipeline and the enriched results are
// published on the broadcast bus so every instance, this one included,
// applies them through the same path.
//
// Promote and Demote are wired as elector callbacks. Demotion closes
// the socket; the session loop then parks until the next promotion.
type Ingestor struct {
	cfg        Config
	pipe       *pipeline.Pipeline
	b          bus.Bus
	deduper    *coordination.Deduper
	instanceID string
	clk        clock.Clock
	limiter    *rate.Limiter

	mu     sync.Mutex
	client *Client
	active bool

	wake chan struct{}
}

// New creates an ingestor. It starts parked; the elector promotes it.
func New(cfg Config, pipe *pipeline.Pipeline, b bus.Bus, deduper *coordination.Deduper, instanceID string, clk clock.Clock) *Ingestor {
	def := DefaultConfig()
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = def.ReconnectBackoff
	}
	if cfg.BulkCooldown <= 0 {
		cfg.BulkCooldown = def.BulkCooldown
	}
	if cfg.BulkCount <= 0 {
		cfg.BulkCount = def.BulkCount
	}

	return &Ingestor{
		cfg:        cfg,
		pipe:       pipe,
		b:          b,
		deduper:    deduper,
		instanceID: instanceID,
		clk:        clk,
		limiter:    rate.NewLimiter(rate.Every(cfg.BulkCooldown), 1),
		wake:       make(chan struct{}, 1),
	}
}

// Promote starts ingestion. Safe to call repeatedly.
func (i *Ingestor) Promote() {
	i.mu.Lock()
	i.active = true
	i.mu.Unlock()

	metrics.Leadership.Set(1)
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// Demote stops ingestion and closes the upstream socket.
func (i *Ingestor) Demote() {
	i.mu.Lock()
	i.active = false
	client := i.client
	i.mu.Unlock()

	metrics.Leadership.Set(0)
	if client != nil {
		client.Close()
	}
}

// Status reports the current ingestion state.
func (i *Ingestor) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Status{
		Ingesting: i.active,
		Connected: i.client != nil && i.client.Connected(),
	}
}

// Serve runs the session loop: park until promoted, then dial and read
// until the connection drops, reconnecting with a fixed backoff while
// still master. Implements suture.Service.
func (i *Ingestor) Serve(ctx context.Context) error {
	for {
		if !i.isActive() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-i.wake:
			}
			continue
		}

		if err := i.runSession(ctx); err != nil && ctx.Err() == nil {
			logging.Warn().Err(err).Msg("Upstream session ended")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if i.isActive() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-i.clk.After(i.cfg.ReconnectBackoff):
			}
		}
	}
}

func (i *Ingestor) String() string { return "ingestor" }

func (i *Ingestor) isActive() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active
}

// runSession dials once and reads until disconnect.
func (i *Ingestor) runSession(ctx context.Context) error {
	client := NewClient(i.cfg.URL, i.cfg.Token, Handlers{
		OnItem:        i.handleItem,
		OnUnavailable: i.handleUnavailable,
		OnPriceUpdate: i.handlePriceUpdate,
		OnEndOfBatch:  i.handleEndOfBatch,
	})

	i.mu.Lock()
	i.client = client
	demoted := !i.active
	i.mu.Unlock()
	if demoted {
		return nil
	}

	defer func() {
		i.mu.Lock()
		i.client = nil
		i.mu.Unlock()
	}()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	metrics.UpstreamConnected.Set(1)
	defer metrics.UpstreamConnected.Set(0)

	return client.Run(ctx)
}

// RequestBulkFetch asks the upstream for its latest items. Rejected
// while not master, while disconnected, or within the cooldown window.
// The suppression window opens before the request goes out so replayed
// items never trigger sounds on any instance.
func (i *Ingestor) RequestBulkFetch() error {
	i.mu.Lock()
	active := i.active
	client := i.client
	i.mu.Unlock()

	if !active {
		return ErrNotIngesting
	}
	if client == nil || !client.Connected() {
		return ErrNotConnected
	}
	if !i.limiter.Allow() {
		return ErrCooldown
	}

	i.deduper.BeginBulkFetch()
	if err := client.RequestReplay(i.cfg.BulkCount); err != nil {
		i.deduper.EndBulkFetch()
		return fmt.Errorf("request replay: %w", err)
	}

	logging.Info().Int("count", i.cfg.BulkCount).Msg("Bulk fetch requested")
	return nil
}

func (i *Ingestor) handleItem(ev *models.ItemEvent) {
	kind := "item"
	if ev.Replay {
		kind = "batch_item"
	}
	metrics.EventsIngested.WithLabelValues(kind).Inc()

	item, err := i.pipe.Process(ev)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrHidden):
			metrics.EventsDropped.WithLabelValues("hidden").Inc()
			logging.Debug().Str("item", ev.ID).Msg("Item dropped by hide rule")
		default:
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
			logging.Warn().Err(err).Str("item", ev.ID).Msg("Item event rejected")
		}
		return
	}

	i.publish(&bus.Envelope{Kind: bus.KindItem, Item: item})
}

func (i *Ingestor) handleUnavailable(ev *models.UnavailableEvent) {
	metrics.EventsIngested.WithLabelValues("unavailable").Inc()
	i.publish(&bus.Envelope{Kind: bus.KindUnavailable, ItemID: ev.ID})
}

func (i *Ingestor) handlePriceUpdate(ev *models.PriceUpdateEvent) {
	metrics.EventsIngested.WithLabelValues("price_update").Inc()
	if err := ev.Validate(); err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		logging.Warn().Err(err).Str("item", ev.ID).Msg("Price update rejected")
		return
	}
	i.publish(&bus.Envelope{
		Kind:   bus.KindPriceUpdate,
		ItemID: ev.ID,
		ETVMin: ev.ETVMin,
		ETVMax: ev.ETVMax,
	})
}

func (i *Ingestor) handleEndOfBatch() {
	metrics.EventsIngested.WithLabelValues("end_of_batch").Inc()
	i.publish(&bus.Envelope{Kind: bus.KindEndOfBatch})
	i.deduper.EndBulkFetch()
}

func (i *Ingestor) publish(env *bus.Envelope) {
	env.Instance = i.instanceID
	env.SentAt = i.clk.Now().UnixMilli()

	msg, err := bus.Marshal(env)
	if err != nil {
		logging.Error().Err(err).Str("kind", string(env.Kind)).Msg("Envelope marshal failed")
		return
	}
	if err := i.b.Publish(bus.Topic, msg); err != nil {
		logging.Error().Err(err).Str("kind", string(env.Kind)).Msg("Envelope publish failed")
	}
}
