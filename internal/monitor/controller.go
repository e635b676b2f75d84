// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/notifeed/internal/bus"
	"github.com/tomtom215/notifeed/internal/clock"
	"github.com/tomtom215/notifeed/internal/coordination"
	"github.com/tomtom215/notifeed/internal/logging"
	"github.com/tomtom215/notifeed/internal/metrics"
	"github.com/tomtom215/notifeed/internal/models"
	"github.com/tomtom215/notifeed/internal/store"
)

// Config controls the monitor controller.
type Config struct {
	// MaxItems bounds the store. Zero or negative disables truncation.
	MaxItems int `koanf:"max_items"`

	// TruncateDebounce delays truncation after an insertion burst. A
	// new insertion while the timer runs replaces the pending run.
	TruncateDebounce time.Duration `koanf:"truncate_debounce"`

	SortPolicy store.SortPolicy `koanf:"sort_policy"`

	// SuppressDuplicateImages rejects arrivals whose thumbnail already
	// belongs to another live item.
	SuppressDuplicateImages bool `koanf:"suppress_duplicate_images"`
}

// DefaultConfig returns production monitor defaults.
func DefaultConfig() Config {
	return Config{
		MaxItems:         300,
		TruncateDebounce: 500 * time.Millisecond,
		SortPolicy:       store.NewestFirst,
	}
}

// Status is a feed snapshot for the status API.
type Status struct {
	Paused       bool             `json:"paused"`
	VisibleCount int              `json:"visible_count"`
	PausedCount  int              `json:"paused_count"`
	StoredCount  int              `json:"stored_count"`
	SortPolicy   store.SortPolicy `json:"sort_policy"`
}

// Controller applies broadcast events to the item store and drives the
// render and notification sinks. Every instance runs one; the bus
// delivers the same enriched events to all of them, so each feed
// converges independently.
//
// Envelope handling runs on the Serve goroutine. User actions (pause,
// filter, sort, manual truncate) may arrive from other goroutines; the
// mutex serializes them against the event path.
type Controller struct {
	cfg     Config
	st      *store.Store
	deduper *coordination.Deduper
	b       bus.Bus
	clk     clock.Clock
	render  RenderSink
	notify  NotificationSink
	logger  zerolog.Logger

	mu           sync.Mutex
	filter       Filter
	visible      map[string]bool
	paused       bool
	pausedIDs    map[string]struct{}
	bulkActive   bool
	batchClasses []models.Category
	truncTimer   clock.Timer
	truncArmed   bool
}

// New creates a controller. Nil sinks are replaced with no-ops.
func New(cfg Config, st *store.Store, deduper *coordination.Deduper, b bus.Bus, clk clock.Clock, render RenderSink, notify NotificationSink) *Controller {
	def := DefaultConfig()
	if cfg.MaxItems == 0 {
		cfg.MaxItems = def.MaxItems
	}
	if cfg.TruncateDebounce <= 0 {
		cfg.TruncateDebounce = def.TruncateDebounce
	}
	if !cfg.SortPolicy.Valid() {
		cfg.SortPolicy = def.SortPolicy
	}
	if render == nil {
		render = NopRenderSink{}
	}
	if notify == nil {
		notify = NopNotificationSink{}
	}
	if clk == nil {
		clk = clock.New()
	}

	st.SetSortPolicy(cfg.SortPolicy)
	st.SetDuplicateImageSuppression(cfg.SuppressDuplicateImages)

	return &Controller{
		cfg:       cfg,
		st:        st,
		deduper:   deduper,
		b:         b,
		clk:       clk,
		render:    render,
		notify:    notify,
		logger:    logging.With("monitor"),
		visible:   make(map[string]bool),
		pausedIDs: make(map[string]struct{}),
	}
}

// Serve implements suture.Service: consume broadcast envelopes and run
// the debounced truncation timer until the context is cancelled.
func (c *Controller) Serve(ctx context.Context) error {
	msgs, err := c.b.Subscribe(ctx, bus.Topic)
	if err != nil {
		return err
	}

	// Disarmed until the first insertion schedules it.
	timer := c.clk.NewTimer(c.cfg.TruncateDebounce)
	if !timer.Stop() {
		select {
		case <-timer.C():
		default:
		}
	}
	defer timer.Stop()

	c.mu.Lock()
	c.truncTimer = timer
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C():
			c.mu.Lock()
			if c.truncArmed {
				c.truncArmed = false
				c.truncateLocked()
			}
			c.mu.Unlock()

		case msg, open := <-msgs:
			if !open {
				return ctx.Err()
			}
			msg.Ack()
			env, err := bus.Unmarshal(msg)
			if err != nil {
				c.logger.Warn().Err(err).Msg("dropping undecodable broadcast")
				continue
			}
			c.handleEnvelope(env)
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (c *Controller) String() string { return "monitor" }

func (c *Controller) handleEnvelope(env *bus.Envelope) {
	switch env.Kind {
	case bus.KindItem:
		if env.Item != nil {
			c.applyItem(env.Item)
		}
	case bus.KindUnavailable:
		c.applyUnavailable(env.ItemID)
	case bus.KindPriceUpdate:
		c.applyPriceUpdate(env.ItemID, env.ETVMin, env.ETVMax)
	case bus.KindBulkStart:
		c.mu.Lock()
		c.bulkActive = true
		c.batchClasses = nil
		c.mu.Unlock()
	case bus.KindBulkEnd:
		c.mu.Lock()
		c.bulkActive = false
		c.mu.Unlock()
	case bus.KindEndOfBatch:
		c.finishBatch(env)
	}
	// Ping, pong and played envelopes belong to the coordination layer.
}

// applyItem stores an arrival and renders, repositions and sounds as
// required.
func (c *Controller) applyItem(item *models.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, existed := c.st.Get(item.ID)
	var prevPrice float64
	var prevPriced bool
	if existed {
		prevPrice, prevPriced = prev.PriceKey()
	}

	isNew, err := c.st.Upsert(item)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateImage) {
			metrics.EventsDropped.WithLabelValues("duplicate_image").Inc()
			c.logger.Debug().Str("item", item.ID).Msg("arrival rejected, duplicate thumbnail")
			return
		}
		c.logger.Warn().Err(err).Str("item", item.ID).Msg("upsert failed")
		return
	}
	metrics.StoredItems.Set(float64(c.st.Len()))

	stored, _ := c.st.Get(item.ID)
	wasVisible := c.visible[item.ID]

	switch {
	case c.paused && isNew:
		c.pausedIDs[item.ID] = struct{}{}
		c.setVisibleLocked(item.ID, false)
	case c.pendingLocked(item.ID):
		// Updates to a paused arrival stay hidden until unpause.
	default:
		c.setVisibleLocked(item.ID, c.filter.Visible(stored))
	}

	vis := c.visible[item.ID]
	switch {
	case vis:
		c.render.CreateOrUpdateTile(stored.Clone())
		if stored.Category() == models.CategoryHighlighted && c.st.SortPolicy() != store.OldestFirst {
			c.render.RepositionTile(stored.ID, ToTop)
		} else if existed && c.st.SortPolicy().PriceBased() {
			if price, ok := stored.PriceKey(); ok && (!prevPriced || price != prevPrice) {
				c.render.RepositionTile(stored.ID, ToPricePosition)
			}
		}
	case wasVisible:
		c.render.RemoveTile(item.ID)
	}

	if isNew {
		class := stored.Category()
		if c.bulkActive || c.deduper.BulkFetchActive() {
			c.batchClasses = append(c.batchClasses, class)
		} else if c.deduper.TryPlay(stored.ID, class, vis) {
			c.notify.PlaySound(class)
			metrics.SoundsPlayed.WithLabelValues(class.String()).Inc()
		} else if vis {
			metrics.NotificationsSuppressed.Inc()
		}
		c.scheduleTruncateLocked()
	}
}

// applyUnavailable marks a stored item unavailable. Unknown ids are
// ignored; unavailable items stay in the feed so the tile can show the
// state.
func (c *Controller) applyUnavailable(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.st.Get(id); !ok {
		return
	}
	if _, err := c.st.Upsert(&models.Item{ID: id, Unavailable: true}); err != nil {
		return
	}
	if c.visible[id] {
		if stored, ok := c.st.Get(id); ok {
			c.render.CreateOrUpdateTile(stored.Clone())
		}
	}
}

// applyPriceUpdate merges a new ETV range into a stored item. The store
// repositions the entry under price-based sorts; the render sink gets
// the matching move.
func (c *Controller) applyPriceUpdate(id string, etvMin, etvMax *float64) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.st.Get(id); !ok {
		return
	}

	update := &models.Item{ID: id}
	update.SetETV(etvMin, etvMax)
	if _, err := c.st.Upsert(update); err != nil {
		return
	}

	stored, ok := c.st.Get(id)
	if !ok {
		return
	}

	// A price move can change the category (zero-ETV items get their
	// own class), so visibility is re-evaluated.
	wasVisible := c.visible[id]
	if !c.pendingLocked(id) {
		c.setVisibleLocked(id, c.filter.Visible(stored))
	}

	switch {
	case c.visible[id]:
		c.render.CreateOrUpdateTile(stored.Clone())
		if c.st.SortPolicy().PriceBased() {
			c.render.RepositionTile(id, ToPricePosition)
		}
	case wasVisible:
		c.render.RemoveTile(id)
	}
}

// finishBatch handles the end-of-batch terminator: unpause, resort,
// play the one aggregate sound for the batch, and schedule truncation.
func (c *Controller) finishBatch(env *bus.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unpauseLocked()
	c.refreshLocked()

	classes := c.batchClasses
	c.batchClasses = nil
	if len(classes) > 0 {
		context := fmt.Sprintf("bulk:%s:%d", env.Instance, env.SentAt)
		if class, ok := c.deduper.TryPlayBulk(classes, context); ok {
			c.notify.PlaySound(class)
			metrics.SoundsPlayed.WithLabelValues(class.String()).Inc()
		}
	}

	c.scheduleTruncateLocked()
}

// Pause holds new arrivals out of the visible feed. They are stored and
// counted but not rendered until Unpause.
func (c *Controller) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Unpause re-applies the visibility filter to everything that arrived
// while paused, in one pass.
func (c *Controller) Unpause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unpauseLocked()
}

func (c *Controller) unpauseLocked() {
	if !c.paused && len(c.pausedIDs) == 0 {
		return
	}
	c.paused = false
	for id := range c.pausedIDs {
		stored, ok := c.st.Get(id)
		if !ok {
			continue
		}
		c.setVisibleLocked(id, c.filter.Visible(stored))
		if c.visible[id] {
			c.render.CreateOrUpdateTile(stored.Clone())
		}
	}
	c.pausedIDs = make(map[string]struct{})
}

// SetFilter replaces the visibility filter and re-renders the feed.
func (c *Controller) SetFilter(f Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = f
	c.refreshLocked()
}

// Filter returns the active visibility filter.
func (c *Controller) Filter() Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// SetSortPolicy switches the active sort and re-renders the feed in the
// new order.
func (c *Controller) SetSortPolicy(p store.SortPolicy) error {
	if !p.Valid() {
		return fmt.Errorf("unknown sort policy %q", p)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.st.SetSortPolicy(p)
	c.refreshLocked()
	return nil
}

// TruncateNow runs truncation immediately, bypassing the debounce. Used
// for explicit user actions.
func (c *Controller) TruncateNow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.truncArmed = false
	c.truncateLocked()
}

// refreshLocked re-evaluates visibility for every stored item and
// replays the visible feed to the render sink in sorted order. Paused
// arrivals stay hidden.
func (c *Controller) refreshLocked() {
	for _, item := range c.st.Sorted() {
		if c.pendingLocked(item.ID) {
			continue
		}
		wasVisible := c.visible[item.ID]
		c.setVisibleLocked(item.ID, c.filter.Visible(item))
		switch {
		case c.visible[item.ID]:
			c.render.CreateOrUpdateTile(item.Clone())
		case wasVisible:
			c.render.RemoveTile(item.ID)
		}
	}
}

func (c *Controller) truncateLocked() {
	if c.cfg.MaxItems <= 0 {
		return
	}
	evicted := c.st.Truncate(c.cfg.MaxItems)
	for _, id := range evicted {
		if c.visible[id] {
			c.render.RemoveTile(id)
		}
		c.setVisibleLocked(id, false)
		delete(c.pausedIDs, id)
	}
	if len(evicted) > 0 {
		metrics.ItemsEvicted.Add(float64(len(evicted)))
		metrics.StoredItems.Set(float64(c.st.Len()))
		c.logger.Debug().Int("evicted", len(evicted)).Msg("feed truncated")
	}
}

func (c *Controller) scheduleTruncateLocked() {
	if c.cfg.MaxItems <= 0 || c.truncTimer == nil || c.st.Len() <= c.cfg.MaxItems {
		return
	}
	if c.truncArmed && !c.truncTimer.Stop() {
		select {
		case <-c.truncTimer.C():
		default:
		}
	}
	c.truncTimer.Reset(c.cfg.TruncateDebounce)
	c.truncArmed = true
}

func (c *Controller) pendingLocked(id string) bool {
	_, pending := c.pausedIDs[id]
	return pending
}

func (c *Controller) setVisibleLocked(id string, v bool) {
	if v {
		c.visible[id] = true
	} else {
		delete(c.visible, id)
	}
	metrics.VisibleItems.Set(float64(len(c.visible)))
}

// VisibleCount reports the number of items currently visible.
func (c *Controller) VisibleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.visible)
}

// PausedCount reports the number of arrivals held back by pause.
func (c *Controller) PausedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pausedIDs)
}

// Status returns a feed snapshot for the status API.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Paused:       c.paused,
		VisibleCount: len(c.visible),
		PausedCount:  len(c.pausedIDs),
		StoredCount:  c.st.Len(),
		SortPolicy:   c.st.SortPolicy(),
	}
}
