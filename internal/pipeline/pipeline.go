// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

// Package pipeline applies the fixed chain of filter/transform stages to
// every inbound raw event: hide-filter, highlight-annotate,
// blur-annotate, timestamp derivation, and the notification side-effect
// stage. Stages 1-4 are pure; only the final stage performs I/O.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/notifeed/internal/cache"
	"github.com/tomtom215/notifeed/internal/logging"
	"github.com/tomtom215/notifeed/internal/models"
	"github.com/tomtom215/notifeed/internal/rules"
)

// ErrHidden marks an event dropped by a hide rule. It never reaches the
// store; callers treat it as a silent drop, not a failure.
var ErrHidden = errors.New("event matches hide rule")

// OSNotifier raises a desktop notification. Implementations are
// externally supplied; a nil notifier disables the side-effect stage.
type OSNotifier interface {
	RaiseOSNotification(title, body, imageURL, clickPayload string)
}

// Config controls the notification side-effect stage.
type Config struct {
	// NotifyOnHighlight raises an OS notification when an item matches a
	// highlight rule.
	NotifyOnHighlight bool

	// NotifyQueues raises an OS notification for items from these queue
	// classes regardless of highlight state.
	NotifyQueues []models.QueueClass

	// NotifyOnceWindow bounds how long an item id suppresses repeat
	// notifications. Re-processing the same id inside the window never
	// re-fires the side effect.
	NotifyOnceWindow time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		NotifyOnHighlight: true,
		NotifyQueues:      []models.QueueClass{models.QueueB},
		NotifyOnceWindow:  10 * time.Minute,
	}
}

// Pipeline enriches raw item events. Safe for use from a single ingestor
// goroutine; the rule provider and matcher it holds are concurrent-safe,
// so multiple pipelines may share them.
type Pipeline struct {
	rules    rules.Provider
	matcher  *rules.Matcher
	notifier OSNotifier
	cfg      Config
	notified *cache.Window
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a pipeline. notifier may be nil; now may be nil for
// wall-clock time.
func New(provider rules.Provider, matcher *rules.Matcher, notifier OSNotifier, cfg Config, now func() time.Time) *Pipeline {
	if matcher == nil {
		matcher = rules.NewMatcher()
	}
	if now == nil {
		now = time.Now
	}
	if cfg.NotifyOnceWindow <= 0 {
		cfg.NotifyOnceWindow = DefaultConfig().NotifyOnceWindow
	}
	return &Pipeline{
		rules:    provider,
		matcher:  matcher,
		notifier: notifier,
		cfg:      cfg,
		notified: cache.NewWindow(10000, cfg.NotifyOnceWindow, now),
		now:      now,
		logger:   logging.With("pipeline"),
	}
}

// Process runs the stage chain over one raw event and produces the
// enriched item. Returns ErrHidden when a hide rule drops the event and
// a models.ErrMalformedEvent wrap when the event is not processable.
// Stages whose required fields are absent are skipped, not failed: a
// bulk-replay event without a price still flows through.
func (p *Pipeline) Process(ev *models.ItemEvent) (*models.Item, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	item := ev.Item(p.now())

	// Stages 1-3 need text to match against.
	if ev.Title != "" {
		if hit := p.matcher.Match(p.rules.Hide(), ev.Title, ev.ETVMin, ev.ETVMax); hit != nil {
			return nil, fmt.Errorf("%w: %q", ErrHidden, hit.Contains)
		}
		if hit := p.matcher.Match(p.rules.Highlight(), ev.Title, ev.ETVMin, ev.ETVMax); hit != nil {
			item.MatchedHighlight = hit.Contains
		}
		if hit := p.matcher.Match(p.rules.Blur(), ev.Title, ev.ETVMin, ev.ETVMax); hit != nil {
			item.MatchedBlur = hit.Contains
		}
	}

	// Stage 4: derive the ordering key from the server-supplied date,
	// falling back to local arrival time.
	if ts, ok := ev.ParseTimestamp(); ok {
		item.Timestamp = ts
	} else {
		if ev.Date != "" {
			p.logger.Warn().Str("id", ev.ID).Str("date", ev.Date).Msg("unparsable event date, using arrival time")
		}
		item.Timestamp = item.FirstSeenAt.UnixMilli()
	}

	// Stage 5: the only stage with external I/O.
	p.maybeNotify(ev, item)

	return item, nil
}

// maybeNotify fires the OS notification when the policy selects the
// event, at most once per item id inside the configured window.
func (p *Pipeline) maybeNotify(ev *models.ItemEvent, item *models.Item) {
	if p.notifier == nil || ev.Replay {
		return
	}

	wanted := p.cfg.NotifyOnHighlight && item.MatchedHighlight != ""
	if !wanted {
		for _, q := range p.cfg.NotifyQueues {
			if ev.Queue == q {
				wanted = true
				break
			}
		}
	}
	if !wanted {
		return
	}

	if p.notified.Hit(ev.ID) {
		return
	}
	p.notifier.RaiseOSNotification(item.Title, notificationBody(item), item.ImageURL, item.ID)
}

func notificationBody(item *models.Item) string {
	switch {
	case item.MatchedHighlight != "":
		return fmt.Sprintf("Keyword match: %s", item.MatchedHighlight)
	case item.ETVMax != nil:
		return fmt.Sprintf("ETV up to %.2f", *item.ETVMax)
	default:
		return "New item"
	}
}
