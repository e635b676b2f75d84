// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

// Package metrics exposes Prometheus instrumentation for the feed
// pipeline, the coordination layer and the upstream connection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts raw events received from the upstream
	// stream, labelled by event kind.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notifeed",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Raw events received from the upstream stream.",
	}, []string{"kind"})

	// EventsDropped counts events discarded before reaching the feed,
	// labelled by reason (malformed, hidden).
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notifeed",
		Subsystem: "ingest",
		Name:      "events_dropped_total",
		Help:      "Events discarded before reaching the feed.",
	}, []string{"reason"})

	// NotificationsSuppressed counts sound or OS notifications skipped
	// because another instance already played them.
	NotificationsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "notifeed",
		Subsystem: "dedup",
		Name:      "notifications_suppressed_total",
		Help:      "Notifications skipped because another instance already played them.",
	})

	// SoundsPlayed counts notification sounds actually emitted by this
	// instance, labelled by queue class.
	SoundsPlayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notifeed",
		Subsystem: "dedup",
		Name:      "sounds_played_total",
		Help:      "Notification sounds emitted by this instance.",
	}, []string{"class"})

	// Leadership reports 1 while this instance holds the master role.
	Leadership = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "notifeed",
		Subsystem: "coordination",
		Name:      "master",
		Help:      "1 while this instance holds the master role.",
	})

	// UpstreamConnected reports 1 while the upstream socket is open.
	UpstreamConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "notifeed",
		Subsystem: "ingest",
		Name:      "upstream_connected",
		Help:      "1 while the upstream socket is open.",
	})

	// VisibleItems reports the number of items currently visible in
	// the feed after filtering.
	VisibleItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "notifeed",
		Subsystem: "feed",
		Name:      "visible_items",
		Help:      "Items currently visible in the feed after filtering.",
	})

	// StoredItems reports the number of items held in the feed store
	// before filtering.
	StoredItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "notifeed",
		Subsystem: "feed",
		Name:      "stored_items",
		Help:      "Items held in the feed store before filtering.",
	})

	// ItemsEvicted counts items removed by feed truncation.
	ItemsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "notifeed",
		Subsystem: "feed",
		Name:      "items_evicted_total",
		Help:      "Items removed by feed truncation.",
	})
)
