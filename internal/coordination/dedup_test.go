// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/notifeed/internal/bus"
	"github.com/tomtom215/notifeed/internal/clock"
	"github.com/tomtom215/notifeed/internal/models"
)

func testDeduper(t *testing.T, instance string, clk clock.Clock) (*Deduper, bus.Bus) {
	t.Helper()
	b := bus.NewGoChannel(nil)
	cfg := DeduperConfig{Window: 3 * time.Second, SweepInterval: time.Minute, Capacity: 100}
	return NewDeduper(b, instance, cfg, clk), b
}

func TestTryPlayDedupWindow(t *testing.T) {
	clk := clock.NewMock()
	d, _ := testDeduper(t, "tab-1", clk)

	if !d.TryPlay("B0X", models.CategoryRegular, true) {
		t.Fatal("first play must be allowed")
	}
	if d.TryPlay("B0X", models.CategoryRegular, true) {
		t.Fatal("repeat inside the window must be suppressed")
	}

	clk.Advance(3 * time.Second)
	if !d.TryPlay("B0X", models.CategoryRegular, true) {
		t.Fatal("play after the window elapsed must be allowed again")
	}
}

func TestTryPlayInvisibleItem(t *testing.T) {
	d, _ := testDeduper(t, "tab-1", clock.NewMock())
	if d.TryPlay("B0X", models.CategoryRegular, false) {
		t.Error("a locally invisible item must not trigger a sound")
	}
	// Visibility suppression must not burn the dedup entry.
	if !d.TryPlay("B0X", models.CategoryRegular, true) {
		t.Error("visible play right after an invisible request must succeed")
	}
}

func TestTryPlaySuppressedDuringBulkFetch(t *testing.T) {
	d, _ := testDeduper(t, "tab-1", clock.NewMock())

	d.BeginBulkFetch()
	if d.TryPlay("B0X", models.CategoryHighlighted, true) {
		t.Error("per-item sounds must be suppressed during a bulk fetch window")
	}

	// The aggregate bulk sound still goes through.
	if _, ok := d.TryPlayBulk([]models.Category{models.CategoryRegular}, "bulk:1"); !ok {
		t.Error("bulk sound must be allowed during the window")
	}

	d.EndBulkFetch()
	if !d.TryPlay("B0X", models.CategoryHighlighted, true) {
		t.Error("per-item sounds must resume after the window closes")
	}
}

func TestTryPlayBulkPicksHighestClass(t *testing.T) {
	d, _ := testDeduper(t, "tab-1", clock.NewMock())

	class, ok := d.TryPlayBulk([]models.Category{
		models.CategoryRegular,
		models.CategoryHighlighted,
		models.CategoryZeroValue,
	}, "bulk:1")
	if !ok {
		t.Fatal("first bulk play must be allowed")
	}
	if class != models.CategoryHighlighted {
		t.Errorf("class = %v, want highlighted", class)
	}

	if _, ok := d.TryPlayBulk([]models.Category{models.CategoryRegular}, "bulk:1"); ok {
		t.Error("same context inside the window must be suppressed")
	}
	if _, ok := d.TryPlayBulk(nil, "bulk:2"); ok {
		t.Error("empty class set must not play")
	}
}

func TestHandleEnvelopeSuppressesRemotePlays(t *testing.T) {
	clk := clock.NewMock()
	d, _ := testDeduper(t, "tab-1", clk)

	d.handleEnvelope(&bus.Envelope{
		Kind:     bus.KindPlayed,
		Instance: "tab-2",
		Key:      "B0X",
		PlayedAt: clk.Now().UnixMilli(),
	})

	if d.TryPlay("B0X", models.CategoryRegular, true) {
		t.Error("a play broadcast by another instance must suppress the local one")
	}
}

func TestHandleEnvelopeIgnoresStaleBroadcast(t *testing.T) {
	clk := clock.NewMock()
	d, _ := testDeduper(t, "tab-1", clk)

	now := clk.Now()
	d.handleEnvelope(&bus.Envelope{Kind: bus.KindPlayed, Instance: "tab-2", Key: "B0X", PlayedAt: now.UnixMilli()})

	// A message from before the sender disconnected arrives late; the
	// newer entry wins, so the key keeps its current expiry.
	d.handleEnvelope(&bus.Envelope{Kind: bus.KindPlayed, Instance: "tab-3", Key: "B0X", PlayedAt: now.Add(-10 * time.Second).UnixMilli()})

	clk.Advance(2 * time.Second)
	if d.TryPlay("B0X", models.CategoryRegular, true) {
		t.Error("stale broadcast must not shorten the live entry")
	}
}

func TestHandleEnvelopeBulkWindowFromRemote(t *testing.T) {
	d, _ := testDeduper(t, "tab-1", clock.NewMock())

	d.handleEnvelope(&bus.Envelope{Kind: bus.KindBulkStart, Instance: "tab-2"})
	if !d.BulkFetchActive() {
		t.Fatal("remote bulk start must open the window locally")
	}
	d.handleEnvelope(&bus.Envelope{Kind: bus.KindBulkEnd, Instance: "tab-2"})
	if d.BulkFetchActive() {
		t.Fatal("remote bulk end must close the window")
	}
}

func TestHandleEnvelopeIgnoresOwnEcho(t *testing.T) {
	clk := clock.NewMock()
	d, _ := testDeduper(t, "tab-1", clk)

	d.handleEnvelope(&bus.Envelope{Kind: bus.KindBulkStart, Instance: "tab-1"})
	if d.BulkFetchActive() {
		t.Error("an instance's own broadcast echo must be ignored")
	}
}

func TestServeAppliesRemotePlays(t *testing.T) {
	clk := clock.NewMock()
	b := bus.NewGoChannel(nil)
	cfg := DeduperConfig{Window: 3 * time.Second, SweepInterval: time.Minute, Capacity: 100}
	local := NewDeduper(b, "tab-1", cfg, clk)
	remote := NewDeduper(b, "tab-2", cfg, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- local.Serve(ctx) }()

	// Give the subscription a moment to attach, then play remotely.
	time.Sleep(50 * time.Millisecond)
	if !remote.TryPlay("B0X", models.CategoryRegular, true) {
		t.Fatal("remote play should succeed")
	}

	deadline := time.After(2 * time.Second)
	for local.TryPlay("B0X", models.CategoryRegular, true) {
		// The broadcast has not landed yet; undo our accidental claim
		// and retry until the remote entry appears.
		local.cache.Remove("B0X")
		select {
		case <-deadline:
			t.Fatal("remote played broadcast never applied")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop on context cancellation")
	}
}
