// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package coordination

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/notifeed/internal/bus"
	"github.com/tomtom215/notifeed/internal/clock"
)

// eventually advances the mock clock until cond holds or the real-time
// deadline expires. The elector loop runs concurrently, so heartbeat
// progress is driven in small steps.
func eventually(t *testing.T, clk *clock.Mock, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached")
		case <-time.After(5 * time.Millisecond):
			clk.Advance(time.Second)
		}
	}
}

func TestElectorPromotesWhenUnanswered(t *testing.T) {
	b := bus.NewGoChannel(nil)
	clk := clock.NewMock()
	var promotions atomic.Int32

	e := NewElector(b, "tab-1", DefaultElectorConfig(), clk,
		func() { promotions.Add(1) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()

	eventually(t, clk, e.IsMaster)
	if promotions.Load() < 1 {
		t.Error("promotion callback not fired")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop on context cancellation")
	}
}

func TestElectorDemotesWhenAnotherMasterAsserts(t *testing.T) {
	b := bus.NewGoChannel(nil)
	clk := clock.NewMock()
	var demotions atomic.Int32

	e := NewElector(b, "tab-1", DefaultElectorConfig(), clk,
		nil, func() { demotions.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Serve(ctx) }()

	eventually(t, clk, e.IsMaster)

	// A second master answers this instance's next ping.
	msg, err := bus.Marshal(&bus.Envelope{Kind: bus.KindPong, Instance: "tab-2", Master: "tab-2", SentAt: clk.Now().UnixMilli()})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(bus.Topic, msg); err != nil {
		t.Fatal(err)
	}

	eventually(t, clk, func() bool { return e.Role() == RoleSlave })
	if demotions.Load() < 1 {
		t.Error("demotion callback not fired")
	}
}

func TestElectorAnswersPingsAsMaster(t *testing.T) {
	b := bus.NewGoChannel(nil)
	clk := clock.NewMock()

	e := NewElector(b, "master", DefaultElectorConfig(), clk, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Observe the bus before starting so the pong cannot be missed.
	obs, err := b.Subscribe(ctx, bus.Topic)
	if err != nil {
		t.Fatal(err)
	}

	go func() { _ = e.Serve(ctx) }()
	eventually(t, clk, e.IsMaster)

	msg, err := bus.Marshal(&bus.Envelope{Kind: bus.KindPing, Instance: "tab-2", SentAt: clk.Now().UnixMilli()})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(bus.Topic, msg); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("master never answered the ping")
		case m := <-obs:
			m.Ack()
			env, err := bus.Unmarshal(m)
			if err != nil {
				continue
			}
			if env.Kind == bus.KindPong && env.Instance == "master" {
				if env.Master != "master" {
					t.Errorf("pong asserts master %q", env.Master)
				}
				return
			}
		}
	}
}
