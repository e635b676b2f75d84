// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package clock

import (
	"sort"
	"sync"
	"time"
)

// Mock is a manually advanced Clock. Time only moves when Advance or Set
// is called; timers and tickers whose deadlines are reached fire in
// deadline order. Safe for concurrent use.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*mockWaiter
}

type mockWaiter struct {
	clk      *Mock
	ch       chan time.Time
	deadline time.Time
	period   time.Duration // 0 for one-shot timers
	stopped  bool
}

// NewMock creates a mock clock starting at a fixed, arbitrary instant.
func NewMock() *Mock {
	return &Mock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the mock's current time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set jumps the clock to t, firing anything due on the way.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	fired := m.collectDue()
	m.mu.Unlock()
	deliver(fired)
}

// Advance moves the clock forward by d, firing due timers and tickers.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	fired := m.collectDue()
	m.mu.Unlock()
	deliver(fired)
}

// After returns a channel that fires once d has been advanced past.
func (m *Mock) After(d time.Duration) <-chan time.Time {
	return m.addWaiter(d, 0).ch
}

// NewTicker returns a mock ticker with period d.
func (m *Mock) NewTicker(d time.Duration) Ticker {
	return mockTicker{m.addWaiter(d, d)}
}

// NewTimer returns a mock one-shot timer firing after d.
func (m *Mock) NewTimer(d time.Duration) Timer {
	return mockTimer{m.addWaiter(d, 0)}
}

func (m *Mock) addWaiter(d, period time.Duration) *mockWaiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &mockWaiter{
		clk:      m,
		ch:       make(chan time.Time, 1),
		deadline: m.now.Add(d),
		period:   period,
	}
	m.waiters = append(m.waiters, w)
	return w
}

// collectDue gathers pending deliveries with the lock held; tickers are
// re-armed, one-shot timers are dropped from the waiter list.
func (m *Mock) collectDue() []delivery {
	var due []delivery
	sort.SliceStable(m.waiters, func(i, j int) bool {
		return m.waiters[i].deadline.Before(m.waiters[j].deadline)
	})
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if w.stopped {
			continue
		}
		if w.deadline.After(m.now) {
			kept = append(kept, w)
			continue
		}
		due = append(due, delivery{ch: w.ch, at: w.deadline})
		if w.period > 0 {
			for !w.deadline.After(m.now) {
				w.deadline = w.deadline.Add(w.period)
			}
			kept = append(kept, w)
		}
	}
	m.waiters = kept
	return due
}

type delivery struct {
	ch chan time.Time
	at time.Time
}

// deliver sends without blocking; an unread previous tick is dropped,
// matching time.Ticker semantics.
func deliver(due []delivery) {
	for _, d := range due {
		select {
		case d.ch <- d.at:
		default:
		}
	}
}

type mockTicker struct{ w *mockWaiter }

func (t mockTicker) C() <-chan time.Time { return t.w.ch }
func (t mockTicker) Stop()               { t.w.stop() }

type mockTimer struct{ w *mockWaiter }

func (t mockTimer) C() <-chan time.Time        { return t.w.ch }
func (t mockTimer) Stop() bool                 { return t.w.stop() }
func (t mockTimer) Reset(d time.Duration) bool { return t.w.reset(d) }

func (w *mockWaiter) stop() bool {
	w.clk.mu.Lock()
	defer w.clk.mu.Unlock()
	wasActive := !w.stopped
	w.stopped = true
	return wasActive
}

func (w *mockWaiter) reset(d time.Duration) bool {
	w.clk.mu.Lock()
	defer w.clk.mu.Unlock()
	wasActive := !w.stopped
	w.stopped = false
	w.deadline = w.clk.now.Add(d)
	if wasActive {
		return true
	}
	// A reset timer must be back on the waiter list if Stop dropped it
	// from a previous collectDue pass.
	for _, existing := range w.clk.waiters {
		if existing == w {
			return false
		}
	}
	w.clk.waiters = append(w.clk.waiters, w)
	return false
}
