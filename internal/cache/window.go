// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

// Package cache provides the bounded TTL caches used for notification
// deduplication and notify-once tracking.
package cache

import (
	"sync"
	"time"
)

// windowEntry is one entry in the cache with its recorded event time.
type windowEntry struct {
	key        string
	recordedAt time.Time
	prev       *windowEntry
	next       *windowEntry
}

// Window is a thread-safe, capacity-bounded cache of (key, recordedAt)
// pairs with a fixed time window. An entry is live while recordedAt is
// younger than the window; expired entries are dropped lazily on access
// and eagerly by Sweep.
//
// A doubly-linked list keeps recency order so the capacity bound evicts
// the least recently touched entry in O(1).
//
// The time source is injectable for deterministic tests; the zero value
// is not usable, construct with NewWindow.
type Window struct {
	mu sync.Mutex

	capacity int
	window   time.Duration
	now      func() time.Time

	items map[string]*windowEntry
	head  *windowEntry
	tail  *windowEntry
}

// NewWindow creates a cache holding entries for the given window, bounded
// to capacity entries. A nil now defaults to time.Now.
func NewWindow(capacity int, window time.Duration, now func() time.Time) *Window {
	if capacity <= 0 {
		capacity = 10000
	}
	if window <= 0 {
		window = 3 * time.Second
	}
	if now == nil {
		now = time.Now
	}

	w := &Window{
		capacity: capacity,
		window:   window,
		now:      now,
		items:    make(map[string]*windowEntry, capacity),
		head:     &windowEntry{},
		tail:     &windowEntry{},
	}
	w.head.next = w.tail
	w.tail.prev = w.head
	return w
}

// Put records key at the given event time, replacing any existing entry.
// The event time may come from another instance's broadcast and lie in
// the past; the entry then expires correspondingly sooner.
func (w *Window) Put(key string, recordedAt time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if entry, ok := w.items[key]; ok {
		entry.recordedAt = recordedAt
		w.moveToFront(entry)
		return
	}

	entry := &windowEntry{key: key, recordedAt: recordedAt}
	w.addToFront(entry)
	w.items[key] = entry

	for len(w.items) > w.capacity {
		w.evictOldest()
	}
}

// Get returns the recorded event time for key, if the entry is still
// inside the window. Expired entries are removed on the way out.
func (w *Window) Get(key string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.items[key]
	if !ok {
		return time.Time{}, false
	}
	if w.expired(entry) {
		w.removeEntry(entry)
		return time.Time{}, false
	}
	w.moveToFront(entry)
	return entry.recordedAt, true
}

// Hit reports whether key is live in the window and, when it is not,
// records it at the current time in the same locked step. Returns true
// for a live duplicate, false when the key was just recorded.
func (w *Window) Hit(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if entry, ok := w.items[key]; ok {
		if !w.expired(entry) {
			w.moveToFront(entry)
			return true
		}
		w.removeEntry(entry)
	}

	entry := &windowEntry{key: key, recordedAt: now}
	w.addToFront(entry)
	w.items[key] = entry

	for len(w.items) > w.capacity {
		w.evictOldest()
	}
	return false
}

// Remove deletes key. Returns true if an entry was present.
func (w *Window) Remove(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if entry, ok := w.items[key]; ok {
		w.removeEntry(entry)
		return true
	}
	return false
}

// Sweep removes every expired entry and returns how many were dropped.
// Called periodically by the owner; expiry is otherwise lazy.
func (w *Window) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for entry := w.tail.prev; entry != w.head; {
		prev := entry.prev
		if w.expired(entry) {
			w.removeEntry(entry)
			removed++
		}
		entry = prev
	}
	return removed
}

// Len returns the number of entries, including any not yet swept.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// Clear drops all entries.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.items = make(map[string]*windowEntry, w.capacity)
	w.head.next = w.tail
	w.tail.prev = w.head
}

// Internal methods, called with the lock held.

func (w *Window) expired(entry *windowEntry) bool {
	return w.now().Sub(entry.recordedAt) >= w.window
}

func (w *Window) addToFront(entry *windowEntry) {
	entry.prev = w.head
	entry.next = w.head.next
	w.head.next.prev = entry
	w.head.next = entry
}

func (w *Window) moveToFront(entry *windowEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	w.addToFront(entry)
}

func (w *Window) removeEntry(entry *windowEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	delete(w.items, entry.key)
}

func (w *Window) evictOldest() {
	oldest := w.tail.prev
	if oldest == w.head {
		return
	}
	w.removeEntry(oldest)
}
