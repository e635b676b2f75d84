// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package rules

import (
	"sync"
	"testing"
)

func f64(v float64) *float64 { return &v }

func TestMatchFirstRuleWins(t *testing.T) {
	rs := []Rule{
		{Contains: "cable"},
		{Contains: "usb"},
		{Contains: "usb cable"},
	}
	got := NewMatcher().Match(rs, "USB cable, 2m", nil, nil)
	if got == nil {
		t.Fatal("expected a match")
	}
	if got.Contains != "cable" {
		t.Errorf("first match should win, got %q", got.Contains)
	}
}

func TestMatchWordBoundaries(t *testing.T) {
	m := NewMatcher()
	rs := []Rule{{Contains: "bat"}}

	if m.Match(rs, "battery pack", nil, nil) != nil {
		t.Error("plain substring must not match inside a word")
	}
	if m.Match(rs, "cricket bat, wooden", nil, nil) == nil {
		t.Error("expected whole-word match")
	}
	if m.Match(rs, "Bat", nil, nil) == nil {
		t.Error("match must be case-insensitive")
	}
}

func TestMatchUnicode(t *testing.T) {
	m := NewMatcher()
	rs := []Rule{{Contains: "küche"}}

	if m.Match(rs, "KÜCHE Messerset", nil, nil) == nil {
		t.Error("case folding must be unicode-aware")
	}
	if m.Match(rs, "Kücheneimer", nil, nil) != nil {
		t.Error("boundary check must treat unicode letters as word characters")
	}
}

func TestMatchVerbatimRegex(t *testing.T) {
	m := NewMatcher()
	rs := []Rule{{Contains: `hdmi (cable|switch)`}}

	if m.Match(rs, "4K HDMI switch", nil, nil) == nil {
		t.Error("patterns with metacharacters must be used verbatim")
	}
	if m.Match(rs, "hdmi adapter", nil, nil) != nil {
		t.Error("verbatim regex must not loosen matching")
	}
}

func TestMatchExclude(t *testing.T) {
	m := NewMatcher()
	rs := []Rule{{Contains: "charger", Exclude: "car"}}

	if m.Match(rs, "USB wall charger", nil, nil) == nil {
		t.Error("expected match when exclude does not hit")
	}
	if m.Match(rs, "car charger 12V", nil, nil) != nil {
		t.Error("exclude pattern must disqualify the rule")
	}
}

func TestMatchETVScope(t *testing.T) {
	m := NewMatcher()

	tests := []struct {
		name   string
		rule   Rule
		etvMin *float64
		etvMax *float64
		want   bool
	}{
		{"no scope always passes", Rule{Contains: "lamp"}, f64(1), f64(2), true},
		{"candidate max below rule min", Rule{Contains: "lamp", ETVMin: f64(50)}, f64(10), f64(20), false},
		{"overlap possible passes", Rule{Contains: "lamp", ETVMin: f64(15)}, f64(10), f64(20), true},
		{"candidate min above rule max", Rule{Contains: "lamp", ETVMax: f64(5)}, f64(10), f64(20), false},
		{"unknown candidate bounds pass", Rule{Contains: "lamp", ETVMin: f64(50), ETVMax: f64(60)}, nil, nil, true},
		{"rule min checks only candidate max", Rule{Contains: "lamp", ETVMin: f64(15)}, f64(1), f64(15), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match([]Rule{tt.rule}, "desk lamp", tt.etvMin, tt.etvMax)
			if (got != nil) != tt.want {
				t.Errorf("match = %v, want %v", got != nil, tt.want)
			}
		})
	}
}

func TestMatchSkipsUnparsableRule(t *testing.T) {
	m := NewMatcher()
	rs := []Rule{
		{Contains: `[broken`},
		{Contains: "lamp"},
	}
	got := m.Match(rs, "desk lamp", nil, nil)
	if got == nil || got.Contains != "lamp" {
		t.Fatalf("broken rule must be skipped, not abort matching: got %v", got)
	}

	// Same for an unparsable exclude: only that rule is disqualified.
	rs = []Rule{
		{Contains: "lamp", Exclude: `[broken`},
		{Contains: "desk"},
	}
	got = m.Match(rs, "desk lamp", nil, nil)
	if got == nil || got.Contains != "desk" {
		t.Fatalf("rule with broken exclude must be skipped: got %v", got)
	}
}

func TestMatchOverlappingRulesOrderSensitivity(t *testing.T) {
	m := NewMatcher()
	rs := []Rule{
		{Contains: "ssd", ETVMin: f64(100)}, // out of scope for a cheap item
		{Contains: "ssd", Exclude: "enclosure"},
		{Contains: "ssd"},
	}

	got := m.Match(rs, "1TB SSD drive", f64(30), f64(40))
	if got == nil || got.Exclude != "enclosure" {
		t.Fatalf("expected the second rule, got %+v", got)
	}

	got = m.Match(rs, "SSD enclosure", f64(30), f64(40))
	if got == nil || got != &rs[2] {
		t.Fatalf("expected fallthrough to the third rule, got %+v", got)
	}
}

func TestMatchConcurrent(t *testing.T) {
	m := NewMatcher()
	rs := []Rule{{Contains: "lamp"}, {Contains: `usb-c (hub|dock)`}}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.Match(rs, "USB-C hub with lamp", nil, nil)
			}
		}()
	}
	wg.Wait()
}
