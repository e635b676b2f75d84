// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

// Package rules implements the keyword rule-matching engine: pure,
// order-sensitive, first-match-wins evaluation of regex rules with
// optional ETV range scoping.
package rules

import (
	"regexp"
	"strings"
	"sync"
)

// Rule is one keyword rule. Contains and Exclude are either plain
// substrings (escaped and anchored at token boundaries) or, when they
// already carry regex metacharacters, full regexes used verbatim.
// ETVMin/ETVMax optionally scope the rule to a monetary range.
type Rule struct {
	Contains string   `koanf:"contains" json:"contains"`
	Exclude  string   `koanf:"exclude" json:"exclude,omitempty"`
	ETVMin   *float64 `koanf:"etv_min" json:"etv_min,omitempty"`
	ETVMax   *float64 `koanf:"etv_max" json:"etv_max,omitempty"`
}

// regexMeta are the characters whose presence makes a pattern a verbatim
// regex rather than a plain substring.
const regexMeta = `\^$.|?*+()[]{}`

// tokenBoundary matches a position not inside a word, Unicode-aware.
// Go's regexp \b is ASCII-only, so plain substrings are wrapped in
// explicit non-letter/non-digit guards instead.
const (
	boundaryBefore = `(?:^|[^\p{L}\p{N}_])`
	boundaryAfter  = `(?:$|[^\p{L}\p{N}_])`
)

// compileExpr turns a user pattern into its final regex source.
func compileExpr(pattern string) string {
	if strings.ContainsAny(pattern, regexMeta) {
		return `(?i)` + pattern
	}
	return `(?i)` + boundaryBefore + regexp.QuoteMeta(pattern) + boundaryAfter
}

// Matcher evaluates rules against candidates. It is stateless apart from
// a compiled-pattern cache and safe for concurrent use. The zero value is
// not usable; construct with NewMatcher.
type Matcher struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
	invalid  map[string]struct{}
}

// NewMatcher creates a matcher with an empty compile cache.
func NewMatcher() *Matcher {
	return &Matcher{
		compiled: make(map[string]*regexp.Regexp),
		invalid:  make(map[string]struct{}),
	}
}

// compile returns the compiled pattern, using the cache. ok is false when
// the pattern does not compile; the failure is cached so a broken rule is
// only reported once.
func (m *Matcher) compile(pattern string) (*regexp.Regexp, bool) {
	m.mu.RLock()
	re, hit := m.compiled[pattern]
	_, bad := m.invalid[pattern]
	m.mu.RUnlock()
	if hit {
		return re, true
	}
	if bad {
		return nil, false
	}

	re, err := regexp.Compile(compileExpr(pattern))

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.invalid[pattern] = struct{}{}
		return nil, false
	}
	m.compiled[pattern] = re
	return re, true
}

// Match evaluates rules in list order against the candidate and returns
// the first rule whose contains, exclude, and ETV conditions all hold, or
// nil. A rule with an unparsable pattern is skipped, not fatal.
//
// ETV scoping uses overlap semantics: the rule's minimum rejects only
// candidates whose known maximum lies below it, and the rule's maximum
// rejects only candidates whose known minimum lies above it. A candidate
// with no ETV data always passes.
func (m *Matcher) Match(rules []Rule, text string, etvMin, etvMax *float64) *Rule {
	for idx := range rules {
		r := &rules[idx]
		if r.Contains == "" {
			continue
		}
		contains, ok := m.compile(r.Contains)
		if !ok {
			continue
		}
		if !contains.MatchString(text) {
			continue
		}
		if r.Exclude != "" {
			exclude, ok := m.compile(r.Exclude)
			if !ok {
				continue
			}
			if exclude.MatchString(text) {
				continue
			}
		}
		if !etvInScope(r, etvMin, etvMax) {
			continue
		}
		return r
	}
	return nil
}

func etvInScope(r *Rule, etvMin, etvMax *float64) bool {
	if r.ETVMin != nil && etvMax != nil && *etvMax < *r.ETVMin {
		return false
	}
	if r.ETVMax != nil && etvMin != nil && *etvMin > *r.ETVMax {
		return false
	}
	return true
}
