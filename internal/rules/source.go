// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package rules

import (
	"fmt"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tomtom215/notifeed/internal/logging"
)

// Provider exposes the current rule collections. Implementations must be
// safe for concurrent readers; callers treat returned slices as read-only.
type Provider interface {
	Highlight() []Rule
	Hide() []Rule
	Blur() []Rule
}

// ruleFile is the on-disk YAML layout of the rule collections.
type ruleFile struct {
	Highlight []Rule `koanf:"highlight"`
	Hide      []Rule `koanf:"hide"`
	Blur      []Rule `koanf:"blur"`
}

// FileSource loads rules from a YAML file and hot-reloads on change, so
// the matching engine picks up edits without a restart.
type FileSource struct {
	path     string
	provider *file.File

	mu    sync.RWMutex
	rules ruleFile
}

// NewFileSource loads the rule file at path. The file must exist and
// parse; reload failures after that are logged and the previous rule set
// is kept.
func NewFileSource(path string) (*FileSource, error) {
	s := &FileSource{
		path:     path,
		provider: file.Provider(path),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load rules from %s: %w", path, err)
	}
	return s, nil
}

func (s *FileSource) load() error {
	k := koanf.New(".")
	if err := k.Load(s.provider, yaml.Parser()); err != nil {
		return fmt.Errorf("parse rule file: %w", err)
	}

	var parsed ruleFile
	if err := k.Unmarshal("", &parsed); err != nil {
		return fmt.Errorf("unmarshal rules: %w", err)
	}

	s.mu.Lock()
	s.rules = parsed
	s.mu.Unlock()
	return nil
}

// Watch starts watching the rule file for changes. On every change the
// file is reloaded; a broken edit keeps the previous rules in effect.
func (s *FileSource) Watch() error {
	return s.provider.Watch(func(_ interface{}, err error) {
		if err != nil {
			logging.Warn().Err(err).Str("path", s.path).Msg("rule file watch error")
			return
		}
		if err := s.load(); err != nil {
			logging.Warn().Err(err).Str("path", s.path).Msg("rule reload failed, keeping previous rules")
			return
		}
		s.mu.RLock()
		n := len(s.rules.Highlight) + len(s.rules.Hide) + len(s.rules.Blur)
		s.mu.RUnlock()
		logging.Info().Str("path", s.path).Int("rules", n).Msg("rules reloaded")
	})
}

// Close stops watching the rule file.
func (s *FileSource) Close() error {
	return s.provider.Unwatch()
}

// Highlight returns the current highlight rules.
func (s *FileSource) Highlight() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules.Highlight
}

// Hide returns the current hide rules.
func (s *FileSource) Hide() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules.Hide
}

// Blur returns the current blur rules.
func (s *FileSource) Blur() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules.Blur
}

// StaticSource is a fixed rule Provider, used in tests and as the empty
// default when no rule file is configured.
type StaticSource struct {
	HighlightRules []Rule
	HideRules      []Rule
	BlurRules      []Rule
}

// Highlight returns the static highlight rules.
func (s *StaticSource) Highlight() []Rule { return s.HighlightRules }

// Hide returns the static hide rules.
func (s *StaticSource) Hide() []Rule { return s.HideRules }

// Blur returns the static blur rules.
func (s *StaticSource) Blur() []Rule { return s.BlurRules }
