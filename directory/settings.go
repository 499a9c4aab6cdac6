// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"strconv"
	"sync"
)

// Settings is a mutable string-keyed settings store with a scrollback
// line limit. It implements seed.Settings.
type Settings struct {
	mu         sync.RWMutex
	scrollback int
	values     map[string]string
}

// NewSettings returns a store holding a copy of values.
func NewSettings(scrollbackLines int, values map[string]string) *Settings {
	copied := make(map[string]string, len(values))
	for key, value := range values {
		copied[key] = value
	}
	return &Settings{scrollback: scrollbackLines, values: copied}
}

func (s *Settings) ScrollbackLines() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scrollback
}

func (s *Settings) Setting(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok
}

// Set stores a setting.
func (s *Settings) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// SetInt stores an integer setting.
func (s *Settings) SetInt(key string, value int) {
	s.Set(key, strconv.Itoa(value))
}

// SetScrollbackLines changes the scrollback limit.
func (s *Settings) SetScrollbackLines(lines int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrollback = lines
}
