// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package activity records when each session last produced output a
// person would see. Control sequences alone (cursor moves, color
// changes, title updates) do not count.
package activity

import (
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/bureau-foundation/termstream/lib/clock"
)

// Tracker implements stream.ActivityObserver.
type Tracker struct {
	clock clock.Clock

	mu       sync.Mutex
	sessions map[string]Record
}

// Record is a session's activity summary.
type Record struct {
	LastActivity time.Time
	VisibleBytes int64
}

// NewTracker returns an empty tracker.
func NewTracker(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{clock: clk, sessions: make(map[string]Record)}
}

// ObserveChunk records data as activity when it has visible text.
func (t *Tracker) ObserveChunk(sessionID, data string) {
	visible := strings.TrimSpace(ansi.Strip(data))
	if visible == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	record := t.sessions[sessionID]
	record.LastActivity = t.clock.Now()
	record.VisibleBytes += int64(len(visible))
	t.sessions[sessionID] = record
}

// ClearSession forgets the session.
func (t *Tracker) ClearSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

// Lookup returns the session's record.
func (t *Tracker) Lookup(sessionID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.sessions[sessionID]
	return record, ok
}

// IdleFor returns how long the session has been without activity, or
// false if it has none recorded.
func (t *Tracker) IdleFor(sessionID string) (time.Duration, bool) {
	record, ok := t.Lookup(sessionID)
	if !ok {
		return 0, false
	}
	return t.clock.Now().Sub(record.LastActivity), true
}
