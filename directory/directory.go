// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package directory maps termstream session ids to the tmux sessions
// behind them and tracks their lifecycle status. It also serves the
// settings the snapshot pipeline reads.
package directory

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/termstream/lib/clock"
	"github.com/bureau-foundation/termstream/lib/tmux"
	"github.com/bureau-foundation/termstream/protocol"
)

var (
	ErrInvalidSessionID = errors.New("directory: invalid session id")
	ErrUnknownSession   = errors.New("directory: unknown session")
)

// Session ids become topic suffixes and log fields, so they share the
// tmux name alphabet.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Session describes one registered session.
type Session struct {
	ID          string    `json:"id" cbor:"id"`
	TmuxSession string    `json:"tmux_session" cbor:"tmux_session"`
	Status      string    `json:"status" cbor:"status"`
	Message     string    `json:"message,omitempty" cbor:"message,omitempty"`
	UpdatedAt   time.Time `json:"updated_at" cbor:"updated_at"`
}

// Registry is an in-memory session directory. Nothing survives a
// restart; sessions are re-registered by whatever created them.
type Registry struct {
	clock clock.Clock

	mu       sync.RWMutex
	sessions map[string]Session
}

// NewRegistry returns an empty registry.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{clock: clk, sessions: make(map[string]Session)}
}

// Register records that sessionID is backed by tmuxSession, replacing
// any previous entry. New sessions start in StatusStarted.
func (r *Registry) Register(sessionID, tmuxSession string) (Session, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	if err := tmux.ValidateSessionName(tmuxSession); err != nil {
		return Session{}, err
	}
	session := Session{
		ID:          sessionID,
		TmuxSession: tmuxSession,
		Status:      protocol.StatusStarted,
		UpdatedAt:   r.clock.Now(),
	}
	r.mu.Lock()
	r.sessions[sessionID] = session
	r.mu.Unlock()
	return session, nil
}

// Session returns the registered session.
func (r *Registry) Session(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	return session, ok
}

// SetStatus records a lifecycle transition.
func (r *Registry) SetStatus(sessionID, status, message string) (Session, error) {
	if !protocol.ValidStatus(status) {
		return Session{}, fmt.Errorf("unknown status %q", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	session.Status = status
	session.Message = message
	session.UpdatedAt = r.clock.Now()
	r.sessions[sessionID] = session
	return session, nil
}

// Remove forgets the session.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// List returns all sessions ordered by id.
func (r *Registry) List() []Session {
	r.mu.RLock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}
