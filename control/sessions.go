// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/termstream/activity"
	"github.com/bureau-foundation/termstream/directory"
	"github.com/bureau-foundation/termstream/lib/codec"
	"github.com/bureau-foundation/termstream/protocol"
	"github.com/bureau-foundation/termstream/stream"
)

// Action names served on the control socket.
const (
	ActionRegister = "register"
	ActionCreate   = "create"
	ActionDestroy  = "destroy"
	ActionStatus   = "status"
	ActionList     = "list"
	ActionSendKeys = "send_keys"
)

// Multiplexer is the part of the tmux adapter session management
// uses. *tmux.Server implements it.
type Multiplexer interface {
	NewSession(name string, command ...string) error
	HasSession(name string) bool
	KillSession(name string) error
	SendKeys(name string, keys ...string) error
}

// Lifecycle receives session state changes and reports viewer state.
// *gateway.Gateway implements it.
type Lifecycle interface {
	HandleLifecycle(sessionID, status, message string)
	ViewerCount(sessionID string) int
	AuthorityHolder(sessionID string) (string, bool)
}

// Streams reports attachment state. *stream.AttachmentManager
// implements it.
type Streams interface {
	IsStreaming(sessionID string) bool
	Dimensions(sessionID string) (stream.Dimensions, bool)
}

// SessionsOptions wires a Sessions.
type SessionsOptions struct {
	Registry    *directory.Registry
	Multiplexer Multiplexer
	Lifecycle   Lifecycle
	Streams     Streams
	Frames      *stream.FrameBuffers
	Activity    *activity.Tracker
	Logger      *slog.Logger
}

// Sessions implements the control socket's session actions.
type Sessions struct {
	registry  *directory.Registry
	mux       Multiplexer
	lifecycle Lifecycle
	streams   Streams
	frames    *stream.FrameBuffers
	activity  *activity.Tracker
	logger    *slog.Logger
}

// NewSessions returns the session actions. Register them on a
// SocketServer to serve them.
func NewSessions(options SessionsOptions) *Sessions {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sessions{
		registry:  options.Registry,
		mux:       options.Multiplexer,
		lifecycle: options.Lifecycle,
		streams:   options.Streams,
		frames:    options.Frames,
		activity:  options.Activity,
		logger:    logger,
	}
}

// Register installs every session action on server.
func (s *Sessions) Register(server *SocketServer) {
	server.Handle(ActionRegister, s.handleRegister)
	server.Handle(ActionCreate, s.handleCreate)
	server.Handle(ActionDestroy, s.handleDestroy)
	server.Handle(ActionStatus, s.handleStatus)
	server.Handle(ActionList, s.handleList)
	server.Handle(ActionSendKeys, s.handleSendKeys)
}

type registerRequest struct {
	SessionID   string   `cbor:"session_id"`
	TmuxSession string   `cbor:"tmux_session"`
	Command     []string `cbor:"command,omitempty"`
}

type statusRequest struct {
	SessionID string `cbor:"session_id"`
	Status    string `cbor:"status"`
	Message   string `cbor:"message,omitempty"`
}

type sendKeysRequest struct {
	SessionID string   `cbor:"session_id"`
	Keys      []string `cbor:"keys"`
}

// SessionStatus is one entry of the list action's result.
type SessionStatus struct {
	directory.Session
	Streaming       bool       `cbor:"streaming"`
	CurrentSequence uint64     `cbor:"current_sequence"`
	Viewers         int        `cbor:"viewers"`
	AuthorityHolder string     `cbor:"authority_holder,omitempty"`
	Cols            int        `cbor:"cols,omitempty"`
	Rows            int        `cbor:"rows,omitempty"`
	LastActivity    *time.Time `cbor:"last_activity,omitempty"`
}

func decodeRequest(raw []byte, request any) error {
	if err := codec.Unmarshal(raw, request); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func (s *Sessions) handleRegister(ctx context.Context, raw []byte) (any, error) {
	var request registerRequest
	if err := decodeRequest(raw, &request); err != nil {
		return nil, err
	}
	session, err := s.registry.Register(request.SessionID, request.TmuxSession)
	if err != nil {
		return nil, err
	}
	s.logger.Info("session registered", "session_id", session.ID, "tmux_session", session.TmuxSession)
	s.lifecycle.HandleLifecycle(session.ID, protocol.StatusStarted, "")
	return session, nil
}

func (s *Sessions) handleCreate(ctx context.Context, raw []byte) (any, error) {
	var request registerRequest
	if err := decodeRequest(raw, &request); err != nil {
		return nil, err
	}
	if request.TmuxSession == "" {
		request.TmuxSession = request.SessionID
	}
	if s.mux.HasSession(request.TmuxSession) {
		return nil, fmt.Errorf("tmux session %q already exists", request.TmuxSession)
	}
	if err := s.mux.NewSession(request.TmuxSession, request.Command...); err != nil {
		return nil, err
	}
	session, err := s.registry.Register(request.SessionID, request.TmuxSession)
	if err != nil {
		if killErr := s.mux.KillSession(request.TmuxSession); killErr != nil {
			s.logger.Warn("could not remove tmux session after failed registration",
				"tmux_session", request.TmuxSession,
				"error", killErr,
			)
		}
		return nil, err
	}
	s.logger.Info("session created", "session_id", session.ID, "tmux_session", session.TmuxSession)
	s.lifecycle.HandleLifecycle(session.ID, protocol.StatusStarted, "")
	return session, nil
}

func (s *Sessions) handleDestroy(ctx context.Context, raw []byte) (any, error) {
	var request statusRequest
	if err := decodeRequest(raw, &request); err != nil {
		return nil, err
	}
	session, ok := s.registry.Session(request.SessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", directory.ErrUnknownSession, request.SessionID)
	}
	if err := s.mux.KillSession(session.TmuxSession); err != nil {
		return nil, err
	}
	return s.transition(session.ID, protocol.StatusEnded, "destroyed")
}

func (s *Sessions) handleStatus(ctx context.Context, raw []byte) (any, error) {
	var request statusRequest
	if err := decodeRequest(raw, &request); err != nil {
		return nil, err
	}
	return s.transition(request.SessionID, request.Status, request.Message)
}

// transition records a status change and announces it.
func (s *Sessions) transition(sessionID, status, message string) (directory.Session, error) {
	session, err := s.registry.SetStatus(sessionID, status, message)
	if err != nil {
		return directory.Session{}, err
	}
	s.logger.Info("session status changed", "session_id", sessionID, "status", status)
	s.lifecycle.HandleLifecycle(sessionID, status, message)
	return session, nil
}

func (s *Sessions) handleList(ctx context.Context, raw []byte) (any, error) {
	sessions := s.registry.List()
	statuses := make([]SessionStatus, 0, len(sessions))
	for _, session := range sessions {
		status := SessionStatus{
			Session:         session,
			Streaming:       s.streams.IsStreaming(session.ID),
			CurrentSequence: s.frames.CurrentSequence(session.ID),
			Viewers:         s.lifecycle.ViewerCount(session.ID),
		}
		if holder, ok := s.lifecycle.AuthorityHolder(session.ID); ok {
			status.AuthorityHolder = holder
		}
		if size, ok := s.streams.Dimensions(session.ID); ok {
			status.Cols, status.Rows = size.Cols, size.Rows
		}
		if s.activity != nil {
			if record, ok := s.activity.Lookup(session.ID); ok {
				status.LastActivity = &record.LastActivity
			}
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (s *Sessions) handleSendKeys(ctx context.Context, raw []byte) (any, error) {
	var request sendKeysRequest
	if err := decodeRequest(raw, &request); err != nil {
		return nil, err
	}
	session, ok := s.registry.Session(request.SessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", directory.ErrUnknownSession, request.SessionID)
	}
	return nil, s.mux.SendKeys(session.TmuxSession, request.Keys...)
}

// AttachmentExited records the end of a session whose PTY attachment
// exited on its own. An attachment that dies while its tmux session
// lives on is only logged; the next subscriber restarts it.
func (s *Sessions) AttachmentExited(sessionID string, err error) {
	session, ok := s.registry.Session(sessionID)
	if !ok {
		return
	}
	if s.mux.HasSession(session.TmuxSession) {
		s.logger.Warn("attachment exited while tmux session is alive", "session_id", sessionID, "error", err)
		return
	}
	status, message := protocol.StatusEnded, ""
	if err != nil {
		status, message = protocol.StatusCrashed, err.Error()
	}
	if _, transitionErr := s.transition(sessionID, status, message); transitionErr != nil && !errors.Is(transitionErr, directory.ErrUnknownSession) {
		s.logger.Warn("recording session exit", "session_id", sessionID, "error", transitionErr)
	}
}
