// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the JSON messages exchanged between
// termstream and its viewers.
//
// Every message in either direction is an Envelope: a topic naming
// what the message concerns, a type naming what it says, a
// type-specific payload, and a timestamp. Terminal output and control
// for session S travel on "terminal/S"; lifecycle and authority
// changes for S travel on "session/S".
//
// A viewer subscribes with the last sequence it rendered, or none on
// its first attach:
//
//	→ {"topic":"terminal/S","type":"subscribe","payload":{"sessionId":"S","lastSequence":42,"cols":120,"rows":40}}
//	← {"topic":"session/S","type":"focus_changed","payload":{"sessionId":"S","clientId":"…"}}
//	← {"topic":"terminal/S","type":"subscribed","payload":{"sessionId":"S","currentSequence":50}}
//	← {"topic":"terminal/S","type":"data","payload":{"data":"…","sequence":43}}
//	   … frames 44 through 50, then live frames …
//
// On a first attach the replay is replaced by a snapshot of the
// session's scrollback, delivered as one or more seed_ansi chunks.
package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Topics that are not tied to one session.
const (
	TopicSystem = "system"

	// TopicSessions carries every session's lifecycle changes. Each
	// viewer joins it on connect.
	TopicSessions = "sessions"
)

const (
	terminalPrefix = "terminal/"
	sessionPrefix  = "session/"
)

// TerminalTopic carries a session's output and terminal control.
func TerminalTopic(sessionID string) string { return terminalPrefix + sessionID }

// SessionTopic carries a session's lifecycle and authority changes.
func SessionTopic(sessionID string) string { return sessionPrefix + sessionID }

// SessionFromTopic returns the session id of a terminal or session
// topic.
func SessionFromTopic(topic string) (string, bool) {
	for _, prefix := range []string{terminalPrefix, sessionPrefix} {
		if id, ok := strings.CutPrefix(topic, prefix); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

// Client to server message types.
const (
	TypeSubscribe          = "subscribe"
	TypeUnsubscribe        = "unsubscribe"
	TypeFocus              = "focus"
	TypeResize             = "resize"
	TypeInput              = "input"
	TypeRequestFullHistory = "request_full_history"
	TypePong               = "pong"
)

// Server to client message types. TypeResize is used in both
// directions.
const (
	TypeSubscribed   = "subscribed"
	TypeData         = "data"
	TypeSeedANSI     = "seed_ansi"
	TypeFocusChanged = "focus_changed"
	TypeFullHistory  = "full_history"
	TypeStateChange  = "state_change"
	TypePing         = "ping"
	TypeError        = "error"
)

// Envelope is an outbound message.
type Envelope struct {
	Topic   string    `json:"topic"`
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	TS      time.Time `json:"ts"`
}

// Inbound is a message received from a viewer. The payload is decoded
// once the type is known.
type Inbound struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	TS      time.Time       `json:"ts"`
}

// SessionRef is the part of every session-scoped request payload that
// names the session. When SessionID is empty the session is taken
// from the envelope topic.
type SessionRef struct {
	SessionID string `json:"sessionId,omitempty"`
}

// SubscribeRequest attaches the viewer to a session. Rows and Cols,
// when both positive, resize the session for this viewer.
type SubscribeRequest struct {
	SessionRef

	// LastSequence is the last frame the viewer rendered. Absent
	// means a first attach, which is seeded with a snapshot instead
	// of replayed.
	LastSequence *uint64 `json:"lastSequence,omitempty"`

	Rows int `json:"rows,omitempty"`
	Cols int `json:"cols,omitempty"`
}

// ResizeRequest resizes the session. Only the authority holder's
// requests are applied.
type ResizeRequest struct {
	SessionRef
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// InputRequest sends viewer input to the session.
type InputRequest struct {
	SessionRef
	Data string `json:"data"`

	// TTYMode writes Data to the PTY as keystrokes. Otherwise Data is
	// pasted as a bracketed paste and submitted with Enter.
	TTYMode bool `json:"ttyMode,omitempty"`
}

// FullHistoryRequest asks for the session's scrollback.
type FullHistoryRequest struct {
	SessionRef

	// MaxLines is kept raw: clients send integers, floats, and
	// numeric strings, and each is coerced differently.
	MaxLines json.RawMessage `json:"maxLines,omitempty"`
}

// SubscribedPayload confirms a subscribe. Live frames after
// CurrentSequence follow.
type SubscribedPayload struct {
	SessionID       string `json:"sessionId"`
	CurrentSequence uint64 `json:"currentSequence"`
}

// DataPayload is one frame of terminal output.
type DataPayload struct {
	Data     string `json:"data"`
	Sequence uint64 `json:"sequence"`
}

// SeedChunkPayload is one chunk of a first-attach snapshot. The
// pointer fields are set on the final chunk only.
type SeedChunkPayload struct {
	Data        string `json:"data"`
	Chunk       int    `json:"chunk"`
	TotalChunks int    `json:"totalChunks"`

	TotalLines *int  `json:"totalLines,omitempty"`
	HasHistory *bool `json:"hasHistory,omitempty"`
	Cols       *int  `json:"cols,omitempty"`
	Rows       *int  `json:"rows,omitempty"`
	CursorX    *int  `json:"cursorX,omitempty"`
	CursorY    *int  `json:"cursorY,omitempty"`
}

// ResizePayload announces the session's new terminal size.
type ResizePayload struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// FocusChangedPayload names the viewer now holding resize authority.
// A nil ClientID means nobody holds it.
type FocusChangedPayload struct {
	SessionID string  `json:"sessionId"`
	ClientID  *string `json:"clientId"`
}

// FullHistoryPayload answers a FullHistoryRequest. CapturedSequence
// is the current sequence just before the capture: frames at or
// below it are already in History. The cursor fields are absent when
// tmux could not report the cursor.
type FullHistoryPayload struct {
	History          string `json:"history"`
	CursorX          *int   `json:"cursorX,omitempty"`
	CursorY          *int   `json:"cursorY,omitempty"`
	HasHistory       bool   `json:"hasHistory"`
	CapturedSequence uint64 `json:"capturedSequence"`
}

// Session lifecycle states carried by state_change.
const (
	StatusStarted = "started"
	StatusEnded   = "ended"
	StatusCrashed = "crashed"
	StatusTimeout = "timeout"
)

// IsTerminalStatus reports whether status ends a session.
func IsTerminalStatus(status string) bool {
	return status == StatusEnded || status == StatusCrashed || status == StatusTimeout
}

// ValidStatus reports whether status is a known lifecycle state.
func ValidStatus(status string) bool {
	return status == StatusStarted || IsTerminalStatus(status)
}

// StateChangePayload announces a session lifecycle change.
type StateChangePayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// PingPayload is the heartbeat. Timestamp is Unix milliseconds.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorPayload rejects a request. SessionID is empty for errors not
// tied to a session.
type ErrorPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Request   string `json:"request,omitempty"`
	Message   string `json:"message"`
}
