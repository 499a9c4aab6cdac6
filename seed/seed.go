// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package seed builds the scrollback snapshot a viewer receives on its
// first attach, and the byte budget shared with full-history requests.
//
// A snapshot is a tmux capture with formatting escapes, cut down to a
// byte budget by dropping the oldest lines, then delivered as
// consecutive seed_ansi chunks. Captures are cached for a couple of
// seconds per session so a burst of viewers attaching together costs
// one capture.
package seed

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/termstream/lib/clock"
	"github.com/bureau-foundation/termstream/lib/tmux"
	"github.com/bureau-foundation/termstream/protocol"
	"github.com/bureau-foundation/termstream/stream"
)

// Byte budget bounds and default for snapshots and full history.
const (
	MinMaxBytes     = 64 * 1024
	MaxMaxBytes     = 4 * 1024 * 1024
	DefaultMaxBytes = 1024 * 1024

	// MaxBytesSetting is the settings key holding the byte budget.
	MaxBytesSetting = "terminal_seed_max_bytes"
)

const (
	// ChunkBytes is the largest seed_ansi payload.
	ChunkBytes = 64 * 1024

	// CaptureTTL is how long a capture is reused.
	CaptureTTL = 2 * time.Second

	// cacheSize bounds how many sessions' captures are kept.
	cacheSize = 256

	// cacheRetention is how long the LRU holds an entry before
	// dropping it. Freshness is decided against the injected clock;
	// this only releases memory for idle sessions.
	cacheRetention = 30 * time.Second
)

// Settings supplies the configured limits.
type Settings interface {
	// ScrollbackLines is the most history lines a capture may
	// request.
	ScrollbackLines() int

	// Setting returns a raw setting value and whether it is set.
	Setting(key string) (string, bool)
}

// Capturer reads pane contents and cursor position. *tmux.Server
// implements it.
type Capturer interface {
	CapturePane(sessionName string, lines int, withEscapes bool) string
	CursorPosition(sessionName string) (tmux.Cursor, bool)
}

// Viewer receives snapshot chunks in order. Send blocks until the
// envelope is queued for the viewer or the viewer is gone.
type Viewer interface {
	Send(ctx context.Context, envelope protocol.Envelope) error
}

// Config is the resolved snapshot configuration.
type Config struct {
	MaxBytes int
}

type cacheEntry struct {
	snapshot   string
	capturedAt time.Time
}

// Service captures, truncates, and emits snapshots.
type Service struct {
	capturer Capturer
	settings Settings
	clock    clock.Clock
	logger   *slog.Logger

	cache    *expirable.LRU[string, cacheEntry]
	inflight singleflight.Group
}

// NewService returns a Service with an empty capture cache.
func NewService(capturer Capturer, settings Settings, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		capturer: capturer,
		settings: settings,
		clock:    clk,
		logger:   logger,
		cache:    expirable.NewLRU[string, cacheEntry](cacheSize, nil, cacheRetention),
	}
}

// ResolveConfig reads the byte budget setting. Missing or unparsable
// values give DefaultMaxBytes; others are clamped into
// [MinMaxBytes, MaxMaxBytes].
func (s *Service) ResolveConfig() Config {
	raw, ok := s.settings.Setting(MaxBytesSetting)
	if !ok {
		return Config{MaxBytes: DefaultMaxBytes}
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		s.logger.Warn("ignoring invalid seed byte budget", "value", raw, "error", err)
		return Config{MaxBytes: DefaultMaxBytes}
	}
	return Config{MaxBytes: min(max(value, MinMaxBytes), MaxMaxBytes)}
}

// CaptureWithCache returns the session's capture, reusing one taken
// less than CaptureTTL ago. Concurrent misses for one session share a
// single capture. The second result is false when the capture failed
// or was empty.
func (s *Service) CaptureWithCache(sessionID, sessionName string, lines int) (string, bool) {
	if entry, ok := s.cache.Get(sessionID); ok && s.clock.Now().Sub(entry.capturedAt) < CaptureTTL {
		return entry.snapshot, true
	}
	result, _, _ := s.inflight.Do(sessionID, func() (any, error) {
		snapshot := s.capturer.CapturePane(sessionName, lines, true)
		if snapshot == "" {
			return "", nil
		}
		s.cache.Add(sessionID, cacheEntry{snapshot: snapshot, capturedAt: s.clock.Now()})
		return snapshot, nil
	})
	snapshot := result.(string)
	return snapshot, snapshot != ""
}

// Invalidate drops the session's cached capture.
func (s *Service) Invalidate(sessionID string) {
	s.cache.Remove(sessionID)
	s.inflight.Forget(sessionID)
}

// TruncateToMaxBytes keeps the newest whole lines of text that fit in
// maxBytes. When not even the last line fits, it keeps that line's
// last maxBytes bytes, dropping a character cut in half at the front.
// The second result reports whether anything was dropped.
func TruncateToMaxBytes(text string, maxBytes int) (string, bool) {
	if len(text) <= maxBytes {
		return text, false
	}
	lines := strings.Split(text, "\n")
	start := len(lines)
	used := 0
	for i := len(lines) - 1; i >= 0; i-- {
		size := len(lines[i])
		if i < len(lines)-1 {
			size++ // newline joining it to the following line
		}
		if used+size > maxBytes {
			break
		}
		used += size
		start = i
	}
	if used > 0 {
		return strings.Join(lines[start:], "\n"), true
	}

	last := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] != "" {
			last = lines[i]
			break
		}
	}
	if len(last) > maxBytes {
		last = last[len(last)-maxBytes:]
	}
	for last != "" && !utf8.RuneStart(last[0]) {
		last = last[1:]
	}
	return strings.ToValidUTF8(last, "\uFFFD"), true
}

// EmitSnapshot sends snapshot to viewer as ChunkBytes-sized seed_ansi
// chunks, in order. The final chunk carries the line count, the
// terminal size, the cursor when known, and hasHistory, which is true
// only when the snapshot was truncated. An empty snapshot sends
// nothing.
func (s *Service) EmitSnapshot(ctx context.Context, viewer Viewer, sessionID, snapshot string, size stream.Dimensions, cursor *tmux.Cursor, truncated bool) error {
	chunks := stream.SplitChunks(snapshot, ChunkBytes)
	topic := protocol.TerminalTopic(sessionID)
	for i, chunk := range chunks {
		payload := protocol.SeedChunkPayload{
			Data:        chunk,
			Chunk:       i,
			TotalChunks: len(chunks),
		}
		if i == len(chunks)-1 {
			totalLines := strings.Count(snapshot, "\n") + 1
			payload.TotalLines = &totalLines
			payload.HasHistory = &truncated
			payload.Cols = &size.Cols
			payload.Rows = &size.Rows
			if cursor != nil {
				payload.CursorX = &cursor.X
				payload.CursorY = &cursor.Y
			}
		}
		envelope := protocol.Envelope{
			Topic:   topic,
			Type:    protocol.TypeSeedANSI,
			Payload: payload,
			TS:      s.clock.Now(),
		}
		if err := viewer.Send(ctx, envelope); err != nil {
			return err
		}
	}
	return nil
}

// Seed captures the session's scrollback and emits it to viewer. A
// failed or empty capture is not an error; the viewer still gets live
// frames.
func (s *Service) Seed(ctx context.Context, viewer Viewer, sessionID, sessionName string, size stream.Dimensions) error {
	config := s.ResolveConfig()
	snapshot, ok := s.CaptureWithCache(sessionID, sessionName, s.settings.ScrollbackLines())
	if !ok {
		s.logger.Debug("seed skipped, capture empty", "session_id", sessionID)
		return nil
	}
	snapshot = strings.TrimSuffix(snapshot, "\n")
	if snapshot == "" {
		return nil
	}
	snapshot, truncated := TruncateToMaxBytes(snapshot, config.MaxBytes)

	var cursor *tmux.Cursor
	if position, ok := s.capturer.CursorPosition(sessionName); ok {
		cursor = &position
	}
	return s.EmitSnapshot(ctx, viewer, sessionID, snapshot, size, cursor, truncated)
}
