// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/bureau-foundation/termstream/protocol"
	"github.com/bureau-foundation/termstream/seed"
)

// DefaultHistoryLines is used when a full-history request does not
// say how many lines it wants.
const DefaultHistoryLines = 10000

// ErrInvalidMaxLines rejects a full-history line count.
var ErrInvalidMaxLines = errors.New("maxLines must be a finite number no less than 1")

// CoerceMaxLines interprets a full-history maxLines value. Numbers and
// numeric strings are accepted and floored; absent or null gives
// DefaultHistoryLines. Anything else, or a floored value below 1, is
// rejected.
func CoerceMaxLines(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return DefaultHistoryLines, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return 0, ErrInvalidMaxLines
	}

	var text string
	switch v := value.(type) {
	case json.Number:
		text = v.String()
	case string:
		text = strings.TrimSpace(v)
	default:
		return 0, ErrInvalidMaxLines
	}
	parsed, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, ErrInvalidMaxLines
	}
	lines := math.Floor(parsed)
	if math.IsNaN(lines) || math.IsInf(lines, 0) || lines < 1 {
		return 0, ErrInvalidMaxLines
	}
	if lines > math.MaxInt32 {
		lines = math.MaxInt32
	}
	return int(lines), nil
}

// RequestFullHistory answers with the session's scrollback, up to the
// requested number of lines clamped to the configured limit and cut
// to the snapshot byte budget. The sequence is read before capturing,
// so the viewer can drop live frames at or below it that the capture
// already contains. Requests for sessions conn is not subscribed to
// are ignored.
func (g *Gateway) RequestFullHistory(ctx context.Context, conn *Connection, request protocol.FullHistoryRequest) {
	sessionID := request.SessionID
	if !conn.HasSession(sessionID) {
		g.logger.Debug("ignoring history request from unsubscribed viewer", "session_id", sessionID, "viewer_id", conn.ID())
		return
	}

	lines, err := CoerceMaxLines(request.MaxLines)
	if err != nil {
		g.reject(ctx, conn, sessionID, protocol.TypeRequestFullHistory, err.Error())
		return
	}
	if limit := g.settings.ScrollbackLines(); limit > 0 && lines > limit {
		g.logger.Info("clamping history request to scrollback limit",
			"session_id", sessionID,
			"requested", lines,
			"limit", limit,
		)
		lines = limit
	}

	payload := protocol.FullHistoryPayload{
		CapturedSequence: g.frames.CurrentSequence(sessionID),
	}
	if session, ok := g.directory.Session(sessionID); ok {
		history := strings.TrimSuffix(g.mux.CapturePane(session.TmuxSession, lines, true), "\n")
		payload.History, payload.HasHistory = seed.TruncateToMaxBytes(history, g.seeds.ResolveConfig().MaxBytes)
		if cursor, ok := g.mux.CursorPosition(session.TmuxSession); ok {
			payload.CursorX = &cursor.X
			payload.CursorY = &cursor.Y
		}
	}

	envelope := g.hub.Envelope(protocol.TerminalTopic(sessionID), protocol.TypeFullHistory, payload)
	if err := conn.Send(ctx, envelope); err != nil {
		g.logger.Debug("history not delivered", "session_id", sessionID, "error", err)
	}
}
