// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/termstream/directory"
	"github.com/bureau-foundation/termstream/lib/clock"
	"github.com/bureau-foundation/termstream/lib/tmux"
	"github.com/bureau-foundation/termstream/protocol"
	"github.com/bureau-foundation/termstream/seed"
	"github.com/bureau-foundation/termstream/stream"
)

const (
	// DefaultSettleDelay is how long a first attach waits after its
	// forced resize so the snapshot reflects the new size.
	DefaultSettleDelay = 100 * time.Millisecond

	// DefaultGracePeriod delays teardown after a session ends so
	// viewers can still read its final frames.
	DefaultGracePeriod = 5 * time.Second

	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 45 * time.Second

	// DefaultSeedQueue is how many snapshot tasks may wait for a
	// worker.
	DefaultSeedQueue = 64
)

// Streamer owns the PTY attachments. *stream.AttachmentManager
// implements it.
type Streamer interface {
	StartStreaming(sessionID, sessionName string) error
	StopStreaming(sessionID string)
	IsStreaming(sessionID string) bool
	Resize(sessionID string, cols, rows int, force bool) (bool, error)
	Write(sessionID string, data []byte) error
	Dimensions(sessionID string) (stream.Dimensions, bool)
}

// Multiplexer is the part of the tmux adapter the gateway calls
// directly. *tmux.Server implements it.
type Multiplexer interface {
	HasSession(sessionName string) bool
	CapturePane(sessionName string, lines int, withEscapes bool) string
	CursorPosition(sessionName string) (tmux.Cursor, bool)
	PasteAndSubmit(sessionName, payload string, options tmux.PasteOptions) error
}

// SessionDirectory resolves session ids. *directory.Registry
// implements it.
type SessionDirectory interface {
	Session(sessionID string) (directory.Session, bool)
}

// Options wires a Gateway. Every field without a default is required.
type Options struct {
	Hub         *Hub
	Streams     Streamer
	Frames      *stream.FrameBuffers
	Multiplexer Multiplexer
	Seeds       *seed.Service
	Directory   SessionDirectory
	Settings    seed.Settings

	SettleDelay       time.Duration
	GracePeriod       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SeedQueue         int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Gateway routes viewer requests and owns per-session authority.
type Gateway struct {
	hub       *Hub
	streams   Streamer
	frames    *stream.FrameBuffers
	mux       Multiplexer
	seeds     *seed.Service
	directory SessionDirectory
	settings  seed.Settings

	settleDelay       time.Duration
	gracePeriod       time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	clock  clock.Clock
	logger *slog.Logger

	seedTasks chan seedTask

	// mu makes every authority change, and the focus_changed
	// broadcast announcing it, one step.
	mu        sync.Mutex
	authority map[string]string
	teardowns map[string]*pendingTeardown
}

// New returns a Gateway. Its seed workers and heartbeat are started
// separately with RunSeedWorkers and RunHeartbeat.
func New(options Options) *Gateway {
	g := &Gateway{
		hub:               options.Hub,
		streams:           options.Streams,
		frames:            options.Frames,
		mux:               options.Multiplexer,
		seeds:             options.Seeds,
		directory:         options.Directory,
		settings:          options.Settings,
		settleDelay:       durationOr(options.SettleDelay, DefaultSettleDelay),
		gracePeriod:       durationOr(options.GracePeriod, DefaultGracePeriod),
		heartbeatInterval: durationOr(options.HeartbeatInterval, DefaultHeartbeatInterval),
		heartbeatTimeout:  durationOr(options.HeartbeatTimeout, DefaultHeartbeatTimeout),
		clock:             options.Clock,
		logger:            options.Logger,
		authority:         make(map[string]string),
		teardowns:         make(map[string]*pendingTeardown),
	}
	queue := options.SeedQueue
	if queue <= 0 {
		queue = DefaultSeedQueue
	}
	g.seedTasks = make(chan seedTask, queue)
	if g.clock == nil {
		g.clock = clock.Real()
	}
	if g.logger == nil {
		g.logger = slog.New(slog.DiscardHandler)
	}
	return g
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

// Connect registers a new viewer and joins it to the sessions topic.
func (g *Gateway) Connect() *Connection {
	conn := g.hub.Connect()
	g.hub.Join(conn, protocol.TopicSessions)
	return conn
}

// Hub returns the gateway's hub.
func (g *Gateway) Hub() *Hub { return g.hub }

// HandleMessage dispatches one inbound message from conn.
func (g *Gateway) HandleMessage(ctx context.Context, conn *Connection, message protocol.Inbound) {
	switch message.Type {
	case protocol.TypeSubscribe:
		var request protocol.SubscribeRequest
		if g.decode(ctx, conn, message, &request, &request.SessionRef) {
			g.Subscribe(ctx, conn, request)
		}
	case protocol.TypeUnsubscribe:
		var request protocol.SessionRef
		if g.decode(ctx, conn, message, &request, &request) {
			g.Unsubscribe(conn, request.SessionID)
		}
	case protocol.TypeFocus:
		var request protocol.SessionRef
		if g.decode(ctx, conn, message, &request, &request) {
			g.Focus(conn, request.SessionID)
		}
	case protocol.TypeResize:
		var request protocol.ResizeRequest
		if g.decode(ctx, conn, message, &request, &request.SessionRef) {
			g.Resize(conn, request)
		}
	case protocol.TypeInput:
		var request protocol.InputRequest
		if g.decode(ctx, conn, message, &request, &request.SessionRef) {
			g.Input(conn, request)
		}
	case protocol.TypeRequestFullHistory:
		var request protocol.FullHistoryRequest
		if g.decode(ctx, conn, message, &request, &request.SessionRef) {
			g.RequestFullHistory(ctx, conn, request)
		}
	case protocol.TypePong:
		g.Pong(conn)
	default:
		g.reject(ctx, conn, "", message.Type, "unknown message type")
	}
}

// decode unmarshals the payload into request and fills the session id
// from the topic when the payload omits it. A payload that does not
// decode, or names no session, is rejected to the viewer.
func (g *Gateway) decode(ctx context.Context, conn *Connection, message protocol.Inbound, request any, ref *protocol.SessionRef) bool {
	if len(message.Payload) > 0 && string(message.Payload) != "null" {
		if err := json.Unmarshal(message.Payload, request); err != nil {
			g.reject(ctx, conn, "", message.Type, fmt.Sprintf("invalid payload: %v", err))
			return false
		}
	}
	if ref.SessionID == "" {
		if id, ok := protocol.SessionFromTopic(message.Topic); ok {
			ref.SessionID = id
		}
	}
	if ref.SessionID == "" {
		g.reject(ctx, conn, "", message.Type, "missing sessionId")
		return false
	}
	return true
}

// reject tells the viewer its request was refused.
func (g *Gateway) reject(ctx context.Context, conn *Connection, sessionID, request, message string) {
	topic := protocol.TopicSystem
	if sessionID != "" {
		topic = protocol.TerminalTopic(sessionID)
	}
	envelope := g.hub.Envelope(topic, protocol.TypeError, protocol.ErrorPayload{
		SessionID: sessionID,
		Request:   request,
		Message:   message,
	})
	if err := conn.Send(ctx, envelope); err != nil {
		g.logger.Debug("could not deliver rejection", "viewer_id", conn.ID(), "error", err)
	}
}

// Subscribe attaches conn to a session. The order of steps matters:
// the viewer is confirmed with the current sequence before any
// snapshot work, and it joins the live topic before the replay or
// seed so nothing newer than the confirmation is lost.
func (g *Gateway) Subscribe(ctx context.Context, conn *Connection, request protocol.SubscribeRequest) {
	sessionID := request.SessionID
	session, ok := g.directory.Session(sessionID)
	if !ok {
		g.reject(ctx, conn, sessionID, protocol.TypeSubscribe, "unknown session")
		return
	}
	logger := g.logger.With("session_id", sessionID, "viewer_id", conn.ID())

	conn.addSession(sessionID)
	g.hub.Join(conn, protocol.SessionTopic(sessionID))

	if !g.streams.IsStreaming(sessionID) {
		if g.mux.HasSession(session.TmuxSession) {
			if err := g.streams.StartStreaming(sessionID, session.TmuxSession); err != nil {
				logger.Error("starting attachment", "error", err)
			}
		} else {
			logger.Warn("tmux session not running, subscribing without a stream", "tmux_session", session.TmuxSession)
		}
	}

	g.claimAuthority(sessionID, conn.ID())

	firstAttach := request.LastSequence == nil

	if request.Cols > 0 && request.Rows > 0 {
		if _, err := g.streams.Resize(sessionID, request.Cols, request.Rows, firstAttach); err != nil {
			logger.Debug("subscribe resize not applied", "error", err)
		}
		if firstAttach {
			g.seeds.Invalidate(sessionID)
			g.clock.Sleep(g.settleDelay)
		}
	}

	confirmation := g.hub.Envelope(protocol.TerminalTopic(sessionID), protocol.TypeSubscribed, protocol.SubscribedPayload{
		SessionID:       sessionID,
		CurrentSequence: g.frames.CurrentSequence(sessionID),
	})
	if err := conn.Send(ctx, confirmation); err != nil {
		// A heartbeat disconnect may have run mid-subscribe; undo
		// the membership and authority claimed above.
		logger.Debug("viewer gone before confirmation", "error", err)
		g.Unsubscribe(conn, sessionID)
		return
	}

	if firstAttach {
		g.hub.Join(conn, protocol.TerminalTopic(sessionID))
		g.enqueueSeed(seedTask{conn: conn, sessionID: sessionID, sessionName: session.TmuxSession})
		logger.Info("viewer attached")
		return
	}

	replayed, err := g.replay(ctx, conn, sessionID, *request.LastSequence)
	if err != nil {
		logger.Debug("replay interrupted", "error", err)
		return
	}
	logger.Info("viewer reconnected", "last_sequence", *request.LastSequence, "replayed", replayed)
}

// replay joins conn to the session's live topic and sends every
// buffered frame after lastSequence. Live frames published meanwhile
// are held and flushed afterwards, skipping any the replay already
// covered, so the viewer sees strictly increasing sequences.
func (g *Gateway) replay(ctx context.Context, conn *Connection, sessionID string, lastSequence uint64) (int, error) {
	topic := protocol.TerminalTopic(sessionID)
	conn.holdFrames(sessionID)
	defer conn.releaseFrames(sessionID)
	g.hub.Join(conn, topic)

	sent := lastSequence
	missed := g.frames.Since(sessionID, lastSequence)
	for _, frame := range missed {
		envelope := g.hub.Envelope(topic, protocol.TypeData, protocol.DataPayload{
			Data:     frame.Data,
			Sequence: frame.Sequence,
		})
		if err := conn.Send(ctx, envelope); err != nil {
			return 0, err
		}
		sent = frame.Sequence
	}

	for {
		held, ok := conn.takeHeld(sessionID)
		if !ok {
			return len(missed), nil
		}
		for _, frame := range held {
			if frame.sequence <= sent {
				continue
			}
			if err := conn.Send(ctx, frame.envelope); err != nil {
				return 0, err
			}
			sent = frame.sequence
		}
	}
}

// Unsubscribe detaches conn from a session, passing authority on if
// conn held it.
func (g *Gateway) Unsubscribe(conn *Connection, sessionID string) {
	g.hub.Leave(conn, protocol.TerminalTopic(sessionID))
	g.hub.Leave(conn, protocol.SessionTopic(sessionID))
	if conn.removeSession(sessionID) {
		g.releaseAuthority(sessionID, conn)
	}
}

// Disconnect unsubscribes conn from everything and closes it.
func (g *Gateway) Disconnect(conn *Connection) {
	for _, sessionID := range conn.Sessions() {
		g.Unsubscribe(conn, sessionID)
	}
	g.hub.Remove(conn)
	conn.Close()
}

// Focus gives a subscribed viewer resize authority.
func (g *Gateway) Focus(conn *Connection, sessionID string) {
	if !conn.HasSession(sessionID) {
		return
	}
	g.claimAuthority(sessionID, conn.ID())
}

// Resize applies a resize from the authority holder and announces it
// when the PTY actually changed size. Anyone else is ignored.
func (g *Gateway) Resize(conn *Connection, request protocol.ResizeRequest) {
	sessionID := request.SessionID
	if holder, _ := g.AuthorityHolder(sessionID); holder != conn.ID() {
		g.logger.Debug("ignoring resize from non-holder", "session_id", sessionID, "viewer_id", conn.ID())
		return
	}
	resized, err := g.streams.Resize(sessionID, request.Cols, request.Rows, false)
	if err != nil {
		g.logger.Debug("resize not applied", "session_id", sessionID, "error", err)
		return
	}
	if resized {
		g.hub.Broadcast(protocol.TerminalTopic(sessionID), protocol.TypeResize, protocol.ResizePayload{
			Rows: request.Rows,
			Cols: request.Cols,
		})
	}
}

// Input delivers keystrokes or a submitted paste from a subscribed
// viewer.
func (g *Gateway) Input(conn *Connection, request protocol.InputRequest) {
	sessionID := request.SessionID
	if !conn.HasSession(sessionID) || request.Data == "" {
		return
	}
	if request.TTYMode {
		if err := g.streams.Write(sessionID, []byte(request.Data)); err != nil {
			g.logger.Debug("input not written", "session_id", sessionID, "error", err)
		}
		return
	}
	session, ok := g.directory.Session(sessionID)
	if !ok {
		return
	}
	if err := g.mux.PasteAndSubmit(session.TmuxSession, request.Data, tmux.PasteOptions{Bracketed: true}); err != nil {
		g.logger.Warn("paste failed", "session_id", sessionID, "error", err)
	}
}

// Pong records a heartbeat reply.
func (g *Gateway) Pong(conn *Connection) {
	conn.touch(g.clock.Now())
}

// AuthorityHolder returns the connection id holding the session's
// resize authority.
func (g *Gateway) AuthorityHolder(sessionID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	holder, ok := g.authority[sessionID]
	return holder, ok
}

// ViewerCount returns how many viewers receive the session's frames.
func (g *Gateway) ViewerCount(sessionID string) int {
	return len(g.hub.Members(protocol.TerminalTopic(sessionID)))
}

func (g *Gateway) claimAuthority(sessionID, connectionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.authority[sessionID] = connectionID
	g.announceFocusLocked(sessionID, connectionID)
}

// releaseAuthority passes authority from conn to another viewer of
// the session's frames, or clears it.
func (g *Gateway) releaseAuthority(sessionID string, conn *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.authority[sessionID] != conn.ID() {
		return
	}
	for _, member := range g.hub.Members(protocol.TerminalTopic(sessionID)) {
		if member != conn {
			g.authority[sessionID] = member.ID()
			g.announceFocusLocked(sessionID, member.ID())
			return
		}
	}
	delete(g.authority, sessionID)
	g.announceFocusLocked(sessionID, "")
}

// announceFocusLocked broadcasts the holder; "" announces nobody.
func (g *Gateway) announceFocusLocked(sessionID, connectionID string) {
	payload := protocol.FocusChangedPayload{SessionID: sessionID}
	if connectionID != "" {
		payload.ClientID = &connectionID
	}
	g.hub.Broadcast(protocol.SessionTopic(sessionID), protocol.TypeFocusChanged, payload)
}

type seedTask struct {
	conn        *Connection
	sessionID   string
	sessionName string
}

// enqueueSeed hands a snapshot to the workers without waiting. When
// the queue is full the viewer goes unseeded and relies on live
// frames.
func (g *Gateway) enqueueSeed(task seedTask) {
	select {
	case g.seedTasks <- task:
	default:
		g.logger.Warn("seed queue full, skipping snapshot",
			"session_id", task.sessionID,
			"viewer_id", task.conn.ID(),
		)
	}
}

func (g *Gateway) runSeed(ctx context.Context, task seedTask) {
	select {
	case <-task.conn.Done():
		return
	default:
	}
	size, ok := g.streams.Dimensions(task.sessionID)
	if !ok {
		size = stream.DefaultDimensions
	}
	err := g.seeds.Seed(ctx, task.conn, task.sessionID, task.sessionName, size)
	if err != nil && !errors.Is(err, ErrConnectionClosed) && !errors.Is(err, context.Canceled) {
		g.logger.Warn("seeding viewer failed",
			"session_id", task.sessionID,
			"viewer_id", task.conn.ID(),
			"error", err,
		)
	}
}
