// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/termstream/lib/clock"
	"github.com/bureau-foundation/termstream/protocol"
	"github.com/bureau-foundation/termstream/stream"
)

// ErrConnectionClosed is returned by Send once a connection has been
// closed.
var ErrConnectionClosed = errors.New("gateway: connection closed")

// DefaultSendBuffer is the outbound queue length per connection.
const DefaultSendBuffer = 256

// Connection is one viewer. Outbound envelopes are queued on a
// bounded channel drained by the transport's writer.
type Connection struct {
	id        string
	send      chan protocol.Envelope
	closed    chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	sessions      map[string]struct{}
	lastHeartbeat time.Time

	// held collects live frames for sessions whose replay is still
	// being sent. A present key means the session's frames are held.
	held map[string][]heldFrame

	// topics is guarded by the owning Hub's mutex.
	topics map[string]struct{}
}

type heldFrame struct {
	sequence uint64
	envelope protocol.Envelope
}

// ID is the connection's unique id, reported to viewers as clientId.
func (c *Connection) ID() string { return c.id }

// Outbound is drained by the transport writer.
func (c *Connection) Outbound() <-chan protocol.Envelope { return c.send }

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Close marks the connection closed. The outbound channel stays open
// so concurrent senders never panic.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Enqueue queues envelope without blocking. It returns false when the
// queue is full or the connection is closed, and the envelope is
// dropped.
func (c *Connection) Enqueue(envelope protocol.Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- envelope:
		return true
	default:
		return false
	}
}

// Send queues envelope, waiting for room. Replays and snapshots use
// Send so none of their envelopes are dropped or reordered.
func (c *Connection) Send(ctx context.Context, envelope protocol.Envelope) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- envelope:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliverFrame enqueues a live frame, or holds it while the session's
// replay is in flight. Like Enqueue it reports false when the frame
// was dropped.
func (c *Connection) deliverFrame(sessionID string, sequence uint64, envelope protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if held, ok := c.held[sessionID]; ok {
		if len(held) >= cap(c.send) {
			return false
		}
		c.held[sessionID] = append(held, heldFrame{sequence: sequence, envelope: envelope})
		return true
	}
	return c.Enqueue(envelope)
}

// holdFrames starts holding the session's live frames. Frames already
// held are kept.
func (c *Connection) holdFrames(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.held[sessionID]; !ok {
		c.held[sessionID] = nil
	}
}

// takeHeld returns the frames held since the last call. When none are
// held it stops holding, in the same critical section that
// deliverFrame checks, and returns false.
func (c *Connection) takeHeld(sessionID string) ([]heldFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	held, ok := c.held[sessionID]
	if !ok || len(held) == 0 {
		delete(c.held, sessionID)
		return nil, false
	}
	c.held[sessionID] = nil
	return held, true
}

// releaseFrames stops holding and discards anything held.
func (c *Connection) releaseFrames(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, sessionID)
}

func (c *Connection) addSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = struct{}{}
}

func (c *Connection) removeSession(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	return ok
}

// HasSession reports whether the connection is subscribed to the
// session.
func (c *Connection) HasSession(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[sessionID]
	return ok
}

// Sessions returns the sessions the connection is subscribed to.
func (c *Connection) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = now
}

// LastHeartbeat returns when the viewer last answered a ping, or when
// it connected.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Hub tracks connections and their topic memberships and fans
// envelopes out to topic members. Broadcasting never blocks: a viewer
// whose queue is full misses the envelope.
type Hub struct {
	bufferSize int
	clock      clock.Clock
	logger     *slog.Logger

	mu          sync.RWMutex
	connections map[string]*Connection
	topics      map[string]map[string]*Connection
}

// NewHub returns an empty hub whose connections queue up to
// bufferSize envelopes.
func NewHub(bufferSize int, clk clock.Clock, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultSendBuffer
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		bufferSize:  bufferSize,
		clock:       clk,
		logger:      logger,
		connections: make(map[string]*Connection),
		topics:      make(map[string]map[string]*Connection),
	}
}

// Connect registers a new connection.
func (h *Hub) Connect() *Connection {
	conn := &Connection{
		id:            uuid.NewString(),
		send:          make(chan protocol.Envelope, h.bufferSize),
		closed:        make(chan struct{}),
		sessions:      make(map[string]struct{}),
		held:          make(map[string][]heldFrame),
		topics:        make(map[string]struct{}),
		lastHeartbeat: h.clock.Now(),
	}
	h.mu.Lock()
	h.connections[conn.id] = conn
	h.mu.Unlock()
	return conn
}

// Remove drops the connection and all its topic memberships.
func (h *Hub) Remove(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range conn.topics {
		h.leaveLocked(conn, topic)
	}
	delete(h.connections, conn.id)
}

// Join adds the connection to topic.
func (h *Hub) Join(conn *Connection, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[string]*Connection)
		h.topics[topic] = members
	}
	members[conn.id] = conn
	conn.topics[topic] = struct{}{}
}

// Leave removes the connection from topic.
func (h *Hub) Leave(conn *Connection, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(conn, topic)
}

func (h *Hub) leaveLocked(conn *Connection, topic string) {
	delete(conn.topics, topic)
	members := h.topics[topic]
	delete(members, conn.id)
	if len(members) == 0 {
		delete(h.topics, topic)
	}
}

// IsMember reports whether the connection has joined topic.
func (h *Hub) IsMember(conn *Connection, topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := conn.topics[topic]
	return ok
}

// Members returns the connections that have joined topic.
func (h *Hub) Members(topic string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := make([]*Connection, 0, len(h.topics[topic]))
	for _, conn := range h.topics[topic] {
		members = append(members, conn)
	}
	return members
}

// Connections returns every registered connection.
func (h *Hub) Connections() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connections := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		connections = append(connections, conn)
	}
	return connections
}

// Envelope stamps an envelope with the hub's clock.
func (h *Hub) Envelope(topic, messageType string, payload any) protocol.Envelope {
	return protocol.Envelope{Topic: topic, Type: messageType, Payload: payload, TS: h.clock.Now()}
}

// Broadcast enqueues an envelope for every member of topic and
// returns how many accepted it.
func (h *Hub) Broadcast(topic, messageType string, payload any) int {
	envelope := h.Envelope(topic, messageType, payload)
	delivered := 0
	for _, conn := range h.Members(topic) {
		if conn.Enqueue(envelope) {
			delivered++
			continue
		}
		h.logger.Warn("dropping envelope for slow viewer",
			"viewer_id", conn.id,
			"topic", topic,
			"type", messageType,
		)
	}
	return delivered
}

// PublishFrame delivers a live frame to every member of the
// session's terminal topic. It implements stream.FrameSink.
func (h *Hub) PublishFrame(sessionID string, frame stream.Frame) {
	topic := protocol.TerminalTopic(sessionID)
	envelope := h.Envelope(topic, protocol.TypeData, protocol.DataPayload{
		Data:     frame.Data,
		Sequence: frame.Sequence,
	})
	for _, conn := range h.Members(topic) {
		if conn.deliverFrame(sessionID, frame.Sequence, envelope) {
			continue
		}
		h.logger.Warn("dropping frame for slow viewer",
			"viewer_id", conn.id,
			"session_id", sessionID,
			"sequence", frame.Sequence,
		)
	}
}
