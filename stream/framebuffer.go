// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"sync"
	"time"

	"github.com/bureau-foundation/termstream/lib/clock"
)

// DefaultFrameCapacity is the number of frames retained per session.
const DefaultFrameCapacity = 100

// Frame is one sequenced chunk of terminal output.
type Frame struct {
	Sequence  uint64
	Data      string
	Timestamp time.Time
}

// FrameBuffers holds a bounded ring of recent frames for every
// session. Operations on an unknown session behave as if the session
// were empty. Appends to one session are serialized; different
// sessions only share the brief registry lookup.
type FrameBuffers struct {
	capacity int
	clock    clock.Clock

	mu    sync.Mutex
	rings map[string]*frameRing
}

type frameRing struct {
	mu sync.Mutex

	// frames is circular: the oldest retained frame is at head, and
	// count frames follow it (wrapping).
	frames []Frame
	head   int
	count  int

	// sequence is the last sequence handed out.
	sequence uint64
}

// NewFrameBuffers returns an empty registry retaining capacity frames
// per session. A non-positive capacity uses DefaultFrameCapacity.
func NewFrameBuffers(capacity int, clk clock.Clock) *FrameBuffers {
	if capacity <= 0 {
		capacity = DefaultFrameCapacity
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &FrameBuffers{
		capacity: capacity,
		clock:    clk,
		rings:    make(map[string]*frameRing),
	}
}

// Initialize creates the session's ring if it does not exist.
func (b *FrameBuffers) Initialize(sessionID string) {
	b.ring(sessionID, true)
}

func (b *FrameBuffers) ring(sessionID string, create bool) *frameRing {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring, ok := b.rings[sessionID]
	if !ok && create {
		ring = &frameRing{frames: make([]Frame, b.capacity)}
		b.rings[sessionID] = ring
	}
	return ring
}

// Append assigns data the session's next sequence number, stores it,
// evicting the oldest frame when the ring is full, and returns the
// stored frame.
func (b *FrameBuffers) Append(sessionID, data string) Frame {
	ring := b.ring(sessionID, true)
	ring.mu.Lock()
	defer ring.mu.Unlock()

	ring.sequence++
	frame := Frame{Sequence: ring.sequence, Data: data, Timestamp: b.clock.Now()}

	size := len(ring.frames)
	if ring.count < size {
		ring.frames[(ring.head+ring.count)%size] = frame
		ring.count++
	} else {
		ring.frames[ring.head] = frame
		ring.head = (ring.head + 1) % size
	}
	return frame
}

// Since returns the retained frames with a sequence greater than
// lastSequence, oldest first. Sequences start at 1, so Since(id, 0)
// returns the whole retained window. A viewer whose gap is wider than
// the window receives the contiguous part that is still retained.
func (b *FrameBuffers) Since(sessionID string, lastSequence uint64) []Frame {
	ring := b.ring(sessionID, false)
	if ring == nil {
		return nil
	}
	ring.mu.Lock()
	defer ring.mu.Unlock()

	if ring.count == 0 || lastSequence >= ring.sequence {
		return nil
	}
	oldest := ring.sequence - uint64(ring.count) + 1
	skip := 0
	if lastSequence >= oldest {
		skip = int(lastSequence - oldest + 1)
	}
	result := make([]Frame, 0, ring.count-skip)
	size := len(ring.frames)
	for i := skip; i < ring.count; i++ {
		result = append(result, ring.frames[(ring.head+i)%size])
	}
	return result
}

// CurrentSequence returns the last sequence assigned for the session,
// or 0 if it has none.
func (b *FrameBuffers) CurrentSequence(sessionID string) uint64 {
	ring := b.ring(sessionID, false)
	if ring == nil {
		return 0
	}
	ring.mu.Lock()
	defer ring.mu.Unlock()
	return ring.sequence
}

// Len returns the number of retained frames for the session.
func (b *FrameBuffers) Len(sessionID string) int {
	ring := b.ring(sessionID, false)
	if ring == nil {
		return 0
	}
	ring.mu.Lock()
	defer ring.mu.Unlock()
	return ring.count
}

// Clear drops the session's ring. A later Append starts again at
// sequence 1.
func (b *FrameBuffers) Clear(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rings, sessionID)
}
