// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/termstream/directory"
	"github.com/bureau-foundation/termstream/lib/clock"
	"github.com/bureau-foundation/termstream/lib/testutil"
	"github.com/bureau-foundation/termstream/lib/tmux"
	"github.com/bureau-foundation/termstream/protocol"
	"github.com/bureau-foundation/termstream/seed"
	"github.com/bureau-foundation/termstream/stream"
)

type resizeCall struct {
	cols, rows int
	force      bool
}

// fakeStreamer mirrors AttachmentManager's smart resize without a PTY.
type fakeStreamer struct {
	mu         sync.Mutex
	streaming  map[string]string
	dimensions map[string]stream.Dimensions
	resizes    []resizeCall
	writes     []string
	stopped    []string
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{
		streaming:  make(map[string]string),
		dimensions: make(map[string]stream.Dimensions),
	}
}

func (f *fakeStreamer) StartStreaming(sessionID, sessionName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaming[sessionID] = sessionName
	if _, ok := f.dimensions[sessionID]; !ok {
		f.dimensions[sessionID] = stream.DefaultDimensions
	}
	return nil
}

func (f *fakeStreamer) StopStreaming(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streaming, sessionID)
	delete(f.dimensions, sessionID)
	f.stopped = append(f.stopped, sessionID)
}

func (f *fakeStreamer) IsStreaming(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.streaming[sessionID]
	return ok
}

func (f *fakeStreamer) Resize(sessionID string, cols, rows int, force bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.streaming[sessionID]; !ok {
		return false, stream.ErrNotStreaming
	}
	size := stream.Dimensions{Cols: cols, Rows: rows}
	previous := f.dimensions[sessionID]
	f.dimensions[sessionID] = size
	if previous == size && !force {
		return false, nil
	}
	f.resizes = append(f.resizes, resizeCall{cols: cols, rows: rows, force: force})
	return true, nil
}

func (f *fakeStreamer) Write(sessionID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.streaming[sessionID]; !ok {
		return stream.ErrNotStreaming
	}
	f.writes = append(f.writes, string(data))
	return nil
}

func (f *fakeStreamer) Dimensions(sessionID string) (stream.Dimensions, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.dimensions[sessionID]
	return size, ok
}

func (f *fakeStreamer) resizeCalls() []resizeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]resizeCall(nil), f.resizes...)
}

type paste struct {
	session, payload string
	bracketed        bool
}

type fakeMultiplexer struct {
	mu           sync.Mutex
	alive        map[string]bool
	capture      string
	cursor       *tmux.Cursor
	captureLines []int
	pastes       []paste
}

func (f *fakeMultiplexer) HasSession(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[name]
}

func (f *fakeMultiplexer) CapturePane(name string, lines int, withEscapes bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captureLines = append(f.captureLines, lines)
	return f.capture
}

func (f *fakeMultiplexer) CursorPosition(name string) (tmux.Cursor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursor == nil {
		return tmux.Cursor{}, false
	}
	return *f.cursor, true
}

func (f *fakeMultiplexer) PasteAndSubmit(name, payload string, options tmux.PasteOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pastes = append(f.pastes, paste{session: name, payload: payload, bracketed: options.Bracketed})
	return nil
}

func (f *fakeMultiplexer) captures() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.captureLines...)
}

type harness struct {
	gateway   *Gateway
	hub       *Hub
	streams   *fakeStreamer
	mux       *fakeMultiplexer
	frames    *stream.FrameBuffers
	registry  *directory.Registry
	settings  *directory.Settings
	seeds     *seed.Service
	clock     *clock.ManualClock
	cancelRun context.CancelFunc
}

const receiveTimeout = 5 * time.Second

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := clock.Manual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	h := &harness{
		hub:      NewHub(DefaultSendBuffer, fake, nil),
		streams:  newFakeStreamer(),
		mux:      &fakeMultiplexer{alive: map[string]bool{"work": true}, capture: "hello\nworld\n"},
		frames:   stream.NewFrameBuffers(stream.DefaultFrameCapacity, fake),
		registry: directory.NewRegistry(fake),
		settings: directory.NewSettings(10000, nil),
		clock:    fake,
	}
	h.seeds = seed.NewService(h.mux, h.settings, fake, nil)
	h.gateway = New(Options{
		Hub:         h.hub,
		Streams:     h.streams,
		Frames:      h.frames,
		Multiplexer: h.mux,
		Seeds:       h.seeds,
		Directory:   h.registry,
		Settings:    h.settings,
		Clock:       fake,
	})
	if _, err := h.registry.Register("s1", "work"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return h
}

// startSeedWorkers runs one seed worker for the rest of the test.
func (h *harness) startSeedWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.gateway.RunSeedWorkers(ctx, 1)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func lastSequence(n uint64) *uint64 { return &n }

// next returns the connection's next outbound envelope.
func next(t *testing.T, conn *Connection) protocol.Envelope {
	t.Helper()
	return testutil.RequireReceive(t, conn.Outbound(), receiveTimeout, "outbound envelope for "+conn.ID())
}

// nextOfType skips envelopes until one of the wanted type arrives.
func nextOfType(t *testing.T, conn *Connection, messageType string) protocol.Envelope {
	t.Helper()
	for {
		envelope := next(t, conn)
		if envelope.Type == messageType {
			return envelope
		}
	}
}

// drain discards everything currently queued for conn.
func drain(conn *Connection) {
	for {
		select {
		case <-conn.Outbound():
		default:
			return
		}
	}
}

// queued returns everything currently queued for conn.
func queued(conn *Connection) []protocol.Envelope {
	var envelopes []protocol.Envelope
	for {
		select {
		case envelope := <-conn.Outbound():
			envelopes = append(envelopes, envelope)
		default:
			return envelopes
		}
	}
}
