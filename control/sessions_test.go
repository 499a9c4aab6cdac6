// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/termstream/activity"
	"github.com/bureau-foundation/termstream/directory"
	"github.com/bureau-foundation/termstream/lib/clock"
	"github.com/bureau-foundation/termstream/protocol"
	"github.com/bureau-foundation/termstream/stream"
)

type fakeMultiplexer struct {
	mu       sync.Mutex
	sessions map[string][]string
	keys     map[string][]string
}

func newFakeMultiplexer() *fakeMultiplexer {
	return &fakeMultiplexer{sessions: make(map[string][]string), keys: make(map[string][]string)}
}

func (f *fakeMultiplexer) NewSession(name string, command ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = command
	return nil
}

func (f *fakeMultiplexer) HasSession(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok
}

func (f *fakeMultiplexer) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}

func (f *fakeMultiplexer) SendKeys(name string, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[name] = append(f.keys[name], keys...)
	return nil
}

func (f *fakeMultiplexer) command(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sessions[name])
}

func (f *fakeMultiplexer) sent(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.keys[name])
}

type lifecycleEvent struct {
	sessionID, status, message string
}

type fakeLifecycle struct {
	mu     sync.Mutex
	events []lifecycleEvent
}

func (f *fakeLifecycle) HandleLifecycle(sessionID, status, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, lifecycleEvent{sessionID, status, message})
}

func (f *fakeLifecycle) ViewerCount(sessionID string) int { return 2 }

func (f *fakeLifecycle) AuthorityHolder(sessionID string) (string, bool) {
	return "viewer-1", true
}

func (f *fakeLifecycle) recorded() []lifecycleEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.events)
}

type fakeStreams struct{ streaming map[string]bool }

func (f fakeStreams) IsStreaming(sessionID string) bool { return f.streaming[sessionID] }

func (f fakeStreams) Dimensions(sessionID string) (stream.Dimensions, bool) {
	if !f.streaming[sessionID] {
		return stream.Dimensions{}, false
	}
	return stream.Dimensions{Cols: 132, Rows: 43}, true
}

type sessionsHarness struct {
	client    *Client
	registry  *directory.Registry
	mux       *fakeMultiplexer
	lifecycle *fakeLifecycle
	frames    *stream.FrameBuffers
	activity  *activity.Tracker
	sessions  *Sessions
}

func newSessionsHarness(t *testing.T) *sessionsHarness {
	t.Helper()
	fake := clock.Manual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	h := &sessionsHarness{
		registry:  directory.NewRegistry(fake),
		mux:       newFakeMultiplexer(),
		lifecycle: &fakeLifecycle{},
		frames:    stream.NewFrameBuffers(stream.DefaultFrameCapacity, fake),
		activity:  activity.NewTracker(fake),
	}
	h.sessions = NewSessions(SessionsOptions{
		Registry:    h.registry,
		Multiplexer: h.mux,
		Lifecycle:   h.lifecycle,
		Streams:     fakeStreams{streaming: map[string]bool{"build": true}},
		Frames:      h.frames,
		Activity:    h.activity,
	})
	h.client = NewClient(startServer(t, h.sessions.Register))
	return h
}

func TestCreateRegistersAndStartsSession(t *testing.T) {
	t.Parallel()
	h := newSessionsHarness(t)

	var session directory.Session
	err := h.client.Call(context.Background(), ActionCreate, map[string]any{
		"session_id":   "build",
		"tmux_session": "build-main",
		"command":      []string{"make", "watch"},
	}, &session)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if session.ID != "build" || session.TmuxSession != "build-main" || session.Status != protocol.StatusStarted {
		t.Errorf("created session = %+v", session)
	}
	if command := h.mux.command("build-main"); !slices.Equal(command, []string{"make", "watch"}) {
		t.Errorf("tmux command = %v", command)
	}
	if events := h.lifecycle.recorded(); len(events) != 1 || events[0].status != protocol.StatusStarted {
		t.Errorf("lifecycle events = %+v", events)
	}

	err = h.client.Call(context.Background(), ActionCreate, map[string]any{"session_id": "build", "tmux_session": "build-main"}, nil)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("second create error = %v, want already exists", err)
	}
}

func TestRegisterRejectsInvalidNames(t *testing.T) {
	t.Parallel()
	h := newSessionsHarness(t)

	for _, fields := range []map[string]any{
		{"session_id": "bad id", "tmux_session": "ok"},
		{"session_id": "ok", "tmux_session": "bad;name"},
	} {
		var controlErr *Error
		if err := h.client.Call(context.Background(), ActionRegister, fields, nil); !errors.As(err, &controlErr) {
			t.Errorf("register %v error = %v, want *Error", fields, err)
		}
	}
	if sessions := h.registry.List(); len(sessions) != 0 {
		t.Errorf("invalid registrations stored: %+v", sessions)
	}
}

func TestStatusAndDestroyAnnounceLifecycle(t *testing.T) {
	t.Parallel()
	h := newSessionsHarness(t)
	ctx := context.Background()
	h.mux.NewSession("work")
	if err := h.client.Call(ctx, ActionRegister, map[string]any{"session_id": "s1", "tmux_session": "work"}, nil); err != nil {
		t.Fatal(err)
	}

	if err := h.client.Call(ctx, ActionStatus, map[string]any{"session_id": "s1", "status": "paused"}, nil); err == nil {
		t.Error("unknown status accepted")
	}
	if err := h.client.Call(ctx, ActionStatus, map[string]any{"session_id": "s1", "status": protocol.StatusCrashed, "message": "oom"}, nil); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := h.client.Call(ctx, ActionDestroy, map[string]any{"session_id": "s1"}, nil); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if h.mux.HasSession("work") {
		t.Error("destroy left the tmux session running")
	}

	want := []lifecycleEvent{
		{"s1", protocol.StatusStarted, ""},
		{"s1", protocol.StatusCrashed, "oom"},
		{"s1", protocol.StatusEnded, "destroyed"},
	}
	if events := h.lifecycle.recorded(); !slices.Equal(events, want) {
		t.Errorf("lifecycle events = %+v, want %+v", events, want)
	}
	if session, _ := h.registry.Session("s1"); session.Status != protocol.StatusEnded {
		t.Errorf("status = %q, want ended", session.Status)
	}
}

func TestListReportsStreamingState(t *testing.T) {
	t.Parallel()
	h := newSessionsHarness(t)
	ctx := context.Background()
	for _, id := range []string{"idle", "build"} {
		if _, err := h.registry.Register(id, id); err != nil {
			t.Fatal(err)
		}
	}
	h.frames.Append("build", "one")
	h.frames.Append("build", "two")
	h.activity.ObserveChunk("build", "compiling\r\n")

	var statuses []SessionStatus
	if err := h.client.Call(ctx, ActionList, nil, &statuses); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(statuses) != 2 || statuses[0].ID != "build" || statuses[1].ID != "idle" {
		t.Fatalf("list = %+v, want build then idle", statuses)
	}
	build := statuses[0]
	if !build.Streaming || build.CurrentSequence != 2 || build.Viewers != 2 || build.AuthorityHolder != "viewer-1" {
		t.Errorf("build status = %+v", build)
	}
	if build.Cols != 132 || build.Rows != 43 {
		t.Errorf("build size = %dx%d, want 132x43", build.Cols, build.Rows)
	}
	if build.LastActivity == nil {
		t.Error("build has no last activity")
	}
	if idle := statuses[1]; idle.Streaming || idle.LastActivity != nil || idle.CurrentSequence != 0 {
		t.Errorf("idle status = %+v", idle)
	}
}

func TestSendKeys(t *testing.T) {
	t.Parallel()
	h := newSessionsHarness(t)
	ctx := context.Background()
	if _, err := h.registry.Register("s1", "work"); err != nil {
		t.Fatal(err)
	}

	if err := h.client.Call(ctx, ActionSendKeys, map[string]any{"session_id": "s1", "keys": []string{"ls", "Enter"}}, nil); err != nil {
		t.Fatalf("send_keys: %v", err)
	}
	if keys := h.mux.sent("work"); !slices.Equal(keys, []string{"ls", "Enter"}) {
		t.Errorf("keys = %v", keys)
	}
	if err := h.client.Call(ctx, ActionSendKeys, map[string]any{"session_id": "nope", "keys": []string{"x"}}, nil); err == nil {
		t.Error("send_keys to an unknown session succeeded")
	}
}

func TestAttachmentExited(t *testing.T) {
	t.Parallel()
	h := newSessionsHarness(t)
	h.mux.NewSession("alive")
	for _, id := range []string{"alive", "gone", "crashed"} {
		if _, err := h.registry.Register(id, id); err != nil {
			t.Fatal(err)
		}
	}

	h.sessions.AttachmentExited("alive", nil)
	h.sessions.AttachmentExited("gone", nil)
	h.sessions.AttachmentExited("crashed", errors.New("signal: killed"))
	h.sessions.AttachmentExited("unknown", nil)

	want := []lifecycleEvent{
		{"gone", protocol.StatusEnded, ""},
		{"crashed", protocol.StatusCrashed, "signal: killed"},
	}
	if events := h.lifecycle.recorded(); !slices.Equal(events, want) {
		t.Errorf("lifecycle events = %+v, want %+v", events, want)
	}
	if session, _ := h.registry.Session("alive"); session.Status != protocol.StatusStarted {
		t.Errorf("alive session status = %q, want started", session.Status)
	}
}
