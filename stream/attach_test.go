// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"

	"github.com/bureau-foundation/termstream/lib/clock"
	"github.com/bureau-foundation/termstream/lib/testutil"
)

// shellCommander runs a shell script in place of "tmux attach".
type shellCommander struct {
	script string
}

func (c shellCommander) AttachCommand(name string) (*exec.Cmd, error) {
	if name == "missing" {
		return nil, errors.New("session not found")
	}
	return exec.Command("sh", "-c", c.script), nil
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *frameRecorder) PublishFrame(sessionID string, frame Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *frameRecorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var builder strings.Builder
	for _, frame := range r.frames {
		builder.WriteString(frame.Data)
	}
	return builder.String()
}

func (r *frameRecorder) snapshot() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

type activityRecorder struct {
	mu      sync.Mutex
	chunks  []string
	cleared chan string
}

func newActivityRecorder() *activityRecorder {
	return &activityRecorder{cleared: make(chan string, 4)}
}

func (r *activityRecorder) ObserveChunk(sessionID, data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, data)
}

func (r *activityRecorder) ClearSession(sessionID string) { r.cleared <- sessionID }

func (r *activityRecorder) observed() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.chunks, "")
}

func newTestManager(t *testing.T, script string, mode SanitizeMode, clk clock.Clock) (*AttachmentManager, *frameRecorder, *activityRecorder, chan error) {
	t.Helper()
	sink := &frameRecorder{}
	activity := newActivityRecorder()
	exits := make(chan error, 1)
	manager := NewAttachmentManager(AttachmentOptions{
		Commander: shellCommander{script: script},
		Frames:    NewFrameBuffers(0, clk),
		Sink:      sink,
		Activity:  activity,
		Mode:      mode,
		Clock:     clk,
		OnExit:    func(sessionID string, err error) { exits <- err },
	})
	t.Cleanup(manager.StopAll)
	return manager, sink, activity, exits
}

func TestAttachmentStreamsSanitizedOutput(t *testing.T) {
	manager, sink, _, _ := newTestManager(t,
		`printf '\033[?1049hhello\033[?1049l'; sleep 30`, SanitizeStrip, clock.Real())

	if err := manager.StartStreaming("s1", "work"); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	if !manager.IsStreaming("s1") {
		t.Fatal("IsStreaming false after StartStreaming")
	}
	testutil.Eventually(t, 5*time.Second, "output relayed", func() bool {
		return strings.Contains(sink.text(), "hello")
	})
	if text := sink.text(); strings.Contains(text, "1049") {
		t.Errorf("alternate screen toggle not stripped: %q", text)
	}

	frames := sink.snapshot()
	stored := manager.frames.Since("s1", 0)
	if len(stored) != len(frames) {
		t.Fatalf("sink saw %d frames, buffer holds %d", len(frames), len(stored))
	}
	for i := range frames {
		if frames[i].Sequence != uint64(i+1) || stored[i].Sequence != frames[i].Sequence {
			t.Errorf("frame %d: published sequence %d, stored %d", i, frames[i].Sequence, stored[i].Sequence)
		}
	}

	// A second start is a no-op.
	if err := manager.StartStreaming("s1", "work"); err != nil {
		t.Errorf("second StartStreaming: %v", err)
	}

	manager.StopStreaming("s1")
	if manager.IsStreaming("s1") {
		t.Error("IsStreaming true after StopStreaming")
	}
	if _, ok := manager.Dimensions("s1"); ok {
		t.Error("dimensions record survived StopStreaming")
	}
}

func TestAttachmentStartFailure(t *testing.T) {
	manager, _, _, _ := newTestManager(t, "true", SanitizeOff, clock.Real())
	if err := manager.StartStreaming("s1", "missing"); err == nil {
		t.Fatal("StartStreaming succeeded for a missing session")
	}
	if manager.IsStreaming("s1") {
		t.Error("failed start left the session streaming")
	}
}

func TestAttachmentSmartResize(t *testing.T) {
	manager, _, _, _ := newTestManager(t, "sleep 30", SanitizeOff, clock.Real())

	if _, err := manager.Resize("s1", 100, 30, false); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("Resize before start: got %v, want ErrNotStreaming", err)
	}
	if err := manager.StartStreaming("s1", "work"); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	if size, _ := manager.Dimensions("s1"); size != DefaultDimensions {
		t.Errorf("initial dimensions: got %+v, want %+v", size, DefaultDimensions)
	}

	steps := []struct {
		cols, rows int
		force      bool
		want       bool
	}{
		{100, 30, false, true},
		{100, 30, false, false},
		{100, 30, true, true},
		{120, 40, false, true},
	}
	for i, step := range steps {
		resized, err := manager.Resize("s1", step.cols, step.rows, step.force)
		if err != nil {
			t.Fatalf("step %d: Resize: %v", i, err)
		}
		if resized != step.want {
			t.Errorf("step %d: resized = %v, want %v", i, resized, step.want)
		}
	}

	manager.mu.Lock()
	file := manager.attachments["s1"].pty
	manager.mu.Unlock()
	rows, cols, err := pty.Getsize(file)
	if err != nil {
		t.Fatalf("Getsize: %v", err)
	}
	if rows != 40 || cols != 120 {
		t.Errorf("PTY size: got %dx%d, want 120x40", cols, rows)
	}
	if _, err := manager.Resize("s1", 0, 10, false); err == nil {
		t.Error("Resize accepted zero columns")
	}
}

func TestAttachmentExitWithoutStop(t *testing.T) {
	manager, sink, activity, exits := newTestManager(t, "printf done", SanitizeOff, clock.Real())
	if err := manager.StartStreaming("s1", "work"); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	if err := testutil.RequireReceive(t, exits, 5*time.Second, "exit notification"); err != nil {
		t.Errorf("clean exit reported as %v", err)
	}
	if got := testutil.RequireReceive(t, activity.cleared, 5*time.Second, "activity cleared"); got != "s1" {
		t.Errorf("ClearSession called for %q, want s1", got)
	}
	if manager.IsStreaming("s1") {
		t.Error("session still streaming after its child exited")
	}
	if !strings.Contains(sink.text(), "done") {
		t.Errorf("final output lost: %q", sink.text())
	}
}

func TestAttachmentActivitySuppression(t *testing.T) {
	fake := clock.Manual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	manager, sink, activity, _ := newTestManager(t, "cat", SanitizeOff, fake)
	if err := manager.StartStreaming("s1", "work"); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}

	if err := manager.Write("s1", []byte("first\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, "first line echoed", func() bool {
		return strings.Count(sink.text(), "first") >= 2
	})
	if observed := activity.observed(); observed != "" {
		t.Errorf("output inside the suppression window reached the observer: %q", observed)
	}

	fake.Advance(ActivitySuppression)
	if err := manager.Write("s1", []byte("second\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, "second line observed", func() bool {
		return strings.Contains(activity.observed(), "second")
	})

	// A resize opens a new window.
	if _, err := manager.Resize("s1", 90, 20, false); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := manager.Write("s1", []byte("third\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, "third line echoed", func() bool {
		return strings.Count(sink.text(), "third") >= 2
	})
	if strings.Contains(activity.observed(), "third") {
		t.Error("output after a resize reached the observer inside the suppression window")
	}
}

func TestAttachmentChunksLargeOutput(t *testing.T) {
	sink := &frameRecorder{}
	manager := NewAttachmentManager(AttachmentOptions{
		Commander:     shellCommander{script: `printf '%0500d' 0; sleep 30`},
		Frames:        NewFrameBuffers(0, nil),
		Sink:          sink,
		MaxFrameBytes: 64,
	})
	t.Cleanup(manager.StopAll)
	if err := manager.StartStreaming("s1", "work"); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, "all output relayed", func() bool {
		return strings.Count(sink.text(), "0") >= 500
	})
	for _, frame := range sink.snapshot() {
		if len(frame.Data) > 64 {
			t.Errorf("frame %d has %d bytes, limit 64", frame.Sequence, len(frame.Data))
		}
	}
}

func TestWriteWithoutAttachment(t *testing.T) {
	t.Parallel()
	manager := NewAttachmentManager(AttachmentOptions{Frames: NewFrameBuffers(0, nil)})
	if err := manager.Write("nope", []byte("x")); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("Write: got %v, want ErrNotStreaming", err)
	}
}
