// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/termstream/lib/clock"
)

// ErrNotStreaming is returned by Resize and Write when the session
// has no attachment. Attachments are legitimately absent between a
// child exit and the next subscribe, so callers log and move on.
var ErrNotStreaming = errors.New("stream: session is not streaming")

const (
	// DefaultMaxFrameBytes bounds a single live frame. Larger reads
	// are split into consecutive frames.
	DefaultMaxFrameBytes = 64 * 1024

	// ActivitySuppression is how long after a start or an applied
	// resize output is withheld from the ActivityObserver. tmux
	// repaints the whole screen at those moments and the repaint is
	// not user activity.
	ActivitySuppression = 750 * time.Millisecond

	// stopTimeout is how long StopStreaming waits for the child to
	// exit after SIGHUP before sending SIGKILL.
	stopTimeout = 2 * time.Second

	readBufferSize = 32 * 1024
)

// DefaultDimensions is the PTY size used before any viewer reports
// its own.
var DefaultDimensions = Dimensions{Cols: 80, Rows: 24}

// Dimensions is a terminal size in character cells.
type Dimensions struct {
	Cols int
	Rows int
}

// Valid reports whether both dimensions are positive.
func (d Dimensions) Valid() bool { return d.Cols > 0 && d.Rows > 0 }

// AttachCommander builds the command that attaches to a multiplexer
// session. *tmux.Server implements it.
type AttachCommander interface {
	AttachCommand(sessionName string) (*exec.Cmd, error)
}

// FrameSink receives every frame after it has been stored.
type FrameSink interface {
	PublishFrame(sessionID string, frame Frame)
}

// ActivityObserver is told about output that is likely to be user
// activity, and when a session's attachment goes away on its own.
type ActivityObserver interface {
	ObserveChunk(sessionID, data string)
	ClearSession(sessionID string)
}

// AttachmentOptions configures an AttachmentManager. Commander and
// Frames are required.
type AttachmentOptions struct {
	Commander AttachCommander
	Frames    *FrameBuffers
	Sink      FrameSink
	Activity  ActivityObserver

	// Mode is applied to every attachment this manager creates.
	Mode SanitizeMode

	// MaxFrameBytes overrides DefaultMaxFrameBytes when positive.
	MaxFrameBytes int

	// OnExit is called when an attachment's child exits without
	// StopStreaming having been called. err is nil for a clean exit or
	// a hangup.
	OnExit func(sessionID string, err error)

	Clock  clock.Clock
	Logger *slog.Logger
}

// AttachmentManager owns at most one PTY attachment per session. A
// session is either absent or streaming; nothing restarts an
// attachment automatically after its child exits.
type AttachmentManager struct {
	commander     AttachCommander
	frames        *FrameBuffers
	sink          FrameSink
	activity      ActivityObserver
	mode          SanitizeMode
	maxFrameBytes int
	onExit        func(string, error)
	clock         clock.Clock
	logger        *slog.Logger

	mu          sync.Mutex
	attachments map[string]*attachment
	dimensions  map[string]Dimensions
}

type attachment struct {
	sessionID   string
	sessionName string
	cmd         *exec.Cmd
	pty         *os.File

	// mu guards the sanitizer, which the read loop feeds and Resize
	// updates, and the activity suppression deadline.
	mu            sync.Mutex
	sanitizer     *Sanitizer
	suppressUntil time.Time

	stopping atomic.Bool
	done     chan struct{}
}

// NewAttachmentManager returns a manager with no attachments.
func NewAttachmentManager(options AttachmentOptions) *AttachmentManager {
	manager := &AttachmentManager{
		commander:     options.Commander,
		frames:        options.Frames,
		sink:          options.Sink,
		activity:      options.Activity,
		mode:          options.Mode,
		maxFrameBytes: options.MaxFrameBytes,
		onExit:        options.OnExit,
		clock:         options.Clock,
		logger:        options.Logger,
		attachments:   make(map[string]*attachment),
		dimensions:    make(map[string]Dimensions),
	}
	if manager.maxFrameBytes <= 0 {
		manager.maxFrameBytes = DefaultMaxFrameBytes
	}
	if manager.clock == nil {
		manager.clock = clock.Real()
	}
	if manager.logger == nil {
		manager.logger = slog.New(slog.DiscardHandler)
	}
	return manager
}

// StartStreaming attaches to the multiplexer session sessionName on a
// new PTY and starts relaying its output as frames for sessionID. It
// is a no-op when the session is already streaming. Failure to spawn
// the child is returned.
func (m *AttachmentManager) StartStreaming(sessionID, sessionName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.attachments[sessionID]; ok {
		return nil
	}

	cmd, err := m.commander.AttachCommand(sessionName)
	if err != nil {
		return fmt.Errorf("attaching to %s: %w", sessionName, err)
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	size, ok := m.dimensions[sessionID]
	if !ok {
		size = DefaultDimensions
		m.dimensions[sessionID] = size
	}
	file, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(size.Cols), Rows: uint16(size.Rows)})
	if err != nil {
		return fmt.Errorf("starting PTY for %s: %w", sessionName, err)
	}

	sanitizer := NewSanitizer(m.mode)
	sanitizer.SetRows(size.Rows)
	a := &attachment{
		sessionID:     sessionID,
		sessionName:   sessionName,
		cmd:           cmd,
		pty:           file,
		sanitizer:     sanitizer,
		suppressUntil: m.clock.Now().Add(ActivitySuppression),
		done:          make(chan struct{}),
	}
	m.attachments[sessionID] = a
	m.frames.Initialize(sessionID)

	m.logger.Info("attachment started",
		"session_id", sessionID,
		"tmux_session", sessionName,
		"pid", cmd.Process.Pid,
		"cols", size.Cols,
		"rows", size.Rows,
	)
	go m.readLoop(a)
	return nil
}

// readLoop relays PTY output until the child exits or the PTY is
// closed.
func (m *AttachmentManager) readLoop(a *attachment) {
	buffer := make([]byte, readBufferSize)
	var carry []byte
	for {
		n, readErr := a.pty.Read(buffer)
		if n > 0 {
			data := append(carry, buffer[:n]...)
			complete := len(data) - incompleteUTF8Tail(data)
			m.deliver(a, string(data[:complete]))
			carry = append([]byte(nil), data[complete:]...)
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, os.ErrClosed) && !errors.Is(readErr, syscall.EIO) {
				m.logger.Debug("PTY read ended", "session_id", a.sessionID, "error", readErr)
			}
			break
		}
	}

	a.mu.Lock()
	tail := a.sanitizer.Feed(string(carry)) + a.sanitizer.Flush()
	a.mu.Unlock()
	if tail != "" {
		m.publish(a, tail)
	}

	waitErr := a.cmd.Wait()
	a.pty.Close()
	close(a.done)

	if a.stopping.Load() {
		return
	}

	m.mu.Lock()
	if m.attachments[a.sessionID] == a {
		delete(m.attachments, a.sessionID)
		delete(m.dimensions, a.sessionID)
	}
	m.mu.Unlock()

	if waitErr != nil && isNormalExit(waitErr) {
		waitErr = nil
	}
	if waitErr != nil {
		m.logger.Warn("attachment exited", "session_id", a.sessionID, "error", waitErr)
	} else {
		m.logger.Info("attachment exited", "session_id", a.sessionID)
	}
	if m.activity != nil {
		m.activity.ClearSession(a.sessionID)
	}
	if m.onExit != nil {
		m.onExit(a.sessionID, waitErr)
	}
}

func (m *AttachmentManager) deliver(a *attachment, text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	output := a.sanitizer.Feed(text)
	a.mu.Unlock()
	if output == "" {
		return
	}
	m.publish(a, output)
}

func (m *AttachmentManager) publish(a *attachment, output string) {
	for _, chunk := range SplitChunks(output, m.maxFrameBytes) {
		frame := m.frames.Append(a.sessionID, chunk)
		if m.sink != nil {
			m.sink.PublishFrame(a.sessionID, frame)
		}
	}
	if m.activity == nil {
		return
	}
	a.mu.Lock()
	suppressed := m.clock.Now().Before(a.suppressUntil)
	a.mu.Unlock()
	if !suppressed {
		m.activity.ObserveChunk(a.sessionID, output)
	}
}

// Resize applies cols x rows to the session's PTY. The dimensions
// record is always updated, but the PTY is only resized when the size
// differs from the record or force is set; tmux repaints the whole
// screen on every resize. The result reports whether the PTY was
// resized.
func (m *AttachmentManager) Resize(sessionID string, cols, rows int, force bool) (bool, error) {
	size := Dimensions{Cols: cols, Rows: rows}
	if !size.Valid() {
		return false, fmt.Errorf("invalid dimensions %dx%d", cols, rows)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attachments[sessionID]
	if !ok {
		return false, ErrNotStreaming
	}
	previous := m.dimensions[sessionID]
	m.dimensions[sessionID] = size
	if previous == size && !force {
		return false, nil
	}

	if err := pty.Setsize(a.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return false, fmt.Errorf("resizing PTY for %s: %w", sessionID, err)
	}
	a.mu.Lock()
	a.suppressUntil = m.clock.Now().Add(ActivitySuppression)
	a.sanitizer.SetRows(rows)
	a.mu.Unlock()

	m.logger.Debug("attachment resized", "session_id", sessionID, "cols", cols, "rows", rows, "forced", force)
	return true, nil
}

// Write sends raw input to the session's PTY.
func (m *AttachmentManager) Write(sessionID string, data []byte) error {
	m.mu.Lock()
	a, ok := m.attachments[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrNotStreaming
	}
	if _, err := a.pty.Write(data); err != nil {
		return fmt.Errorf("writing to PTY for %s: %w", sessionID, err)
	}
	return nil
}

// Dimensions returns the last size recorded for the session.
func (m *AttachmentManager) Dimensions(sessionID string) (Dimensions, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.dimensions[sessionID]
	return size, ok
}

// IsStreaming reports whether the session has a live attachment.
func (m *AttachmentManager) IsStreaming(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attachments[sessionID]
	return ok
}

// Sessions returns the ids of all streaming sessions.
func (m *AttachmentManager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.attachments))
	for id := range m.attachments {
		ids = append(ids, id)
	}
	return ids
}

// StopStreaming terminates the session's attachment and drops its
// dimensions record. The multiplexer session itself keeps running.
// It returns once the child has exited.
func (m *AttachmentManager) StopStreaming(sessionID string) {
	m.mu.Lock()
	a, ok := m.attachments[sessionID]
	delete(m.attachments, sessionID)
	delete(m.dimensions, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	a.stopping.Store(true)
	pid := a.cmd.Process.Pid
	// pty.Start puts the child in its own session, so its process
	// group id is its pid.
	if err := unix.Kill(-pid, unix.SIGHUP); err != nil && !errors.Is(err, unix.ESRCH) {
		m.logger.Debug("signaling attachment", "session_id", sessionID, "error", err)
	}
	select {
	case <-a.done:
	case <-m.clock.After(stopTimeout):
		_ = unix.Kill(-pid, unix.SIGKILL)
		<-a.done
	}
	m.logger.Info("attachment stopped", "session_id", sessionID)
}

// StopAll stops every attachment.
func (m *AttachmentManager) StopAll() {
	for _, id := range m.Sessions() {
		m.StopStreaming(id)
	}
}

// isNormalExit reports whether err is a tmux client ending on a hangup
// or termination signal.
func isNormalExit(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return false
	}
	return status.Signal() == syscall.SIGHUP || status.Signal() == syscall.SIGTERM
}
