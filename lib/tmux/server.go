// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/termstream/lib/clock"
)

var (
	// ErrInvalidSessionName is returned before any subprocess runs
	// when a session name fails validation.
	ErrInvalidSessionName = errors.New("tmux: invalid session name")

	// ErrSessionNotFound is returned by AttachCommand when the target
	// session does not exist.
	ErrSessionNotFound = errors.New("tmux: session not found")
)

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidateSessionName reports whether name is safe to hand to tmux.
func ValidateSessionName(name string) error {
	if !sessionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionName, name)
	}
	return nil
}

// DefaultPasteSettle is the pause between pasting a payload and
// pressing Enter in PasteAndSubmit. Without it the submit key can
// arrive while the application is still consuming the paste.
const DefaultPasteSettle = 150 * time.Millisecond

const (
	bracketedPasteStart = "\x1b[200~"
	bracketedPasteEnd   = "\x1b[201~"
)

// Options configures a Server. SocketPath is required.
type Options struct {
	SocketPath string

	// ConfigFile is passed as "-f" when the server is started by
	// NewSession. Empty uses tmux's default lookup.
	ConfigFile string

	// PasteSettle overrides DefaultPasteSettle when positive.
	PasteSettle time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server is a handle on one tmux server. All commands carry "-S
// <socket>" so they never touch the user's own tmux server.
type Server struct {
	socketPath  string
	configFile  string
	pasteSettle time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	bufferCounter atomic.Uint64
}

// NewServer returns a handle for the tmux server at options.SocketPath.
// The server process itself starts lazily with the first NewSession.
func NewServer(options Options) *Server {
	server := &Server{
		socketPath:  options.SocketPath,
		configFile:  options.ConfigFile,
		pasteSettle: options.PasteSettle,
		clock:       options.Clock,
		logger:      options.Logger,
	}
	if server.pasteSettle <= 0 {
		server.pasteSettle = DefaultPasteSettle
	}
	if server.clock == nil {
		server.clock = clock.Real()
	}
	if server.logger == nil {
		server.logger = slog.New(slog.DiscardHandler)
	}
	return server
}

// SocketPath returns the tmux server socket.
func (s *Server) SocketPath() string { return s.socketPath }

// NewSession creates a detached session running command, or the
// default shell when command is empty.
func (s *Server) NewSession(name string, command ...string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	var args []string
	if s.configFile != "" {
		args = append(args, "-f", s.configFile)
	}
	args = append(args, "-S", s.socketPath, "new-session", "-d", "-s", name)
	args = append(args, command...)
	output, err := exec.Command("tmux", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux new-session %q: %w (%s)", name, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// HasSession reports whether the session exists. Invalid names are
// reported as absent.
func (s *Server) HasSession(name string) bool {
	if ValidateSessionName(name) != nil {
		return false
	}
	return s.Command("has-session", "-t", sessionTarget(name)).Run() == nil
}

// KillSession destroys the session. A session or server that is
// already gone is not an error.
func (s *Server) KillSession(name string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	_, err := s.Run("kill-session", "-t", sessionTarget(name))
	if err != nil && isGoneError(err) {
		return nil
	}
	return err
}

// KillServer stops the tmux server and every session on it.
func (s *Server) KillServer() error {
	_, err := s.Run("kill-server")
	if err != nil && isGoneError(err) {
		return nil
	}
	return err
}

// sessionTarget matches the session name exactly rather than by
// prefix.
func sessionTarget(name string) string { return "=" + name }

// paneTarget addresses the active pane of the named session.
func paneTarget(name string) string { return "=" + name + ":" }

func isGoneError(err error) bool {
	message := err.Error()
	return strings.Contains(message, "can't find session") ||
		strings.Contains(message, "no server running") ||
		strings.Contains(message, "server exited unexpectedly") ||
		strings.Contains(message, "error connecting to")
}

// CapturePane returns up to lines lines of the session's scrollback
// plus the visible screen. lines <= 0 captures the whole history.
// Wrapped lines are joined, so lines counts logical lines. With
// withEscapes set, SGR and other formatting sequences are preserved;
// if tmux rejects that request the capture is retried plain. Any
// failure yields "".
func (s *Server) CapturePane(name string, lines int, withEscapes bool) string {
	if err := ValidateSessionName(name); err != nil {
		s.logger.Warn("capture rejected", "session", name, "error", err)
		return ""
	}
	start := "-"
	if lines > 0 {
		start = "-" + strconv.Itoa(lines)
	}
	args := []string{"capture-pane", "-p", "-J", "-t", paneTarget(name), "-S", start}
	if withEscapes {
		output, err := s.output(nil, append(args, "-e")...)
		if err == nil {
			return output
		}
		s.logger.Debug("escape-preserving capture failed, retrying plain",
			"session", name, "error", err)
	}
	output, err := s.output(nil, args...)
	if err != nil {
		s.logger.Debug("capture failed", "session", name, "error", err)
		return ""
	}
	return output
}

// Cursor is a zero-based cursor position within the visible pane.
type Cursor struct {
	X int
	Y int
}

// CursorPosition returns the pane's cursor. The second result is
// false when tmux cannot answer.
func (s *Server) CursorPosition(name string) (Cursor, bool) {
	if ValidateSessionName(name) != nil {
		return Cursor{}, false
	}
	output, err := s.output(nil, "display-message", "-p", "-t", paneTarget(name), "#{cursor_x} #{cursor_y}")
	if err != nil {
		return Cursor{}, false
	}
	fields := strings.Fields(output)
	if len(fields) != 2 {
		return Cursor{}, false
	}
	x, errX := strconv.Atoi(fields[0])
	y, errY := strconv.Atoi(fields[1])
	if errX != nil || errY != nil {
		return Cursor{}, false
	}
	return Cursor{X: x, Y: y}, true
}

// SendKeys sends key tokens ("Enter", "C-c", literal text) in order.
func (s *Server) SendKeys(name string, keys ...string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	args := append([]string{"send-keys", "-t", paneTarget(name)}, keys...)
	_, err := s.Run(args...)
	return err
}

// PasteOptions controls PasteBuffer.
type PasteOptions struct {
	// Bracketed wraps the payload in ESC[200~ / ESC[201~ so the
	// receiving program can tell a paste from typing.
	Bracketed bool
}

// PasteBuffer delivers payload to the session as a single paste. The
// bytes are loaded into a scratch buffer through stdin, pasted, and
// the buffer is deleted.
func (s *Server) PasteBuffer(name, payload string, options PasteOptions) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	if options.Bracketed {
		payload = bracketedPasteStart + payload + bracketedPasteEnd
	}
	buffer := fmt.Sprintf("termstream-paste-%d", s.bufferCounter.Add(1))
	if _, err := s.output([]byte(payload), "load-buffer", "-b", buffer, "-"); err != nil {
		return err
	}
	if _, err := s.Run("paste-buffer", "-d", "-b", buffer, "-t", paneTarget(name)); err != nil {
		// paste-buffer -d only deletes on success.
		_, _ = s.Run("delete-buffer", "-b", buffer)
		return err
	}
	return nil
}

// PasteAndSubmit pastes payload, waits for the paste to settle, and
// presses Enter.
func (s *Server) PasteAndSubmit(name, payload string, options PasteOptions) error {
	if err := s.PasteBuffer(name, payload, options); err != nil {
		return err
	}
	s.clock.Sleep(s.pasteSettle)
	return s.SendKeys(name, "Enter")
}

// AttachCommand returns an unstarted "attach-session" command for the
// session, suitable for running on a PTY.
func (s *Server) AttachCommand(name string) (*exec.Cmd, error) {
	if err := ValidateSessionName(name); err != nil {
		return nil, err
	}
	if !s.HasSession(name) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return s.Command("attach-session", "-t", sessionTarget(name)), nil
}

// Run executes a tmux command against this server and returns its
// combined output.
func (s *Server) Run(args ...string) (string, error) {
	output, err := s.Command(args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// output runs a tmux command, feeding stdin when non-nil, and returns
// stdout alone. Captured pane text must not be mixed with tmux's
// diagnostics.
func (s *Server) output(stdin []byte, args ...string) (string, error) {
	cmd := s.Command(args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return string(stdout), nil
}

// Command returns an unstarted tmux command bound to this server.
func (s *Server) Command(args ...string) *exec.Cmd {
	return exec.Command("tmux", append([]string{"-S", s.socketPath}, args...)...)
}
