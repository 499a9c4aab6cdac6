// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tmux

import (
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/termstream/lib/testutil"
)

// NewTestServer starts an isolated tmux server for a test and kills it
// on cleanup. A guard session keeps the server alive between the
// test's own sessions. The test is skipped when tmux is not installed.
func NewTestServer(t *testing.T) *Server {
	t.Helper()
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not installed")
	}

	server := NewServer(Options{
		SocketPath: filepath.Join(testutil.SocketDir(t), "tmux.sock"),
		ConfigFile: "/dev/null",
	})
	if err := server.NewSession("guard", "sleep", "infinity"); err != nil {
		t.Fatalf("starting tmux test server: %v", err)
	}
	t.Cleanup(func() { _ = server.KillServer() })
	return server
}
