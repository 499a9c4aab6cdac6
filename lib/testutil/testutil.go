// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the small helpers termstream tests share:
// bounded channel receives, short socket directories, and unique
// names for tmux sessions created by concurrent tests.
package testutil

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// TB is the part of testing.TB these helpers use.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}

// RequireReceive returns the next value from ch or fails the test
// after timeout. A closed channel is a failure.
func RequireReceive[T any](t TB, ch <-chan T, timeout time.Duration, what string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("%s: channel closed", what)
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("%s: nothing received within %v", what, timeout)
	}
	panic("unreachable")
}

// RequireNoReceive fails the test if ch yields a value within wait.
func RequireNoReceive[T any](t TB, ch <-chan T, wait time.Duration, what string) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("%s: unexpected value %v", what, v)
		}
	case <-time.After(wait):
	}
}

// RequireClosed waits for ch to be closed.
func RequireClosed(t TB, ch <-chan struct{}, timeout time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("%s: not closed within %v", what, timeout)
	}
}

// Eventually polls cond every 10ms until it returns true or timeout
// passes.
func Eventually(t TB, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("%s: condition not met within %v", what, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// SocketDir returns a fresh directory under /tmp. t.TempDir paths can
// exceed the 108-byte sun_path limit for unix sockets.
func SocketDir(t TB) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "termstream-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(directory) })
	return directory
}

var counter atomic.Uint64

// UniqueName returns prefix-N with N unique within the process.
func UniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, counter.Add(1))
}
