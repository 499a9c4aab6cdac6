// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tmux drives a tmux server on a dedicated socket: session
// lifecycle, pane capture, cursor queries, and key and paste injection.
//
// Session names reach this package from the network. Every operation
// validates the name against a strict allowlist before building an
// argument vector, and tmux is always invoked directly with exec, never
// through a shell. Pasted payloads travel over the subprocess's stdin
// so embedded control bytes are never escaped or interpreted.
//
// Capture and cursor queries are best effort: failures degrade to an
// empty capture or a missing cursor rather than an error, because
// callers use them to decorate a live stream that works without them.
package tmux
