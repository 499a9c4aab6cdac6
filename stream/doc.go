// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream turns a tmux session into a sequenced stream of
// output frames.
//
// An AttachmentManager runs one "tmux attach-session" child per
// logical session on a pseudo-terminal. Bytes read from the PTY are
// held back at incomplete UTF-8 boundaries, filtered by a Sanitizer,
// split into bounded frames, appended to the session's ring in
// FrameBuffers, and handed to a FrameSink for delivery to viewers.
//
// FrameBuffers assigns each frame the next sequence number for its
// session. Sequences start at 1 and are never reused while the ring
// exists, and the ring always holds a contiguous suffix of them, so a
// viewer that remembers the last sequence it rendered can ask for
// exactly what it missed.
package stream
