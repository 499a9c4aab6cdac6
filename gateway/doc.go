// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the viewer-facing protocol state machine.
//
// A viewer subscribes to a session and from then on receives that
// session's live frames. Its first subscribe is seeded with a
// snapshot of the scrollback; a later subscribe carrying the last
// sequence it rendered is answered by replaying the frames it missed
// from the session's ring.
//
// Exactly one viewer per session holds resize authority. Every
// subscribe takes authority for the subscriber, an explicit focus
// takes it back, and when the holder leaves it passes to another
// viewer still watching, or to nobody. Resize requests from anyone
// but the holder are ignored without a reply.
//
// Slow or vanished viewers cannot stall a session: broadcasts are
// non-blocking, and a heartbeat sweep disconnects viewers that stop
// answering pings.
package gateway
