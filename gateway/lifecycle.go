// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/termstream/lib/clock"
	"github.com/bureau-foundation/termstream/protocol"
)

// HandleLifecycle announces a session state change. An ending status
// schedules teardown of the session's attachment, frames, cached
// capture, and authority after the grace period; a later "started"
// cancels it.
func (g *Gateway) HandleLifecycle(sessionID, status, message string) {
	payload := protocol.StateChangePayload{SessionID: sessionID, Status: status, Message: message}
	g.hub.Broadcast(protocol.SessionTopic(sessionID), protocol.TypeStateChange, payload)
	g.hub.Broadcast(protocol.TopicSessions, protocol.TypeStateChange, payload)

	g.mu.Lock()
	defer g.mu.Unlock()
	if pending, ok := g.teardowns[sessionID]; ok {
		pending.timer.Stop()
		delete(g.teardowns, sessionID)
	}
	if !protocol.IsTerminalStatus(status) {
		return
	}
	g.logger.Info("session ended, scheduling teardown",
		"session_id", sessionID,
		"status", status,
		"grace", g.gracePeriod,
	)
	pending := &pendingTeardown{}
	pending.timer = g.clock.AfterFunc(g.gracePeriod, func() { g.teardown(sessionID, pending) })
	g.teardowns[sessionID] = pending
}

type pendingTeardown struct {
	timer *clock.Timer
}

func (g *Gateway) teardown(sessionID string, pending *pendingTeardown) {
	g.mu.Lock()
	if g.teardowns[sessionID] != pending {
		// Superseded by a later lifecycle event.
		g.mu.Unlock()
		return
	}
	delete(g.teardowns, sessionID)
	_, held := g.authority[sessionID]
	delete(g.authority, sessionID)
	if held {
		g.announceFocusLocked(sessionID, "")
	}
	g.mu.Unlock()

	g.streams.StopStreaming(sessionID)
	g.frames.Clear(sessionID)
	g.seeds.Invalidate(sessionID)
	g.logger.Info("session torn down", "session_id", sessionID)
}

// PendingTeardown reports whether the session is waiting out its
// grace period.
func (g *Gateway) PendingTeardown(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.teardowns[sessionID]
	return ok
}

// RunSeedWorkers runs workers snapshot workers until ctx is done.
// Each task's chunks are sent by one worker, in order.
func (g *Gateway) RunSeedWorkers(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	group, ctx := errgroup.WithContext(ctx)
	for range workers {
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case task := <-g.seedTasks:
					g.runSeed(ctx, task)
				}
			}
		})
	}
	return group.Wait()
}

// RunHeartbeat pings every viewer each interval and disconnects those
// that have not answered within the timeout, until ctx is done.
func (g *Gateway) RunHeartbeat(ctx context.Context) error {
	ticker := g.clock.NewTicker(g.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.SweepHeartbeats()
		}
	}
}

// SweepHeartbeats runs one heartbeat pass and returns how many viewers
// were pinged and how many were disconnected.
func (g *Gateway) SweepHeartbeats() (pinged, dropped int) {
	now := g.clock.Now()
	ping := g.hub.Envelope(protocol.TopicSystem, protocol.TypePing, protocol.PingPayload{Timestamp: now.UnixMilli()})
	for _, conn := range g.hub.Connections() {
		if silent := now.Sub(conn.LastHeartbeat()); silent > g.heartbeatTimeout {
			g.logger.Info("disconnecting unresponsive viewer", "viewer_id", conn.ID(), "silent", silent)
			g.Disconnect(conn)
			dropped++
			continue
		}
		if conn.Enqueue(ping) {
			pinged++
		}
	}
	return pinged, dropped
}
