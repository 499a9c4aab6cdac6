// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for everything in termstream that
// waits: settle delays, the capture cache TTL, activity suppression
// windows, heartbeat sweeps, and lifecycle grace periods.
//
// Components hold a Clock field. The daemon wires Real(); tests wire
// a Manual clock and move it forward explicitly:
//
//	c := clock.Manual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go worker.Run(ctx)           // worker calls c.Sleep / c.NewTicker
//	c.BlockUntil(1)              // worker has registered its wait
//	c.Advance(30 * time.Second)  // fire it
package clock

import "time"

// Clock is the subset of the time package termstream depends on.
type Clock interface {
	Now() time.Time

	// After delivers the current time on the returned channel once d
	// has elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. Stop on the returned
	// Timer cancels the call if it has not happened yet.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker panics on a non-positive interval, like time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. Slow readers lose ticks; they
// are never queued beyond one.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop ends delivery. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Timer is a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the pending call and reports whether it was still
// pending.
func (t *Timer) Stop() bool { return t.stop() }
