// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual returns a ManualClock reading start. It never moves on its
// own.
func Manual(start time.Time) *ManualClock {
	c := &ManualClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// ManualClock is a Clock for tests. Pending waits fire only during
// Advance, in deadline order. AfterFunc callbacks run on the
// goroutine calling Advance, so a callback must not call Advance.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*wait
	changed *sync.Cond
}

type wait struct {
	due      time.Time
	every    time.Duration // non-zero for tickers
	ch       chan time.Time
	fn       func()
	canceled bool
	done     bool
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&wait{due: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc with a non-positive d runs f before returning.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	w := &wait{due: c.now.Add(d), fn: f}
	c.addLocked(w)
	c.mu.Unlock()
	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.canceled || w.done {
			return false
		}
		w.canceled = true
		return true
	}}
}

func (c *ManualClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker called with non-positive interval")
	}
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	w := &wait{due: c.now.Add(d), every: d, ch: ch}
	c.addLocked(w)
	c.mu.Unlock()
	return &Ticker{C: ch, stop: func() {
		c.mu.Lock()
		w.canceled = true
		c.mu.Unlock()
	}}
}

func (c *ManualClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d, firing every wait that falls
// due on the way. A ticker spanning several intervals fires once per
// interval; ticks that do not fit its channel are dropped.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.fn != nil {
				w.fn()
				continue
			}
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

// BlockUntil waits until at least n waits are pending.
func (c *ManualClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.liveLocked() < n {
		c.changed.Wait()
	}
}

// Pending reports how many waits have not yet fired or been canceled.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked()
}

func (c *ManualClock) addLocked(w *wait) {
	c.pending = append(c.pending, w)
	c.changed.Broadcast()
}

func (c *ManualClock) liveLocked() int {
	n := 0
	for _, w := range c.pending {
		if !w.canceled {
			n++
		}
	}
	return n
}

func (c *ManualClock) takeDue(target time.Time) []*wait {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*wait
	for _, w := range c.pending {
		switch {
		case w.canceled:
		case w.due.After(target):
			keep = append(keep, w)
		default:
			due = append(due, w)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })
	for _, w := range due {
		if w.every > 0 {
			w.due = w.due.Add(w.every)
			keep = append(keep, w)
		} else {
			w.done = true
		}
	}
	c.pending = keep
	return due
}
