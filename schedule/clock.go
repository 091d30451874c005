// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package schedule provides the single logical clock and the bounded event
// queue that drive staleness checks, cooldowns, daily rollovers, debounce
// windows and heartbeats. Every component reads "now" through a Clock so
// tests stay deterministic.
package schedule

import (
	"sync"
	"time"
)

// Clock yields the engine's notion of current time in whole seconds.
type Clock interface {
	Now() int64
}

// WallClock reads the system clock once at start-up and then advances on
// the process's monotonic clock, so it never steps backwards.
type WallClock struct{}

var wallStart = time.Now()

func (WallClock) Now() int64 {
	return wallStart.Unix() + int64(time.Since(wallStart)/time.Second)
}

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now int64
}

// NewFakeClock starts a fake clock at the given epoch second.
func NewFakeClock(start int64) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d seconds.
func (c *FakeClock) Advance(d int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// Set jumps the clock to an absolute second.
func (c *FakeClock) Set(now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
