// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package schedule

import (
	"sync"

	"github.com/luxfi/geth/common"
)

// DefaultHeartbeatSeconds is the per-user heartbeat interval.
const DefaultHeartbeatSeconds int64 = 300

// Heartbeats tracks the last activity per user and reports which users are
// due a periodic recompute. Any other trigger for the user resets the
// countdown, so heartbeats only fire on otherwise quiet users.
type Heartbeats struct {
	mu       sync.Mutex
	clock    Clock
	interval int64
	last     map[common.Address]int64
}

// NewHeartbeats builds a tracker with the given interval in seconds.
func NewHeartbeats(clock Clock, interval int64) *Heartbeats {
	if interval <= 0 {
		interval = DefaultHeartbeatSeconds
	}
	return &Heartbeats{
		clock:    clock,
		interval: interval,
		last:     make(map[common.Address]int64),
	}
}

// Touch records that user activity happened now.
func (h *Heartbeats) Touch(user common.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[user] = h.clock.Now()
}

// Due returns the users whose last activity is at least one interval old,
// touching each so a user is reported once per quiet interval.
func (h *Heartbeats) Due() []common.Address {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.clock.Now()
	var due []common.Address
	for user, ts := range h.last {
		if now-ts >= h.interval {
			due = append(due, user)
			h.last[user] = now
		}
	}
	return due
}

// Forget drops a user from heartbeat tracking.
func (h *Heartbeats) Forget(user common.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.last, user)
}
