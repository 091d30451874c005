// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package schedule

import (
	"context"
	"errors"
	"sync"

	log "github.com/luxfi/log"
)

// DefaultQueueSize bounds a topic queue when no size is given.
const DefaultQueueSize = 1024

var ErrBusClosed = errors.New("schedule: bus closed")

// Event is anything published on the bus.
type Event interface{}

// Bus is a single-producer-per-source, multi-consumer event queue. Each
// subscription owns a bounded channel; a full channel backpressures the
// publisher rather than dropping the event.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	size   int
	closed bool
	log    log.Logger
}

// NewBus creates a bus whose subscription queues hold size events.
func NewBus(size int, logger log.Logger) *Bus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Bus{size: size, log: logger}
}

// Subscribe registers a consumer and returns its receive channel.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.size)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers ev to every subscriber, blocking on full queues until
// the consumer drains or ctx is cancelled.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// TryPublish delivers without blocking and reports whether every
// subscriber accepted the event.
func (b *Bus) TryPublish(ev Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	ok := true
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			ok = false
		}
	}
	return ok
}

// Close shuts the bus; subscribers see closed channels after draining.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
