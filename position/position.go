// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package position holds the engine's current view of every open position
// across venues: one record per (user, venue, instrument), merged from the
// snapshot and delta events venue adapters publish. Closing a position
// removes it and surfaces a realized-PnL signal for the settlement
// coordinator.
package position

import (
	"encoding/binary"
	"sync"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
	"github.com/zeebo/blake3"

	"github.com/luxfi/clearing/fixedpoint"
)

// Side of a position.
const (
	Long Side = iota
	Short
)

// Side is long or short.
type Side uint8

// Key identifies one position.
type Key struct {
	User       common.Address
	Venue      string
	Instrument string
}

// Position is the current state of one open position. MarkPrice and
// UnrealizedPnl are filled by the equity engine during mark-to-market;
// Stale flags a position whose instrument has no validated price.
type Position struct {
	Key           Key
	Side          Side
	Size          fixedpoint.Money
	EntryPrice    fixedpoint.Price
	MarkPrice     fixedpoint.Price
	UnrealizedPnl fixedpoint.SignedMoney
	InitialMargin fixedpoint.Money
	Stale         bool
}

// CloseEvent is the realized-PnL signal forwarded when a venue reports a
// position closed.
type CloseEvent struct {
	User       common.Address
	Venue      string
	PositionID string
	Instrument string
	Side       Side
	Size       fixedpoint.Money
	EntryPrice fixedpoint.Price
	ExitPrice  fixedpoint.Price
	ClosedAt   int64
}

// MarketID derives the internal 32-byte id of a (venue, instrument) pair.
func MarketID(venue, instrument string) [32]byte {
	h := blake3.New()
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(venue)))
	h.Write(n[:])
	h.Write([]byte(venue))
	h.Write([]byte(instrument))
	var id [32]byte
	h.Digest().Read(id[:])
	return id
}

// shardCount stripes the store so writers on different keys do not
// contend. Per key, updates apply in arrival order.
const shardCount = 32

type shard struct {
	mu        sync.RWMutex
	positions map[Key]*Position
}

// Store is the position snapshot store.
type Store struct {
	shards [shardCount]*shard
	log    log.Logger

	closeMu sync.RWMutex
	onClose func(CloseEvent)
}

// NewStore builds an empty store.
func NewStore(logger log.Logger) *Store {
	s := &Store{log: logger}
	for i := range s.shards {
		s.shards[i] = &shard{positions: make(map[Key]*Position)}
	}
	return s
}

// OnClose installs the close-event consumer (the settlement coordinator).
func (s *Store) OnClose(fn func(CloseEvent)) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.onClose = fn
}

func (s *Store) shardFor(k Key) *shard {
	id := MarketID(k.Venue, k.Instrument)
	idx := (uint32(id[0]) ^ uint32(k.User[0]) ^ uint32(k.User[19])) % shardCount
	return s.shards[idx]
}

// ApplyDelta upserts one position from a venue delta event.
func (s *Store) ApplyDelta(p Position) {
	sh := s.shardFor(p.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cp := p
	sh.positions[p.Key] = &cp
}

// ApplySnapshot replaces all of a user's positions on one venue with the
// given set. Instruments absent from the snapshot are dropped without a
// close signal; venues report closes explicitly.
func (s *Store) ApplySnapshot(user common.Address, venue string, positions []Position) {
	incoming := make(map[Key]Position, len(positions))
	for _, p := range positions {
		incoming[p.Key] = p
	}
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.positions {
			if k.User == user && k.Venue == venue {
				if _, keep := incoming[k]; !keep {
					delete(sh.positions, k)
				}
			}
		}
		sh.mu.Unlock()
	}
	for _, p := range positions {
		s.ApplyDelta(p)
	}
}

// ApplyClose removes the position and forwards the realized-PnL signal.
// Closing an unknown position still forwards the signal: the venue's
// report is authoritative and the settlement refId dedups replays.
func (s *Store) ApplyClose(ev CloseEvent) {
	k := Key{User: ev.User, Venue: ev.Venue, Instrument: ev.Instrument}
	sh := s.shardFor(k)
	sh.mu.Lock()
	delete(sh.positions, k)
	sh.mu.Unlock()

	s.closeMu.RLock()
	fn := s.onClose
	s.closeMu.RUnlock()
	if fn != nil {
		fn(ev)
	} else {
		s.log.Warn("position close dropped, no consumer",
			"venue", ev.Venue, "position", ev.PositionID)
	}
}

// Get returns a copy of one position.
func (s *Store) Get(k Key) (Position, bool) {
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if p := sh.positions[k]; p != nil {
		return *p, true
	}
	return Position{}, false
}

// IterUser returns a consistent copy of all of a user's open positions.
func (s *Store) IterUser(user common.Address) []Position {
	// every shard stays read-locked until the copy is complete
	for _, sh := range s.shards {
		sh.mu.RLock()
	}
	var out []Position
	for _, sh := range s.shards {
		for k, p := range sh.positions {
			if k.User == user {
				out = append(out, *p)
			}
		}
	}
	for _, sh := range s.shards {
		sh.mu.RUnlock()
	}
	return out
}

// IterAll returns a copy of every open position.
func (s *Store) IterAll() []Position {
	var out []Position
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, p := range sh.positions {
			out = append(out, *p)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Users returns every user with at least one open position.
func (s *Store) Users() []common.Address {
	seen := make(map[common.Address]struct{})
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.positions {
			seen[k.User] = struct{}{}
		}
		sh.mu.RUnlock()
	}
	out := make([]common.Address, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	return out
}
