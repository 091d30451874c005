// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package venue defines the adapter contract between the clearing core and
// external trading venues, plus the registry adapters are constructed
// through. An adapter streams prices and position events inward and applies
// sequenced balance updates outward; the core never talks to a venue except
// through this contract.
package venue

import (
	"context"
	"errors"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/clearing/fixedpoint"
	"github.com/luxfi/clearing/position"
)

var (
	ErrTransient     = errors.New("venue: transient failure")
	ErrFatal         = errors.New("venue: fatal failure")
	ErrStaleSequence = errors.New("venue: stale update sequence")
	ErrNotConnected  = errors.New("venue: not connected")
)

// PriceUpdate is one top-of-book observation from a venue.
type PriceUpdate struct {
	Symbol    string
	Bid       fixedpoint.Price
	Ask       fixedpoint.Price
	Timestamp int64
	Venue     string
}

// Mid returns the bid/ask midpoint.
func (p PriceUpdate) Mid() fixedpoint.Price {
	return p.Bid/2 + p.Ask/2 + (p.Bid%2+p.Ask%2)/2
}

// PositionEvent is either an open/update delta or a close.
type PositionEvent struct {
	Update *position.Position
	Close  *position.CloseEvent
}

// Ack acknowledges an applied balance update.
type Ack struct {
	Seq uint64
}

// Adapter is the capability set the core consumes from every venue.
type Adapter interface {
	// Name returns the venue identifier used in refIds and position keys.
	Name() string

	// Connect subscribes the adapter to the given symbols. Transient
	// failures are retried internally with exponential backoff.
	Connect(ctx context.Context, symbols []string) error

	// PriceStream yields top-of-book updates until the adapter closes.
	PriceStream() <-chan PriceUpdate

	// PositionStream yields position deltas and closes.
	PositionStream() <-chan PositionEvent

	// SetUserBalance applies a sequenced equity target. Updates with a
	// sequence at or below the last applied one return ErrStaleSequence.
	SetUserBalance(ctx context.Context, user common.Address, equity fixedpoint.Money, seq uint64) (Ack, error)

	// FreezeNewOrders asks the venue to stop accepting new orders.
	FreezeNewOrders(ctx context.Context, user common.Address) error

	// Close tears the connection down.
	Close() error
}
