// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package oracle validates prices before they reach the equity engine or a
// guarded ledger primitive. Each symbol carries a freshness bound, a
// deviation band against an operator-set reference, and a last-good-price
// fallback with its own age bound.
package oracle

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/luxfi/log"

	"github.com/luxfi/clearing/fixedpoint"
	"github.com/luxfi/clearing/schedule"
)

// Defaults per deployment configuration.
const (
	DefaultMaxStaleness   int64  = 300 // seconds
	DefaultPriceBandBps   uint64 = 500 // 5%
	DefaultMaxFallbackAge int64  = 300 // seconds
)

var (
	ErrNotConfigured  = errors.New("oracle: symbol not configured")
	ErrPriceStale     = errors.New("oracle: price stale")
	ErrPriceOutside   = errors.New("oracle: price outside band")
	ErrInvalidPrice   = errors.New("oracle: invalid price")
	ErrUnavailable    = errors.New("oracle: unavailable")
	ErrNoFreshPrice   = errors.New("oracle: no fresh price")
)

// Config is the per-symbol validation parameterization.
type Config struct {
	Feed           Feed
	MaxStaleness   int64  // seconds; 0 uses the default
	PriceBandBps   uint64 // 0 uses the default
	MaxFallbackAge int64  // seconds; 0 uses the default
}

// symbolState is the mutable per-symbol record behind its own guard.
type symbolState struct {
	mu sync.Mutex

	cfg Config

	referencePrice fixedpoint.Price
	referenceTime  int64
	lastValidPrice fixedpoint.Price
	lastValidTime  int64
}

// Validated is the outcome of a successful validation.
type Validated struct {
	Price        fixedpoint.Price
	Timestamp    int64
	UsedFallback bool
}

// Oracle validates configured symbols against their feeds.
type Oracle struct {
	mu      sync.RWMutex
	symbols map[string]*symbolState

	clock schedule.Clock
	log   log.Logger
}

// New builds an empty oracle.
func New(clock schedule.Clock, logger log.Logger) *Oracle {
	return &Oracle{
		symbols: make(map[string]*symbolState),
		clock:   clock,
		log:     logger,
	}
}

// Configure installs or replaces a symbol's feed and bounds.
func (o *Oracle) Configure(symbol string, cfg Config) {
	if cfg.MaxStaleness == 0 {
		cfg.MaxStaleness = DefaultMaxStaleness
	}
	if cfg.PriceBandBps == 0 {
		cfg.PriceBandBps = DefaultPriceBandBps
	}
	if cfg.MaxFallbackAge == 0 {
		cfg.MaxFallbackAge = DefaultMaxFallbackAge
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if st := o.symbols[symbol]; st != nil {
		st.mu.Lock()
		st.cfg = cfg
		st.mu.Unlock()
		return
	}
	o.symbols[symbol] = &symbolState{cfg: cfg}
}

func (o *Oracle) state(symbol string) (*symbolState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st := o.symbols[symbol]
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, symbol)
	}
	return st, nil
}

// GetValidatedPrice returns a fresh validated price for symbol, or the
// last good price while it is within the fallback age. Feed failures are
// absorbed; only typed oracle errors escape.
func (o *Oracle) GetValidatedPrice(symbol string) (Validated, error) {
	st, err := o.state(symbol)
	if err != nil {
		return Validated{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := o.clock.Now()
	sample, fetchErr := st.cfg.Feed.Fetch()
	fresh := fetchErr == nil

	if fresh {
		if sample.Price == 0 {
			fresh = false
			fetchErr = ErrInvalidPrice
		} else if now-sample.Timestamp > st.cfg.MaxStaleness {
			fresh = false
			fetchErr = ErrPriceStale
		} else if st.referencePrice != 0 {
			dev, derr := fixedpoint.DeviationBps(sample.Price, st.referencePrice)
			if derr != nil || dev > st.cfg.PriceBandBps {
				fresh = false
				fetchErr = fmt.Errorf("%w: %d bps from reference", ErrPriceOutside, dev)
			}
		}
	}

	if fresh {
		return Validated{Price: sample.Price, Timestamp: sample.Timestamp}, nil
	}

	// fallback to the last operator-blessed price while it is young enough
	if st.lastValidPrice != 0 && now-st.lastValidTime <= st.cfg.MaxFallbackAge {
		o.log.Debug("oracle fallback", "symbol", symbol, "reason", fetchErr)
		return Validated{
			Price:        st.lastValidPrice,
			Timestamp:    st.lastValidTime,
			UsedFallback: true,
		}, nil
	}

	if fetchErr == nil || errors.Is(fetchErr, ErrFeedUnavailable) || errors.Is(fetchErr, ErrFeedMalformed) {
		return Validated{}, fmt.Errorf("%w: %s", ErrUnavailable, symbol)
	}
	return Validated{}, fetchErr
}

// RefreshReference is the operator operation that re-anchors a symbol: it
// fetches a fresh sample and, on success, stores it as both the deviation
// reference and the fallback price. Feeds never overwrite the reference on
// their own.
func (o *Oracle) RefreshReference(symbol string) error {
	st, err := o.state(symbol)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	sample, err := st.cfg.Feed.Fetch()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if sample.Price == 0 {
		return ErrInvalidPrice
	}
	now := o.clock.Now()
	if now-sample.Timestamp > st.cfg.MaxStaleness {
		return ErrPriceStale
	}

	st.referencePrice = sample.Price
	st.referenceTime = sample.Timestamp
	st.lastValidPrice = sample.Price
	st.lastValidTime = sample.Timestamp
	o.log.Info("oracle reference refreshed", "symbol", symbol, "price", sample.Price)
	return nil
}

// CheckSymbol satisfies the ledger guard contract: a guarded settlement
// primitive proceeds only when the symbol currently validates.
func (o *Oracle) CheckSymbol(symbol string, now int64) error {
	_, err := o.GetValidatedPrice(symbol)
	return err
}

// Reference returns the operator-set reference price and time.
func (o *Oracle) Reference(symbol string) (fixedpoint.Price, int64, error) {
	st, err := o.state(symbol)
	if err != nil {
		return 0, 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.referencePrice, st.referenceTime, nil
}
