// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package equity computes per-venue equity targets from a user's pooled
// collateral and their aggregated cross-venue unrealized PnL. Positive PnL
// earned on other venues is only partially credited (the haircut); negative
// cross-venue PnL is applied in full, which keeps the insurance pool
// solvent against price reversals between update cycles.
package equity

import (
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/clearing/fixedpoint"
	"github.com/luxfi/clearing/position"
	"github.com/luxfi/clearing/schedule"
)

// Defaults.
const (
	DefaultHaircutBps       uint64 = 5000 // 50% credit on positive cross PnL
	DefaultOverspendAlphaBps uint64 = 1000 // 10% grace before forced reduction
	DefaultPriceTriggerBps  uint64 = 100  // 1% mark move recomputes holders
	DefaultDebounceMillis   int64  = 200
)

// Trigger reasons, for logging and operator visibility.
const (
	TriggerPriceMove Reason = iota
	TriggerPositionChange
	TriggerBalanceChange
	TriggerHeartbeat
	TriggerOperator
)

// Reason tags why a recompute fired.
type Reason uint8

// VenueUpdate is a target equity for one (user, venue), sequenced so
// adapters can discard stale updates.
type VenueUpdate struct {
	User   common.Address
	Venue  string
	Equity fixedpoint.Money
	Seq    uint64
}

// FreezeIntent asks a venue to stop accepting new orders for a user.
type FreezeIntent struct {
	User  common.Address
	Venue string
}

// Sink consumes the engine's outputs, typically fanned out to venue
// adapters.
type Sink interface {
	OnVenueUpdate(VenueUpdate)
	OnFreeze(FreezeIntent)
}

// CollateralSource yields a user's pooled collateral.
type CollateralSource interface {
	Collateral(user common.Address) fixedpoint.Money
}

// PriceSource yields a validated mark for an instrument, or an error when
// no validated price exists.
type PriceSource interface {
	ValidatedPrice(instrument string) (fixedpoint.Price, error)
}

// Params are the operator-tunable engine knobs.
type Params struct {
	HaircutBps        uint64
	OverspendAlphaBps uint64
	DebounceMillis    int64
	// TriggerBps maps instrument to the mark-move threshold in basis
	// points; instruments absent fall back to DefaultPriceTriggerBps.
	TriggerBps map[string]uint64
}

type pendingTrigger struct {
	since  int64 // millis of first trigger in the window
	reason Reason
}

// Engine recomputes and emits venue equities.
type Engine struct {
	mu sync.Mutex

	store      *position.Store
	collateral CollateralSource
	prices     PriceSource
	clock      schedule.Clock
	log        log.Logger
	sink       Sink

	params Params

	seqs      map[common.Address]map[string]uint64
	lastMark  map[string]fixedpoint.Price
	pending   map[common.Address]pendingTrigger
	heartbeat *schedule.Heartbeats
}

// New builds an engine. sink may be nil until SetSink.
func New(store *position.Store, collateral CollateralSource, prices PriceSource,
	clock schedule.Clock, hb *schedule.Heartbeats, logger log.Logger) *Engine {
	return &Engine{
		store:      store,
		collateral: collateral,
		prices:     prices,
		clock:      clock,
		log:        logger,
		params: Params{
			HaircutBps:        DefaultHaircutBps,
			OverspendAlphaBps: DefaultOverspendAlphaBps,
			DebounceMillis:    DefaultDebounceMillis,
		},
		seqs:      make(map[common.Address]map[string]uint64),
		lastMark:  make(map[string]fixedpoint.Price),
		pending:   make(map[common.Address]pendingTrigger),
		heartbeat: hb,
	}
}

// SetSink installs the output consumer.
func (e *Engine) SetSink(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// SetParams replaces the tunables.
func (e *Engine) SetParams(p Params) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.HaircutBps == 0 {
		p.HaircutBps = DefaultHaircutBps
	}
	if p.DebounceMillis == 0 {
		p.DebounceMillis = DefaultDebounceMillis
	}
	e.params = p
}

// =========================================================================
// Triggers
// =========================================================================

// Trigger schedules a recompute for user, collapsing with any trigger
// already pending inside the debounce window.
func (e *Engine) Trigger(user common.Address, reason Reason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.pending[user]; !exists {
		e.pending[user] = pendingTrigger{since: e.clock.Now() * 1000, reason: reason}
	}
	if e.heartbeat != nil {
		e.heartbeat.Touch(user)
	}
}

// OnPrice feeds a mark observation. The first mark of an instrument, and
// any mark that moves at least the instrument's threshold from the last
// mark that triggered, triggers every holder of the instrument.
func (e *Engine) OnPrice(instrument string, mark fixedpoint.Price) {
	e.mu.Lock()
	last, seen := e.lastMark[instrument]
	threshold := e.triggerBpsLocked(instrument)
	e.mu.Unlock()

	if seen {
		dev, err := fixedpoint.DeviationBps(mark, last)
		if err == nil && dev < threshold {
			return
		}
	}

	e.mu.Lock()
	e.lastMark[instrument] = mark
	e.mu.Unlock()

	for _, p := range e.store.IterAll() {
		if p.Key.Instrument == instrument {
			e.Trigger(p.Key.User, TriggerPriceMove)
		}
	}
}

func (e *Engine) triggerBpsLocked(instrument string) uint64 {
	if bps, ok := e.params.TriggerBps[instrument]; ok {
		return bps
	}
	return DefaultPriceTriggerBps
}

// FlushDue computes and emits updates for every user whose debounce window
// has elapsed. Returns the number of users recomputed.
func (e *Engine) FlushDue() int {
	e.mu.Lock()
	nowMs := e.clock.Now() * 1000
	var due []common.Address
	for user, t := range e.pending {
		if nowMs-t.since >= e.params.DebounceMillis {
			due = append(due, user)
			delete(e.pending, user)
		}
	}
	e.mu.Unlock()

	for _, user := range due {
		e.Recompute(user)
	}
	return len(due)
}

// FlushAll force-computes every pending user regardless of debounce; used
// by the operator surface and tests.
func (e *Engine) FlushAll() {
	e.mu.Lock()
	var due []common.Address
	for user := range e.pending {
		due = append(due, user)
	}
	e.pending = make(map[common.Address]pendingTrigger)
	e.mu.Unlock()

	for _, user := range due {
		e.Recompute(user)
	}
}

// PollHeartbeats triggers users who have been quiet for a full interval.
func (e *Engine) PollHeartbeats() {
	if e.heartbeat == nil {
		return
	}
	for _, user := range e.heartbeat.Due() {
		e.Trigger(user, TriggerHeartbeat)
	}
}

// =========================================================================
// Computation
// =========================================================================

// venueAgg accumulates one venue's terms during a recompute.
type venueAgg struct {
	ownPnL       fixedpoint.SignedMoney
	marginInUse  fixedpoint.Money
	hasPositions bool
}

// Recompute marks a user's positions, derives each hosting venue's equity
// and emits sequenced updates. Stale-priced positions keep their venue's
// local view alive but are excluded from cross-venue terms.
func (e *Engine) Recompute(user common.Address) []VenueUpdate {
	positions := e.store.IterUser(user)
	if len(positions) == 0 {
		return nil
	}

	collateral := e.collateral.Collateral(user)

	venues := make(map[string]*venueAgg)
	var totalPnL fixedpoint.SignedMoney
	var totalMargin fixedpoint.Money

	for i := range positions {
		p := &positions[i]
		agg := venues[p.Key.Venue]
		if agg == nil {
			agg = &venueAgg{}
			venues[p.Key.Venue] = agg
		}
		agg.hasPositions = true
		agg.marginInUse += p.InitialMargin
		totalMargin += p.InitialMargin

		mark, err := e.prices.ValidatedPrice(p.Key.Instrument)
		if err != nil {
			p.Stale = true
			e.log.Debug("stale mark, excluding from cross-venue",
				"user", user, "instrument", p.Key.Instrument)
			continue
		}
		p.Stale = false
		p.MarkPrice = mark

		pnl, err := fixedpoint.PositionPnL(p.EntryPrice, mark, p.Size, p.Side == position.Long)
		if err != nil {
			e.log.Error("pnl overflow", "user", user, "instrument", p.Key.Instrument, "err", err)
			p.Stale = true
			continue
		}
		p.UnrealizedPnl = pnl
		agg.ownPnL += pnl
		totalPnL += pnl
	}

	e.mu.Lock()
	haircut := e.params.HaircutBps
	alpha := e.params.OverspendAlphaBps
	sink := e.sink
	e.mu.Unlock()

	// overspend response: freeze everywhere, then force reduction past alpha
	overspent := totalMargin > collateral
	forceReduce := false
	if overspent {
		limit := collateral + collateral.MulBps(alpha)
		forceReduce = totalMargin > limit
		if sink != nil {
			for venue := range venues {
				sink.OnFreeze(FreezeIntent{User: user, Venue: venue})
			}
		}
		e.log.Warn("user overspent",
			"user", user, "marginInUse", totalMargin, "collateral", collateral, "forceReduce", forceReduce)
	}

	updates := make([]VenueUpdate, 0, len(venues))
	for venue, agg := range venues {
		if !agg.hasPositions {
			continue
		}
		equityAmount := venueEquity(collateral, agg.ownPnL, totalPnL-agg.ownPnL, haircut)
		if forceReduce && totalMargin > 0 {
			// scale toward the venue's fair share of actual collateral
			equityAmount = scaleByRatio(equityAmount, collateral, totalMargin)
		}
		update := VenueUpdate{
			User:   user,
			Venue:  venue,
			Equity: equityAmount,
			Seq:    e.nextSeq(user, venue),
		}
		updates = append(updates, update)
		if sink != nil {
			sink.OnVenueUpdate(update)
		}
	}
	return updates
}

// venueEquity applies the asymmetric haircut formula:
//
//	collateral + ownPnL + haircut*max(0, crossPnL) + min(0, crossPnL)
//
// floored at zero since a venue cannot hold negative equity.
func venueEquity(collateral fixedpoint.Money, ownPnL, crossPnL fixedpoint.SignedMoney, haircutBps uint64) fixedpoint.Money {
	total := fixedpoint.SignedMoney(collateral) + ownPnL
	if crossPnL > 0 {
		total += fixedpoint.SignedMoney(crossPnL.Abs().MulBps(haircutBps))
	} else {
		total += crossPnL
	}
	if total < 0 {
		return 0
	}
	return fixedpoint.Money(total)
}

// scaleByRatio returns v * num / den through a 256-bit intermediate.
func scaleByRatio(v, num, den fixedpoint.Money) fixedpoint.Money {
	if den == 0 {
		return 0
	}
	var p, q uint256.Int
	p.SetUint64(uint64(v))
	p.Mul(&p, q.SetUint64(uint64(num)))
	p.Div(&p, q.SetUint64(uint64(den)))
	if !p.IsUint64() {
		return v
	}
	return fixedpoint.Money(p.Uint64())
}

func (e *Engine) nextSeq(user common.Address, venue string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.seqs[user]
	if m == nil {
		m = make(map[string]uint64)
		e.seqs[user] = m
	}
	m[venue]++
	return m[venue]
}
