// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package settle turns venue events into ledger primitives. Every event
// derives a deterministic reference id, so the coordinator can submit
// at-least-once while the ledger applies at-most-once: a DuplicateRefId
// reply is proof of prior success and the event is dropped silently.
// Transient failures are retried with exponential backoff; exhausted events
// land on the operator queue for manual action.
package settle

import (
	"errors"
	"sync"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/clearing/fixedpoint"
	"github.com/luxfi/clearing/ledger"
	"github.com/luxfi/clearing/position"
	"github.com/luxfi/clearing/schedule"
)

// Retry policy defaults.
const (
	DefaultRetryBase   int64 = 1  // seconds
	DefaultRetryCap    int64 = 60 // seconds
	DefaultMaxRetries        = 8
)

// ShortfallClaim is a venue's demand for the unrecovered part of a
// liquidation.
type ShortfallClaim struct {
	User    common.Address
	Venue   string
	ClaimID string
	Amount  fixedpoint.Money
}

// VenueForwarder pushes covered shortfall funds back toward the claiming
// venue. The daemon implements it.
type VenueForwarder interface {
	ForwardCover(venue string, user common.Address, amount fixedpoint.Money) error
}

// Metrics counts coordinator outcomes.
type Metrics struct {
	CreditsSettled     uint64
	SeizuresSettled    uint64
	DuplicatesDropped  uint64
	RetriesScheduled   uint64
	OperatorEscalation uint64
	VolumeSettled      fixedpoint.Money
	ShortfallsCovered  fixedpoint.Money
}

// task is one settlement awaiting (re)submission.
type task struct {
	refID    common.Hash
	attempts int
	notAfter int64 // next attempt time, epoch seconds
	run      func() error
	describe string
}

// Coordinator drives ledger settlement from position closes and venue
// shortfall claims.
type Coordinator struct {
	mu sync.Mutex

	ledger  *ledger.Ledger
	forward VenueForwarder
	clock   schedule.Clock
	log     log.Logger

	retryBase  int64
	retryCap   int64
	maxRetries int

	queue    []*task
	operator []*task
	metrics  Metrics
}

// New builds a coordinator over the ledger. forward may be nil when no
// venue forwarding is wired (covered funds then stay in the broker pool).
func New(l *ledger.Ledger, forward VenueForwarder, clock schedule.Clock, logger log.Logger) *Coordinator {
	return &Coordinator{
		ledger:     l,
		forward:    forward,
		clock:      clock,
		log:        logger,
		retryBase:  DefaultRetryBase,
		retryCap:   DefaultRetryCap,
		maxRetries: DefaultMaxRetries,
	}
}

// SetRetryPolicy overrides the backoff parameters.
func (c *Coordinator) SetRetryPolicy(base, maxDelay int64, maxRetries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryBase = base
	c.retryCap = maxDelay
	c.maxRetries = maxRetries
}

// OnPositionClosed consumes a close event from the position store:
// realized PnL decides between a broker-pool credit and a capped seizure.
func (c *Coordinator) OnPositionClosed(ev position.CloseEvent) {
	refID := PositionCloseRefID(ev.Venue, ev.PositionID)

	pnl, err := fixedpoint.RealizedPnL(ev.EntryPrice, ev.ExitPrice, ev.Size, ev.Side == position.Long)
	if err != nil {
		c.log.Error("realized pnl overflow", "venue", ev.Venue, "position", ev.PositionID, "err", err)
		return
	}
	if pnl == 0 {
		return
	}

	user := ev.User
	amount := pnl.Abs()
	if pnl > 0 {
		c.submit(&task{
			refID:    refID,
			describe: "creditPnl " + ev.Venue + "/" + ev.PositionID,
			run: func() error {
				if err := c.ledger.CreditPnl(user, amount, refID); err != nil {
					return err
				}
				c.mu.Lock()
				c.metrics.CreditsSettled++
				c.metrics.VolumeSettled += amount
				c.mu.Unlock()
				return nil
			},
		})
		return
	}
	c.submit(&task{
		refID:    refID,
		describe: "seizeCapped " + ev.Venue + "/" + ev.PositionID,
		run: func() error {
			seized, shortfall, err := c.ledger.SeizeCollateralCapped(user, amount, refID)
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.metrics.SeizuresSettled++
			c.metrics.VolumeSettled += seized
			c.metrics.ShortfallsCovered += shortfall
			c.mu.Unlock()
			return nil
		},
	})
}

// OnVenueShortfall settles a liquidation shortfall claim and forwards the
// covered funds to the venue.
func (c *Coordinator) OnVenueShortfall(claim ShortfallClaim) {
	refID := ShortfallRefID(claim.Venue, claim.ClaimID)
	c.submit(&task{
		refID:    refID,
		describe: "shortfall " + claim.Venue + "/" + claim.ClaimID,
		run: func() error {
			seized, shortfall, err := c.ledger.SeizeCollateralCapped(claim.User, claim.Amount, refID)
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.metrics.SeizuresSettled++
			c.metrics.VolumeSettled += seized
			c.metrics.ShortfallsCovered += shortfall
			c.mu.Unlock()
			if c.forward != nil {
				// the claim is covered up to seizure plus waterfall
				if err := c.forward.ForwardCover(claim.Venue, claim.User, claim.Amount); err != nil {
					c.log.Warn("cover forward failed, venue will re-claim",
						"venue", claim.Venue, "claim", claim.ClaimID, "err", err)
				}
			}
			return nil
		},
	})
}

// submit runs the task once, classifying the outcome.
func (c *Coordinator) submit(t *task) {
	err := t.run()
	switch {
	case err == nil:
		return
	case errors.Is(err, ledger.ErrDuplicateRefID):
		// already settled in a previous life: drop silently
		c.mu.Lock()
		c.metrics.DuplicatesDropped++
		c.mu.Unlock()
		return
	case transient(err):
		c.requeue(t)
	default:
		c.escalate(t, err)
	}
}

// transient classifies failures worth retrying: a paused ledger (including
// a circuit-breaker trip) resumes, and a failed token transfer may succeed
// later.
func transient(err error) bool {
	return errors.Is(err, ledger.ErrLedgerPaused) ||
		errors.Is(err, ledger.ErrCircuitBreakerTriggered) ||
		errors.Is(err, ledger.ErrTokenTransfer)
}

func (c *Coordinator) requeue(t *task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.attempts >= c.maxRetries {
		c.operator = append(c.operator, t)
		c.metrics.OperatorEscalation++
		c.log.Error("settlement exhausted retries", "task", t.describe, "attempts", t.attempts)
		return
	}
	delay := c.retryBase << uint(t.attempts)
	if delay > c.retryCap || delay <= 0 {
		delay = c.retryCap
	}
	t.attempts++
	t.notAfter = c.clock.Now() + delay
	c.queue = append(c.queue, t)
	c.metrics.RetriesScheduled++
}

func (c *Coordinator) escalate(t *task, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operator = append(c.operator, t)
	c.metrics.OperatorEscalation++
	c.log.Error("settlement failed permanently", "task", t.describe, "err", err)
}

// Pump retries every queued task whose backoff has elapsed. Call it from
// the scheduler loop; it returns the number of tasks attempted.
func (c *Coordinator) Pump() int {
	now := c.clock.Now()

	c.mu.Lock()
	var ready []*task
	var waiting []*task
	for _, t := range c.queue {
		if t.notAfter <= now {
			ready = append(ready, t)
		} else {
			waiting = append(waiting, t)
		}
	}
	c.queue = waiting
	c.mu.Unlock()

	for _, t := range ready {
		c.submit(t)
	}
	return len(ready)
}

// OperatorQueue returns the descriptions of tasks awaiting manual action.
func (c *Coordinator) OperatorQueue() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.operator))
	for i, t := range c.operator {
		out[i] = t.describe
	}
	return out
}

// PendingRetries returns the retry queue depth.
func (c *Coordinator) PendingRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Snapshot returns a copy of the outcome counters.
func (c *Coordinator) Snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}
