// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"github.com/luxfi/geth/common"

	"github.com/luxfi/clearing/fixedpoint"
)

// Event is a ledger occurrence surfaced to subscribers (settlement
// coordinator, daemon, operators).
type Event interface{ eventName() string }

// DepositEvent records a user collateral deposit.
type DepositEvent struct {
	User      common.Address
	Amount    fixedpoint.Money
	Timestamp int64
}

// WithdrawEvent records a user collateral or PnL withdrawal.
type WithdrawEvent struct {
	User      common.Address
	Amount    fixedpoint.Money
	FromPnL   bool
	Timestamp int64
}

// CreditEvent records a PnL credit paid out of the broker pool.
type CreditEvent struct {
	User   common.Address
	Amount fixedpoint.Money
	RefID  common.Hash
}

// SeizeEvent records a collateral seizure into the broker pool.
type SeizeEvent struct {
	User   common.Address
	Amount fixedpoint.Money
	RefID  common.Hash
}

// ShortfallEvent records a capped seizure whose claim exceeded the user's
// collateral, together with how the shortfall was covered.
type ShortfallEvent struct {
	User               common.Address
	Shortfall          fixedpoint.Money
	CoveredByInsurance fixedpoint.Money
	Socialized         fixedpoint.Money
	RefID              common.Hash
}

// CircuitBreakerEvent records a breaker trip that paused the ledger.
type CircuitBreakerEvent struct {
	WindowSum fixedpoint.Money
	Threshold fixedpoint.Money
	Timestamp int64
}

// PauseEvent records an operational state change.
type PauseEvent struct {
	Paused    bool
	Reason    string
	Timestamp int64
}

// BatchAppliedEvent records an applied netting batch.
type BatchAppliedEvent struct {
	BatchID common.Hash
	VaultID common.Hash
	Leaves  int
	Gross   fixedpoint.Money
	Netted  fixedpoint.Money
	Fee     fixedpoint.Money
}

func (DepositEvent) eventName() string        { return "Deposit" }
func (WithdrawEvent) eventName() string       { return "Withdraw" }
func (CreditEvent) eventName() string         { return "CreditPnl" }
func (SeizeEvent) eventName() string          { return "SeizeCollateral" }
func (ShortfallEvent) eventName() string      { return "Shortfall" }
func (CircuitBreakerEvent) eventName() string { return "CircuitBreakerTriggered" }
func (PauseEvent) eventName() string          { return "Pause" }
func (BatchAppliedEvent) eventName() string   { return "BatchApplied" }
