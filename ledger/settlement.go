// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"fmt"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/clearing/fixedpoint"
)

// CreditPnl pays amount from the broker pool into the user's PnL
// sub-ledger. refId gives the operation at-most-once semantics.
//
// Check order is contractual: pause, amount, refId, broker pool, circuit
// breaker, then refId insertion and the mutation.
func (l *Ledger) CreditPnl(user common.Address, amount fixedpoint.Money, refID common.Hash) error {
	return l.CreditPnlGuarded(user, amount, refID, "")
}

// CreditPnlGuarded is CreditPnl with an optional symbol guard consultation
// before any refId insertion or mutation.
func (l *Ledger) CreditPnlGuarded(user common.Address, amount fixedpoint.Money, refID common.Hash, symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StatePaused {
		return ErrLedgerPaused
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	used, err := l.refs.Has(refID)
	if err != nil {
		return err
	}
	if used {
		return ErrDuplicateRefID
	}
	if symbol != "" {
		if err := l.checkGuards(symbol); err != nil {
			return err
		}
	}
	newPool, err := l.brokerPool.Sub(amount)
	if err != nil {
		return ErrInsufficientBrokerPool
	}
	acct := l.getOrCreate(user)
	newPnl, err := acct.pnl.Add(amount)
	if err != nil {
		return err
	}
	if err := l.breakerStep(amount); err != nil {
		return err
	}
	if err := l.refs.Put(refID); err != nil {
		return err
	}

	l.brokerPool = newPool
	acct.pnl = newPnl
	l.emit(CreditEvent{User: user, Amount: amount, RefID: refID})
	return nil
}

// SeizeCollateral moves amount from the user's collateral into the broker
// pool. Fails when collateral is insufficient; the capped variant below is
// the liquidation path.
func (l *Ledger) SeizeCollateral(user common.Address, amount fixedpoint.Money, refID common.Hash) error {
	return l.SeizeCollateralGuarded(user, amount, refID, "")
}

// SeizeCollateralGuarded is SeizeCollateral with an optional symbol guard.
func (l *Ledger) SeizeCollateralGuarded(user common.Address, amount fixedpoint.Money, refID common.Hash, symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StatePaused {
		return ErrLedgerPaused
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	used, err := l.refs.Has(refID)
	if err != nil {
		return err
	}
	if used {
		return ErrDuplicateRefID
	}
	if symbol != "" {
		if err := l.checkGuards(symbol); err != nil {
			return err
		}
	}
	acct := l.accounts[user]
	if acct == nil {
		return ErrInsufficientBalance
	}
	newCollateral, err := acct.collateral.Sub(amount)
	if err != nil {
		return ErrInsufficientBalance
	}
	newPool, err := l.brokerPool.Add(amount)
	if err != nil {
		return err
	}
	if err := l.breakerStep(amount); err != nil {
		return err
	}
	if err := l.refs.Put(refID); err != nil {
		return err
	}

	acct.collateral = newCollateral
	l.brokerPool = newPool
	l.emit(SeizeEvent{User: user, Amount: amount, RefID: refID})
	return nil
}

// SeizeCollateralCapped seizes up to requested from the user's collateral
// and runs the insurance waterfall on the shortfall: the insurance fund
// covers what it can, and the remainder is socialized. refId is consumed
// even when the seizure is partial or empty.
func (l *Ledger) SeizeCollateralCapped(user common.Address, requested fixedpoint.Money, refID common.Hash) (seized, shortfall fixedpoint.Money, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StatePaused {
		return 0, 0, ErrLedgerPaused
	}
	if requested.IsZero() {
		return 0, 0, ErrZeroAmount
	}
	used, err := l.refs.Has(refID)
	if err != nil {
		return 0, 0, err
	}
	if used {
		return 0, 0, ErrDuplicateRefID
	}

	acct := l.getOrCreate(user)
	seized = acct.collateral.Min(requested)
	shortfall = requested - seized

	covered := l.insuranceFund.Min(shortfall)
	socialized := shortfall - covered

	moved := seized + covered // bounded by requested, cannot wrap
	if !moved.IsZero() {
		if err := l.breakerStep(moved); err != nil {
			return 0, 0, err
		}
	}
	newPool, err := l.brokerPool.Add(moved)
	if err != nil {
		return 0, 0, err
	}
	newSocialized, err := l.socializedLoss.Add(socialized)
	if err != nil {
		return 0, 0, err
	}
	if err := l.refs.Put(refID); err != nil {
		return 0, 0, err
	}

	acct.collateral -= seized
	l.insuranceFund -= covered
	l.brokerPool = newPool
	l.socializedLoss = newSocialized

	if !shortfall.IsZero() {
		l.emit(ShortfallEvent{
			User:               user,
			Shortfall:          shortfall,
			CoveredByInsurance: covered,
			Socialized:         socialized,
			RefID:              refID,
		})
		l.log.Warn("settlement shortfall",
			"user", user, "shortfall", shortfall, "insurance", covered, "socialized", socialized)
	}
	if !seized.IsZero() {
		l.emit(SeizeEvent{User: user, Amount: seized, RefID: refID})
	}
	return seized, shortfall, nil
}

// checkGuards runs every registered guard for the symbol.
func (l *Ledger) checkGuards(symbol string) error {
	now := l.clock.Now()
	for _, g := range l.guards {
		if err := g.CheckSymbol(symbol, now); err != nil {
			return fmt.Errorf("ledger: guard rejected %s: %w", symbol, err)
		}
	}
	return nil
}

// breakerStep records a settlement of amount and trips the breaker when the
// rolling window sum exceeds the threshold. A trip pauses the ledger and
// fails the current primitive. Exactly at the threshold still passes.
func (l *Ledger) breakerStep(amount fixedpoint.Money) error {
	threshold := l.params.CircuitBreakerThreshold
	if threshold == 0 {
		return nil
	}
	now := l.clock.Now()
	horizon := now - l.params.CircuitBreakerWindow

	l.breakerWindow = append(l.breakerWindow, breakerRecord{ts: now, amount: amount})
	kept := l.breakerWindow[:0]
	var sum fixedpoint.Money
	for _, rec := range l.breakerWindow {
		if rec.ts < horizon {
			continue
		}
		kept = append(kept, rec)
		sum += rec.amount
	}
	l.breakerWindow = kept

	if sum > threshold {
		l.emit(CircuitBreakerEvent{WindowSum: sum, Threshold: threshold, Timestamp: now})
		l.pauseLocked("circuit breaker")
		return ErrCircuitBreakerTriggered
	}
	return nil
}

// =========================================================================
// Netting batch primitive
// =========================================================================

// BatchLeaf is one net movement applied against a user's PnL sub-ledger.
type BatchLeaf struct {
	User   common.Address
	Amount fixedpoint.Money
	Debit  bool // true drains the user's PnL into the broker pool
}

// ApplyNetBatch applies a netted obligation set atomically. batchID is
// consumed through the refId set, so a replayed batch fails with
// ErrDuplicateRefID. Debits are validated against each user's PnL and
// credits against the pool (broker pool plus the batch's own debits)
// before anything is applied. A netting fee of NettingFeeBps on the
// savings (gross minus netted) is paid out of the pool into the insurance
// fund.
func (l *Ledger) ApplyNetBatch(batchID, vaultID common.Hash, leaves []BatchLeaf, gross, netted fixedpoint.Money) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StatePaused {
		return ErrLedgerPaused
	}
	if len(leaves) == 0 {
		return ErrZeroAmount
	}
	used, err := l.refs.Has(batchID)
	if err != nil {
		return err
	}
	if used {
		return ErrDuplicateRefID
	}

	var debits, credits fixedpoint.Money
	for _, leaf := range leaves {
		if leaf.Amount.IsZero() {
			return ErrZeroAmount
		}
		if leaf.Debit {
			acct := l.accounts[leaf.User]
			if acct == nil || acct.pnl < leaf.Amount {
				return fmt.Errorf("%w: debit %s from %s", ErrInsufficientBalance, leaf.Amount, leaf.User)
			}
			if debits, err = debits.Add(leaf.Amount); err != nil {
				return err
			}
		} else {
			var pnl fixedpoint.Money
			if acct := l.accounts[leaf.User]; acct != nil {
				pnl = acct.pnl
			}
			if _, err = pnl.Add(leaf.Amount); err != nil {
				return err
			}
			if credits, err = credits.Add(leaf.Amount); err != nil {
				return err
			}
		}
	}

	var fee fixedpoint.Money
	if gross >= netted {
		fee = (gross - netted).MulBps(l.params.NettingFeeBps)
	}

	pool, err := l.brokerPool.Add(debits)
	if err != nil {
		return err
	}
	need, err := credits.Add(fee)
	if err != nil {
		return err
	}
	if pool < need {
		return ErrBatchUnbalanced
	}
	if err := l.refs.Put(batchID); err != nil {
		return err
	}

	for _, leaf := range leaves {
		acct := l.getOrCreate(leaf.User)
		if leaf.Debit {
			acct.pnl -= leaf.Amount
		} else {
			acct.pnl += leaf.Amount
		}
	}
	l.brokerPool = pool - credits - fee
	l.insuranceFund += fee

	l.emit(BatchAppliedEvent{
		BatchID: batchID,
		VaultID: vaultID,
		Leaves:  len(leaves),
		Gross:   gross,
		Netted:  netted,
		Fee:     fee,
	})
	return nil
}
