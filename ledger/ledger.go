// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledger implements the authoritative settlement ledger: per-user
// collateral and PnL sub-ledgers, the broker pool, the insurance fund, the
// socialized-loss tally, reference-ID dedup, daily withdrawal caps, the
// withdrawal cooldown and the settlement-volume circuit breaker.
//
// The ledger is the only component that mutates money. Every primitive is
// atomic: all checks run before any mutation, and a single owner mutex
// serializes primitives so money movements are totally ordered without any
// caller-side locking.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/clearing/fixedpoint"
	"github.com/luxfi/clearing/schedule"
)

// Operational states.
const (
	StateActive OperationalState = iota
	StatePaused
)

// OperationalState is the ledger's pause machine state.
type OperationalState uint8

// Default parameters.
const (
	DefaultCircuitBreakerWindow int64 = 3600 // seconds
	SecondsPerDay               int64 = 86_400
)

// Validation and control-flow errors.
var (
	ErrZeroAmount              = errors.New("ledger: zero amount")
	ErrInsufficientBalance     = errors.New("ledger: insufficient balance")
	ErrInsufficientBrokerPool  = errors.New("ledger: insufficient broker pool")
	ErrInsufficientInsurance   = errors.New("ledger: insufficient insurance fund")
	ErrExceedsUserDailyCap     = errors.New("ledger: exceeds user daily cap")
	ErrExceedsGlobalDailyCap   = errors.New("ledger: exceeds global daily cap")
	ErrWithdrawalCooldown      = errors.New("ledger: withdrawal cooldown active")
	ErrDuplicateRefID          = errors.New("ledger: duplicate reference id")
	ErrLedgerPaused            = errors.New("ledger: paused")
	ErrCircuitBreakerTriggered = errors.New("ledger: circuit breaker triggered")
	ErrInvariantViolation      = errors.New("ledger: balance invariant violated")
	ErrUnauthorized            = errors.New("ledger: unauthorized")
	ErrBatchUnbalanced         = errors.New("ledger: net batch cannot be funded")
)

// Guard is consulted by symbol-guarded settlement primitives before any
// refId insertion or state mutation. The price oracle satisfies it.
type Guard interface {
	CheckSymbol(symbol string, now int64) error
}

// Params holds the operator-tunable ledger parameters. Zero values switch
// the corresponding control off, except CircuitBreakerWindow, where zero
// selects DefaultCircuitBreakerWindow.
type Params struct {
	WithdrawalCooldown      int64            // seconds since last deposit
	UserDailyCap            fixedpoint.Money // per-user withdrawn per day
	GlobalDailyCap          fixedpoint.Money // global withdrawn per day
	CircuitBreakerThreshold fixedpoint.Money // rolling settled volume
	CircuitBreakerWindow    int64            // seconds
	NettingFeeBps           uint64           // fee on netting savings -> insurance
}

// account is a user's pair of unsigned sub-ledgers.
type account struct {
	collateral       fixedpoint.Money
	pnl              fixedpoint.Money
	lastDeposit      int64
	dailyWithdrawn   fixedpoint.Money
	dailyWithdrawDay int64
}

type breakerRecord struct {
	ts     int64
	amount fixedpoint.Money
}

// Ledger is the single-owner settlement state machine.
type Ledger struct {
	mu sync.RWMutex

	clock schedule.Clock
	log   log.Logger
	token StableToken
	vault common.Address
	refs  RefStore

	state    OperationalState
	params   Params
	accounts map[common.Address]*account

	brokerPool     fixedpoint.Money
	insuranceFund  fixedpoint.Money
	socializedLoss fixedpoint.Money
	stableBalance  fixedpoint.Money // mirror of tokens held by the vault

	globalWithdrawn   fixedpoint.Money
	globalWithdrawDay int64

	breakerWindow []breakerRecord

	guards []Guard
	sink   func(Event)
	events []Event
}

// New creates a ledger over the given token vault, clock and refId store.
func New(token StableToken, vault common.Address, refs RefStore, clock schedule.Clock, logger log.Logger) *Ledger {
	return &Ledger{
		clock:    clock,
		log:      logger,
		token:    token,
		vault:    vault,
		refs:     refs,
		state:    StateActive,
		accounts: make(map[common.Address]*account),
		params:   Params{CircuitBreakerWindow: DefaultCircuitBreakerWindow},
	}
}

// SetSink installs the event sink. Events are also retained in order for
// inspection regardless of sink.
func (l *Ledger) SetSink(sink func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// AddGuard registers a symbol guard consulted by guarded primitives.
func (l *Ledger) AddGuard(g Guard) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.guards = append(l.guards, g)
}

// SetParams replaces the tunable parameters.
func (l *Ledger) SetParams(p Params) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.CircuitBreakerWindow == 0 {
		p.CircuitBreakerWindow = DefaultCircuitBreakerWindow
	}
	l.params = p
}

// GetParams returns the current parameters.
func (l *Ledger) GetParams() Params {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.params
}

func (l *Ledger) emit(ev Event) {
	l.events = append(l.events, ev)
	if l.sink != nil {
		l.sink(ev)
	}
}

// Events returns the retained event history.
func (l *Ledger) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *Ledger) getOrCreate(user common.Address) *account {
	acct := l.accounts[user]
	if acct == nil {
		acct = &account{}
		l.accounts[user] = acct
	}
	return acct
}

// =========================================================================
// User primitives
// =========================================================================

// DepositCollateral transfers amount in from the user and credits the
// collateral sub-ledger. First deposit creates the account.
func (l *Ledger) DepositCollateral(user common.Address, amount fixedpoint.Money) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StatePaused {
		return ErrLedgerPaused
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}

	acct := l.getOrCreate(user)
	newCollateral, err := acct.collateral.Add(amount)
	if err != nil {
		return err
	}
	newBalance, err := l.stableBalance.Add(amount)
	if err != nil {
		return err
	}
	if err := l.token.TransferFrom(user, l.vault, amount); err != nil {
		return fmt.Errorf("ledger: deposit transfer: %w", err)
	}

	now := l.clock.Now()
	acct.collateral = newCollateral
	acct.lastDeposit = now
	l.stableBalance = newBalance
	l.emit(DepositEvent{User: user, Amount: amount, Timestamp: now})
	return nil
}

// WithdrawCollateral debits the collateral sub-ledger and transfers out,
// honoring cooldown and daily caps.
func (l *Ledger) WithdrawCollateral(user common.Address, amount fixedpoint.Money) error {
	return l.withdraw(user, amount, false)
}

// WithdrawPnL debits the PnL sub-ledger and transfers out. This is the only
// primitive that reduces pnl on user demand.
func (l *Ledger) WithdrawPnL(user common.Address, amount fixedpoint.Money) error {
	return l.withdraw(user, amount, true)
}

func (l *Ledger) withdraw(user common.Address, amount fixedpoint.Money, fromPnL bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StatePaused {
		return ErrLedgerPaused
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	acct := l.accounts[user]
	if acct == nil {
		return ErrInsufficientBalance
	}

	balance := acct.collateral
	if fromPnL {
		balance = acct.pnl
	}
	newBalance, err := balance.Sub(amount)
	if err != nil {
		return ErrInsufficientBalance
	}

	now := l.clock.Now()
	if cd := l.params.WithdrawalCooldown; cd > 0 {
		if elapsed := now - acct.lastDeposit; elapsed < cd {
			return fmt.Errorf("%w: %ds remaining", ErrWithdrawalCooldown, cd-elapsed)
		}
	}
	if err := l.checkDailyCaps(acct, amount, now); err != nil {
		return err
	}

	newStable, err := l.stableBalance.Sub(amount)
	if err != nil {
		return ErrInvariantViolation
	}
	if err := l.token.Transfer(user, amount); err != nil {
		return fmt.Errorf("ledger: withdraw transfer: %w", err)
	}

	if fromPnL {
		acct.pnl = newBalance
	} else {
		acct.collateral = newBalance
	}
	l.stableBalance = newStable
	l.applyDailyCaps(acct, amount, now)
	l.emit(WithdrawEvent{User: user, Amount: amount, FromPnL: fromPnL, Timestamp: now})
	return nil
}

// checkDailyCaps validates both buckets without mutating them.
func (l *Ledger) checkDailyCaps(acct *account, amount fixedpoint.Money, now int64) error {
	today := now / SecondsPerDay

	if cap := l.params.UserDailyCap; cap > 0 {
		withdrawn := acct.dailyWithdrawn
		if acct.dailyWithdrawDay != today {
			withdrawn = 0
		}
		next, err := withdrawn.Add(amount)
		if err != nil || next > cap {
			return ErrExceedsUserDailyCap
		}
	}
	if cap := l.params.GlobalDailyCap; cap > 0 {
		withdrawn := l.globalWithdrawn
		if l.globalWithdrawDay != today {
			withdrawn = 0
		}
		next, err := withdrawn.Add(amount)
		if err != nil || next > cap {
			return ErrExceedsGlobalDailyCap
		}
	}
	return nil
}

// applyDailyCaps rolls the buckets and records the withdrawal.
func (l *Ledger) applyDailyCaps(acct *account, amount fixedpoint.Money, now int64) {
	today := now / SecondsPerDay
	if acct.dailyWithdrawDay != today {
		acct.dailyWithdrawDay = today
		acct.dailyWithdrawn = 0
	}
	acct.dailyWithdrawn += amount
	if l.globalWithdrawDay != today {
		l.globalWithdrawDay = today
		l.globalWithdrawn = 0
	}
	l.globalWithdrawn += amount
}

// =========================================================================
// Broker and insurance primitives
// =========================================================================

// BrokerDeposit funds the broker pool from the broker's token balance.
func (l *Ledger) BrokerDeposit(broker common.Address, amount fixedpoint.Money) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StatePaused {
		return ErrLedgerPaused
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	newPool, err := l.brokerPool.Add(amount)
	if err != nil {
		return err
	}
	newBalance, err := l.stableBalance.Add(amount)
	if err != nil {
		return err
	}
	if err := l.token.TransferFrom(broker, l.vault, amount); err != nil {
		return fmt.Errorf("ledger: broker deposit: %w", err)
	}
	l.brokerPool = newPool
	l.stableBalance = newBalance
	return nil
}

// BrokerWithdraw drains the broker pool back to the broker.
func (l *Ledger) BrokerWithdraw(broker common.Address, amount fixedpoint.Money) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StatePaused {
		return ErrLedgerPaused
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	newPool, err := l.brokerPool.Sub(amount)
	if err != nil {
		return ErrInsufficientBrokerPool
	}
	newBalance, err := l.stableBalance.Sub(amount)
	if err != nil {
		return ErrInvariantViolation
	}
	if err := l.token.Transfer(broker, amount); err != nil {
		return fmt.Errorf("ledger: broker withdraw: %w", err)
	}
	l.brokerPool = newPool
	l.stableBalance = newBalance
	return nil
}

// InsuranceDeposit funds the insurance fund from the operator.
func (l *Ledger) InsuranceDeposit(from common.Address, amount fixedpoint.Money) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount.IsZero() {
		return ErrZeroAmount
	}
	newFund, err := l.insuranceFund.Add(amount)
	if err != nil {
		return err
	}
	newBalance, err := l.stableBalance.Add(amount)
	if err != nil {
		return err
	}
	if err := l.token.TransferFrom(from, l.vault, amount); err != nil {
		return fmt.Errorf("ledger: insurance deposit: %w", err)
	}
	l.insuranceFund = newFund
	l.stableBalance = newBalance
	return nil
}

// InsuranceWithdraw drains the insurance fund to the operator.
func (l *Ledger) InsuranceWithdraw(to common.Address, amount fixedpoint.Money) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount.IsZero() {
		return ErrZeroAmount
	}
	newFund, err := l.insuranceFund.Sub(amount)
	if err != nil {
		return ErrInsufficientInsurance
	}
	newBalance, err := l.stableBalance.Sub(amount)
	if err != nil {
		return ErrInvariantViolation
	}
	if err := l.token.Transfer(to, amount); err != nil {
		return fmt.Errorf("ledger: insurance withdraw: %w", err)
	}
	l.insuranceFund = newFund
	l.stableBalance = newBalance
	return nil
}

// =========================================================================
// Pause machine
// =========================================================================

// Pause moves the ledger to Paused. View primitives keep working.
func (l *Ledger) Pause(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pauseLocked(reason)
}

func (l *Ledger) pauseLocked(reason string) {
	if l.state == StatePaused {
		return
	}
	l.state = StatePaused
	now := l.clock.Now()
	l.emit(PauseEvent{Paused: true, Reason: reason, Timestamp: now})
	l.log.Warn("ledger paused", "reason", reason)
}

// Unpause resumes operation after an administrative review.
func (l *Ledger) Unpause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateActive {
		return
	}
	l.state = StateActive
	l.emit(PauseEvent{Paused: false, Reason: "admin", Timestamp: l.clock.Now()})
	l.log.Info("ledger unpaused")
}

// State returns the operational state.
func (l *Ledger) State() OperationalState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// =========================================================================
// Views
// =========================================================================

// Collateral returns the user's collateral sub-ledger.
func (l *Ledger) Collateral(user common.Address) fixedpoint.Money {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if acct := l.accounts[user]; acct != nil {
		return acct.collateral
	}
	return 0
}

// PnL returns the user's PnL sub-ledger.
func (l *Ledger) PnL(user common.Address) fixedpoint.Money {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if acct := l.accounts[user]; acct != nil {
		return acct.pnl
	}
	return 0
}

// BrokerPool returns the broker pool balance.
func (l *Ledger) BrokerPool() fixedpoint.Money {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.brokerPool
}

// InsuranceFund returns the insurance fund balance.
func (l *Ledger) InsuranceFund() fixedpoint.Money {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.insuranceFund
}

// SocializedLoss returns the monotone socialized-loss tally.
func (l *Ledger) SocializedLoss() fixedpoint.Money {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.socializedLoss
}

// CheckInvariant recomputes the vault identity
//
//	Σ collateral + Σ pnl + brokerPool + insuranceFund = stableBalance
//
// and pauses the ledger fatally on mismatch.
func (l *Ledger) CheckInvariant() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sum := l.brokerPool
	var err error
	if sum, err = sum.Add(l.insuranceFund); err != nil {
		return err
	}
	for _, acct := range l.accounts {
		if sum, err = sum.Add(acct.collateral); err != nil {
			return err
		}
		if sum, err = sum.Add(acct.pnl); err != nil {
			return err
		}
	}
	if sum != l.stableBalance {
		l.pauseLocked("invariant violation")
		return fmt.Errorf("%w: ledgers sum %s, vault holds %s",
			ErrInvariantViolation, sum, l.stableBalance)
	}
	return nil
}
