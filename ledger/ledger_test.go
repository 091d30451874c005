// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"testing"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/clearing/schedule"
)

var (
	testVault  = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	testBroker = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	testAdmin  = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	userA      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	userB      = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func ref(b byte) common.Hash { return common.Hash{31: b} }

type fixture struct {
	ledger *Ledger
	token  *MemToken
	clock  *schedule.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := schedule.NewFakeClock(1_700_000_000)
	token := NewMemToken(testVault)
	token.Mint(userA, 1_000_000_000_000)
	token.Mint(userB, 1_000_000_000_000)
	token.Mint(testBroker, 1_000_000_000_000)
	token.Mint(testAdmin, 1_000_000_000_000)
	l := New(token, testVault, NewMemRefStore(), clock, log.NewTestLogger(log.InfoLevel))
	return &fixture{ledger: l, token: token, clock: clock}
}

func (f *fixture) requireInvariant(t *testing.T) {
	t.Helper()
	require.NoError(t, f.ledger.CheckInvariant())
	held, err := f.token.BalanceOf(testVault)
	require.NoError(t, err)
	require.Equal(t, held, f.ledger.stableBalance)
}

func TestDepositWithdrawCollateral(t *testing.T) {
	f := newFixture(t)

	require.ErrorIs(t, f.ledger.DepositCollateral(userA, 0), ErrZeroAmount)
	require.NoError(t, f.ledger.DepositCollateral(userA, 500_000_000))
	require.EqualValues(t, 500_000_000, f.ledger.Collateral(userA))
	f.requireInvariant(t)

	// withdraw exactly at balance succeeds
	require.NoError(t, f.ledger.WithdrawCollateral(userA, 500_000_000))
	require.EqualValues(t, 0, f.ledger.Collateral(userA))
	f.requireInvariant(t)

	// one unit beyond fails
	require.NoError(t, f.ledger.DepositCollateral(userA, 100))
	require.ErrorIs(t, f.ledger.WithdrawCollateral(userA, 101), ErrInsufficientBalance)
}

func TestWithdrawalCooldownBoundary(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetParams(Params{WithdrawalCooldown: 3600})

	require.NoError(t, f.ledger.DepositCollateral(userA, 1_000_000))

	f.clock.Advance(3599)
	err := f.ledger.WithdrawCollateral(userA, 1_000_000)
	require.ErrorIs(t, err, ErrWithdrawalCooldown)

	f.clock.Advance(1)
	require.NoError(t, f.ledger.WithdrawCollateral(userA, 1_000_000))
}

func TestDailyCaps(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetParams(Params{UserDailyCap: 1_000_000, GlobalDailyCap: 1_500_000})

	require.NoError(t, f.ledger.DepositCollateral(userA, 10_000_000))
	require.NoError(t, f.ledger.DepositCollateral(userB, 10_000_000))

	require.NoError(t, f.ledger.WithdrawCollateral(userA, 900_000))
	require.ErrorIs(t, f.ledger.WithdrawCollateral(userA, 200_000), ErrExceedsUserDailyCap)
	require.NoError(t, f.ledger.WithdrawCollateral(userA, 100_000))

	// userB is under its own cap but pushes the global bucket over
	require.ErrorIs(t, f.ledger.WithdrawCollateral(userB, 600_000), ErrExceedsGlobalDailyCap)
	require.NoError(t, f.ledger.WithdrawCollateral(userB, 500_000))

	// next day both buckets reset to the full cap
	f.clock.Advance(SecondsPerDay)
	require.NoError(t, f.ledger.WithdrawCollateral(userA, 1_000_000))
	f.requireInvariant(t)
}

// S1: successful credit, then duplicate refId leaves balances untouched.
func TestCreditPnlAndDedup(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ledger.BrokerDeposit(testBroker, 1_000_000))
	require.NoError(t, f.ledger.CreditPnl(userA, 250_000, ref(0x01)))
	require.EqualValues(t, 250_000, f.ledger.PnL(userA))
	require.EqualValues(t, 750_000, f.ledger.BrokerPool())

	err := f.ledger.CreditPnl(userA, 999, ref(0x01))
	require.ErrorIs(t, err, ErrDuplicateRefID)
	require.EqualValues(t, 250_000, f.ledger.PnL(userA))
	require.EqualValues(t, 750_000, f.ledger.BrokerPool())
	f.requireInvariant(t)

	require.ErrorIs(t, f.ledger.CreditPnl(userA, 1_000_000, ref(0x02)), ErrInsufficientBrokerPool)
}

func TestSeizeCollateral(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.DepositCollateral(userA, 1_000_000))

	require.NoError(t, f.ledger.SeizeCollateral(userA, 400_000, ref(0x10)))
	require.EqualValues(t, 600_000, f.ledger.Collateral(userA))
	require.EqualValues(t, 400_000, f.ledger.BrokerPool())

	require.ErrorIs(t, f.ledger.SeizeCollateral(userA, 400_000, ref(0x10)), ErrDuplicateRefID)
	require.ErrorIs(t, f.ledger.SeizeCollateral(userA, 700_000, ref(0x11)), ErrInsufficientBalance)
	f.requireInvariant(t)
}

// S2: capped seize fully covered by insurance.
func TestSeizeCappedInsuranceCovers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.DepositCollateral(userA, 80))
	require.NoError(t, f.ledger.InsuranceDeposit(testAdmin, 50))

	seized, shortfall, err := f.ledger.SeizeCollateralCapped(userA, 100, ref(0x02))
	require.NoError(t, err)
	require.EqualValues(t, 80, seized)
	require.EqualValues(t, 20, shortfall)
	require.EqualValues(t, 30, f.ledger.InsuranceFund())
	require.EqualValues(t, 100, f.ledger.BrokerPool())
	require.EqualValues(t, 0, f.ledger.SocializedLoss())

	var found bool
	for _, ev := range f.ledger.Events() {
		if sf, ok := ev.(ShortfallEvent); ok {
			found = true
			require.EqualValues(t, 20, sf.Shortfall)
			require.EqualValues(t, 20, sf.CoveredByInsurance)
			require.EqualValues(t, 0, sf.Socialized)
		}
	}
	require.True(t, found, "expected shortfall event")
	f.requireInvariant(t)
}

// S3: capped seize with socialization once the fund is exhausted.
func TestSeizeCappedSocializes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.DepositCollateral(userA, 10))
	require.NoError(t, f.ledger.InsuranceDeposit(testAdmin, 5))

	seized, shortfall, err := f.ledger.SeizeCollateralCapped(userA, 50, ref(0x03))
	require.NoError(t, err)
	require.EqualValues(t, 10, seized)
	require.EqualValues(t, 40, shortfall)
	require.EqualValues(t, 0, f.ledger.InsuranceFund())
	require.EqualValues(t, 15, f.ledger.BrokerPool())
	require.EqualValues(t, 35, f.ledger.SocializedLoss())
	f.requireInvariant(t)

	// socialized loss is monotone: a second event only grows it
	seized, shortfall, err = f.ledger.SeizeCollateralCapped(userA, 7, ref(0x04))
	require.NoError(t, err)
	require.EqualValues(t, 0, seized)
	require.EqualValues(t, 7, shortfall)
	require.EqualValues(t, 42, f.ledger.SocializedLoss())
}

func TestSeizeCappedConsumesRefIDUnconditionally(t *testing.T) {
	f := newFixture(t)
	// no collateral, no insurance: nothing moves but the id burns
	_, _, err := f.ledger.SeizeCollateralCapped(userA, 50, ref(0x05))
	require.NoError(t, err)
	_, _, err = f.ledger.SeizeCollateralCapped(userA, 50, ref(0x05))
	require.ErrorIs(t, err, ErrDuplicateRefID)
}

// S4: breaker trips above the threshold and pauses the ledger.
func TestCircuitBreaker(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetParams(Params{CircuitBreakerThreshold: 1_000, CircuitBreakerWindow: 3600})
	require.NoError(t, f.ledger.BrokerDeposit(testBroker, 10_000))

	require.NoError(t, f.ledger.CreditPnl(userA, 400, ref(0x20)))
	f.clock.Advance(30)
	require.NoError(t, f.ledger.CreditPnl(userA, 400, ref(0x21)))
	f.clock.Advance(30)
	err := f.ledger.CreditPnl(userA, 400, ref(0x22))
	require.ErrorIs(t, err, ErrCircuitBreakerTriggered)
	require.Equal(t, StatePaused, f.ledger.State())

	// the failed primitive moved no money and burned no refId
	require.EqualValues(t, 800, f.ledger.PnL(userA))

	// paused state blocks everything but views and unpause
	require.ErrorIs(t, f.ledger.DepositCollateral(userA, 1), ErrLedgerPaused)
	require.ErrorIs(t, f.ledger.CreditPnl(userA, 1, ref(0x23)), ErrLedgerPaused)

	f.ledger.Unpause()
	// the old records age out of the window
	f.clock.Advance(3700)
	require.NoError(t, f.ledger.CreditPnl(userA, 400, ref(0x22)))
	f.requireInvariant(t)
}

func TestCircuitBreakerExactThresholdPasses(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetParams(Params{CircuitBreakerThreshold: 1_000, CircuitBreakerWindow: 3600})
	require.NoError(t, f.ledger.BrokerDeposit(testBroker, 10_000))

	require.NoError(t, f.ledger.CreditPnl(userA, 600, ref(0x30)))
	require.NoError(t, f.ledger.CreditPnl(userA, 400, ref(0x31)))
	require.Equal(t, StateActive, f.ledger.State())
}

func TestPnLWithdrawOnly(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.BrokerDeposit(testBroker, 1_000_000))
	require.NoError(t, f.ledger.CreditPnl(userA, 300_000, ref(0x40)))

	require.NoError(t, f.ledger.WithdrawPnL(userA, 300_000))
	require.EqualValues(t, 0, f.ledger.PnL(userA))
	bal, err := f.token.BalanceOf(userA)
	require.NoError(t, err)
	require.EqualValues(t, 1_000_000_300_000, bal)
	f.requireInvariant(t)
}

func TestGuardShortCircuitsBeforeRefID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.BrokerDeposit(testBroker, 1_000_000))
	f.ledger.AddGuard(guardFunc(func(symbol string, now int64) error {
		return ErrUnauthorized
	}))

	err := f.ledger.CreditPnlGuarded(userA, 100, ref(0x50), "BTC-USD")
	require.ErrorIs(t, err, ErrUnauthorized)

	// guard failure must not consume the refId
	f2 := f.ledger
	f2.guards = nil
	require.NoError(t, f2.CreditPnlGuarded(userA, 100, ref(0x50), "BTC-USD"))
}

type guardFunc func(symbol string, now int64) error

func (g guardFunc) CheckSymbol(symbol string, now int64) error { return g(symbol, now) }

func TestApplyNetBatch(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.BrokerDeposit(testBroker, 1_000))
	require.NoError(t, f.ledger.CreditPnl(userB, 60, ref(0x60)))

	batchID := ref(0x70)
	vaultID := ref(0x71)
	leaves := []BatchLeaf{
		{User: userA, Amount: 70, Debit: false},
		{User: userB, Amount: 60, Debit: true},
		{User: common.HexToAddress("0x3333333333333333333333333333333333333333"), Amount: 10, Debit: false},
	}
	require.NoError(t, f.ledger.ApplyNetBatch(batchID, vaultID, leaves, 200, 140))

	require.EqualValues(t, 70, f.ledger.PnL(userA))
	require.EqualValues(t, 0, f.ledger.PnL(userB))
	f.requireInvariant(t)

	// replay fails and changes nothing
	err := f.ledger.ApplyNetBatch(batchID, vaultID, leaves, 200, 140)
	require.ErrorIs(t, err, ErrDuplicateRefID)
}

func TestApplyNetBatchValidatesBeforeMutation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.BrokerDeposit(testBroker, 5))

	leaves := []BatchLeaf{
		{User: userA, Amount: 50, Debit: false},
		{User: userB, Amount: 10, Debit: true}, // userB has no PnL
	}
	err := f.ledger.ApplyNetBatch(ref(0x80), ref(0x81), leaves, 60, 60)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.EqualValues(t, 0, f.ledger.PnL(userA))

	// a batch the pool cannot fund is rejected whole
	leaves = []BatchLeaf{{User: userA, Amount: 50, Debit: false}}
	err = f.ledger.ApplyNetBatch(ref(0x82), ref(0x83), leaves, 50, 50)
	require.ErrorIs(t, err, ErrBatchUnbalanced)
	f.requireInvariant(t)
}

func TestNettingFeeFundsInsurance(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetParams(Params{NettingFeeBps: 100}) // 1% of savings
	require.NoError(t, f.ledger.BrokerDeposit(testBroker, 100_000))

	leaves := []BatchLeaf{{User: userA, Amount: 1_000, Debit: false}}
	require.NoError(t, f.ledger.ApplyNetBatch(ref(0x90), ref(0x91), leaves, 20_000, 10_000))
	require.EqualValues(t, 100, f.ledger.InsuranceFund())
	f.requireInvariant(t)
}

func TestInvariantViolationPausesFatally(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.DepositCollateral(userA, 1_000))

	// corrupt the mirror to simulate a defect
	f.ledger.mu.Lock()
	f.ledger.stableBalance++
	f.ledger.mu.Unlock()

	require.ErrorIs(t, f.ledger.CheckInvariant(), ErrInvariantViolation)
	require.Equal(t, StatePaused, f.ledger.State())
}
