// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settle

import (
	"testing"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/clearing/fixedpoint"
	"github.com/luxfi/clearing/ledger"
	"github.com/luxfi/clearing/position"
	"github.com/luxfi/clearing/schedule"
)

var (
	vault  = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	broker = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	trader = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func usd(units uint64) fixedpoint.Money { return fixedpoint.Money(units * fixedpoint.MoneyScale) }
func px(units uint64) fixedpoint.Price  { return fixedpoint.Price(units * fixedpoint.PriceScale) }

var admin = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")

func newCoordinator(t *testing.T) (*Coordinator, *ledger.Ledger, *schedule.FakeClock) {
	t.Helper()
	clock := schedule.NewFakeClock(1_700_000_000)
	token := ledger.NewMemToken(vault)
	token.Mint(trader, usd(1_000_000))
	token.Mint(broker, usd(1_000_000))
	token.Mint(admin, usd(1_000_000))
	l := ledger.New(token, vault, ledger.NewMemRefStore(), clock, log.NewTestLogger(log.InfoLevel))
	c := New(l, nil, clock, log.NewTestLogger(log.InfoLevel))
	return c, l, clock
}

func closeEvent(id string, entry, exit fixedpoint.Price, side position.Side) position.CloseEvent {
	return position.CloseEvent{
		User:       trader,
		Venue:      "kraken",
		PositionID: id,
		Instrument: "BTC-PERP",
		Side:       side,
		Size:       usd(1),
		EntryPrice: entry,
		ExitPrice:  exit,
	}
}

func TestRefIDs_Deterministic(t *testing.T) {
	a := PositionCloseRefID("kraken", "pos-1")
	b := PositionCloseRefID("kraken", "pos-1")
	require.Equal(t, a, b)
	require.NotEqual(t, a, PositionCloseRefID("kraken", "pos-2"))
	require.NotEqual(t, a, ShortfallRefID("kraken", "pos-1"))

	root := common.Hash{0x42}
	require.NotEqual(t, BatchRefID(root, 1), BatchRefID(root, 2))
}

func TestOnPositionClosed_ProfitCredits(t *testing.T) {
	c, l, _ := newCoordinator(t)
	require.NoError(t, l.BrokerDeposit(broker, usd(10_000)))

	// long closed 2000 above entry: +2000
	c.OnPositionClosed(closeEvent("pos-1", px(40_000), px(42_000), position.Long))

	require.Equal(t, usd(2_000), l.PnL(trader))
	require.Equal(t, usd(8_000), l.BrokerPool())
	require.EqualValues(t, 1, c.Snapshot().CreditsSettled)
}

func TestOnPositionClosed_LossSeizes(t *testing.T) {
	c, l, _ := newCoordinator(t)
	require.NoError(t, l.DepositCollateral(trader, usd(5_000)))

	// long closed 2000 below entry: -2000
	c.OnPositionClosed(closeEvent("pos-2", px(40_000), px(38_000), position.Long))

	require.Equal(t, usd(3_000), l.Collateral(trader))
	require.Equal(t, usd(2_000), l.BrokerPool())
}

func TestOnPositionClosed_ReplayDroppedSilently(t *testing.T) {
	c, l, _ := newCoordinator(t)
	require.NoError(t, l.BrokerDeposit(broker, usd(10_000)))

	ev := closeEvent("pos-3", px(40_000), px(41_000), position.Long)
	c.OnPositionClosed(ev)
	c.OnPositionClosed(ev)

	require.Equal(t, usd(1_000), l.PnL(trader))
	m := c.Snapshot()
	require.EqualValues(t, 1, m.CreditsSettled)
	require.EqualValues(t, 1, m.DuplicatesDropped)
	require.Empty(t, c.OperatorQueue())
}

func TestOnPositionClosed_FlatIsNoop(t *testing.T) {
	c, l, _ := newCoordinator(t)
	c.OnPositionClosed(closeEvent("pos-4", px(40_000), px(40_000), position.Long))
	require.Equal(t, fixedpoint.Money(0), l.PnL(trader))
}

func TestRetryAfterPause(t *testing.T) {
	c, l, clock := newCoordinator(t)
	require.NoError(t, l.BrokerDeposit(broker, usd(10_000)))

	l.Pause("test")
	c.OnPositionClosed(closeEvent("pos-5", px(40_000), px(41_000), position.Long))
	require.Equal(t, 1, c.PendingRetries())
	require.Equal(t, fixedpoint.Money(0), l.PnL(trader))

	// backoff not yet elapsed: nothing attempted
	require.Zero(t, c.Pump())

	l.Unpause()
	clock.Advance(2)
	require.Equal(t, 1, c.Pump())
	require.Equal(t, usd(1_000), l.PnL(trader))
	require.Zero(t, c.PendingRetries())
}

func TestRetryExhaustionEscalates(t *testing.T) {
	c, l, clock := newCoordinator(t)
	require.NoError(t, l.BrokerDeposit(broker, usd(10_000)))
	c.SetRetryPolicy(1, 4, 2)

	l.Pause("stuck")
	c.OnPositionClosed(closeEvent("pos-6", px(40_000), px(41_000), position.Long))

	for i := 0; i < 5; i++ {
		clock.Advance(10)
		c.Pump()
	}
	require.Zero(t, c.PendingRetries())
	require.Len(t, c.OperatorQueue(), 1)
	require.EqualValues(t, 1, c.Snapshot().OperatorEscalation)
}

func TestValidationFailureEscalatesImmediately(t *testing.T) {
	c, l, _ := newCoordinator(t)
	// broker pool empty: credit fails with a validation error, not transient
	c.OnPositionClosed(closeEvent("pos-7", px(40_000), px(41_000), position.Long))
	require.Zero(t, c.PendingRetries())
	require.Len(t, c.OperatorQueue(), 1)
	require.Equal(t, fixedpoint.Money(0), l.PnL(trader))
}

func TestOnVenueShortfall(t *testing.T) {
	c, l, _ := newCoordinator(t)
	require.NoError(t, l.DepositCollateral(trader, usd(80)))

	require.NoError(t, l.InsuranceDeposit(admin, usd(50)))

	c.OnVenueShortfall(ShortfallClaim{
		User:    trader,
		Venue:   "kraken",
		ClaimID: "claim-1",
		Amount:  usd(100),
	})

	require.Equal(t, fixedpoint.Money(0), l.Collateral(trader))
	require.Equal(t, usd(100), l.BrokerPool())
	require.Equal(t, usd(30), l.InsuranceFund())

	// replayed claim settles nothing further
	c.OnVenueShortfall(ShortfallClaim{
		User:    trader,
		Venue:   "kraken",
		ClaimID: "claim-1",
		Amount:  usd(100),
	})
	require.Equal(t, usd(100), l.BrokerPool())
	require.EqualValues(t, 1, c.Snapshot().DuplicatesDropped)
}
