// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(4, log.NewTestLogger(log.InfoLevel))
	sub := bus.Subscribe()

	require.NoError(t, bus.Publish(context.Background(), "hello"))
	require.Equal(t, "hello", <-sub)
}

func TestBus_BackpressureBlocks(t *testing.T) {
	bus := NewBus(1, log.NewTestLogger(log.InfoLevel))
	sub := bus.Subscribe()

	require.NoError(t, bus.Publish(context.Background(), 1))
	// queue full: publish must respect cancellation rather than drop
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Equal(t, 1, <-sub)
}

func TestBus_TryPublish(t *testing.T) {
	bus := NewBus(1, log.NewTestLogger(log.InfoLevel))
	_ = bus.Subscribe()

	require.True(t, bus.TryPublish(1))
	require.False(t, bus.TryPublish(2))
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(1, log.NewTestLogger(log.InfoLevel))
	sub := bus.Subscribe()
	bus.Close()

	_, open := <-sub
	require.False(t, open)
	require.ErrorIs(t, bus.Publish(context.Background(), 1), ErrBusClosed)
}

func TestFakeClock(t *testing.T) {
	c := NewFakeClock(1000)
	require.EqualValues(t, 1000, c.Now())
	c.Advance(86400)
	require.EqualValues(t, 87400, c.Now())
	c.Set(5)
	require.EqualValues(t, 5, c.Now())
}

func TestHeartbeats_DueAfterQuietInterval(t *testing.T) {
	clock := NewFakeClock(0)
	hb := NewHeartbeats(clock, 300)
	user := common.HexToAddress("0x1111111111111111111111111111111111111111")

	hb.Touch(user)
	require.Empty(t, hb.Due())

	clock.Advance(299)
	require.Empty(t, hb.Due())

	clock.Advance(1)
	due := hb.Due()
	require.Len(t, due, 1)
	require.Equal(t, user, due[0])

	// reported once per interval
	require.Empty(t, hb.Due())
}

func TestHeartbeats_TouchResets(t *testing.T) {
	clock := NewFakeClock(0)
	hb := NewHeartbeats(clock, 300)
	user := common.HexToAddress("0x2222222222222222222222222222222222222222")

	hb.Touch(user)
	clock.Advance(200)
	hb.Touch(user) // other trigger fired; heartbeat countdown restarts
	clock.Advance(200)
	require.Empty(t, hb.Due())
	clock.Advance(100)
	require.Len(t, hb.Due(), 1)
}
