// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// clearingd is the cross-venue clearing daemon: it wires the ledger, the
// price oracle, the position store, the equity engine, the settlement
// coordinator and the netting engine together and drives them from venue
// adapter streams.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/clearing/config"
	"github.com/luxfi/clearing/equity"
	"github.com/luxfi/clearing/fixedpoint"
	"github.com/luxfi/clearing/ledger"
	"github.com/luxfi/clearing/netting"
	"github.com/luxfi/clearing/oracle"
	"github.com/luxfi/clearing/position"
	"github.com/luxfi/clearing/schedule"
	"github.com/luxfi/clearing/settle"
	"github.com/luxfi/clearing/venue"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "clearingd",
		Short: "Cross-venue settlement and portfolio-margin engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "configs/config.yml", "path to config.yml")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// secrets come from the environment, optionally seeded by a .env file
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := log.NewTestLogger(log.InfoLevel)
	clock := schedule.WallClock{}

	engine, err := build(cfg, clock, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return engine.run(ctx)
}

// app owns every component for the daemon's lifetime.
type app struct {
	cfg    *config.Config
	log    log.Logger
	clock  schedule.Clock
	ledger *ledger.Ledger
	orc    *oracle.Oracle
	store  *position.Store
	eq     *equity.Engine
	coord  *settle.Coordinator
	net    *netting.Engine
	bus    *schedule.Bus
	venues []venue.Adapter
}

func build(cfg *config.Config, clock schedule.Clock, logger log.Logger) (*app, error) {
	vault := common.HexToAddress(cfg.Vault)

	// the refId set accepts any luxfi/database backend; deployments point
	// this at a persistent store so dedup survives restarts
	refs, err := ledger.NewDBRefStore(memdb.New())
	if err != nil {
		return nil, err
	}

	// stand-in token backend until the chain RPC wiring is configured
	token := ledger.NewMemToken(vault)

	led := ledger.New(token, vault, refs, clock, logger)
	led.SetParams(ledger.Params{
		WithdrawalCooldown:      cfg.Ledger.WithdrawalCooldownSec,
		UserDailyCap:            fixedpoint.Money(cfg.Ledger.UserDailyCap),
		GlobalDailyCap:          fixedpoint.Money(cfg.Ledger.GlobalDailyCap),
		CircuitBreakerThreshold: fixedpoint.Money(cfg.Ledger.CircuitBreakerThreshold),
		CircuitBreakerWindow:    cfg.Ledger.CircuitBreakerWindowSec,
		NettingFeeBps:           cfg.Ledger.NettingFeeBps,
	})

	orc := oracle.New(clock, logger)
	for symbol, oc := range cfg.Oracle {
		var feed oracle.Feed
		switch oc.Kind {
		case "expo":
			feed = oracle.NewExpoFeed(oc.URL, config.DefaultFeedTimeout)
		default:
			feed = oracle.NewAggregatorFeed(oc.URL, config.DefaultFeedTimeout)
		}
		orc.Configure(symbol, oracle.Config{
			Feed:           feed,
			MaxStaleness:   oc.MaxStalenessSec,
			PriceBandBps:   oc.PriceBandBps,
			MaxFallbackAge: oc.MaxFallbackSec,
		})
	}
	led.AddGuard(orc)

	store := position.NewStore(logger)
	hb := schedule.NewHeartbeats(clock, cfg.Equity.HeartbeatSec)
	eq := equity.New(store, led, oracleMarks{orc}, clock, hb, logger)
	eq.SetParams(equity.Params{
		HaircutBps:        cfg.Equity.HaircutBps,
		OverspendAlphaBps: cfg.Equity.OverspendAlphaBps,
		DebounceMillis:    cfg.Equity.DebounceMillis,
		TriggerBps:        cfg.Equity.TriggerBps,
	})

	a := &app{
		cfg:   cfg,
		log:   logger,
		clock: clock,
		ledger: led,
		orc:   orc,
		store: store,
		eq:    eq,
		net:   netting.NewEngine(led, logger),
		bus:   schedule.NewBus(schedule.DefaultQueueSize, logger),
	}
	a.coord = settle.New(led, a, clock, logger)
	store.OnClose(a.coord.OnPositionClosed)

	// ledger events fan out on the bus for operator tooling; a slow
	// consumer must not stall a settlement primitive, so drops are logged
	led.SetSink(func(ev ledger.Event) {
		if !a.bus.TryPublish(ev) {
			logger.Warn("event bus saturated", "event", fmt.Sprintf("%T", ev))
		}
	})

	for _, vc := range cfg.Venues {
		adapter, err := venue.New(venue.AdapterConfig{
			Name:     vc.Name,
			Kind:     vc.Kind,
			Endpoint: vc.Endpoint,
			Symbols:  vc.Symbols,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.venues = append(a.venues, adapter)
	}
	eq.SetSink(a)
	return a, nil
}

// oracleMarks adapts the oracle to the equity engine's price view.
type oracleMarks struct {
	orc *oracle.Oracle
}

func (o oracleMarks) ValidatedPrice(instrument string) (fixedpoint.Price, error) {
	v, err := o.orc.GetValidatedPrice(instrument)
	if err != nil {
		return 0, err
	}
	return v.Price, nil
}

func (a *app) adapter(name string) venue.Adapter {
	for _, ad := range a.venues {
		if ad.Name() == name {
			return ad
		}
	}
	return nil
}

// OnVenueUpdate pushes a sequenced equity target to its venue.
func (a *app) OnVenueUpdate(u equity.VenueUpdate) {
	ad := a.adapter(u.Venue)
	if ad == nil {
		a.log.Warn("no adapter for venue update", "venue", u.Venue)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := ad.SetUserBalance(ctx, u.User, u.Equity, u.Seq); err != nil {
		a.log.Warn("venue update rejected", "venue", u.Venue, "seq", u.Seq, "err", err)
	}
}

// OnFreeze relays a freeze intent.
func (a *app) OnFreeze(f equity.FreezeIntent) {
	ad := a.adapter(f.Venue)
	if ad == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ad.FreezeNewOrders(ctx, f.User); err != nil {
		a.log.Warn("freeze intent failed", "venue", f.Venue, "err", err)
	}
}

// ForwardCover satisfies the settlement coordinator's venue forwarding.
func (a *app) ForwardCover(venueName string, user common.Address, amount fixedpoint.Money) error {
	// venue payout rails are deployment-specific; the broker pool holds
	// the covered funds until the operator releases them
	a.log.Info("shortfall cover ready", "venue", venueName, "user", user, "amount", amount)
	return nil
}

func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, ad := range a.venues {
		ad := ad
		vc := a.venueConfig(ad.Name())
		g.Go(func() error {
			if err := ad.Connect(ctx, vc.Symbols); err != nil {
				return err
			}
			return a.consume(ctx, ad)
		})
	}

	g.Go(func() error { return a.tick(ctx, 200*time.Millisecond, func() { a.eq.FlushDue() }) })
	g.Go(func() error { return a.tick(ctx, time.Second, func() { a.coord.Pump() }) })
	g.Go(func() error { return a.tick(ctx, time.Minute, func() { a.eq.PollHeartbeats() }) })
	g.Go(func() error {
		return a.tick(ctx, time.Duration(a.cfg.Netting.IntervalSec)*time.Second, func() {
			if _, err := a.net.Run(); err != nil {
				a.log.Error("netting window failed", "err", err)
			}
		})
	})
	g.Go(func() error {
		return a.tick(ctx, time.Minute, func() {
			if err := a.ledger.CheckInvariant(); err != nil {
				a.log.Error("invariant check failed, ledger paused", "err", err)
			}
		})
	})

	a.log.Info("clearingd running", "venues", len(a.venues))
	err := g.Wait()
	for _, ad := range a.venues {
		ad.Close()
	}
	a.bus.Close()
	return err
}

func (a *app) venueConfig(name string) config.VenueYAML {
	for _, vc := range a.cfg.Venues {
		if vc.Name == name {
			return vc
		}
	}
	return config.VenueYAML{}
}

// consume drains one adapter's streams into the core.
func (a *app) consume(ctx context.Context, ad venue.Adapter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-ad.PriceStream():
			if !ok {
				return nil
			}
			a.eq.OnPrice(u.Symbol, u.Mid())
		case ev, ok := <-ad.PositionStream():
			if !ok {
				return nil
			}
			switch {
			case ev.Update != nil:
				a.store.ApplyDelta(*ev.Update)
				a.eq.Trigger(ev.Update.Key.User, equity.TriggerPositionChange)
			case ev.Close != nil:
				a.store.ApplyClose(*ev.Close)
				a.eq.Trigger(ev.Close.User, equity.TriggerPositionChange)
			}
		}
	}
}

func (a *app) tick(ctx context.Context, every time.Duration, fn func()) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}
