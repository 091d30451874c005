// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/clearing/fixedpoint"
	"github.com/luxfi/clearing/position"
)

// Reconnect policy per the adapter contract.
const (
	reconnectBase     = time.Second
	reconnectCap      = 30 * time.Second
	reconnectAttempts = 10
	writeTimeout      = 10 * time.Second
	streamBuffer      = 256
)

func init() {
	Register("websocket", func(cfg AdapterConfig, logger log.Logger) (Adapter, error) {
		return NewWSAdapter(cfg, logger), nil
	})
}

// wire message envelopes shared with the venue gateway.
type wsMessage struct {
	Type       string      `json:"type"`
	Symbol     string      `json:"symbol,omitempty"`
	Bid        string      `json:"bid,omitempty"`
	Ask        string      `json:"ask,omitempty"`
	Timestamp  int64       `json:"ts,omitempty"`
	User       string      `json:"user,omitempty"`
	PositionID string      `json:"positionId,omitempty"`
	Instrument string      `json:"instrument,omitempty"`
	Side       string      `json:"side,omitempty"`
	Size       string      `json:"size,omitempty"`
	Entry      string      `json:"entry,omitempty"`
	Exit       string      `json:"exit,omitempty"`
	ClosedAt   int64       `json:"closedAt,omitempty"`
	Equity     string      `json:"equity,omitempty"`
	Seq        uint64      `json:"seq,omitempty"`
	Symbols    []string    `json:"symbols,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// WSAdapter speaks the engine's JSON protocol over a WebSocket to a venue
// gateway. It reconnects with exponential backoff and re-subscribes on
// resume; balance updates are gated by strictly increasing sequence.
type WSAdapter struct {
	cfg AdapterConfig
	log log.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols []string
	closed  bool

	prices    chan PriceUpdate
	positions chan PositionEvent

	acks    map[uint64]chan Ack
	applied map[common.Address]uint64
}

// NewWSAdapter builds an unconnected adapter.
func NewWSAdapter(cfg AdapterConfig, logger log.Logger) *WSAdapter {
	return &WSAdapter{
		cfg:       cfg,
		log:       logger,
		prices:    make(chan PriceUpdate, streamBuffer),
		positions: make(chan PositionEvent, streamBuffer),
		acks:      make(map[uint64]chan Ack),
		applied:   make(map[common.Address]uint64),
	}
}

func (a *WSAdapter) Name() string { return a.cfg.Name }

// Connect dials the gateway and starts the read loop. Dial failures back
// off exponentially up to the cap, giving up after the attempt budget.
func (a *WSAdapter) Connect(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	a.symbols = append([]string(nil), symbols...)
	a.mu.Unlock()

	delay := reconnectBase
	var lastErr error
	for attempt := 0; attempt < reconnectAttempts; attempt++ {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.Endpoint, nil)
		if err == nil {
			if err = a.subscribe(conn, symbols); err == nil {
				a.mu.Lock()
				a.conn = conn
				a.mu.Unlock()
				go a.readLoop(ctx, conn)
				return nil
			}
			conn.Close()
		}
		lastErr = err
		a.log.Warn("venue dial failed", "venue", a.cfg.Name, "attempt", attempt+1, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectCap {
			delay = reconnectCap
		}
	}
	return fmt.Errorf("%w: connect %s: %v", ErrTransient, a.cfg.Name, lastErr)
}

func (a *WSAdapter) subscribe(conn *websocket.Conn, symbols []string) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(wsMessage{Type: "subscribe", Symbols: symbols})
}

func (a *WSAdapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			a.mu.Lock()
			closed := a.closed
			a.conn = nil
			symbols := a.symbols
			a.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			a.log.Warn("venue stream dropped, reconnecting", "venue", a.cfg.Name, "err", err)
			if err := a.Connect(ctx, symbols); err != nil {
				a.log.Error("venue reconnect exhausted", "venue", a.cfg.Name, "err", err)
			}
			return
		}
		a.dispatch(msg)
	}
}

func (a *WSAdapter) dispatch(msg wsMessage) {
	switch msg.Type {
	case "price":
		bid, errB := parsePrice(msg.Bid)
		ask, errA := parsePrice(msg.Ask)
		if errB != nil || errA != nil {
			a.log.Warn("venue price unparseable", "venue", a.cfg.Name, "symbol", msg.Symbol)
			return
		}
		a.offerPrice(PriceUpdate{
			Symbol:    msg.Symbol,
			Bid:       bid,
			Ask:       ask,
			Timestamp: msg.Timestamp,
			Venue:     a.cfg.Name,
		})
	case "position":
		p, err := a.parsePosition(msg)
		if err != nil {
			a.log.Warn("venue position unparseable", "venue", a.cfg.Name, "err", err)
			return
		}
		a.offerPosition(PositionEvent{Update: &p})
	case "close":
		ev, err := a.parseClose(msg)
		if err != nil {
			a.log.Warn("venue close unparseable", "venue", a.cfg.Name, "err", err)
			return
		}
		a.offerPosition(PositionEvent{Close: &ev})
	case "ack":
		a.mu.Lock()
		ch := a.acks[msg.Seq]
		delete(a.acks, msg.Seq)
		a.mu.Unlock()
		if ch != nil {
			ch <- Ack{Seq: msg.Seq}
		}
	default:
		a.log.Debug("venue message ignored", "venue", a.cfg.Name, "type", msg.Type)
	}
}

// offerPrice drops nothing: a full buffer blocks the read loop, which is
// the backpressure the core expects from adapters.
func (a *WSAdapter) offerPrice(u PriceUpdate)      { a.prices <- u }
func (a *WSAdapter) offerPosition(e PositionEvent) { a.positions <- e }

func (a *WSAdapter) parsePosition(msg wsMessage) (position.Position, error) {
	size, err := parseMoney(msg.Size)
	if err != nil {
		return position.Position{}, err
	}
	entry, err := parsePrice(msg.Entry)
	if err != nil {
		return position.Position{}, err
	}
	return position.Position{
		Key: position.Key{
			User:       common.HexToAddress(msg.User),
			Venue:      a.cfg.Name,
			Instrument: msg.Instrument,
		},
		Side:       parseSide(msg.Side),
		Size:       size,
		EntryPrice: entry,
	}, nil
}

func (a *WSAdapter) parseClose(msg wsMessage) (position.CloseEvent, error) {
	size, err := parseMoney(msg.Size)
	if err != nil {
		return position.CloseEvent{}, err
	}
	entry, err := parsePrice(msg.Entry)
	if err != nil {
		return position.CloseEvent{}, err
	}
	exit, err := parsePrice(msg.Exit)
	if err != nil {
		return position.CloseEvent{}, err
	}
	return position.CloseEvent{
		User:       common.HexToAddress(msg.User),
		Venue:      a.cfg.Name,
		PositionID: msg.PositionID,
		Instrument: msg.Instrument,
		Side:       parseSide(msg.Side),
		Size:       size,
		EntryPrice: entry,
		ExitPrice:  exit,
		ClosedAt:   msg.ClosedAt,
	}, nil
}

func (a *WSAdapter) PriceStream() <-chan PriceUpdate      { return a.prices }
func (a *WSAdapter) PositionStream() <-chan PositionEvent { return a.positions }

// SetUserBalance writes the sequenced equity target and waits for the
// gateway's ack. Stale sequences are rejected locally without a write.
func (a *WSAdapter) SetUserBalance(ctx context.Context, user common.Address, equity fixedpoint.Money, seq uint64) (Ack, error) {
	a.mu.Lock()
	if seq <= a.applied[user] {
		a.mu.Unlock()
		return Ack{}, ErrStaleSequence
	}
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return Ack{}, ErrNotConnected
	}
	ch := make(chan Ack, 1)
	a.acks[seq] = ch
	a.mu.Unlock()

	msg := wsMessage{
		Type:   "set_balance",
		User:   user.Hex(),
		Equity: formatMoney(equity),
		Seq:    seq,
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		a.mu.Lock()
		delete(a.acks, seq)
		a.mu.Unlock()
		return Ack{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	select {
	case ack := <-ch:
		a.mu.Lock()
		if seq > a.applied[user] {
			a.applied[user] = seq
		}
		a.mu.Unlock()
		return ack, nil
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.acks, seq)
		a.mu.Unlock()
		return Ack{}, fmt.Errorf("%w: ack timeout", ErrTransient)
	}
}

// FreezeNewOrders asks the venue to reject new orders for user.
func (a *WSAdapter) FreezeNewOrders(ctx context.Context, user common.Address) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(wsMessage{Type: "freeze", User: user.Hex()}); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

// Close tears down the connection and stops reconnects.
func (a *WSAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.conn != nil {
		err := a.conn.Close()
		a.conn = nil
		return err
	}
	return nil
}

// =========================================================================
// Wire number parsing
// =========================================================================

func parseMoney(s string) (fixedpoint.Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	scaled := d.Mul(decimal.New(1, fixedpoint.MoneyDecimals))
	if scaled.IsNegative() || !scaled.IsInteger() {
		return 0, fmt.Errorf("venue: amount %q out of range", s)
	}
	return fixedpoint.Money(scaled.IntPart()), nil
}

func parsePrice(s string) (fixedpoint.Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	scaled := d.Mul(decimal.New(1, fixedpoint.PriceDecimals))
	if scaled.Sign() <= 0 {
		return 0, fmt.Errorf("venue: price %q not positive", s)
	}
	return fixedpoint.Price(scaled.Truncate(0).IntPart()), nil
}

func formatMoney(m fixedpoint.Money) string {
	return decimal.New(int64(m), -fixedpoint.MoneyDecimals).String()
}

func parseSide(s string) position.Side {
	if s == "short" {
		return position.Short
	}
	return position.Long
}
