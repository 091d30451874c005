// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package fixedpoint implements the money and price arithmetic used by the
// clearing engine. Collateral and PnL amounts are unsigned 1e6 fixed point
// (Money); marks are unsigned 1e8 fixed point (Price). Every operation is
// checked; overflow and underflow surface as typed errors instead of
// wrapping.
package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Scales.
const (
	MoneyScale uint64 = 1_000_000     // 1e6, stable-token units
	PriceScale uint64 = 100_000_000   // 1e8, oracle units
	BpsDenom   uint64 = 10_000        // basis-point denominator
	MoneyDecimals      = 6
	PriceDecimals      = 8
)

var (
	ErrOverflow     = errors.New("fixedpoint: overflow")
	ErrUnderflow    = errors.New("fixedpoint: underflow")
	ErrDivByZero    = errors.New("fixedpoint: division by zero")
	ErrInvalidPrice = errors.New("fixedpoint: invalid price")
	ErrOutOfRange   = errors.New("fixedpoint: value out of range")
)

// Money is an unsigned collateral/PnL amount in 1e6 fixed point.
type Money uint64

// Price is an unsigned mark price in 1e8 fixed point.
type Price uint64

// MoneyFromUnits builds a Money from whole stable-token units.
func MoneyFromUnits(units uint64) (Money, error) {
	if units > (1<<64-1)/MoneyScale {
		return 0, ErrOverflow
	}
	return Money(units * MoneyScale), nil
}

// Add returns m+o, failing on wrap.
func (m Money) Add(o Money) (Money, error) {
	s := m + o
	if s < m {
		return 0, ErrOverflow
	}
	return s, nil
}

// Sub returns m-o, failing when o exceeds m.
func (m Money) Sub(o Money) (Money, error) {
	if o > m {
		return 0, ErrUnderflow
	}
	return m - o, nil
}

// MulBps scales m by bps/10000, rounding down.
func (m Money) MulBps(bps uint64) Money {
	var p, q uint256.Int
	p.SetUint64(uint64(m))
	q.SetUint64(bps)
	p.Mul(&p, &q)
	p.Div(&p, q.SetUint64(BpsDenom))
	// cannot exceed the input for bps <= 10000; wider bps still fits:
	// uint64 * uint64 / 1e4 < 2^128, truncated below
	return Money(p.Uint64())
}

// Min returns the smaller of m and o.
func (m Money) Min(o Money) Money {
	if o < m {
		return o
	}
	return m
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m == 0 }

func (m Money) String() string {
	return fmt.Sprintf("%d.%06d", uint64(m)/MoneyScale, uint64(m)%MoneyScale)
}

func (p Price) String() string {
	return fmt.Sprintf("%d.%08d", uint64(p)/PriceScale, uint64(p)%PriceScale)
}

// DeviationBps returns |a-b| * 10000 / b. A zero reference fails.
func DeviationBps(a, b Price) (uint64, error) {
	if b == 0 {
		return 0, ErrDivByZero
	}
	var diff uint64
	if a > b {
		diff = uint64(a - b)
	} else {
		diff = uint64(b - a)
	}
	var n, d uint256.Int
	n.SetUint64(diff)
	n.Mul(&n, d.SetUint64(BpsDenom))
	n.Div(&n, d.SetUint64(uint64(b)))
	if !n.IsUint64() {
		return 0, ErrOverflow
	}
	return n.Uint64(), nil
}

// NormalizeDecimals rescales a raw feed value quoted at d decimals into a
// 1e8 Price. Non-positive raw values are rejected.
func NormalizeDecimals(raw int64, decimals uint8) (Price, error) {
	if raw <= 0 {
		return 0, ErrInvalidPrice
	}
	var v, s uint256.Int
	v.SetUint64(uint64(raw))
	switch {
	case decimals < PriceDecimals:
		v.Mul(&v, s.SetUint64(pow10(PriceDecimals-int(decimals))))
	case decimals > PriceDecimals:
		v.Div(&v, s.SetUint64(pow10(int(decimals)-PriceDecimals)))
	}
	if !v.IsUint64() || v.IsZero() {
		if v.IsZero() {
			return 0, ErrInvalidPrice
		}
		return 0, ErrOverflow
	}
	return Price(v.Uint64()), nil
}

// NormalizeExpo rescales an expo-style (mantissa, expo) quote into a 1e8
// Price: price = mantissa * 10^(8+expo).
func NormalizeExpo(mantissa int64, expo int32) (Price, error) {
	if mantissa <= 0 {
		return 0, ErrInvalidPrice
	}
	shift := int(expo) + PriceDecimals
	var v, s uint256.Int
	v.SetUint64(uint64(mantissa))
	switch {
	case shift > 0:
		// mantissa >= 1, so any shift past 10^19 cannot fit a uint64 price
		if shift > 19 {
			return 0, ErrOverflow
		}
		v.Mul(&v, s.SetUint64(pow10(shift)))
	case shift < 0:
		if -shift > 19 {
			return 0, ErrInvalidPrice
		}
		v.Div(&v, s.SetUint64(pow10(-shift)))
	}
	if v.IsZero() {
		return 0, ErrInvalidPrice
	}
	if !v.IsUint64() {
		return 0, ErrOverflow
	}
	return Price(v.Uint64()), nil
}

func pow10(n int) uint64 {
	p := uint64(1)
	for i := 0; i < n; i++ {
		p *= 10
	}
	return p
}
