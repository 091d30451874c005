// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fixedpoint

import "github.com/holiman/uint256"

// SignedMoney is a signed 1e6 fixed-point amount, used for PnL deltas and
// netting obligations. The unsigned sub-ledgers never store one directly.
type SignedMoney int64

// Abs returns the magnitude as Money.
func (s SignedMoney) Abs() Money {
	if s < 0 {
		return Money(-s)
	}
	return Money(s)
}

// IsNegative reports whether the amount is below zero.
func (s SignedMoney) IsNegative() bool { return s < 0 }

// AddSigned returns s+o with overflow checking.
func (s SignedMoney) AddSigned(o SignedMoney) (SignedMoney, error) {
	r := s + o
	if (o > 0 && r < s) || (o < 0 && r > s) {
		return 0, ErrOverflow
	}
	return r, nil
}

// FromMoney converts an unsigned amount, applying the given sign.
func FromMoney(m Money, negative bool) (SignedMoney, error) {
	if uint64(m) > uint64(1<<63-1) {
		return 0, ErrOutOfRange
	}
	if negative {
		return -SignedMoney(m), nil
	}
	return SignedMoney(m), nil
}

// PositionPnL computes the unrealized PnL of a position:
//
//	(mark - entry) * size / PriceScale, negated for shorts.
//
// entry and mark are 1e8 prices, size is a 1e6 amount of base units, and the
// result is a signed 1e6 amount. The product runs through 256-bit
// intermediates, so only the final narrowing can fail.
func PositionPnL(entry, mark Price, size Money, long bool) (SignedMoney, error) {
	neg := mark < entry
	var diff uint64
	if neg {
		diff = uint64(entry - mark)
	} else {
		diff = uint64(mark - entry)
	}
	if !long {
		neg = !neg
	}

	var v, s uint256.Int
	v.SetUint64(diff)
	v.Mul(&v, s.SetUint64(uint64(size)))
	v.Div(&v, s.SetUint64(PriceScale))
	if !v.IsUint64() || v.Uint64() > uint64(1<<63-1) {
		return 0, ErrOverflow
	}
	return FromMoney(Money(v.Uint64()), neg)
}

// RealizedPnL computes the realized PnL of a closed position from its entry
// and exit marks. Identical arithmetic to PositionPnL; kept separate so the
// settlement path reads in trade terms.
func RealizedPnL(entry, exit Price, size Money, long bool) (SignedMoney, error) {
	return PositionPnL(entry, exit, size, long)
}
