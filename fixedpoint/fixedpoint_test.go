// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fixedpoint

import (
	"math"
	"testing"
)

func TestMoney_AddSubChecked(t *testing.T) {
	a := Money(1_500_000)
	b := Money(250_000)

	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if sum != Money(1_750_000) {
		t.Errorf("expected 1750000, got %d", sum)
	}

	if _, err := Money(math.MaxUint64).Add(1); err != ErrOverflow {
		t.Errorf("expected overflow, got %v", err)
	}

	diff, err := a.Sub(b)
	if err != nil {
		t.Fatalf("sub failed: %v", err)
	}
	if diff != Money(1_250_000) {
		t.Errorf("expected 1250000, got %d", diff)
	}

	if _, err := b.Sub(a); err != ErrUnderflow {
		t.Errorf("expected underflow, got %v", err)
	}
}

func TestMoney_MulBps(t *testing.T) {
	m := Money(4_000_000_000) // 4000 units

	if got := m.MulBps(5000); got != Money(2_000_000_000) {
		t.Errorf("expected half, got %d", got)
	}
	if got := m.MulBps(0); got != 0 {
		t.Errorf("expected zero, got %d", got)
	}
	if got := m.MulBps(10_000); got != m {
		t.Errorf("expected identity, got %d", got)
	}
}

func TestDeviationBps(t *testing.T) {
	ref := Price(100 * PriceScale)

	tests := []struct {
		name string
		p    Price
		want uint64
	}{
		{"equal", ref, 0},
		{"five pct up", Price(105 * PriceScale), 500},
		{"five pct down", Price(95 * PriceScale), 500},
		{"one bp", Price(100*PriceScale + PriceScale/10_000), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeviationBps(tt.p, ref)
			if err != nil {
				t.Fatalf("deviation failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d bps, got %d", tt.want, got)
			}
		})
	}

	if _, err := DeviationBps(ref, 0); err != ErrDivByZero {
		t.Errorf("expected div by zero, got %v", err)
	}
}

func TestNormalizeDecimals(t *testing.T) {
	// 8 decimals passes through
	p, err := NormalizeDecimals(4_200_000_000_000, 8)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if p != Price(4_200_000_000_000) {
		t.Errorf("unexpected price %d", p)
	}

	// 6 decimals scales up by 100
	p, err = NormalizeDecimals(42_000_000_000, 6)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if p != Price(4_200_000_000_000) {
		t.Errorf("unexpected price %d", p)
	}

	// 10 decimals scales down by 100
	p, err = NormalizeDecimals(420_000_000_000_000, 10)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if p != Price(4_200_000_000_000) {
		t.Errorf("unexpected price %d", p)
	}

	if _, err := NormalizeDecimals(0, 8); err != ErrInvalidPrice {
		t.Errorf("expected invalid price, got %v", err)
	}
	if _, err := NormalizeDecimals(-5, 8); err != ErrInvalidPrice {
		t.Errorf("expected invalid price, got %v", err)
	}
}

func TestNormalizeExpo(t *testing.T) {
	// 42000.5 quoted as 4200050000 * 10^-5
	p, err := NormalizeExpo(4_200_050_000, -5)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if p != Price(4_200_050_000_000) {
		t.Errorf("unexpected price %d", p)
	}

	// zero exponent
	p, err = NormalizeExpo(42, 0)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if p != Price(4_200_000_000) {
		t.Errorf("unexpected price %d", p)
	}

	if _, err := NormalizeExpo(-1, -8); err != ErrInvalidPrice {
		t.Errorf("expected invalid price, got %v", err)
	}
	if _, err := NormalizeExpo(2, 19); err != ErrOverflow {
		t.Errorf("expected overflow, got %v", err)
	}
}

func TestPositionPnL(t *testing.T) {
	entry := Price(40_000 * PriceScale)
	mark := Price(42_000 * PriceScale)
	size := Money(2 * MoneyScale) // 2 base units

	long, err := PositionPnL(entry, mark, size, true)
	if err != nil {
		t.Fatalf("pnl failed: %v", err)
	}
	if long != SignedMoney(4_000*MoneyScale) {
		t.Errorf("expected +4000, got %d", long)
	}

	short, err := PositionPnL(entry, mark, size, false)
	if err != nil {
		t.Fatalf("pnl failed: %v", err)
	}
	if short != -long {
		t.Errorf("expected short to mirror long, got %d", short)
	}

	flat, err := PositionPnL(entry, entry, size, true)
	if err != nil {
		t.Fatalf("pnl failed: %v", err)
	}
	if flat != 0 {
		t.Errorf("expected flat pnl, got %d", flat)
	}
}

func TestSignedMoney(t *testing.T) {
	s := SignedMoney(-250_000)
	if s.Abs() != Money(250_000) {
		t.Errorf("abs mismatch: %d", s.Abs())
	}
	if !s.IsNegative() {
		t.Error("expected negative")
	}

	sum, err := s.AddSigned(SignedMoney(1_000_000))
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if sum != SignedMoney(750_000) {
		t.Errorf("expected 750000, got %d", sum)
	}

	if _, err := SignedMoney(math.MaxInt64).AddSigned(1); err != ErrOverflow {
		t.Errorf("expected overflow, got %v", err)
	}
}
