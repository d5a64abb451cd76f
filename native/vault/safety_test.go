package vault

import (
	"math/big"
	"testing"
	"time"

	"powerperp/native/clpool"
	"powerperp/native/oracle"
)

func snapshotAt(price int64) oracle.Snapshot {
	return oracle.Snapshot{
		PoolID:    "pool-1",
		Price:     big.NewInt(price),
		Scale:     big.NewInt(10_000),
		Timestamp: time.Now(),
	}
}

func wadFactor() *big.Int {
	return new(big.Int).Set(oracle.Wad)
}

func TestIsSafeNoDebt(t *testing.T) {
	v := &Vault{ID: 1, Debt: big.NewInt(0), Collateral: big.NewInt(0)}
	safe, err := IsSafe(v, nil, clpool.Slot{}, snapshotAt(3000), wadFactor())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !safe {
		t.Fatal("vault without debt must be safe")
	}

	safe, err = IsSafe(nil, nil, clpool.Slot{}, snapshotAt(3000), wadFactor())
	if err != nil || !safe {
		t.Fatalf("nil vault must be safe, got safe=%v err=%v", safe, err)
	}
}

func TestIsSafePriceBoundary(t *testing.T) {
	// debt 100, collateral 45, price scale 10000: the ratio sits exactly at
	// the minimum when the price is 3000 and drops below it at 3001.
	v := &Vault{ID: 1, Debt: big.NewInt(100), Collateral: big.NewInt(45)}

	safe, err := IsSafe(v, nil, clpool.Slot{}, snapshotAt(3000), wadFactor())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !safe {
		t.Fatal("vault at exactly the minimum ratio must be safe")
	}

	safe, err = IsSafe(v, nil, clpool.Slot{}, snapshotAt(3001), wadFactor())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if safe {
		t.Fatal("vault one price step past the minimum must be unsafe")
	}
}

func TestIsSafeAfterFundingAccrual(t *testing.T) {
	// The same vault that is unsafe at 3001 becomes safe again once the
	// funding step shrinks the normalization factor applied to its debt.
	v := &Vault{ID: 1, Debt: big.NewInt(100), Collateral: big.NewInt(45)}

	src := oracle.NewManualNormSource()
	if err := src.Accrue(big.NewInt(3030), big.NewInt(3001), big.NewRat(26, 25)); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	norm, err := src.NormFactor()
	if err != nil {
		t.Fatalf("norm factor: %v", err)
	}
	if norm.Cmp(oracle.Wad) >= 0 {
		t.Fatalf("funding step should shrink the factor, got %s", norm)
	}

	safe, err := IsSafe(v, nil, clpool.Slot{}, snapshotAt(3001), norm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !safe {
		t.Fatal("accrued factor should restore safety at price 3001")
	}
}

func TestIsSafeCountsAttachedPosition(t *testing.T) {
	v := &Vault{ID: 1, Debt: big.NewInt(100), Collateral: big.NewInt(0), LPPositionID: 7}

	slot := clpool.Slot{CurrentTick: -2000, TickSpacing: 60, Liquidity: big.NewInt(0)}
	lp := &LPPosition{
		ID:           7,
		TickLower:    -1000,
		TickUpper:    1000,
		Liquidity:    new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil),
		BaseIsToken0: true,
	}

	safe, err := IsSafe(v, nil, clpool.Slot{}, snapshotAt(3000), wadFactor())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if safe {
		t.Fatal("bare vault with no collateral must be unsafe")
	}

	safe, err = IsSafe(v, lp, slot, snapshotAt(3000), wadFactor())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !safe {
		t.Fatal("attached position value must count toward collateral")
	}
}

func TestIsSafeCountsPowerSideOfPosition(t *testing.T) {
	v := &Vault{ID: 1, Debt: big.NewInt(100), Collateral: big.NewInt(0), LPPositionID: 7}

	// Current tick above the range: the position is entirely power tokens,
	// which are valued through price and norm like the debt itself.
	slot := clpool.Slot{CurrentTick: 2000, TickSpacing: 60, Liquidity: big.NewInt(0)}
	lp := &LPPosition{
		ID:           7,
		TickLower:    -1000,
		TickUpper:    1000,
		Liquidity:    new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil),
		BaseIsToken0: true,
	}

	safe, err := IsSafe(v, lp, slot, snapshotAt(3000), wadFactor())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !safe {
		t.Fatal("power side of an attached position must count toward collateral")
	}
}
