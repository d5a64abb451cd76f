package vault

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"powerperp/native/clpool"
	"powerperp/native/oracle"
)

func flashBaseParams() FlashMintParams {
	return FlashMintParams{
		MintAmount:     big.NewInt(100),
		TargetRatioBps: 15_000,
		Position: LPPosition{
			TickLower:    -1200,
			TickUpper:    1200,
			Liquidity:    big.NewInt(0),
			BaseIsToken0: true,
		},
		Slot:       clpool.Slot{CurrentTick: 0, TickSpacing: 60, Liquidity: big.NewInt(0)},
		Snapshot:   snapshotAt(3000),
		NormFactor: wadFactor(),
	}
}

func TestComputeFlashMintPlanExactTarget(t *testing.T) {
	plan, err := ComputeFlashMintPlan(flashBaseParams())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	// Minting 100 at price 3000 (scale 10000) with a 1.5x target needs 45
	// units of collateral; the mint itself is worth 30, so 15 must be
	// flash-borrowed.
	if plan.CollateralToDeposit.Int64() != 45 {
		t.Fatalf("deposit = %s, want 45", plan.CollateralToDeposit)
	}
	if plan.FlashBorrow.Int64() != 15 {
		t.Fatalf("flash borrow = %s, want 15", plan.FlashBorrow)
	}
	if plan.MinBaseAmount.Sign() != 0 || plan.MinPowerAmount.Sign() != 0 {
		t.Fatal("zero-liquidity position must plan zero token minimums")
	}

	// The planned deposit puts the vault exactly at the minimum ratio.
	v := &Vault{Debt: big.NewInt(100), Collateral: plan.CollateralToDeposit}
	safe, err := IsSafe(v, nil, clpool.Slot{}, snapshotAt(3000), wadFactor())
	if err != nil || !safe {
		t.Fatalf("planned vault not safe: safe=%v err=%v", safe, err)
	}
	v.Collateral = new(big.Int).Sub(plan.CollateralToDeposit, big.NewInt(1))
	safe, err = IsSafe(v, nil, clpool.Slot{}, snapshotAt(3000), wadFactor())
	if err != nil {
		t.Fatalf("reduced vault: %v", err)
	}
	if safe {
		t.Fatal("one unit less than the planned deposit should be unsafe")
	}
}

func TestComputeFlashMintPlanCountsPositionValue(t *testing.T) {
	params := flashBaseParams()
	params.Position.Liquidity = new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)

	plan, err := ComputeFlashMintPlan(params)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.CollateralToDeposit.Sign() != 0 {
		t.Fatalf("position value should cover the target, deposit = %s", plan.CollateralToDeposit)
	}
	if plan.FlashBorrow.Sign() != 0 {
		t.Fatalf("flash borrow should clamp to zero, got %s", plan.FlashBorrow)
	}
	if plan.MinBaseAmount.Sign() <= 0 || plan.MinPowerAmount.Sign() <= 0 {
		t.Fatal("in-range position must report both token minimums")
	}
}

func TestComputeFlashMintPlanExistingCollateral(t *testing.T) {
	params := flashBaseParams()
	params.ExistingCollateral = big.NewInt(40)

	plan, err := ComputeFlashMintPlan(params)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.CollateralToDeposit.Int64() != 5 {
		t.Fatalf("deposit = %s, want 5", plan.CollateralToDeposit)
	}
	if plan.FlashBorrow.Sign() != 0 {
		t.Fatalf("proceeds cover the top-up, flash borrow = %s", plan.FlashBorrow)
	}
}

func TestComputeFlashMintPlanRejectsBadInputs(t *testing.T) {
	params := flashBaseParams()
	params.TargetRatioBps = 14_999
	if _, err := ComputeFlashMintPlan(params); !errors.Is(err, ErrInfeasibleTarget) {
		t.Fatalf("sub-minimum target: got %v", err)
	}

	params = flashBaseParams()
	params.MintAmount = big.NewInt(0)
	if _, err := ComputeFlashMintPlan(params); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero mint: got %v", err)
	}

	params = flashBaseParams()
	params.NormFactor = big.NewInt(0)
	if _, err := ComputeFlashMintPlan(params); !errors.Is(err, ErrInfeasibleTarget) {
		t.Fatalf("zero norm factor: got %v", err)
	}

	params = flashBaseParams()
	params.Snapshot.Price = nil
	if _, err := ComputeFlashMintPlan(params); !errors.Is(err, ErrInfeasibleTarget) {
		t.Fatalf("missing price: got %v", err)
	}
}

func TestFlashMintEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	posID, err := env.registry.RegisterPosition(&LPPosition{
		TickLower:    -1200,
		TickUpper:    1200,
		Liquidity:    big.NewInt(0),
		BaseIsToken0: true,
	})
	if err != nil {
		t.Fatalf("register position: %v", err)
	}

	id, plan, err := env.engine.FlashMint(env.owner, 0, big.NewInt(100), 15_000, posID)
	if err != nil {
		t.Fatalf("flash mint: %v", err)
	}
	if plan.CollateralToDeposit.Int64() != 45 {
		t.Fatalf("planned deposit = %s, want 45", plan.CollateralToDeposit)
	}

	v := env.state.vaults[id]
	if v == nil {
		t.Fatal("flash mint did not persist the vault")
	}
	if v.Debt.Int64() != 100 || v.Collateral.Int64() != 45 || v.LPPositionID != posID {
		t.Fatalf("vault after flash mint: debt=%s coll=%s pos=%d", v.Debt, v.Collateral, v.LPPositionID)
	}

	ownerAcc := env.balance(t, env.owner)
	if ownerAcc.BalancePower.Int64() != 100 {
		t.Fatalf("owner power balance = %s, want 100", ownerAcc.BalancePower)
	}
	if ownerAcc.BalanceBase.Int64() != 955 {
		t.Fatalf("owner base balance = %s, want 955", ownerAcc.BalanceBase)
	}
}

func TestFlashMintAtomicOnInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.state.accounts[env.owner.String()].BalanceBase = big.NewInt(10)

	posID, err := env.registry.RegisterPosition(&LPPosition{
		TickLower:    -1200,
		TickUpper:    1200,
		Liquidity:    big.NewInt(0),
		BaseIsToken0: true,
	})
	if err != nil {
		t.Fatalf("register position: %v", err)
	}

	_, _, err = env.engine.FlashMint(env.owner, 0, big.NewInt(100), 15_000, posID)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(env.state.vaults) != 0 {
		t.Fatal("failed flash mint persisted a vault")
	}
	if len(env.state.custody) != 0 {
		t.Fatal("failed flash mint took custody of the position")
	}
}

func TestFlashPlanForUnknownPosition(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.FlashMintPlanFor(0, big.NewInt(100), 15_000, 99)
	if !errors.Is(err, ErrUnknownPosition) {
		t.Fatalf("expected ErrUnknownPosition, got %v", err)
	}
}

func TestFlashPlanStaleOracle(t *testing.T) {
	env := newTestEnv(t)
	agg := oracle.NewAggregator([]string{"manual"}, time.Millisecond)
	stale := oracle.NewManualOracle()
	stale.Set(testPool, big.NewInt(3000), big.NewInt(10_000), time.Now().Add(-time.Hour))
	agg.Register("manual", stale)
	env.engine.SetOracle(agg)

	posID, err := env.registry.RegisterPosition(&LPPosition{
		TickLower:    -1200,
		TickUpper:    1200,
		Liquidity:    big.NewInt(0),
		BaseIsToken0: true,
	})
	if err != nil {
		t.Fatalf("register position: %v", err)
	}

	_, err = env.engine.FlashMintPlanFor(0, big.NewInt(100), 15_000, posID)
	if !errors.Is(err, ErrStaleOracle) {
		t.Fatalf("expected ErrStaleOracle, got %v", err)
	}
}
