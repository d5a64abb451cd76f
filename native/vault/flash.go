package vault

import (
	"errors"
	"math/big"

	"powerperp/crypto"
	"powerperp/native/clpool"
	nativecommon "powerperp/native/common"
	"powerperp/native/oracle"
)

// ErrInfeasibleTarget is returned when the requested flash-mint target
// cannot be met: the target ratio is below the protocol minimum or the
// inputs do not price.
var ErrInfeasibleTarget = errors.New("vault engine: flash-mint target infeasible")

// FlashMintParams are the pure inputs to a flash-mint pre-computation. The
// caller supplies the candidate LP position alongside the observed pool and
// market state; nothing here touches the ledger.
type FlashMintParams struct {
	// MintAmount is the power-token debt to mint.
	MintAmount *big.Int
	// TargetRatioBps is the desired post-operation collateral ratio in
	// basis points. Must be at least the protocol minimum.
	TargetRatioBps uint64
	// Position is the LP position that will be attached.
	Position LPPosition
	// Slot is the pool state used to decompose the position.
	Slot clpool.Slot
	// Snapshot is the oracle price observation.
	Snapshot oracle.Snapshot
	// NormFactor is the wad-scaled funding normalization factor.
	NormFactor *big.Int
	// ExistingCollateral and ExistingDebt describe the vault being topped
	// up; both zero for a fresh vault.
	ExistingCollateral *big.Int
	ExistingDebt       *big.Int
}

// FlashMintPlan is the exact recipe for the externally-atomic composite
// operation: deposit CollateralToDeposit (of which FlashBorrow must be
// flash-borrowed), mint, attach the position, and expect at least the two
// minimum token amounts inside it. All values are clamped to zero; a value
// that would have been negative simply means that leg is not needed.
type FlashMintPlan struct {
	CollateralToDeposit *big.Int
	FlashBorrow         *big.Int
	MinBaseAmount       *big.Int
	MinPowerAmount      *big.Int
}

// ComputeFlashMintPlan derives the collateral requirements that put the
// vault exactly at (or just above) the target ratio after minting and
// attaching the position. It performs no mutation and fails rather than
// returning a negative or nonsensical amount.
func ComputeFlashMintPlan(p FlashMintParams) (FlashMintPlan, error) {
	if p.MintAmount == nil || p.MintAmount.Sign() <= 0 {
		return FlashMintPlan{}, ErrInvalidAmount
	}
	if p.TargetRatioBps < minCollateralRatioBps {
		return FlashMintPlan{}, ErrInfeasibleTarget
	}
	if p.Snapshot.Price == nil || p.Snapshot.Price.Sign() <= 0 ||
		p.Snapshot.Scale == nil || p.Snapshot.Scale.Sign() <= 0 {
		return FlashMintPlan{}, ErrInfeasibleTarget
	}
	if p.NormFactor == nil || p.NormFactor.Sign() <= 0 {
		return FlashMintPlan{}, ErrInfeasibleTarget
	}

	existingDebt := big.NewInt(0)
	if p.ExistingDebt != nil {
		if p.ExistingDebt.Sign() < 0 {
			return FlashMintPlan{}, ErrInvalidAmount
		}
		existingDebt.Set(p.ExistingDebt)
	}
	existingCollateral := big.NewInt(0)
	if p.ExistingCollateral != nil {
		if p.ExistingCollateral.Sign() < 0 {
			return FlashMintPlan{}, ErrInvalidAmount
		}
		existingCollateral.Set(p.ExistingCollateral)
	}

	amounts, err := clpool.PositionAmounts(
		p.Position.TickLower, p.Position.TickUpper, p.Position.Liquidity,
		p.Slot.CurrentTick, p.Position.BaseIsToken0,
	)
	if err != nil {
		return FlashMintPlan{}, err
	}

	// All valuations below share the wad*scale numerator units used by the
	// safety check, so the plan and the post-operation verdict agree bit
	// for bit.
	unit := new(big.Int).Mul(wad, p.Snapshot.Scale)

	totalDebt := new(big.Int).Add(existingDebt, p.MintAmount)
	debtNum := debtValueNum(totalDebt, p.NormFactor, p.Snapshot.Price)

	targetNum := new(big.Int).Mul(debtNum, new(big.Int).SetUint64(p.TargetRatioBps))
	targetNum = ceilDiv(targetNum, basisPoints)

	lpNum := new(big.Int).Mul(amounts.Base, unit)
	powerSide := new(big.Int).Mul(amounts.Power, p.NormFactor)
	powerSide.Mul(powerSide, p.Snapshot.Price)
	lpNum.Add(lpNum, powerSide)

	haveNum := new(big.Int).Mul(existingCollateral, unit)
	haveNum.Add(haveNum, lpNum)

	needNum := new(big.Int).Sub(targetNum, haveNum)
	deposit := big.NewInt(0)
	if needNum.Sign() > 0 {
		deposit = ceilDiv(needNum, unit)
	}

	// The minted power tokens are worth mintNum in base terms; the strategy
	// realizes that value externally (swap or LP), which offsets the flash
	// borrow. Clamp at zero when proceeds cover the whole deposit.
	mintNum := debtValueNum(p.MintAmount, p.NormFactor, p.Snapshot.Price)
	proceeds := new(big.Int).Quo(mintNum, unit)
	flashBorrow := new(big.Int).Sub(deposit, proceeds)
	if flashBorrow.Sign() < 0 {
		flashBorrow = big.NewInt(0)
	}

	return FlashMintPlan{
		CollateralToDeposit: deposit,
		FlashBorrow:         flashBorrow,
		MinBaseAmount:       amounts.Base,
		MinPowerAmount:      amounts.Power,
	}, nil
}

func ceilDiv(num, den *big.Int) *big.Int {
	out, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() != 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}

// FlashMintPlanFor is the engine entry point for the pre-computation: it
// fetches the candidate position, pool state and market observations, then
// delegates to ComputeFlashMintPlan. Read-only.
func (e *Engine) FlashMintPlanFor(vaultID uint64, mintAmount *big.Int, targetRatioBps uint64, positionID uint64) (FlashMintPlan, error) {
	if e == nil || e.state == nil {
		return FlashMintPlan{}, errNilState
	}
	if e.positions == nil {
		return FlashMintPlan{}, errNilPositionManager
	}
	pos, err := e.positions.GetPosition(positionID)
	if err != nil {
		return FlashMintPlan{}, err
	}
	if pos == nil {
		return FlashMintPlan{}, ErrUnknownPosition
	}
	inputs, err := e.observe()
	if err != nil {
		return FlashMintPlan{}, err
	}

	params := FlashMintParams{
		MintAmount:     mintAmount,
		TargetRatioBps: targetRatioBps,
		Position:       *pos.Clone(),
		Slot:           inputs.slot,
		Snapshot:       inputs.snap,
		NormFactor:     inputs.norm,
	}
	if vaultID != 0 {
		v, err := e.state.GetVault(vaultID)
		if err != nil {
			return FlashMintPlan{}, err
		}
		if v == nil {
			return FlashMintPlan{}, ErrUnknownVault
		}
		v.Normalize()
		if v.LPPositionID != 0 && v.LPPositionID != positionID {
			return FlashMintPlan{}, ErrPositionAttached
		}
		params.ExistingCollateral = v.Collateral
		params.ExistingDebt = v.Debt
	}
	return ComputeFlashMintPlan(params)
}

// FlashMint executes the composite flash-loan-assisted operation as one
// all-or-nothing unit: plan, deposit the planned collateral, mint the debt
// and attach the position. The flash borrow itself happens outside the
// ledger; by the time this is called the owner's balance must cover the
// planned deposit. A failure at any step leaves no observable residue.
func (e *Engine) FlashMint(owner crypto.Address, vaultID uint64, mintAmount *big.Int, targetRatioBps uint64, positionID uint64) (uint64, FlashMintPlan, error) {
	if e == nil || e.state == nil {
		return 0, FlashMintPlan{}, errNilState
	}
	if err := nativecommon.Guard(e.gate, nativecommon.OpExpand); err != nil {
		return 0, FlashMintPlan{}, err
	}

	plan, err := e.FlashMintPlanFor(vaultID, mintAmount, targetRatioBps, positionID)
	if err != nil {
		return 0, FlashMintPlan{}, err
	}

	id, err := e.Mint(owner, vaultID, mintAmount, positionID, plan.CollateralToDeposit)
	if err != nil {
		return 0, FlashMintPlan{}, err
	}
	return id, plan, nil
}
