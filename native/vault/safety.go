package vault

import (
	"math/big"

	"powerperp/native/clpool"
	"powerperp/native/oracle"
)

// minCollateralRatioBps is the protocol minimum collateralization ratio:
// a vault is safe iff collateral value >= 1.5x debt value.
const minCollateralRatioBps = 15_000

var (
	basisPoints = big.NewInt(10_000)
	wad         = big.NewInt(1_000_000_000_000_000_000)
)

// debtValueNum returns the debt valuation numerator debt * norm * price.
// The value is denominated in base-asset wei scaled by wad * oracle scale;
// keeping the scale in the numerator lets safety comparisons stay in exact
// integer cross-multiplication with no division.
func debtValueNum(debt, norm, price *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(debt, norm)
	return num.Mul(num, price)
}

// collateralValueNum returns the collateral valuation in the same
// wad * scale units as debtValueNum. Direct collateral and the base-asset
// side of an attached LP position enter at face value; the power-token side
// is converted to base-asset terms via price * norm, matching how debt
// itself is valued.
func collateralValueNum(v *Vault, lp *LPPosition, slot clpool.Slot, snap oracle.Snapshot, norm *big.Int) (*big.Int, error) {
	total := big.NewInt(0)
	if v != nil && v.Collateral != nil {
		total.Set(v.Collateral)
	}

	if lp != nil {
		amounts, err := clpool.PositionAmounts(lp.TickLower, lp.TickUpper, lp.Liquidity, slot.CurrentTick, lp.BaseIsToken0)
		if err != nil {
			return nil, err
		}
		total.Add(total, amounts.Base)

		scaled := new(big.Int).Mul(total, wad)
		scaled.Mul(scaled, snap.Scale)

		powerSide := new(big.Int).Mul(amounts.Power, norm)
		powerSide.Mul(powerSide, snap.Price)
		return scaled.Add(scaled, powerSide), nil
	}

	scaled := new(big.Int).Mul(total, wad)
	return scaled.Mul(scaled, snap.Scale), nil
}

// IsSafe reports whether the vault meets the minimum collateralization
// ratio against the supplied market observations. A vault with no debt is
// trivially safe. The comparison is exact: both sides are integer
// numerators in identical units, so no rounding can flip the verdict.
func IsSafe(v *Vault, lp *LPPosition, slot clpool.Slot, snap oracle.Snapshot, norm *big.Int) (bool, error) {
	if v == nil || v.Debt == nil || v.Debt.Sign() == 0 {
		return true, nil
	}
	collNum, err := collateralValueNum(v, lp, slot, snap, norm)
	if err != nil {
		return false, err
	}
	debtNum := debtValueNum(v.Debt, norm, snap.Price)

	lhs := new(big.Int).Mul(collNum, basisPoints)
	rhs := new(big.Int).Mul(debtNum, big.NewInt(minCollateralRatioBps))
	return lhs.Cmp(rhs) >= 0, nil
}
