package clpool

import (
	"errors"
	"math/big"
)

// Slot mirrors the published state of a concentrated-liquidity pool. The
// engine never mutates pools; it only reads this snapshot to value deposited
// positions.
type Slot struct {
	CurrentTick int32
	TickSpacing int32
	Liquidity   *big.Int
}

var errNilLiquidity = errors.New("clpool: liquidity not set")

// Clone returns a deep copy of the slot.
func (s Slot) Clone() Slot {
	clone := Slot{CurrentTick: s.CurrentTick, TickSpacing: s.TickSpacing}
	if s.Liquidity != nil {
		clone.Liquidity = new(big.Int).Set(s.Liquidity)
	}
	return clone
}

// Amounts is the instantaneous decomposition of a position's liquidity into
// its two constituent balances, already mapped onto base-asset and
// power-token sides.
type Amounts struct {
	Base  *big.Int
	Power *big.Int
}

// PositionAmounts decomposes a position's liquidity at the pool's current
// tick. Token0 is the side whose amount follows the reciprocal sqrt-price
// form; baseIsToken0 selects which slot holds the base asset.
//
// Three regimes apply, using each tick's monotonic price mapping:
//   - currentTick <= tickLower: the position is entirely token0.
//   - currentTick >= tickUpper: the position is entirely token1.
//   - otherwise it splits across both sides using the closed forms over the
//     sqrt prices at the bounds and the current tick.
//
// Tick ordering (tickLower < tickUpper) is validated by the external
// position manager before a position can exist; it is not re-checked here.
func PositionAmounts(tickLower, tickUpper int32, liquidity *big.Int, currentTick int32, baseIsToken0 bool) (Amounts, error) {
	if liquidity == nil {
		return Amounts{}, errNilLiquidity
	}
	if liquidity.Sign() == 0 {
		return Amounts{Base: big.NewInt(0), Power: big.NewInt(0)}, nil
	}

	sqrtLower, err := SqrtRatioAtTick(tickLower)
	if err != nil {
		return Amounts{}, err
	}
	sqrtUpper, err := SqrtRatioAtTick(tickUpper)
	if err != nil {
		return Amounts{}, err
	}

	amount0 := big.NewInt(0)
	amount1 := big.NewInt(0)

	switch {
	case currentTick <= tickLower:
		amount0 = amount0FromLiquidity(liquidity, sqrtLower, sqrtUpper)
	case currentTick >= tickUpper:
		amount1 = amount1FromLiquidity(liquidity, sqrtLower, sqrtUpper)
	default:
		sqrtCurrent, err := SqrtRatioAtTick(currentTick)
		if err != nil {
			return Amounts{}, err
		}
		amount0 = amount0FromLiquidity(liquidity, sqrtCurrent, sqrtUpper)
		amount1 = amount1FromLiquidity(liquidity, sqrtLower, sqrtCurrent)
	}

	if baseIsToken0 {
		return Amounts{Base: amount0, Power: amount1}, nil
	}
	return Amounts{Base: amount1, Power: amount0}, nil
}

// amount0FromLiquidity computes L * (sqrtB - sqrtA) / (sqrtA * sqrtB),
// rescaled out of Q64.96, with sqrtA < sqrtB.
func amount0FromLiquidity(liquidity, sqrtA, sqrtB *big.Int) *big.Int {
	numerator := new(big.Int).Mul(liquidity, new(big.Int).Sub(sqrtB, sqrtA))
	numerator.Lsh(numerator, 96)
	numerator.Div(numerator, sqrtB)
	return numerator.Div(numerator, sqrtA)
}

// amount1FromLiquidity computes L * (sqrtB - sqrtA), rescaled out of Q64.96,
// with sqrtA < sqrtB.
func amount1FromLiquidity(liquidity, sqrtA, sqrtB *big.Int) *big.Int {
	result := new(big.Int).Mul(liquidity, new(big.Int).Sub(sqrtB, sqrtA))
	return result.Rsh(result, 96)
}
