package clpool

import (
	"errors"
	"math/big"
)

// Tick bounds and sqrt ratio limits for the Q64.96 price representation.
// Price is a monotonically increasing function of tick: p(t) = 1.0001^t.
const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var (
	// MinSqrtRatio is sqrt(p(MinTick)) in Q64.96.
	MinSqrtRatio = big.NewInt(4295128739)
	// MaxSqrtRatio is sqrt(p(MaxTick)) in Q64.96.
	MaxSqrtRatio, _ = new(big.Int).SetString("1461446703485210103287273052203988822378723970342", 10)
)

var ErrTickRange = errors.New("clpool: tick outside supported range")

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// sqrtMagics[i] is sqrt(1/1.0001^(2^i)) in Q128.128. The running product of
// the entries selected by the bits of |tick| yields sqrt(1/1.0001^|tick|).
var sqrtMagics = mustParseMagics([]string{
	"fffcb933bd6fad37aa2d162d1a594001",
	"fff97272373d413259a46990580e213a",
	"fff2e50f5f656932ef12357cf3c7fdcc",
	"ffe5caca7e10e4e61c3624eaa0941cd0",
	"ffcb9843d60f6159c9db58835c926644",
	"ff973b41fa98c081472e6896dfb254c0",
	"ff2ea16466c96a3843ec78b326b52861",
	"fe5dee046a99a2a811c461f1969c3053",
	"fcbe86c7900a88aedcffc83b479aa3a4",
	"f987a7253ac413176f2b074cf7815e54",
	"f3392b0822b70005940c7a398e4b70f3",
	"e7159475a2c29b7443b29c7fa6e889d9",
	"d097f3bdfd2022b8845ad8f792aa5825",
	"a9f746462d870fdf8a65dc1f90e061e5",
	"70d869a156d2a1b890bb3df62baf32f7",
	"31be135f97d08fd981231505542fcfa6",
	"9aa508b5b7a84e1c677de54f3e99bc9",
	"5d6af8dedb81196699c329225ee604",
	"2216e584f5fa1ea926041bedfe98",
	"48a170391f7dc42444e8fa2",
})

func mustParseMagics(hex []string) []*big.Int {
	out := make([]*big.Int, len(hex))
	for i, h := range hex {
		v, ok := new(big.Int).SetString(h, 16)
		if !ok {
			panic("clpool: bad sqrt magic " + h)
		}
		out[i] = v
	}
	return out
}

// SqrtRatioAtTick converts a tick into its Q64.96 square-root price.
func SqrtRatioAtTick(tick int32) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, ErrTickRange
	}

	absTick := uint32(tick)
	if tick < 0 {
		absTick = uint32(-tick)
	}

	ratio := new(big.Int).Lsh(big.NewInt(1), 128)
	if absTick&1 != 0 {
		ratio.Set(sqrtMagics[0])
	}
	for i := 1; i < len(sqrtMagics); i++ {
		if absTick&(1<<uint(i)) != 0 {
			ratio.Mul(ratio, sqrtMagics[i])
			ratio.Rsh(ratio, 128)
		}
	}

	// The ladder computes sqrt(1/1.0001^|tick|); invert for positive ticks.
	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	// Round up on conversion from Q128.128 to Q64.96 so the result always
	// satisfies TickAtSqrtRatio(SqrtRatioAtTick(t)) == t.
	rem := new(big.Int).And(ratio, new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 32), big.NewInt(1)))
	ratio.Rsh(ratio, 32)
	if rem.Sign() != 0 {
		ratio.Add(ratio, big.NewInt(1))
	}
	return ratio, nil
}

// TickAtSqrtRatio returns the greatest tick whose square-root price does not
// exceed the supplied Q64.96 ratio, found by binary search over
// SqrtRatioAtTick.
func TickAtSqrtRatio(sqrtRatio *big.Int) (int32, error) {
	if sqrtRatio == nil || sqrtRatio.Cmp(MinSqrtRatio) < 0 || sqrtRatio.Cmp(MaxSqrtRatio) > 0 {
		return 0, ErrTickRange
	}

	low, high := MinTick, MaxTick
	for low < high {
		mid := low + (high-low+1)/2
		midRatio, err := SqrtRatioAtTick(mid)
		if err != nil {
			return 0, err
		}
		if midRatio.Cmp(sqrtRatio) <= 0 {
			low = mid
		} else {
			high = mid - 1
		}
	}
	return low, nil
}
