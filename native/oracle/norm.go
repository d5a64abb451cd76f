package oracle

import (
	"fmt"
	"math/big"
	"sync"
)

// Wad is the fixed-point scale used for the normalization factor.
var Wad = big.NewInt(1_000_000_000_000_000_000)

// NormSource supplies the funding normalization factor applied to
// outstanding debt. The factor is an opaque wad-scaled scalar; the accrual
// formula that evolves it lives outside this engine.
type NormSource interface {
	NormFactor() (*big.Int, error)
}

// ManualNormSource is an in-memory normalization factor holder used by
// tests and by deployments that feed the factor from an external process.
type ManualNormSource struct {
	mu     sync.RWMutex
	factor *big.Int
}

// NewManualNormSource starts the factor at 1.0 (wad).
func NewManualNormSource() *ManualNormSource {
	return &ManualNormSource{factor: new(big.Int).Set(Wad)}
}

// Set replaces the stored factor.
func (s *ManualNormSource) Set(factor *big.Int) {
	if s == nil || factor == nil || factor.Sign() < 0 {
		return
	}
	s.mu.Lock()
	s.factor = new(big.Int).Set(factor)
	s.mu.Unlock()
}

// NormFactor returns a copy of the stored factor.
func (s *ManualNormSource) NormFactor() (*big.Int, error) {
	if s == nil {
		return nil, fmt.Errorf("norm source not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.factor == nil {
		return nil, fmt.Errorf("norm factor not set")
	}
	return new(big.Int).Set(s.factor), nil
}

// Accrue applies a linearised funding step to the stored factor:
//
//	factor' = factor * (1 - elapsed * (mark - index) / mark)
//
// where mark and index share a scale and elapsed is expressed in funding
// periods. A mark above index shrinks the factor (longs pay funding, the
// effective debt burden falls); a mark below index grows it. The result is
// clamped at zero. This is an operational approximation for feeding the
// factor, not part of the solvency engine.
func (s *ManualNormSource) Accrue(mark, index *big.Int, elapsed *big.Rat) error {
	if s == nil {
		return fmt.Errorf("norm source not configured")
	}
	if mark == nil || mark.Sign() <= 0 || index == nil || index.Sign() <= 0 {
		return fmt.Errorf("norm accrue: mark and index must be positive")
	}
	if elapsed == nil || elapsed.Sign() < 0 {
		return fmt.Errorf("norm accrue: elapsed must be non-negative")
	}

	premium := new(big.Rat).SetFrac(new(big.Int).Sub(mark, index), mark)
	step := new(big.Rat).Mul(elapsed, premium)
	multiplier := new(big.Rat).Sub(big.NewRat(1, 1), step)
	if multiplier.Sign() < 0 {
		multiplier.SetInt64(0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.factor == nil {
		s.factor = new(big.Int).Set(Wad)
	}
	next := new(big.Rat).Mul(multiplier, new(big.Rat).SetInt(s.factor))
	s.factor = new(big.Int).Quo(next.Num(), next.Denom())
	return nil
}
