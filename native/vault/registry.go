package vault

import (
	"errors"
	"strings"
	"sync"

	"powerperp/native/clpool"
)

var (
	// ErrUnknownPool is returned when no slot has been published for a pool.
	ErrUnknownPool = errors.New("vault registry: unknown pool")
	// ErrInvalidPosition is returned for positions that fail basic checks.
	ErrInvalidPosition = errors.New("vault registry: invalid lp position")
)

// Registry is an in-memory pool-state and LP-position book. It stands in for
// the external position manager in deployments where pool observations and
// minted positions arrive over the operator surface rather than from a live
// venue integration. It satisfies both PoolSource and PositionManager.
type Registry struct {
	mu        sync.RWMutex
	slots     map[string]clpool.Slot
	positions map[uint64]*LPPosition
	nextID    uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		slots:     make(map[string]clpool.Slot),
		positions: make(map[uint64]*LPPosition),
		nextID:    1,
	}
}

// SetSlot publishes the current slot for a pool, replacing any prior value.
func (r *Registry) SetSlot(poolID string, slot clpool.Slot) error {
	poolID = strings.TrimSpace(poolID)
	if poolID == "" {
		return ErrUnknownPool
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[poolID] = slot.Clone()
	return nil
}

// GetSlot returns the last published slot for the pool.
func (r *Registry) GetSlot(poolID string) (clpool.Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.slots[strings.TrimSpace(poolID)]
	if !ok {
		return clpool.Slot{}, ErrUnknownPool
	}
	return slot.Clone(), nil
}

// RegisterPosition records an externally minted LP position and returns its
// identifier. A zero-ID position is assigned the next free identifier;
// a nonzero ID replaces any existing record with that ID.
func (r *Registry) RegisterPosition(p *LPPosition) (uint64, error) {
	if p == nil || p.Liquidity == nil || p.Liquidity.Sign() < 0 {
		return 0, ErrInvalidPosition
	}
	if p.TickLower >= p.TickUpper {
		return 0, ErrInvalidPosition
	}
	if p.TickLower < clpool.MinTick || p.TickUpper > clpool.MaxTick {
		return 0, ErrInvalidPosition
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := p.Clone()
	if stored.ID == 0 {
		stored.ID = r.nextID
		r.nextID++
	} else if stored.ID >= r.nextID {
		r.nextID = stored.ID + 1
	}
	r.positions[stored.ID] = stored
	return stored.ID, nil
}

// GetPosition resolves a position by identifier.
func (r *Registry) GetPosition(positionID uint64) (*LPPosition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.positions[positionID]
	if !ok {
		return nil, ErrUnknownPosition
	}
	return pos.Clone(), nil
}
