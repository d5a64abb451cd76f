package vault

import (
	"math/big"
	"time"

	"powerperp/core/types"
	"powerperp/crypto"
	"powerperp/native/clpool"
	"powerperp/native/oracle"
)

// Vault is a debt position pairing minted power-token debt with posted
// base-asset collateral. Amounts are denominated in wei and expressed as
// big integers. A vault holds at most one LP position; zero means none.
// Vaults are never deleted: debt and collateral may both return to zero
// but the identifier persists.
type Vault struct {
	ID           uint64
	Owner        crypto.Address
	Debt         *big.Int
	Collateral   *big.Int
	LPPositionID uint64
}

// Normalize replaces nil amounts with zero.
func (v *Vault) Normalize() {
	if v.Debt == nil {
		v.Debt = big.NewInt(0)
	}
	if v.Collateral == nil {
		v.Collateral = big.NewInt(0)
	}
}

// Clone returns a deep copy of the vault.
func (v *Vault) Clone() *Vault {
	if v == nil {
		return nil
	}
	clone := &Vault{ID: v.ID, Owner: v.Owner, LPPositionID: v.LPPositionID}
	if v.Debt != nil {
		clone.Debt = new(big.Int).Set(v.Debt)
	}
	if v.Collateral != nil {
		clone.Collateral = new(big.Int).Set(v.Collateral)
	}
	clone.Normalize()
	return clone
}

// LPPosition describes a concentrated-liquidity claim minted by the
// external position manager. Positions are immutable once minted; the
// ledger only reads them and takes custody while attached to a vault.
// BaseIsToken0 records which pool token slot holds the base asset.
type LPPosition struct {
	ID           uint64
	TickLower    int32
	TickUpper    int32
	Liquidity    *big.Int
	BaseIsToken0 bool
}

// Clone returns a deep copy of the position.
func (p *LPPosition) Clone() *LPPosition {
	if p == nil {
		return nil
	}
	clone := &LPPosition{
		ID:           p.ID,
		TickLower:    p.TickLower,
		TickUpper:    p.TickUpper,
		BaseIsToken0: p.BaseIsToken0,
	}
	if p.Liquidity != nil {
		clone.Liquidity = new(big.Int).Set(p.Liquidity)
	} else {
		clone.Liquidity = big.NewInt(0)
	}
	return clone
}

// Params groups the engine's operating parameters. The minimum
// collateralization ratio is a protocol constant, not configurable per
// vault; only the pool binding and oracle window vary per deployment.
type Params struct {
	// PoolID identifies the concentrated-liquidity pool whose state values
	// attached positions and whose oracle feed prices debt.
	PoolID string
	// TwapWindow is passed to the price oracle on every read.
	TwapWindow time.Duration
}

// PositionManager resolves externally minted LP positions by identifier.
type PositionManager interface {
	GetPosition(positionID uint64) (*LPPosition, error)
}

// PoolSource publishes the pool state used to value attached positions.
type PoolSource interface {
	GetSlot(poolID string) (clpool.Slot, error)
}

// EngineState is the persistence surface the engine mutates. Get methods
// return deep copies (or nil when absent) so an aborted operation leaves no
// observable residue.
type EngineState interface {
	GetVault(id uint64) (*Vault, error)
	PutVault(*Vault) error
	NextVaultID() (uint64, error)
	GetCustodyPosition(id uint64) (*LPPosition, error)
	PutCustodyPosition(*LPPosition) error
	DeleteCustodyPosition(id uint64) error
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, acc *types.Account) error
}

// valuationInputs bundles the market observations a safety check consumes.
type valuationInputs struct {
	slot clpool.Slot
	snap oracle.Snapshot
	norm *big.Int
}
