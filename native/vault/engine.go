package vault

import (
	"errors"
	"math/big"
	"strings"

	"powerperp/core/types"
	"powerperp/crypto"
	"powerperp/native/clpool"
	nativecommon "powerperp/native/common"
	"powerperp/native/oracle"
)

var (
	errNilState            = errors.New("vault engine: state not configured")
	errNilOracle           = errors.New("vault engine: oracle not configured")
	errNilNormSource       = errors.New("vault engine: norm source not configured")
	errNilPositionManager  = errors.New("vault engine: position manager not configured")
	errNilPoolSource       = errors.New("vault engine: pool source not configured")
	errPoolNotConfigured   = errors.New("vault engine: pool identifier not configured")
	ErrInvalidAmount       = errors.New("vault engine: amount must be positive")
	ErrUnknownVault        = errors.New("vault engine: unknown vault")
	ErrUnknownPosition     = errors.New("vault engine: unknown lp position")
	ErrNotVaultOwner       = errors.New("vault engine: caller does not own vault")
	ErrVaultUnsafe         = errors.New("vault engine: collateral ratio below minimum")
	ErrPositionAttached    = errors.New("vault engine: vault already holds an lp position")
	ErrPositionInCustody   = errors.New("vault engine: lp position held by another vault")
	ErrNoPositionAttached  = errors.New("vault engine: vault holds no lp position")
	ErrInsufficientBalance = errors.New("vault engine: insufficient balance")
	ErrStaleOracle         = errors.New("vault engine: oracle price stale or unavailable")
	ErrNoDebtToBurn        = errors.New("vault engine: no outstanding debt to burn")
)

const moduleName = "vault"

// Engine owns all vault records and orchestrates the primary state
// transitions: mint, burn, collateral moves and LP attach/detach. Every
// mutation recomputes safety after all deltas are applied and persists
// nothing when the post-state fails the check, so a rejected call leaves no
// partial effect.
type Engine struct {
	state         EngineState
	moduleAddress crypto.Address
	params        Params
	gate          nativecommon.Gate
	px            oracle.PriceOracle
	norm          oracle.NormSource
	positions     PositionManager
	pool          PoolSource
}

// NewEngine constructs a vault engine bound to the module treasury address
// and operating parameters.
func NewEngine(moduleAddr crypto.Address, params Params) *Engine {
	params.PoolID = strings.TrimSpace(params.PoolID)
	return &Engine{
		moduleAddress: moduleAddr,
		params:        params,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state EngineState) { e.state = state }

// SetGate wires the protocol state machine that gates operations.
func (e *Engine) SetGate(g nativecommon.Gate) {
	if e == nil {
		return
	}
	e.gate = g
}

// SetOracle configures the reference price source.
func (e *Engine) SetOracle(px oracle.PriceOracle) {
	if e == nil {
		return
	}
	e.px = px
}

// SetNormSource configures the funding normalization factor source.
func (e *Engine) SetNormSource(src oracle.NormSource) {
	if e == nil {
		return
	}
	e.norm = src
}

// SetPositionManager configures the external LP position resolver.
func (e *Engine) SetPositionManager(pm PositionManager) {
	if e == nil {
		return
	}
	e.positions = pm
}

// SetPoolSource configures the pool-state reader.
func (e *Engine) SetPoolSource(ps PoolSource) {
	if e == nil {
		return
	}
	e.pool = ps
}

// PoolID returns the pool the engine values positions against.
func (e *Engine) PoolID() string {
	if e == nil {
		return ""
	}
	return e.params.PoolID
}

// Mint increases a vault's debt by debtDelta, credits the minted power
// tokens to the owner, moves collateralSent from the owner into module
// custody and optionally attaches positionID (zero means none). Passing
// vaultID zero creates a new vault owned by the caller; the new identifier
// is returned. The vault must be safe after all deltas or the whole call is
// rejected with no effect.
func (e *Engine) Mint(owner crypto.Address, vaultID uint64, debtDelta *big.Int, positionID uint64, collateralSent *big.Int) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if err := nativecommon.Guard(e.gate, nativecommon.OpExpand); err != nil {
		return 0, err
	}
	if debtDelta == nil || debtDelta.Sign() < 0 {
		return 0, ErrInvalidAmount
	}
	if collateralSent == nil || collateralSent.Sign() < 0 {
		return 0, ErrInvalidAmount
	}
	if debtDelta.Sign() == 0 && collateralSent.Sign() == 0 && positionID == 0 {
		return 0, ErrInvalidAmount
	}

	v, err := e.loadOrCreateVault(owner, vaultID)
	if err != nil {
		return 0, err
	}

	ownerAcc, err := e.loadAccount(owner)
	if err != nil {
		return 0, err
	}
	if ownerAcc.BalanceBase.Cmp(collateralSent) < 0 {
		return 0, ErrInsufficientBalance
	}
	moduleAcc, err := e.loadAccount(e.moduleAddress)
	if err != nil {
		return 0, err
	}

	ownerAcc.BalanceBase = new(big.Int).Sub(ownerAcc.BalanceBase, collateralSent)
	moduleAcc.BalanceBase = new(big.Int).Add(moduleAcc.BalanceBase, collateralSent)
	ownerAcc.BalancePower = new(big.Int).Add(ownerAcc.BalancePower, debtDelta)

	v.Debt = new(big.Int).Add(v.Debt, debtDelta)
	v.Collateral = new(big.Int).Add(v.Collateral, collateralSent)

	var custody *LPPosition
	if positionID != 0 {
		custody, err = e.resolveAttach(v, positionID)
		if err != nil {
			return 0, err
		}
		v.LPPositionID = positionID
	}

	if err := e.checkSafety(v, custody); err != nil {
		return 0, err
	}

	if err := e.state.PutAccount(owner, ownerAcc); err != nil {
		return 0, err
	}
	if err := e.state.PutAccount(e.moduleAddress, moduleAcc); err != nil {
		return 0, err
	}
	if custody != nil {
		if err := e.state.PutCustodyPosition(custody); err != nil {
			return 0, err
		}
	}
	if err := e.state.PutVault(v); err != nil {
		return 0, err
	}
	return v.ID, nil
}

// Burn reduces a vault's debt by debtDelta, debiting the power tokens from
// the owner's balance, and optionally detaches the vault's LP position in
// the same atomic unit. Safety is always re-checked: burning alone improves
// the ratio, but a simultaneous detach can reduce collateral by more.
func (e *Engine) Burn(owner crypto.Address, vaultID uint64, debtDelta *big.Int, detachPosition bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.gate, nativecommon.OpMutate); err != nil {
		return err
	}
	if debtDelta == nil || debtDelta.Sign() <= 0 {
		return ErrInvalidAmount
	}

	v, err := e.loadOwnedVault(owner, vaultID)
	if err != nil {
		return err
	}
	if v.Debt.Sign() == 0 {
		return ErrNoDebtToBurn
	}
	if debtDelta.Cmp(v.Debt) > 0 {
		return ErrInvalidAmount
	}

	ownerAcc, err := e.loadAccount(owner)
	if err != nil {
		return err
	}
	if ownerAcc.BalancePower.Cmp(debtDelta) < 0 {
		return ErrInsufficientBalance
	}

	ownerAcc.BalancePower = new(big.Int).Sub(ownerAcc.BalancePower, debtDelta)
	v.Debt = new(big.Int).Sub(v.Debt, debtDelta)

	detachedID := uint64(0)
	if detachPosition {
		if v.LPPositionID == 0 {
			return ErrNoPositionAttached
		}
		detachedID = v.LPPositionID
		v.LPPositionID = 0
	}

	if err := e.checkSafety(v, nil); err != nil {
		return err
	}

	if err := e.state.PutAccount(owner, ownerAcc); err != nil {
		return err
	}
	if detachedID != 0 {
		if err := e.state.DeleteCustodyPosition(detachedID); err != nil {
			return err
		}
	}
	return e.state.PutVault(v)
}

// DepositCollateral moves amount from the owner's balance into the vault.
// Deposit-only mutations cannot reduce safety, so no check is performed.
func (e *Engine) DepositCollateral(owner crypto.Address, vaultID uint64, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.gate, nativecommon.OpMutate); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	v, err := e.loadOwnedVault(owner, vaultID)
	if err != nil {
		return err
	}

	ownerAcc, err := e.loadAccount(owner)
	if err != nil {
		return err
	}
	if ownerAcc.BalanceBase.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	moduleAcc, err := e.loadAccount(e.moduleAddress)
	if err != nil {
		return err
	}

	ownerAcc.BalanceBase = new(big.Int).Sub(ownerAcc.BalanceBase, amount)
	moduleAcc.BalanceBase = new(big.Int).Add(moduleAcc.BalanceBase, amount)
	v.Collateral = new(big.Int).Add(v.Collateral, amount)

	if err := e.state.PutAccount(owner, ownerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.moduleAddress, moduleAcc); err != nil {
		return err
	}
	return e.state.PutVault(v)
}

// WithdrawCollateral releases amount back to the owner while ensuring the
// resulting vault remains safe.
func (e *Engine) WithdrawCollateral(owner crypto.Address, vaultID uint64, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.gate, nativecommon.OpMutate); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	v, err := e.loadOwnedVault(owner, vaultID)
	if err != nil {
		return err
	}
	if v.Collateral.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}

	moduleAcc, err := e.loadAccount(e.moduleAddress)
	if err != nil {
		return err
	}
	if moduleAcc.BalanceBase.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	ownerAcc, err := e.loadAccount(owner)
	if err != nil {
		return err
	}

	v.Collateral = new(big.Int).Sub(v.Collateral, amount)
	moduleAcc.BalanceBase = new(big.Int).Sub(moduleAcc.BalanceBase, amount)
	ownerAcc.BalanceBase = new(big.Int).Add(ownerAcc.BalanceBase, amount)

	custody, err := e.loadCustody(v)
	if err != nil {
		return err
	}
	if err := e.checkSafety(v, custody); err != nil {
		return err
	}

	if err := e.state.PutAccount(e.moduleAddress, moduleAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(owner, ownerAcc); err != nil {
		return err
	}
	return e.state.PutVault(v)
}

// AttachLPPosition binds an external LP position to the vault, taking
// custody of it. Attaching adds collateral value so no safety check is
// needed, but the vault may hold at most one position.
func (e *Engine) AttachLPPosition(owner crypto.Address, vaultID uint64, positionID uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.gate, nativecommon.OpExpand); err != nil {
		return err
	}
	if positionID == 0 {
		return ErrUnknownPosition
	}

	v, err := e.loadOwnedVault(owner, vaultID)
	if err != nil {
		return err
	}
	custody, err := e.resolveAttach(v, positionID)
	if err != nil {
		return err
	}
	v.LPPositionID = positionID

	if err := e.state.PutCustodyPosition(custody); err != nil {
		return err
	}
	return e.state.PutVault(v)
}

// DetachLPPosition releases the vault's LP position back to the owner.
// Safety is re-checked because the position's value no longer backs the
// debt.
func (e *Engine) DetachLPPosition(owner crypto.Address, vaultID uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.gate, nativecommon.OpMutate); err != nil {
		return err
	}

	v, err := e.loadOwnedVault(owner, vaultID)
	if err != nil {
		return err
	}
	if v.LPPositionID == 0 {
		return ErrNoPositionAttached
	}
	detachedID := v.LPPositionID
	v.LPPositionID = 0

	if err := e.checkSafety(v, nil); err != nil {
		return err
	}

	if err := e.state.DeleteCustodyPosition(detachedID); err != nil {
		return err
	}
	return e.state.PutVault(v)
}

// IsVaultSafe reports the safety verdict for a vault. It is read-only,
// callable in any protocol mode, and treats nonexistent vaults as trivially
// safe (zero debt, zero collateral).
func (e *Engine) IsVaultSafe(vaultID uint64) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	v, err := e.state.GetVault(vaultID)
	if err != nil {
		return false, err
	}
	if v == nil {
		return true, nil
	}
	v.Normalize()
	if v.Debt.Sign() == 0 {
		return true, nil
	}
	custody, err := e.loadCustody(v)
	if err != nil {
		return false, err
	}
	inputs, err := e.observe()
	if err != nil {
		return false, err
	}
	return IsSafe(v, custody, inputs.slot, inputs.snap, inputs.norm)
}

// GetVault returns a copy of the vault record, or nil when absent.
func (e *Engine) GetVault(vaultID uint64) (*Vault, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.GetVault(vaultID)
}

// --- internal helpers ---

func (e *Engine) loadOrCreateVault(owner crypto.Address, vaultID uint64) (*Vault, error) {
	if vaultID == 0 {
		id, err := e.state.NextVaultID()
		if err != nil {
			return nil, err
		}
		v := &Vault{ID: id, Owner: owner}
		v.Normalize()
		return v, nil
	}
	return e.loadOwnedVault(owner, vaultID)
}

func (e *Engine) loadOwnedVault(owner crypto.Address, vaultID uint64) (*Vault, error) {
	v, err := e.state.GetVault(vaultID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrUnknownVault
	}
	if !v.Owner.Equal(owner) {
		return nil, ErrNotVaultOwner
	}
	v.Normalize()
	return v, nil
}

func (e *Engine) loadAccount(addr crypto.Address) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = types.NewAccount()
	}
	acc.Normalize()
	return acc, nil
}

// resolveAttach validates that the vault can take positionID and returns
// the custody copy read from the external position manager. Custody is
// exclusive: a position whose custody record already exists is backing some
// vault, and only that vault may re-reference it.
func (e *Engine) resolveAttach(v *Vault, positionID uint64) (*LPPosition, error) {
	if v.LPPositionID != 0 && v.LPPositionID != positionID {
		return nil, ErrPositionAttached
	}
	if e.positions == nil {
		return nil, errNilPositionManager
	}
	held, err := e.state.GetCustodyPosition(positionID)
	if err != nil {
		return nil, err
	}
	if held != nil && v.LPPositionID != positionID {
		return nil, ErrPositionInCustody
	}
	pos, err := e.positions.GetPosition(positionID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, ErrUnknownPosition
	}
	if pos.TickLower < clpool.MinTick || pos.TickUpper > clpool.MaxTick {
		return nil, clpool.ErrTickRange
	}
	custody := pos.Clone()
	custody.ID = positionID
	return custody, nil
}

func (e *Engine) loadCustody(v *Vault) (*LPPosition, error) {
	if v.LPPositionID == 0 {
		return nil, nil
	}
	custody, err := e.state.GetCustodyPosition(v.LPPositionID)
	if err != nil {
		return nil, err
	}
	if custody == nil {
		return nil, ErrUnknownPosition
	}
	return custody, nil
}

// observe gathers the market inputs for a safety check: pool slot, oracle
// snapshot and normalization factor, all fetched fresh per call.
func (e *Engine) observe() (valuationInputs, error) {
	if strings.TrimSpace(e.params.PoolID) == "" {
		return valuationInputs{}, errPoolNotConfigured
	}
	if e.px == nil {
		return valuationInputs{}, errNilOracle
	}
	if e.norm == nil {
		return valuationInputs{}, errNilNormSource
	}
	if e.pool == nil {
		return valuationInputs{}, errNilPoolSource
	}
	snap, err := e.px.GetPrice(e.params.PoolID, e.params.TwapWindow)
	if err != nil {
		if errors.Is(err, oracle.ErrNoFreshQuote) {
			return valuationInputs{}, ErrStaleOracle
		}
		return valuationInputs{}, err
	}
	norm, err := e.norm.NormFactor()
	if err != nil {
		return valuationInputs{}, err
	}
	slot, err := e.pool.GetSlot(e.params.PoolID)
	if err != nil {
		return valuationInputs{}, err
	}
	return valuationInputs{slot: slot, snap: snap, norm: norm}, nil
}

// checkSafety evaluates the post-mutation vault and converts an unsafe
// verdict into ErrVaultUnsafe. Vaults with no debt are trivially safe and
// skip the market reads entirely.
func (e *Engine) checkSafety(v *Vault, custody *LPPosition) error {
	if v.Debt.Sign() == 0 {
		return nil
	}
	if custody == nil && v.LPPositionID != 0 {
		loaded, err := e.loadCustody(v)
		if err != nil {
			return err
		}
		custody = loaded
	}
	inputs, err := e.observe()
	if err != nil {
		return err
	}
	safe, err := IsSafe(v, custody, inputs.slot, inputs.snap, inputs.norm)
	if err != nil {
		return err
	}
	if !safe {
		return ErrVaultUnsafe
	}
	return nil
}
