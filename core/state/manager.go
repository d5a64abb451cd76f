package state

import (
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"powerperp/core/types"
	"powerperp/crypto"
	"powerperp/native/system"
	"powerperp/native/vault"
	"powerperp/storage"
)

// Manager provides the persistence layer for vault, custody-position,
// account and protocol-state records over a generic key-value store. Every
// Get decodes a fresh record, so callers always receive deep copies and an
// aborted operation cannot leave residue in shared state.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	vaultPrefix    = []byte("vault/record/")
	positionPrefix = []byte("vault/custody/")
	accountPrefix  = []byte("account/")
	vaultSeqKey    = ethcrypto.Keccak256([]byte("vault/sequence"))
	systemStateKey = ethcrypto.Keccak256([]byte("system/state"))
)

// tickBias shifts signed ticks into the unsigned domain for RLP, which has
// no signed integer encoding. It exceeds the maximum supported tick.
const tickBias = int64(1) << 23

func vaultKey(id uint64) []byte {
	buf := make([]byte, len(vaultPrefix)+8)
	copy(buf, vaultPrefix)
	binary.BigEndian.PutUint64(buf[len(vaultPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func positionKey(id uint64) []byte {
	buf := make([]byte, len(positionPrefix)+8)
	copy(buf, positionPrefix)
	binary.BigEndian.PutUint64(buf[len(positionPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func accountKey(addr crypto.Address) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr.Bytes()))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr.Bytes())
	return ethcrypto.Keccak256(buf)
}

type vaultRecord struct {
	ID           uint64
	OwnerPrefix  string
	OwnerBytes   []byte
	Debt         *big.Int
	Collateral   *big.Int
	LPPositionID uint64
}

type positionRecord struct {
	ID           uint64
	TickLower    uint64
	TickUpper    uint64
	Liquidity    *big.Int
	BaseIsToken0 bool
}

type accountRecord struct {
	Nonce        uint64
	BalanceBase  *big.Int
	BalancePower *big.Int
}

type systemRecord struct {
	Mode            uint8
	PausedAtUnix    uint64
	Settled         bool
	SettlementPrice *big.Int
	SettlementScale *big.Int
}

func (m *Manager) get(key []byte, out interface{}) (bool, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) put(key []byte, in interface{}) error {
	encoded, err := rlp.EncodeToBytes(in)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// GetVault returns the stored vault or nil when absent.
func (m *Manager) GetVault(id uint64) (*vault.Vault, error) {
	var rec vaultRecord
	ok, err := m.get(vaultKey(id), &rec)
	if err != nil || !ok {
		return nil, err
	}
	v := &vault.Vault{
		ID:           rec.ID,
		Owner:        crypto.NewAddress(crypto.AddressPrefix(rec.OwnerPrefix), rec.OwnerBytes),
		Debt:         rec.Debt,
		Collateral:   rec.Collateral,
		LPPositionID: rec.LPPositionID,
	}
	v.Normalize()
	return v, nil
}

// PutVault stores the vault record.
func (m *Manager) PutVault(v *vault.Vault) error {
	if v == nil {
		return errors.New("state: nil vault")
	}
	clone := v.Clone()
	rec := vaultRecord{
		ID:           clone.ID,
		OwnerPrefix:  string(clone.Owner.Prefix()),
		OwnerBytes:   clone.Owner.Bytes(),
		Debt:         clone.Debt,
		Collateral:   clone.Collateral,
		LPPositionID: clone.LPPositionID,
	}
	return m.put(vaultKey(clone.ID), &rec)
}

// NextVaultID allocates the next vault identifier, starting at 1 so zero
// can mean "create".
func (m *Manager) NextVaultID() (uint64, error) {
	var next uint64
	data, err := m.db.Get(vaultSeqKey)
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		next = 1
	case err != nil:
		return 0, err
	default:
		next = binary.BigEndian.Uint64(data) + 1
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := m.db.Put(vaultSeqKey, buf); err != nil {
		return 0, err
	}
	return next, nil
}

// GetCustodyPosition returns the custody copy of an attached LP position,
// or nil when absent.
func (m *Manager) GetCustodyPosition(id uint64) (*vault.LPPosition, error) {
	var rec positionRecord
	ok, err := m.get(positionKey(id), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &vault.LPPosition{
		ID:           rec.ID,
		TickLower:    int32(int64(rec.TickLower) - tickBias),
		TickUpper:    int32(int64(rec.TickUpper) - tickBias),
		Liquidity:    rec.Liquidity,
		BaseIsToken0: rec.BaseIsToken0,
	}, nil
}

// PutCustodyPosition stores the custody copy of an attached LP position.
func (m *Manager) PutCustodyPosition(p *vault.LPPosition) error {
	if p == nil {
		return errors.New("state: nil position")
	}
	clone := p.Clone()
	rec := positionRecord{
		ID:           clone.ID,
		TickLower:    uint64(int64(clone.TickLower) + tickBias),
		TickUpper:    uint64(int64(clone.TickUpper) + tickBias),
		Liquidity:    clone.Liquidity,
		BaseIsToken0: clone.BaseIsToken0,
	}
	return m.put(positionKey(clone.ID), &rec)
}

// DeleteCustodyPosition removes the custody copy after a detach.
func (m *Manager) DeleteCustodyPosition(id uint64) error {
	return m.db.Delete(positionKey(id))
}

// GetAccount returns the stored account or nil when absent.
func (m *Manager) GetAccount(addr crypto.Address) (*types.Account, error) {
	var rec accountRecord
	ok, err := m.get(accountKey(addr), &rec)
	if err != nil || !ok {
		return nil, err
	}
	acc := &types.Account{
		Nonce:        rec.Nonce,
		BalanceBase:  rec.BalanceBase,
		BalancePower: rec.BalancePower,
	}
	acc.Normalize()
	return acc, nil
}

// PutAccount stores the account record.
func (m *Manager) PutAccount(addr crypto.Address, acc *types.Account) error {
	if acc == nil {
		return errors.New("state: nil account")
	}
	clone := acc.Clone()
	rec := accountRecord{
		Nonce:        clone.Nonce,
		BalanceBase:  clone.BalanceBase,
		BalancePower: clone.BalancePower,
	}
	return m.put(accountKey(addr), &rec)
}

// GetSystemState returns the stored protocol state or nil when absent.
func (m *Manager) GetSystemState() (*system.Record, error) {
	var rec systemRecord
	ok, err := m.get(systemStateKey, &rec)
	if err != nil || !ok {
		return nil, err
	}
	out := &system.Record{Mode: system.Mode(rec.Mode)}
	if rec.PausedAtUnix != 0 {
		out.PausedAt = time.Unix(int64(rec.PausedAtUnix), 0).UTC()
	}
	if rec.Settled {
		out.SettlementPrice = rec.SettlementPrice
		out.SettlementScale = rec.SettlementScale
	}
	return out, nil
}

// PutSystemState stores the protocol state.
func (m *Manager) PutSystemState(rec *system.Record) error {
	if rec == nil {
		return errors.New("state: nil system record")
	}
	stored := systemRecord{
		Mode:            uint8(rec.Mode),
		SettlementPrice: big.NewInt(0),
		SettlementScale: big.NewInt(0),
	}
	if !rec.PausedAt.IsZero() {
		stored.PausedAtUnix = uint64(rec.PausedAt.Unix())
	}
	if rec.SettlementPrice != nil {
		stored.Settled = true
		stored.SettlementPrice = rec.SettlementPrice
		stored.SettlementScale = rec.SettlementScale
	}
	return m.put(systemStateKey, &stored)
}
