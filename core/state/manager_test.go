package state

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"powerperp/core/types"
	"powerperp/crypto"
	"powerperp/native/system"
	"powerperp/native/vault"
	"powerperp/storage"
)

func testManager() *Manager {
	return NewManager(storage.NewMemDB())
}

func testOwner() crypto.Address {
	raw := make([]byte, 20)
	raw[0] = 0x42
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func TestVaultRoundTrip(t *testing.T) {
	m := testManager()

	got, err := m.GetVault(1)
	require.NoError(t, err)
	require.Nil(t, got)

	owner := testOwner()
	v := &vault.Vault{
		ID:           1,
		Owner:        owner,
		Debt:         big.NewInt(100),
		Collateral:   big.NewInt(45),
		LPPositionID: 7,
	}
	require.NoError(t, m.PutVault(v))

	got, err = m.GetVault(1)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint64(1), got.ID)
	require.Equal(t, owner.String(), got.Owner.String())
	require.Equal(t, crypto.AccountPrefix, got.Owner.Prefix())
	require.Zero(t, got.Debt.Cmp(big.NewInt(100)))
	require.Zero(t, got.Collateral.Cmp(big.NewInt(45)))
	require.Equal(t, uint64(7), got.LPPositionID)

	// Mutating the returned copy must not touch stored state.
	got.Debt.SetInt64(1)
	again, err := m.GetVault(1)
	require.NoError(t, err)
	require.Zero(t, again.Debt.Cmp(big.NewInt(100)))
}

func TestVaultZeroAmountsNormalized(t *testing.T) {
	m := testManager()
	require.NoError(t, m.PutVault(&vault.Vault{ID: 2, Owner: testOwner()}))

	got, err := m.GetVault(2)
	require.NoError(t, err)
	require.NotNil(t, got.Debt)
	require.NotNil(t, got.Collateral)
	require.Zero(t, got.Debt.Sign())
	require.Zero(t, got.Collateral.Sign())
}

func TestCustodyPositionRoundTripNegativeTicks(t *testing.T) {
	m := testManager()

	got, err := m.GetCustodyPosition(7)
	require.NoError(t, err)
	require.Nil(t, got)

	pos := &vault.LPPosition{
		ID:           7,
		TickLower:    -887272,
		TickUpper:    887272,
		Liquidity:    new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil),
		BaseIsToken0: true,
	}
	require.NoError(t, m.PutCustodyPosition(pos))

	got, err = m.GetCustodyPosition(7)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, int32(-887272), got.TickLower)
	require.Equal(t, int32(887272), got.TickUpper)
	require.Zero(t, got.Liquidity.Cmp(pos.Liquidity))
	require.True(t, got.BaseIsToken0)

	require.NoError(t, m.DeleteCustodyPosition(7))
	got, err = m.GetCustodyPosition(7)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestAccountRoundTrip(t *testing.T) {
	m := testManager()
	owner := testOwner()

	got, err := m.GetAccount(owner)
	require.NoError(t, err)
	require.Nil(t, got)

	acc := &types.Account{
		Nonce:        3,
		BalanceBase:  big.NewInt(955),
		BalancePower: big.NewInt(100),
	}
	require.NoError(t, m.PutAccount(owner, acc))

	got, err = m.GetAccount(owner)
	require.NoError(t, err)
	require.Equal(t, uint64(3), got.Nonce)
	require.Zero(t, got.BalanceBase.Cmp(big.NewInt(955)))
	require.Zero(t, got.BalancePower.Cmp(big.NewInt(100)))
}

func TestNextVaultIDSequence(t *testing.T) {
	m := testManager()
	for want := uint64(1); want <= 3; want++ {
		id, err := m.NextVaultID()
		require.NoError(t, err)
		require.Equal(t, want, id)
	}
}

func TestSystemStateRoundTrip(t *testing.T) {
	m := testManager()

	got, err := m.GetSystemState()
	require.NoError(t, err)
	require.Nil(t, got)

	pausedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.PutSystemState(&system.Record{
		Mode:     system.ModePaused,
		PausedAt: pausedAt,
	}))

	got, err = m.GetSystemState()
	require.NoError(t, err)
	require.Equal(t, system.ModePaused, got.Mode)
	require.True(t, got.PausedAt.Equal(pausedAt))
	require.Nil(t, got.SettlementPrice)

	require.NoError(t, m.PutSystemState(&system.Record{
		Mode:            system.ModeShutDown,
		SettlementPrice: big.NewInt(3000),
		SettlementScale: big.NewInt(10_000),
	}))

	got, err = m.GetSystemState()
	require.NoError(t, err)
	require.Equal(t, system.ModeShutDown, got.Mode)
	require.NotNil(t, got.SettlementPrice)
	require.Zero(t, got.SettlementPrice.Cmp(big.NewInt(3000)))
	require.Zero(t, got.SettlementScale.Cmp(big.NewInt(10_000)))
}
