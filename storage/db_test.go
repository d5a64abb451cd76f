package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runDatabaseSuite(t *testing.T, db Database) {
	t.Helper()

	_, err := db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, db.Put([]byte("k"), []byte("v1")))
	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	require.NoError(t, db.Put([]byte("k"), []byte("v2")))
	got, err = db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	require.NoError(t, db.Delete([]byte("k")))
	_, err = db.Get([]byte("k"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	// Deleting an absent key is not an error.
	require.NoError(t, db.Delete([]byte("k")))
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	runDatabaseSuite(t, db)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	value := []byte("original")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'X'

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("original"), again)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	runDatabaseSuite(t, db)
}

func TestBoltDB(t *testing.T) {
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "powerperp.db"))
	require.NoError(t, err)
	defer db.Close()
	runDatabaseSuite(t, db)
}
