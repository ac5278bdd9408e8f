package storage

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"vaultd/native/vault"
)

var (
	testAddr  = common.HexToAddress("0x0000000000000000000000000000000000000020")
	testToken = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

func TestPositionRoundTrip(t *testing.T) {
	store := NewPositionStore(NewMemDB())

	pos := vault.NewPosition()
	pos.Collateral[testToken], _ = new(big.Int).SetString("10000000000000000000", 10)
	pos.Debt, _ = new(big.Int).SetString("7000000000000000000000", 10)
	require.NoError(t, store.PutPosition(testAddr, pos))

	loaded, err := store.GetPosition(testAddr)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Zero(t, loaded.Debt.Cmp(pos.Debt))
	require.Zero(t, loaded.Collateral[testToken].Cmp(pos.Collateral[testToken]))
}

func TestGetPositionAbsent(t *testing.T) {
	store := NewPositionStore(NewMemDB())

	loaded, err := store.GetPosition(testAddr)
	require.NoError(t, err)
	require.Nil(t, loaded, "unknown accounts have no stored position")
}

func TestPutPositionDropsZeroBalances(t *testing.T) {
	db := NewMemDB()
	store := NewPositionStore(db)

	pos := vault.NewPosition()
	pos.Collateral[testToken] = big.NewInt(0)
	require.NoError(t, store.PutPosition(testAddr, pos))

	loaded, err := store.GetPosition(testAddr)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	_, held := loaded.Collateral[testToken]
	require.False(t, held, "zero balances must not be persisted")
	require.Zero(t, loaded.Debt.Sign())
}

func TestPutPositionNilWritesEmpty(t *testing.T) {
	store := NewPositionStore(NewMemDB())
	require.NoError(t, store.PutPosition(testAddr, nil))

	loaded, err := store.GetPosition(testAddr)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Zero(t, loaded.Debt.Sign())
	require.Empty(t, loaded.Collateral)
}

func TestGetPositionRejectsCorruptPayload(t *testing.T) {
	db := NewMemDB()
	store := NewPositionStore(db)
	require.NoError(t, db.Put(positionKey(testAddr), []byte(`{"debt":"not-a-number"}`)))

	_, err := store.GetPosition(testAddr)
	require.Error(t, err)
}

func TestMemDBIsolation(t *testing.T) {
	db := NewMemDB()
	key := []byte("k")
	value := []byte("v1")
	require.NoError(t, db.Put(key, value))

	value[0] = 'x'
	got, err := db.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got, "stored values must be defensive copies")

	_, err = db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := NewLevelDB(dir)
	require.NoError(t, err)
	store := NewPositionStore(db)

	pos := vault.NewPosition()
	pos.Debt = big.NewInt(42)
	require.NoError(t, store.PutPosition(testAddr, pos))
	db.Close()

	db, err = NewLevelDB(dir)
	require.NoError(t, err)
	defer db.Close()

	loaded, err := NewPositionStore(db).GetPosition(testAddr)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.EqualValues(t, 42, loaded.Debt.Int64())
}
