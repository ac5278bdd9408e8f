package token

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	controller = common.HexToAddress("0x0000000000000000000000000000000000000001")
	alice      = common.HexToAddress("0x0000000000000000000000000000000000000002")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

func TestMintRestrictedToController(t *testing.T) {
	ledger := NewLedger("sUSD", controller)

	err := ledger.Mint(alice, alice, big.NewInt(100))
	require.True(t, IsNotController(err))
	require.Zero(t, ledger.BalanceOf(alice).Sign())

	require.NoError(t, ledger.Mint(controller, alice, big.NewInt(100)))
	require.EqualValues(t, 100, ledger.BalanceOf(alice).Int64())
	require.EqualValues(t, 100, ledger.TotalSupply().Int64())
}

func TestBurnRestrictedToControllerBalance(t *testing.T) {
	ledger := NewLedger("sUSD", controller)
	require.NoError(t, ledger.Mint(controller, controller, big.NewInt(50)))

	err := ledger.Burn(alice, big.NewInt(10))
	require.True(t, IsNotController(err))

	require.Error(t, ledger.Burn(controller, big.NewInt(60)), "burn beyond balance must fail")

	require.NoError(t, ledger.Burn(controller, big.NewInt(50)))
	require.Zero(t, ledger.TotalSupply().Sign())
	require.Zero(t, ledger.BalanceOf(controller).Sign())
}

func TestTransfer(t *testing.T) {
	ledger := NewLedger("WETH", controller)
	require.NoError(t, ledger.Mint(controller, alice, big.NewInt(30)))

	require.Error(t, ledger.Transfer(alice, bob, big.NewInt(31)), "overdraw must fail atomically")
	require.EqualValues(t, 30, ledger.BalanceOf(alice).Int64())
	require.Zero(t, ledger.BalanceOf(bob).Sign())

	require.NoError(t, ledger.Transfer(alice, bob, big.NewInt(12)))
	require.EqualValues(t, 18, ledger.BalanceOf(alice).Int64())
	require.EqualValues(t, 12, ledger.BalanceOf(bob).Int64())
	require.EqualValues(t, 30, ledger.TotalSupply().Int64(), "transfers leave supply unchanged")
}

func TestAmountValidation(t *testing.T) {
	ledger := NewLedger("sUSD", controller)
	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1)} {
		require.Error(t, ledger.Mint(controller, alice, amount))
		require.Error(t, ledger.Burn(controller, amount))
		require.Error(t, ledger.Transfer(alice, bob, amount))
	}
}

func TestBalanceOfReturnsCopy(t *testing.T) {
	ledger := NewLedger("sUSD", controller)
	require.NoError(t, ledger.Mint(controller, alice, big.NewInt(5)))

	ledger.BalanceOf(alice).SetInt64(999)
	require.EqualValues(t, 5, ledger.BalanceOf(alice).Int64())
}
