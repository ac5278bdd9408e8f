package vault

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Read-only queries. None of these mutate ledger state, and apart from
// malformed input and the oracle staleness gate on value-dependent lookups
// they succeed for arbitrary accounts, including ones never seen before.

// HealthFactorOf returns the canonical health factor for an account at
// current prices.
func (e *Engine) HealthFactorOf(addr common.Address) (*big.Int, error) {
	if e == nil {
		return nil, errNilStore
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	pos, err := e.loadPosition(addr)
	if err != nil {
		return nil, err
	}
	return e.positionHealthFactor(pos)
}

// AccountInfo reports an account's outstanding debt and the USD value of its
// collateral at current prices.
func (e *Engine) AccountInfo(addr common.Address) (debt, collateralValueUSD *big.Int, err error) {
	if e == nil {
		return nil, nil, errNilStore
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	pos, err := e.loadPosition(addr)
	if err != nil {
		return nil, nil, err
	}
	value, err := e.collateralValueUSD(pos)
	if err != nil {
		return nil, nil, err
	}
	return new(big.Int).Set(pos.Debt), value, nil
}

// CollateralDepositedOf returns the account's deposited balance of the
// registered asset.
func (e *Engine) CollateralDepositedOf(addr, asset common.Address) (*big.Int, error) {
	if e == nil {
		return nil, errNilStore
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.registry.Lookup(asset); !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotRegistered, asset.Hex())
	}
	pos, err := e.loadPosition(addr)
	if err != nil {
		return nil, err
	}
	return pos.CollateralOf(asset), nil
}

// AccountCollateralValue returns the USD value of everything the account has
// deposited, summed over the registered assets at current prices.
func (e *Engine) AccountCollateralValue(addr common.Address) (*big.Int, error) {
	if e == nil {
		return nil, errNilStore
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	pos, err := e.loadPosition(addr)
	if err != nil {
		return nil, err
	}
	return e.collateralValueUSD(pos)
}

// TokenAmountFromUSD converts a USD amount into the equivalent quantity of
// the registered asset at the current price.
func (e *Engine) TokenAmountFromUSD(asset common.Address, usd *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, errNilStore
	}
	if usd == nil || usd.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	registered, ok := e.registry.Lookup(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotRegistered, asset.Hex())
	}
	quote, err := e.prices.Quote(registered.Feed)
	if err != nil {
		return nil, err
	}
	return tokenAmount(usd, quote.Price), nil
}

// TokenUSDValue converts a quantity of the registered asset into its USD
// value at the current price.
func (e *Engine) TokenUSDValue(asset common.Address, amount *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, errNilStore
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	registered, ok := e.registry.Lookup(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotRegistered, asset.Hex())
	}
	quote, err := e.prices.Quote(registered.Feed)
	if err != nil {
		return nil, err
	}
	return usdValue(amount, quote.Price), nil
}

// RegisteredAssets returns the immutable asset list in registration order.
func (e *Engine) RegisteredAssets() []Asset {
	if e == nil {
		return nil
	}
	return e.registry.Assets()
}
