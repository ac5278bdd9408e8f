package vault

import (
	"math/big"
)

// HealthFactor computes the fixed-point solvency ratio for the supplied debt
// and raw collateral value. A debt-free position reports MaxHealthFactor.
// The function is pure, so callers can evaluate hypothetical positions
// before committing a mutation.
func HealthFactor(debt, collateralValueUSD *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return MaxHealthFactor()
	}
	adjusted := collateralAdjustedForThreshold(collateralValueUSD)
	hf := new(big.Int).Mul(adjusted, precision)
	return hf.Quo(hf, debt)
}

// collateralAdjustedForThreshold discounts a raw collateral value down to the
// portion counted toward borrowing power.
func collateralAdjustedForThreshold(value *big.Int) *big.Int {
	if value == nil || value.Sign() <= 0 {
		return big.NewInt(0)
	}
	adjusted := new(big.Int).Mul(value, thresholdNum)
	return adjusted.Quo(adjusted, thresholdDen)
}

// collateralValueUSD sums the USD value of every registered asset held by the
// position at current prices. A stale quote on any held asset fails the
// whole valuation.
func (e *Engine) collateralValueUSD(pos *Position) (*big.Int, error) {
	total := big.NewInt(0)
	if pos == nil {
		return total, nil
	}
	for _, asset := range e.registry.assets {
		amount := pos.Collateral[asset.Token]
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		quote, err := e.prices.Quote(asset.Feed)
		if err != nil {
			return nil, err
		}
		value := new(big.Int).Mul(amount, quote.Price)
		value.Quo(value, precision)
		total.Add(total, value)
	}
	return total, nil
}

// positionHealthFactor resolves the canonical health factor for a position at
// current prices.
func (e *Engine) positionHealthFactor(pos *Position) (*big.Int, error) {
	if pos == nil || pos.Debt == nil || pos.Debt.Sign() == 0 {
		return MaxHealthFactor(), nil
	}
	value, err := e.collateralValueUSD(pos)
	if err != nil {
		return nil, err
	}
	return HealthFactor(pos.Debt, value), nil
}

// usdValue converts a token amount to its USD value at the supplied 1e18
// price.
func usdValue(amount, price *big.Int) *big.Int {
	value := new(big.Int).Mul(amount, price)
	return value.Quo(value, precision)
}

// tokenAmount converts a USD amount to the equivalent token quantity at the
// supplied 1e18 price.
func tokenAmount(usd, price *big.Int) *big.Int {
	amount := new(big.Int).Mul(usd, precision)
	return amount.Quo(amount, price)
}
