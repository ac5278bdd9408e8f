package vault

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger mutations below never leave a balance negative: a decrease larger
// than the current balance fails outright instead of wrapping. Zero-amount
// mutations are rejected by the facade, not here.

// CollateralOf returns the deposited amount of the asset held by the
// position. Unknown assets hold zero.
func (p *Position) CollateralOf(token common.Address) *big.Int {
	if p == nil || p.Collateral == nil {
		return big.NewInt(0)
	}
	if amount, ok := p.Collateral[token]; ok && amount != nil {
		return new(big.Int).Set(amount)
	}
	return big.NewInt(0)
}

func (p *Position) increaseCollateral(token common.Address, amount *big.Int) {
	p.normalise()
	current := p.Collateral[token]
	if current == nil {
		current = big.NewInt(0)
	}
	p.Collateral[token] = new(big.Int).Add(current, amount)
}

func (p *Position) decreaseCollateral(token common.Address, amount *big.Int) error {
	p.normalise()
	current := p.Collateral[token]
	if current == nil || current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: collateral %s", ErrBalanceUnderflow, token.Hex())
	}
	p.Collateral[token] = new(big.Int).Sub(current, amount)
	return nil
}

func (p *Position) increaseDebt(amount *big.Int) {
	p.normalise()
	p.Debt = new(big.Int).Add(p.Debt, amount)
}

func (p *Position) decreaseDebt(amount *big.Int) error {
	p.normalise()
	if p.Debt.Cmp(amount) < 0 {
		return fmt.Errorf("%w: debt", ErrBalanceUnderflow)
	}
	p.Debt = new(big.Int).Sub(p.Debt, amount)
	return nil
}
