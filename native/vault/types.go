package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"vaultd/core/pricing"
)

// Asset identifies a registered collateral asset by its token address and the
// price feed serving its USD quote. The pairing is fixed at construction.
type Asset struct {
	Token common.Address `json:"token"`
	Feed  common.Address `json:"feed"`
}

// Position maintains the collateral and debt ledger entries for a single
// account. Collateral amounts are keyed by asset token address and
// denominated in wei; Debt is the outstanding issued-token balance. Positions
// exist implicitly the moment any balance is non-zero and wind back down to
// zero through redeem, repay, and liquidate.
type Position struct {
	Collateral map[common.Address]*big.Int
	Debt       *big.Int
}

// NewPosition returns an empty position with all balances at zero.
func NewPosition() *Position {
	return &Position{
		Collateral: make(map[common.Address]*big.Int),
		Debt:       big.NewInt(0),
	}
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := NewPosition()
	for asset, amount := range p.Collateral {
		if amount != nil {
			clone.Collateral[asset] = new(big.Int).Set(amount)
		}
	}
	if p.Debt != nil {
		clone.Debt = new(big.Int).Set(p.Debt)
	}
	return clone
}

// normalise populates nil fields so balance arithmetic is always safe.
func (p *Position) normalise() {
	if p.Collateral == nil {
		p.Collateral = make(map[common.Address]*big.Int)
	}
	if p.Debt == nil {
		p.Debt = big.NewInt(0)
	}
}

// PositionStore abstracts the persistence layer holding account positions.
// GetPosition returns nil without error when no position is recorded.
// Implementations must hand out copies; the engine is the only writer.
type PositionStore interface {
	GetPosition(addr common.Address) (*Position, error)
	PutPosition(addr common.Address, pos *Position) error
}

// TokenTransferor moves token balances between holders. A reported failure
// aborts the enclosing engine operation.
type TokenTransferor interface {
	Transfer(from, to common.Address, amount *big.Int) error
}

// StableToken is the issued unit-of-account token. Mint and burn are
// restricted to the engine's own module address by the implementation.
type StableToken interface {
	TokenTransferor
	Mint(caller, to common.Address, amount *big.Int) error
	Burn(caller common.Address, amount *big.Int) error
}

// PriceSource resolves the current normalised quote for a feed address.
type PriceSource interface {
	Quote(feed common.Address) (pricing.Quote, error)
}
