package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	errInvalidAmount       = errors.New("token: amount must be positive")
	errInsufficientBalance = errors.New("token: insufficient balance")
	errNotController       = errors.New("token: caller is not the controller")
)

// IsNotController reports whether the supplied error stems from a mint or
// burn attempted by an account other than the configured controller.
func IsNotController(err error) bool {
	return errors.Is(err, errNotController)
}

// Ledger is an in-process bearer-token balance sheet. Transfers are open to
// any holder while mint and burn are restricted to the single controller
// fixed at construction.
type Ledger struct {
	mu          sync.RWMutex
	symbol      string
	controller  common.Address
	balances    map[common.Address]*big.Int
	totalSupply *big.Int
}

// NewLedger constructs a ledger for the given symbol controlled by the
// supplied address.
func NewLedger(symbol string, controller common.Address) *Ledger {
	return &Ledger{
		symbol:      strings.TrimSpace(symbol),
		controller:  controller,
		balances:    make(map[common.Address]*big.Int),
		totalSupply: big.NewInt(0),
	}
}

// Symbol returns the token symbol supplied at construction.
func (l *Ledger) Symbol() string {
	if l == nil {
		return ""
	}
	return l.symbol
}

// Controller returns the address permitted to mint and burn.
func (l *Ledger) Controller() common.Address {
	if l == nil {
		return common.Address{}
	}
	return l.controller
}

// BalanceOf reports the balance held by the supplied address. Unknown
// addresses hold zero.
func (l *Ledger) BalanceOf(addr common.Address) *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if balance, ok := l.balances[addr]; ok {
		return new(big.Int).Set(balance)
	}
	return big.NewInt(0)
}

// TotalSupply reports the aggregate minted supply outstanding.
func (l *Ledger) TotalSupply() *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.totalSupply)
}

// Transfer moves amount from one holder to another. The sending balance must
// cover the full amount; partial transfers are never applied.
func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) error {
	if l == nil {
		return errInsufficientBalance
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balances[from]
	if balance == nil || balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s balance of %s", errInsufficientBalance, l.symbol, from.Hex())
	}
	l.balances[from] = new(big.Int).Sub(balance, amount)
	l.credit(to, amount)
	return nil
}

// Mint credits newly issued tokens to the recipient. Only the controller may
// mint; any other caller is rejected.
func (l *Ledger) Mint(caller, to common.Address, amount *big.Int) error {
	if l == nil {
		return errNotController
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.controller {
		return fmt.Errorf("%w: %s", errNotController, caller.Hex())
	}
	l.credit(to, amount)
	l.totalSupply = new(big.Int).Add(l.totalSupply, amount)
	return nil
}

// Burn destroys tokens held by the controller itself. Only the controller may
// burn, and only out of its own balance.
func (l *Ledger) Burn(caller common.Address, amount *big.Int) error {
	if l == nil {
		return errNotController
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.controller {
		return fmt.Errorf("%w: %s", errNotController, caller.Hex())
	}
	balance := l.balances[l.controller]
	if balance == nil || balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s controller balance", errInsufficientBalance, l.symbol)
	}
	l.balances[l.controller] = new(big.Int).Sub(balance, amount)
	l.totalSupply = new(big.Int).Sub(l.totalSupply, amount)
	return nil
}

func (l *Ledger) credit(addr common.Address, amount *big.Int) {
	if balance, ok := l.balances[addr]; ok {
		l.balances[addr] = new(big.Int).Add(balance, amount)
		return
	}
	l.balances[addr] = new(big.Int).Set(amount)
}
