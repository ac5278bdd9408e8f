package vault

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Engine is the single entry point for every ledger mutation. Operations are
// serialized by a per-instance lock and follow checks-effects-interactions
// ordering: all ledger state is validated and committed before any external
// token call is issued, and a failed external call rolls the committed ledger
// writes back. No operation leaves a position violating the solvency
// invariant it is responsible for protecting.
type Engine struct {
	mu            sync.RWMutex
	moduleAddress common.Address
	registry      *Registry
	stable        StableToken
	prices        PriceSource
	store         PositionStore
	collateral    map[common.Address]TokenTransferor
	logger        *slog.Logger
}

// NewEngine constructs an engine for the supplied asset/feed pairing. The
// module address is the identity the engine uses when holding collateral and
// minting or burning the issued token.
func NewEngine(moduleAddr common.Address, tokens, feeds []common.Address, stable StableToken, prices PriceSource) (*Engine, error) {
	if (moduleAddr == common.Address{}) {
		return nil, fmt.Errorf("%w: module address required", ErrConfig)
	}
	if stable == nil {
		return nil, fmt.Errorf("%w: issued token required", ErrConfig)
	}
	if prices == nil {
		return nil, fmt.Errorf("%w: price source required", ErrConfig)
	}
	registry, err := NewRegistry(tokens, feeds)
	if err != nil {
		return nil, err
	}
	return &Engine{
		moduleAddress: moduleAddr,
		registry:      registry,
		stable:        stable,
		prices:        prices,
		collateral:    make(map[common.Address]TokenTransferor, registry.Len()),
	}, nil
}

// SetStore wires the engine to the external persistence layer.
func (e *Engine) SetStore(store PositionStore) {
	if e == nil {
		return
	}
	e.store = store
}

// SetLogger configures the logger used for liquidation events and rollback
// failures.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil {
		return
	}
	e.logger = logger
}

// SetCollateralTransferor wires the transfer collaborator for a registered
// collateral asset.
func (e *Engine) SetCollateralTransferor(token common.Address, transferor TokenTransferor) error {
	if e == nil {
		return ErrConfig
	}
	if _, ok := e.registry.Lookup(token); !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotRegistered, token.Hex())
	}
	if transferor == nil {
		return fmt.Errorf("%w: nil transferor for %s", ErrConfig, token.Hex())
	}
	e.collateral[token] = transferor
	return nil
}

// ModuleAddress returns the engine's own identity.
func (e *Engine) ModuleAddress() common.Address {
	if e == nil {
		return common.Address{}
	}
	return e.moduleAddress
}

// DepositCollateral locks amount of the registered asset for the caller. A
// deposit only improves solvency so no post-check is required.
func (e *Engine) DepositCollateral(caller, asset common.Address, amount *big.Int) error {
	if e == nil {
		return errNilStore
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.depositCollateral(caller, asset, amount)
}

func (e *Engine) depositCollateral(caller, asset common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	transferor, err := e.transferor(asset)
	if err != nil {
		return err
	}
	pos, err := e.loadPosition(caller)
	if err != nil {
		return err
	}
	prior := pos.Clone()
	pos.increaseCollateral(asset, amount)
	if err := e.persistPosition(caller, pos); err != nil {
		return err
	}
	if err := transferor.Transfer(caller, e.moduleAddress, amount); err != nil {
		e.restorePosition(caller, prior)
		return fmt.Errorf("%w: deposit %s: %v", ErrTransferFailed, asset.Hex(), err)
	}
	return nil
}

// Borrow mints amount of the issued token to the caller after verifying the
// resulting position stays at or above the minimum health factor.
func (e *Engine) Borrow(caller common.Address, amount *big.Int) error {
	if e == nil {
		return errNilStore
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.borrow(caller, amount)
}

func (e *Engine) borrow(caller common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	pos, err := e.loadPosition(caller)
	if err != nil {
		return err
	}
	prior := pos.Clone()
	pos.increaseDebt(amount)
	if err := e.requireHealthy(caller, pos); err != nil {
		return err
	}
	if err := e.persistPosition(caller, pos); err != nil {
		return err
	}
	if err := e.stable.Mint(e.moduleAddress, caller, amount); err != nil {
		e.restorePosition(caller, prior)
		return fmt.Errorf("%w: mint: %v", ErrTransferFailed, err)
	}
	return nil
}

// DepositCollateralAndBorrow runs a deposit followed by a borrow as one
// atomic operation.
func (e *Engine) DepositCollateralAndBorrow(caller, asset common.Address, amount, borrowAmount *big.Int) error {
	if e == nil {
		return errNilStore
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := checkAmount(amount); err != nil {
		return err
	}
	if err := checkAmount(borrowAmount); err != nil {
		return err
	}
	transferor, err := e.transferor(asset)
	if err != nil {
		return err
	}
	pos, err := e.loadPosition(caller)
	if err != nil {
		return err
	}
	prior := pos.Clone()
	pos.increaseCollateral(asset, amount)
	pos.increaseDebt(borrowAmount)
	if err := e.requireHealthy(caller, pos); err != nil {
		return err
	}
	if err := e.persistPosition(caller, pos); err != nil {
		return err
	}
	if err := transferor.Transfer(caller, e.moduleAddress, amount); err != nil {
		e.restorePosition(caller, prior)
		return fmt.Errorf("%w: deposit %s: %v", ErrTransferFailed, asset.Hex(), err)
	}
	if err := e.stable.Mint(e.moduleAddress, caller, borrowAmount); err != nil {
		e.restorePosition(caller, prior)
		if undoErr := transferor.Transfer(e.moduleAddress, caller, amount); undoErr != nil {
			e.log().Error("collateral return failed after aborted borrow",
				"account", caller.Hex(), "asset", asset.Hex(), "error", undoErr)
		}
		return fmt.Errorf("%w: mint: %v", ErrTransferFailed, err)
	}
	return nil
}

// RedeemCollateral releases amount of the asset back to the caller provided
// the remaining position stays healthy.
func (e *Engine) RedeemCollateral(caller, asset common.Address, amount *big.Int) error {
	if e == nil {
		return errNilStore
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.redeemCollateral(caller, asset, amount)
}

func (e *Engine) redeemCollateral(caller, asset common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	transferor, err := e.transferor(asset)
	if err != nil {
		return err
	}
	pos, err := e.loadPosition(caller)
	if err != nil {
		return err
	}
	prior := pos.Clone()
	if err := pos.decreaseCollateral(asset, amount); err != nil {
		return err
	}
	if err := e.requireHealthy(caller, pos); err != nil {
		return err
	}
	if err := e.persistPosition(caller, pos); err != nil {
		return err
	}
	if err := transferor.Transfer(e.moduleAddress, caller, amount); err != nil {
		e.restorePosition(caller, prior)
		return fmt.Errorf("%w: redeem %s: %v", ErrTransferFailed, asset.Hex(), err)
	}
	return nil
}

// Repay pulls amount of the issued token from the caller, destroys it, and
// reduces their outstanding debt. Repaying only improves solvency.
func (e *Engine) Repay(caller common.Address, amount *big.Int) error {
	if e == nil {
		return errNilStore
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.repay(caller, amount)
}

func (e *Engine) repay(caller common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	pos, err := e.loadPosition(caller)
	if err != nil {
		return err
	}
	prior := pos.Clone()
	if err := pos.decreaseDebt(amount); err != nil {
		return err
	}
	if err := e.persistPosition(caller, pos); err != nil {
		return err
	}
	if err := e.stable.Transfer(caller, e.moduleAddress, amount); err != nil {
		e.restorePosition(caller, prior)
		return fmt.Errorf("%w: repay: %v", ErrTransferFailed, err)
	}
	if err := e.stable.Burn(e.moduleAddress, amount); err != nil {
		e.restorePosition(caller, prior)
		if undoErr := e.stable.Transfer(e.moduleAddress, caller, amount); undoErr != nil {
			e.log().Error("repayment return failed after aborted burn",
				"account", caller.Hex(), "error", undoErr)
		}
		return fmt.Errorf("%w: burn: %v", ErrTransferFailed, err)
	}
	return nil
}

// RedeemCollateralForRepay runs a repayment followed by a collateral
// redemption as one atomic operation. The post-check is the redeem check.
func (e *Engine) RedeemCollateralForRepay(caller, asset common.Address, amount, repayAmount *big.Int) error {
	if e == nil {
		return errNilStore
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := checkAmount(amount); err != nil {
		return err
	}
	if err := checkAmount(repayAmount); err != nil {
		return err
	}
	transferor, err := e.transferor(asset)
	if err != nil {
		return err
	}
	pos, err := e.loadPosition(caller)
	if err != nil {
		return err
	}
	prior := pos.Clone()
	if err := pos.decreaseDebt(repayAmount); err != nil {
		return err
	}
	if err := pos.decreaseCollateral(asset, amount); err != nil {
		return err
	}
	if err := e.requireHealthy(caller, pos); err != nil {
		return err
	}
	if err := e.persistPosition(caller, pos); err != nil {
		return err
	}
	if err := e.stable.Transfer(caller, e.moduleAddress, repayAmount); err != nil {
		e.restorePosition(caller, prior)
		return fmt.Errorf("%w: repay: %v", ErrTransferFailed, err)
	}
	if err := e.stable.Burn(e.moduleAddress, repayAmount); err != nil {
		e.restorePosition(caller, prior)
		if undoErr := e.stable.Transfer(e.moduleAddress, caller, repayAmount); undoErr != nil {
			e.log().Error("repayment return failed after aborted burn",
				"account", caller.Hex(), "error", undoErr)
		}
		return fmt.Errorf("%w: burn: %v", ErrTransferFailed, err)
	}
	if err := transferor.Transfer(e.moduleAddress, caller, amount); err != nil {
		e.restorePosition(caller, prior)
		if undoErr := e.stable.Mint(e.moduleAddress, caller, repayAmount); undoErr != nil {
			e.log().Error("repayment reissue failed after aborted redeem",
				"account", caller.Hex(), "error", undoErr)
		}
		return fmt.Errorf("%w: redeem %s: %v", ErrTransferFailed, asset.Hex(), err)
	}
	return nil
}

// Liquidate lets a third party repay part of an unsolvent target's debt in
// exchange for a discounted slice of its collateral plus a bonus. The repaid
// debt and seized collateral amounts are returned.
func (e *Engine) Liquidate(liquidator, asset, target common.Address, debtToCover *big.Int) (*big.Int, *big.Int, error) {
	if e == nil {
		return nil, nil, errNilStore
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := checkAmount(debtToCover); err != nil {
		return nil, nil, err
	}
	registered, ok := e.registry.Lookup(asset)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrAssetNotRegistered, asset.Hex())
	}
	transferor, err := e.transferor(asset)
	if err != nil {
		return nil, nil, err
	}
	targetPos, err := e.loadPosition(target)
	if err != nil {
		return nil, nil, err
	}
	prior := targetPos.Clone()

	value, err := e.collateralValueUSD(targetPos)
	if err != nil {
		return nil, nil, err
	}
	startingHF := HealthFactor(targetPos.Debt, value)
	if startingHF.Cmp(minHealthFactor) >= 0 {
		return nil, nil, fmt.Errorf("%w: account %s health factor %s", ErrNotLiquidatable, target.Hex(), startingHF)
	}

	// Cap the covered debt at what the target owes and at what its collateral
	// value can justify seizing against at the configured threshold.
	cover := new(big.Int).Set(debtToCover)
	if cover.Cmp(targetPos.Debt) > 0 {
		cover.Set(targetPos.Debt)
	}
	justified := new(big.Int).Mul(value, thresholdDen)
	justified.Quo(justified, thresholdNum)
	if cover.Cmp(justified) > 0 {
		cover.Set(justified)
	}

	quote, err := e.prices.Quote(registered.Feed)
	if err != nil {
		return nil, nil, err
	}
	base := tokenAmount(cover, quote.Price)
	bonus := new(big.Int).Mul(base, bonusNum)
	bonus.Quo(bonus, thresholdDen)
	seize := new(big.Int).Add(base, bonus)

	// Seizure is capped both by the threshold math on the covered debt and by
	// what the target actually deposited. When collateral cannot cover the
	// bonus the shortfall is simply not paid out.
	maxSeizeUSD := new(big.Int).Mul(cover, thresholdDen)
	maxSeizeUSD.Quo(maxSeizeUSD, thresholdNum)
	maxSeize := tokenAmount(maxSeizeUSD, quote.Price)
	if seize.Cmp(maxSeize) > 0 {
		seize.Set(maxSeize)
	}
	if deposited := targetPos.CollateralOf(asset); seize.Cmp(deposited) > 0 {
		seize.Set(deposited)
	}

	if err := targetPos.decreaseCollateral(asset, seize); err != nil {
		return nil, nil, err
	}
	if err := targetPos.decreaseDebt(cover); err != nil {
		return nil, nil, err
	}

	endingHF, err := e.positionHealthFactor(targetPos)
	if err != nil {
		return nil, nil, err
	}
	if endingHF.Cmp(minHealthFactor) < 0 {
		return nil, nil, fmt.Errorf("%w: account %s health factor %s", ErrLiquidationIneffective, target.Hex(), endingHF)
	}

	// The liquidate call also touches the liquidator's balances; their own
	// position must remain solvent.
	liquidatorPos := targetPos
	if liquidator != target {
		liquidatorPos, err = e.loadPosition(liquidator)
		if err != nil {
			return nil, nil, err
		}
	}
	liquidatorHF, err := e.positionHealthFactor(liquidatorPos)
	if err != nil {
		return nil, nil, err
	}
	if liquidatorHF.Cmp(minHealthFactor) < 0 {
		return nil, nil, fmt.Errorf("%w: liquidator %s health factor %s", ErrHealthFactorTooLow, liquidator.Hex(), liquidatorHF)
	}

	if err := e.persistPosition(target, targetPos); err != nil {
		return nil, nil, err
	}
	if err := e.stable.Transfer(liquidator, e.moduleAddress, cover); err != nil {
		e.restorePosition(target, prior)
		return nil, nil, fmt.Errorf("%w: cover: %v", ErrTransferFailed, err)
	}
	if err := e.stable.Burn(e.moduleAddress, cover); err != nil {
		e.restorePosition(target, prior)
		if undoErr := e.stable.Transfer(e.moduleAddress, liquidator, cover); undoErr != nil {
			e.log().Error("cover return failed after aborted burn",
				"liquidator", liquidator.Hex(), "error", undoErr)
		}
		return nil, nil, fmt.Errorf("%w: burn: %v", ErrTransferFailed, err)
	}
	if err := transferor.Transfer(e.moduleAddress, liquidator, seize); err != nil {
		e.restorePosition(target, prior)
		if undoErr := e.stable.Mint(e.moduleAddress, liquidator, cover); undoErr != nil {
			e.log().Error("cover reissue failed after aborted seizure",
				"liquidator", liquidator.Hex(), "error", undoErr)
		}
		return nil, nil, fmt.Errorf("%w: seize %s: %v", ErrTransferFailed, asset.Hex(), err)
	}

	e.log().Info("position liquidated",
		"target", target.Hex(),
		"liquidator", liquidator.Hex(),
		"asset", asset.Hex(),
		"repaid", cover.String(),
		"seized", seize.String(),
		"healthFactor", endingHF.String(),
	)
	return cover, seize, nil
}

func (e *Engine) requireHealthy(addr common.Address, pos *Position) error {
	hf, err := e.positionHealthFactor(pos)
	if err != nil {
		return err
	}
	if hf.Cmp(minHealthFactor) < 0 {
		return fmt.Errorf("%w: account %s health factor %s", ErrHealthFactorTooLow, addr.Hex(), hf)
	}
	return nil
}

func (e *Engine) transferor(asset common.Address) (TokenTransferor, error) {
	if _, ok := e.registry.Lookup(asset); !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotRegistered, asset.Hex())
	}
	transferor := e.collateral[asset]
	if transferor == nil {
		return nil, fmt.Errorf("%w: no transferor wired for %s", ErrConfig, asset.Hex())
	}
	return transferor, nil
}

func (e *Engine) loadPosition(addr common.Address) (*Position, error) {
	if e.store == nil {
		return nil, errNilStore
	}
	pos, err := e.store.GetPosition(addr)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = NewPosition()
	}
	pos.normalise()
	return pos, nil
}

func (e *Engine) persistPosition(addr common.Address, pos *Position) error {
	if e.store == nil {
		return errNilStore
	}
	return e.store.PutPosition(addr, pos)
}

// restorePosition rewinds a committed ledger write after a failed external
// call. A failure here leaves the ledger out of sync with token holdings and
// is surfaced loudly.
func (e *Engine) restorePosition(addr common.Address, prior *Position) {
	if err := e.persistPosition(addr, prior); err != nil {
		e.log().Error("ledger rollback failed", "account", addr.Hex(), "error", err)
	}
}

func (e *Engine) log() *slog.Logger {
	if e != nil && e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
