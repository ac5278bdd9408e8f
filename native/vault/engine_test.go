package vault

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"vaultd/core/pricing"
)

var (
	testModule   = makeAddr(0x01)
	testWETH     = makeAddr(0xe1)
	testWETHFeed = makeAddr(0xf1)
	testWBTC     = makeAddr(0xe2)
	testWBTCFeed = makeAddr(0xf2)
	testUser     = makeAddr(0x20)
	testKeeper   = makeAddr(0x21)
)

func makeAddr(b byte) common.Address {
	var addr common.Address
	addr[common.AddressLength-1] = b
	return addr
}

func wei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), precision)
}

type memStore struct {
	positions map[common.Address]*Position
	puts      int
	failPut   bool
}

func newMemStore() *memStore {
	return &memStore{positions: make(map[common.Address]*Position)}
}

func (s *memStore) GetPosition(addr common.Address) (*Position, error) {
	pos, ok := s.positions[addr]
	if !ok {
		return nil, nil
	}
	return pos.Clone(), nil
}

func (s *memStore) PutPosition(addr common.Address, pos *Position) error {
	if s.failPut {
		return errors.New("store offline")
	}
	s.puts++
	s.positions[addr] = pos.Clone()
	return nil
}

type stubPrices struct {
	quotes map[common.Address]pricing.Quote
	errs   map[common.Address]error
}

func newStubPrices() *stubPrices {
	return &stubPrices{
		quotes: make(map[common.Address]pricing.Quote),
		errs:   make(map[common.Address]error),
	}
}

func (s *stubPrices) setPrice(feed common.Address, price *big.Int) {
	s.quotes[feed] = pricing.Quote{Price: new(big.Int).Set(price), UpdatedAt: time.Now()}
}

func (s *stubPrices) Quote(feed common.Address) (pricing.Quote, error) {
	if err := s.errs[feed]; err != nil {
		return pricing.Quote{}, err
	}
	quote, ok := s.quotes[feed]
	if !ok {
		return pricing.Quote{}, pricing.ErrFeedNotConfigured
	}
	return quote, nil
}

type fakeToken struct {
	balances     map[common.Address]*big.Int
	failTransfer bool
	failMint     bool
	failBurn     bool
}

func newFakeToken() *fakeToken {
	return &fakeToken{balances: make(map[common.Address]*big.Int)}
}

func (f *fakeToken) balance(addr common.Address) *big.Int {
	if amount, ok := f.balances[addr]; ok {
		return amount
	}
	zero := big.NewInt(0)
	f.balances[addr] = zero
	return zero
}

func (f *fakeToken) seed(addr common.Address, amount *big.Int) {
	f.balances[addr] = new(big.Int).Set(amount)
}

func (f *fakeToken) Transfer(from, to common.Address, amount *big.Int) error {
	if f.failTransfer {
		return errors.New("transfer rejected")
	}
	balance := f.balance(from)
	if balance.Cmp(amount) < 0 {
		return errors.New("insufficient balance")
	}
	balance.Sub(balance, amount)
	f.balance(to).Add(f.balance(to), amount)
	return nil
}

func (f *fakeToken) Mint(caller, to common.Address, amount *big.Int) error {
	if f.failMint {
		return errors.New("mint rejected")
	}
	f.balance(to).Add(f.balance(to), amount)
	return nil
}

func (f *fakeToken) Burn(caller common.Address, amount *big.Int) error {
	if f.failBurn {
		return errors.New("burn rejected")
	}
	balance := f.balance(caller)
	if balance.Cmp(amount) < 0 {
		return errors.New("insufficient balance")
	}
	balance.Sub(balance, amount)
	return nil
}

type testHarness struct {
	engine     *Engine
	store      *memStore
	stable     *fakeToken
	collateral *fakeToken
	prices     *stubPrices
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	store := newMemStore()
	stable := newFakeToken()
	collateral := newFakeToken()
	prices := newStubPrices()
	prices.setPrice(testWETHFeed, wei(2000))

	engine, err := NewEngine(testModule, []common.Address{testWETH}, []common.Address{testWETHFeed}, stable, prices)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetStore(store)
	if err := engine.SetCollateralTransferor(testWETH, collateral); err != nil {
		t.Fatalf("wire collateral: %v", err)
	}
	return &testHarness{engine: engine, store: store, stable: stable, collateral: collateral, prices: prices}
}

func TestDepositAndRedeemRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	h.collateral.seed(testUser, wei(10))

	if err := h.engine.DepositCollateral(testUser, testWETH, wei(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	deposited, err := h.engine.CollateralDepositedOf(testUser, testWETH)
	if err != nil {
		t.Fatalf("collateral query: %v", err)
	}
	if deposited.Cmp(wei(10)) != 0 {
		t.Fatalf("unexpected deposit balance: %s", deposited)
	}
	if got := h.collateral.balance(testModule); got.Cmp(wei(10)) != 0 {
		t.Fatalf("module should hold the collateral, got %s", got)
	}

	if err := h.engine.RedeemCollateral(testUser, testWETH, wei(10)); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	deposited, err = h.engine.CollateralDepositedOf(testUser, testWETH)
	if err != nil {
		t.Fatalf("collateral query: %v", err)
	}
	if deposited.Sign() != 0 {
		t.Fatalf("expected empty position, got %s", deposited)
	}
	if got := h.collateral.balance(testUser); got.Cmp(wei(10)) != 0 {
		t.Fatalf("user should have collateral back, got %s", got)
	}
}

func TestDepositRejectsInvalidAmounts(t *testing.T) {
	h := newTestHarness(t)
	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1)} {
		if err := h.engine.DepositCollateral(testUser, testWETH, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %v: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestDepositRejectsUnregisteredAsset(t *testing.T) {
	h := newTestHarness(t)
	if err := h.engine.DepositCollateral(testUser, testWBTC, wei(1)); !errors.Is(err, ErrAssetNotRegistered) {
		t.Fatalf("expected ErrAssetNotRegistered, got %v", err)
	}
}

func TestBorrowBoundary(t *testing.T) {
	h := newTestHarness(t)
	h.collateral.seed(testUser, wei(10))
	if err := h.engine.DepositCollateral(testUser, testWETH, wei(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// 10 WETH at $2000 gives $20,000 of collateral; at a 50% threshold the
	// borrowing power is exactly $10,000.
	over := new(big.Int).Add(wei(10000), big.NewInt(1))
	if err := h.engine.Borrow(testUser, over); !errors.Is(err, ErrHealthFactorTooLow) {
		t.Fatalf("expected ErrHealthFactorTooLow, got %v", err)
	}
	if got := h.stable.balance(testUser); got.Sign() != 0 {
		t.Fatalf("failed borrow must not mint, got %s", got)
	}

	if err := h.engine.Borrow(testUser, wei(10000)); err != nil {
		t.Fatalf("borrow at boundary: %v", err)
	}
	hf, err := h.engine.HealthFactorOf(testUser)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if hf.Cmp(MinHealthFactor()) != 0 {
		t.Fatalf("expected health factor exactly at minimum, got %s", hf)
	}
	if got := h.stable.balance(testUser); got.Cmp(wei(10000)) != 0 {
		t.Fatalf("expected 10000 issued tokens, got %s", got)
	}
}

func TestDepositCollateralAndBorrow(t *testing.T) {
	h := newTestHarness(t)
	h.collateral.seed(testUser, wei(4))

	if err := h.engine.DepositCollateralAndBorrow(testUser, testWETH, wei(4), wei(4000)); err != nil {
		t.Fatalf("deposit and borrow: %v", err)
	}
	if got := h.stable.balance(testUser); got.Cmp(wei(4000)) != 0 {
		t.Fatalf("expected 4000 issued tokens, got %s", got)
	}

	// Over-borrowing must leave both legs untouched.
	h.collateral.seed(testKeeper, wei(1))
	if err := h.engine.DepositCollateralAndBorrow(testKeeper, testWETH, wei(1), wei(1001)); !errors.Is(err, ErrHealthFactorTooLow) {
		t.Fatalf("expected ErrHealthFactorTooLow, got %v", err)
	}
	if got := h.collateral.balance(testKeeper); got.Cmp(wei(1)) != 0 {
		t.Fatalf("collateral must stay with the caller, got %s", got)
	}
	if got := h.stable.balance(testKeeper); got.Sign() != 0 {
		t.Fatalf("no tokens may be issued, got %s", got)
	}
}

func TestRedeemGuardsSolvency(t *testing.T) {
	h := newTestHarness(t)
	h.collateral.seed(testUser, wei(10))
	if err := h.engine.DepositCollateralAndBorrow(testUser, testWETH, wei(10), wei(10000)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := h.engine.RedeemCollateral(testUser, testWETH, big.NewInt(1)); !errors.Is(err, ErrHealthFactorTooLow) {
		t.Fatalf("expected ErrHealthFactorTooLow, got %v", err)
	}
	if err := h.engine.RedeemCollateral(testUser, testWETH, wei(11)); !errors.Is(err, ErrBalanceUnderflow) {
		t.Fatalf("expected ErrBalanceUnderflow, got %v", err)
	}
}

func TestRepayReducesDebt(t *testing.T) {
	h := newTestHarness(t)
	h.collateral.seed(testUser, wei(10))
	if err := h.engine.DepositCollateralAndBorrow(testUser, testWETH, wei(10), wei(8000)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := h.engine.Repay(testUser, wei(3000)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	debt, _, err := h.engine.AccountInfo(testUser)
	if err != nil {
		t.Fatalf("account info: %v", err)
	}
	if debt.Cmp(wei(5000)) != 0 {
		t.Fatalf("expected 5000 debt remaining, got %s", debt)
	}
	if got := h.stable.balance(testUser); got.Cmp(wei(5000)) != 0 {
		t.Fatalf("expected repaid tokens destroyed, got %s", got)
	}
	if got := h.stable.balance(testModule); got.Sign() != 0 {
		t.Fatalf("module must not retain repaid tokens, got %s", got)
	}

	if err := h.engine.Repay(testUser, wei(6000)); !errors.Is(err, ErrBalanceUnderflow) {
		t.Fatalf("expected ErrBalanceUnderflow, got %v", err)
	}
}

func TestRedeemCollateralForRepay(t *testing.T) {
	h := newTestHarness(t)
	h.collateral.seed(testUser, wei(10))
	if err := h.engine.DepositCollateralAndBorrow(testUser, testWETH, wei(10), wei(8000)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := h.engine.RedeemCollateralForRepay(testUser, testWETH, wei(2), wei(8000)); err != nil {
		t.Fatalf("redeem for repay: %v", err)
	}
	debt, _, err := h.engine.AccountInfo(testUser)
	if err != nil {
		t.Fatalf("account info: %v", err)
	}
	if debt.Sign() != 0 {
		t.Fatalf("expected debt cleared, got %s", debt)
	}
	if got := h.collateral.balance(testUser); got.Cmp(wei(2)) != 0 {
		t.Fatalf("expected 2 collateral returned, got %s", got)
	}
}

func TestBorrowFailsOnStaleQuote(t *testing.T) {
	h := newTestHarness(t)
	h.collateral.seed(testUser, wei(10))
	if err := h.engine.DepositCollateral(testUser, testWETH, wei(10)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	h.prices.errs[testWETHFeed] = pricing.ErrStaleQuote

	if err := h.engine.Borrow(testUser, wei(1)); !errors.Is(err, pricing.ErrStaleQuote) {
		t.Fatalf("expected stale quote error, got %v", err)
	}
	if err := h.engine.RedeemCollateral(testUser, testWETH, wei(1)); !errors.Is(err, pricing.ErrStaleQuote) {
		t.Fatalf("expected stale quote error on redeem, got %v", err)
	}
	if _, err := h.engine.AccountCollateralValue(testUser); !errors.Is(err, pricing.ErrStaleQuote) {
		t.Fatalf("expected stale quote error on valuation, got %v", err)
	}
}

func TestDepositRollsBackOnTransferFailure(t *testing.T) {
	h := newTestHarness(t)
	h.collateral.failTransfer = true

	if err := h.engine.DepositCollateral(testUser, testWETH, wei(5)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	deposited, err := h.engine.CollateralDepositedOf(testUser, testWETH)
	if err != nil {
		t.Fatalf("collateral query: %v", err)
	}
	if deposited.Sign() != 0 {
		t.Fatalf("ledger must roll back the deposit, got %s", deposited)
	}
}

func TestBorrowRollsBackOnMintFailure(t *testing.T) {
	h := newTestHarness(t)
	h.collateral.seed(testUser, wei(10))
	if err := h.engine.DepositCollateral(testUser, testWETH, wei(10)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	h.stable.failMint = true

	if err := h.engine.Borrow(testUser, wei(1000)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	debt, _, err := h.engine.AccountInfo(testUser)
	if err != nil {
		t.Fatalf("account info: %v", err)
	}
	if debt.Sign() != 0 {
		t.Fatalf("ledger must roll back the borrow, got %s", debt)
	}
}

func TestQueriesDoNotWrite(t *testing.T) {
	h := newTestHarness(t)
	h.collateral.seed(testUser, wei(10))
	if err := h.engine.DepositCollateralAndBorrow(testUser, testWETH, wei(10), wei(5000)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	writes := h.store.puts

	if _, err := h.engine.HealthFactorOf(testUser); err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if _, _, err := h.engine.AccountInfo(testUser); err != nil {
		t.Fatalf("account info: %v", err)
	}
	if _, err := h.engine.AccountCollateralValue(testUser); err != nil {
		t.Fatalf("collateral value: %v", err)
	}
	if _, err := h.engine.CollateralDepositedOf(testUser, testWETH); err != nil {
		t.Fatalf("collateral deposited: %v", err)
	}
	if h.store.puts != writes {
		t.Fatalf("queries must not write, puts went %d -> %d", writes, h.store.puts)
	}
}

func TestHealthFactorOfUnknownAccount(t *testing.T) {
	h := newTestHarness(t)
	hf, err := h.engine.HealthFactorOf(testUser)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if hf.Cmp(MaxHealthFactor()) != 0 {
		t.Fatalf("debt-free account must report the sentinel, got %s", hf)
	}
}

func TestTokenConversions(t *testing.T) {
	h := newTestHarness(t)

	amount, err := h.engine.TokenAmountFromUSD(testWETH, wei(1000))
	if err != nil {
		t.Fatalf("token amount: %v", err)
	}
	if half := new(big.Int).Quo(precision, big.NewInt(2)); amount.Cmp(half) != 0 {
		t.Fatalf("expected 0.5 WETH for $1000, got %s", amount)
	}

	value, err := h.engine.TokenUSDValue(testWETH, wei(3))
	if err != nil {
		t.Fatalf("usd value: %v", err)
	}
	if value.Cmp(wei(6000)) != 0 {
		t.Fatalf("expected $6000 for 3 WETH, got %s", value)
	}

	if _, err := h.engine.TokenUSDValue(testWBTC, wei(1)); !errors.Is(err, ErrAssetNotRegistered) {
		t.Fatalf("expected ErrAssetNotRegistered, got %v", err)
	}
	if _, err := h.engine.TokenAmountFromUSD(testWETH, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestEngineConstructionValidation(t *testing.T) {
	stable := newFakeToken()
	prices := newStubPrices()

	if _, err := NewEngine(common.Address{}, nil, nil, stable, prices); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for zero module address, got %v", err)
	}
	if _, err := NewEngine(testModule, []common.Address{testWETH}, nil, stable, prices); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for mismatched pairing, got %v", err)
	}
	if _, err := NewEngine(testModule, []common.Address{testWETH}, []common.Address{testWETHFeed}, nil, prices); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for nil issued token, got %v", err)
	}
	if _, err := NewEngine(testModule, []common.Address{testWETH, testWETH}, []common.Address{testWETHFeed, testWBTCFeed}, stable, prices); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for duplicate token, got %v", err)
	}
}

func TestOperationsWithoutStore(t *testing.T) {
	stable := newFakeToken()
	prices := newStubPrices()
	engine, err := NewEngine(testModule, []common.Address{testWETH}, []common.Address{testWETHFeed}, stable, prices)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.SetCollateralTransferor(testWETH, newFakeToken()); err != nil {
		t.Fatalf("wire collateral: %v", err)
	}
	if err := engine.Borrow(testUser, wei(1)); err == nil {
		t.Fatal("expected error without position store")
	}
}
