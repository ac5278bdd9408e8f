package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// StalenessWindow is the maximum age a feed observation may reach before the
// gateway refuses to serve it. Value-dependent operations fail outright
// rather than price against a suspect quote.
const StalenessWindow = 3 * time.Hour

// quotePrecision is the fixed-point scale every served price is normalised
// to, regardless of the feed's native decimal count.
var quotePrecision = big.NewInt(1_000_000_000_000_000_000)

var (
	// ErrFeedNotConfigured indicates no feed is registered for the requested address.
	ErrFeedNotConfigured = errors.New("pricing: feed not configured")
	// ErrStaleQuote signals the feed observation exceeded the staleness window.
	ErrStaleQuote = errors.New("pricing: quote exceeds staleness window")
	// ErrInvalidAnswer indicates the feed returned a missing or non-positive answer.
	ErrInvalidAnswer = errors.New("pricing: invalid feed answer")
)

// Quote is the normalised response served to value calculations. Price is
// USD per whole token encoded at 1e18 fixed point. Quotes are consumed
// transiently and never cached across calls.
type Quote struct {
	Price     *big.Int
	UpdatedAt time.Time
}

// Feed resolves the latest raw observation for a single asset pair. Decimals
// reports the feed's native fixed-point scale for the answer.
type Feed interface {
	LatestQuote() (answer *big.Int, updatedAt time.Time, err error)
	Decimals() uint8
}

// Gateway wraps one feed per asset behind a hard temporal correctness gate.
// Every Quote call re-queries the underlying feed.
type Gateway struct {
	mu     sync.RWMutex
	feeds  map[common.Address]Feed
	maxAge time.Duration
	now    func() time.Time
}

// NewGateway constructs a gateway enforcing the provided freshness window. A
// non-positive maxAge falls back to the canonical StalenessWindow.
func NewGateway(maxAge time.Duration) *Gateway {
	if maxAge <= 0 {
		maxAge = StalenessWindow
	}
	return &Gateway{
		feeds:  make(map[common.Address]Feed),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Register adds or replaces the feed serving the supplied feed address.
func (g *Gateway) Register(addr common.Address, feed Feed) {
	if g == nil || feed == nil {
		return
	}
	g.mu.Lock()
	g.feeds[addr] = feed
	g.mu.Unlock()
}

// SetClock overrides the wall clock used for staleness checks. Intended for
// tests.
func (g *Gateway) SetClock(now func() time.Time) {
	if g == nil || now == nil {
		return
	}
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// Quote resolves the current normalised price for the asset served by the
// supplied feed address.
func (g *Gateway) Quote(addr common.Address) (Quote, error) {
	if g == nil {
		return Quote{}, ErrFeedNotConfigured
	}
	g.mu.RLock()
	feed := g.feeds[addr]
	maxAge := g.maxAge
	now := g.now
	g.mu.RUnlock()
	if feed == nil {
		return Quote{}, fmt.Errorf("%w: %s", ErrFeedNotConfigured, addr.Hex())
	}

	answer, updatedAt, err := feed.LatestQuote()
	if err != nil {
		return Quote{}, err
	}
	if answer == nil || answer.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%w: feed %s", ErrInvalidAnswer, addr.Hex())
	}

	age := quoteAge(updatedAt, now())
	if updatedAt.IsZero() || age > maxAge {
		return Quote{}, fmt.Errorf("%w: feed %s age %s", ErrStaleQuote, addr.Hex(), age)
	}

	return Quote{
		Price:     normaliseAnswer(answer, feed.Decimals()),
		UpdatedAt: updatedAt.UTC(),
	}, nil
}

func quoteAge(observed, now time.Time) time.Duration {
	if observed.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	delta := now.UTC().Sub(observed.UTC())
	if delta < 0 {
		return 0
	}
	return delta
}

// normaliseAnswer rescales a raw feed answer from its native decimal count to
// the gateway's 1e18 precision.
func normaliseAnswer(answer *big.Int, decimals uint8) *big.Int {
	price := new(big.Int).Set(answer)
	switch {
	case decimals < 18:
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil)
		price.Mul(price, factor)
	case decimals > 18:
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-18)), nil)
		price.Quo(price, factor)
	}
	return price
}
