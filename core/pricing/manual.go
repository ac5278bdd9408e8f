package pricing

import (
	"errors"
	"math/big"
	"sync"
	"time"
)

var errNoObservation = errors.New("pricing: manual feed has no observation")

// ManualFeed is an operator-settable price feed. It records whatever answer
// it was last given together with the observation timestamp, leaving the
// gateway's staleness gate to decide whether the observation is still
// trustworthy.
type ManualFeed struct {
	mu        sync.RWMutex
	decimals  uint8
	answer    *big.Int
	updatedAt time.Time
}

// NewManualFeed constructs a manual feed reporting answers at the supplied
// decimal scale.
func NewManualFeed(decimals uint8) *ManualFeed {
	return &ManualFeed{decimals: decimals}
}

// SetAnswer records a new observation. A zero observedAt timestamp is
// replaced with the current time.
func (f *ManualFeed) SetAnswer(answer *big.Int, observedAt time.Time) error {
	if f == nil {
		return errNoObservation
	}
	if answer == nil || answer.Sign() <= 0 {
		return ErrInvalidAnswer
	}
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	f.mu.Lock()
	f.answer = new(big.Int).Set(answer)
	f.updatedAt = observedAt.UTC()
	f.mu.Unlock()
	return nil
}

// LatestQuote returns the most recent observation.
func (f *ManualFeed) LatestQuote() (*big.Int, time.Time, error) {
	if f == nil {
		return nil, time.Time{}, errNoObservation
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.answer == nil {
		return nil, time.Time{}, errNoObservation
	}
	return new(big.Int).Set(f.answer), f.updatedAt, nil
}

// Decimals reports the feed's native answer scale.
func (f *ManualFeed) Decimals() uint8 {
	if f == nil {
		return 0
	}
	return f.decimals
}
