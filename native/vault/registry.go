package vault

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Registry is the fixed set of approved collateral assets. It is built once
// at engine construction and never mutated afterwards.
type Registry struct {
	assets  []Asset
	byToken map[common.Address]int
}

// NewRegistry pairs each collateral token 1:1 with its price feed. The lists
// must have equal length and contain no duplicate tokens or feeds.
func NewRegistry(tokens, feeds []common.Address) (*Registry, error) {
	if len(tokens) != len(feeds) {
		return nil, fmt.Errorf("%w: %d tokens paired with %d feeds", ErrConfig, len(tokens), len(feeds))
	}
	registry := &Registry{
		assets:  make([]Asset, 0, len(tokens)),
		byToken: make(map[common.Address]int, len(tokens)),
	}
	seenFeeds := make(map[common.Address]struct{}, len(feeds))
	for i, token := range tokens {
		if (token == common.Address{}) || (feeds[i] == common.Address{}) {
			return nil, fmt.Errorf("%w: zero address at index %d", ErrConfig, i)
		}
		if _, ok := registry.byToken[token]; ok {
			return nil, fmt.Errorf("%w: duplicate token %s", ErrConfig, token.Hex())
		}
		if _, ok := seenFeeds[feeds[i]]; ok {
			return nil, fmt.Errorf("%w: duplicate feed %s", ErrConfig, feeds[i].Hex())
		}
		seenFeeds[feeds[i]] = struct{}{}
		registry.byToken[token] = i
		registry.assets = append(registry.assets, Asset{Token: token, Feed: feeds[i]})
	}
	return registry, nil
}

// Lookup resolves the registered asset for the supplied token address.
func (r *Registry) Lookup(token common.Address) (Asset, bool) {
	if r == nil {
		return Asset{}, false
	}
	idx, ok := r.byToken[token]
	if !ok {
		return Asset{}, false
	}
	return r.assets[idx], true
}

// Assets returns a copy of the registered asset list in registration order.
func (r *Registry) Assets() []Asset {
	if r == nil {
		return nil
	}
	return append([]Asset(nil), r.assets...)
}

// Len reports the number of registered assets.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.assets)
}
