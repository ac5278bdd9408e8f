package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"vaultd/native/vault"
)

var positionPrefix = []byte("vault/position/")

// PositionStore persists account positions in a key-value database. Amounts
// are encoded as decimal strings so the stored form stays readable and
// independent of native integer width.
type PositionStore struct {
	db Database
}

// NewPositionStore wraps the supplied database.
func NewPositionStore(db Database) *PositionStore {
	return &PositionStore{db: db}
}

type storedPosition struct {
	Collateral map[string]string `json:"collateral,omitempty"`
	Debt       string            `json:"debt"`
}

// GetPosition loads the stored position for the address, or nil when none is
// recorded.
func (s *PositionStore) GetPosition(addr common.Address) (*vault.Position, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage: position store not initialised")
	}
	raw, err := s.db.Get(positionKey(addr))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedPosition
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("storage: decode position %s: %w", addr.Hex(), err)
	}
	pos := vault.NewPosition()
	for token, amount := range stored.Collateral {
		value, err := parseAmount(amount)
		if err != nil {
			return nil, fmt.Errorf("storage: decode position %s: %w", addr.Hex(), err)
		}
		pos.Collateral[common.HexToAddress(token)] = value
	}
	debt, err := parseAmount(stored.Debt)
	if err != nil {
		return nil, fmt.Errorf("storage: decode position %s: %w", addr.Hex(), err)
	}
	pos.Debt = debt
	return pos, nil
}

// PutPosition persists the supplied position under the address.
func (s *PositionStore) PutPosition(addr common.Address, pos *vault.Position) error {
	if s == nil || s.db == nil {
		return errors.New("storage: position store not initialised")
	}
	if pos == nil {
		pos = vault.NewPosition()
	}
	stored := storedPosition{Debt: "0"}
	if pos.Debt != nil {
		stored.Debt = pos.Debt.String()
	}
	for token, amount := range pos.Collateral {
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		if stored.Collateral == nil {
			stored.Collateral = make(map[string]string)
		}
		stored.Collateral[token.Hex()] = amount.String()
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("storage: encode position %s: %w", addr.Hex(), err)
	}
	return s.db.Put(positionKey(addr), raw)
}

func positionKey(addr common.Address) []byte {
	return append(append([]byte(nil), positionPrefix...), addr.Bytes()...)
}

func parseAmount(value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok || parsed.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return parsed, nil
}
