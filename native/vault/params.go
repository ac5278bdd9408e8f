package vault

import "math/big"

const (
	// LiquidationThreshold is the percentage of collateral value counted
	// toward borrowing power. At 50 the protocol requires 200%
	// overcollateralization.
	LiquidationThreshold = 50
	// LiquidationPrecision is the denominator applied to both the threshold
	// and the bonus percentages.
	LiquidationPrecision = 100
	// LiquidationBonus is the extra collateral percentage awarded to a
	// liquidator beyond the debt-equivalent amount.
	LiquidationBonus = 10
)

var (
	precision       = mustBigInt("1000000000000000000") // 1e18 fixed point
	minHealthFactor = new(big.Int).Set(precision)       // ratio of exactly 1.0
	maxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	thresholdNum = big.NewInt(LiquidationThreshold)
	thresholdDen = big.NewInt(LiquidationPrecision)
	bonusNum     = big.NewInt(LiquidationBonus)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// Precision returns the fixed-point scale shared by prices, USD values, and
// health factors.
func Precision() *big.Int { return new(big.Int).Set(precision) }

// MinHealthFactor returns the solvency floor; positions below it are
// liquidatable.
func MinHealthFactor() *big.Int { return new(big.Int).Set(minHealthFactor) }

// MaxHealthFactor returns the sentinel reported for debt-free positions.
func MaxHealthFactor() *big.Int { return new(big.Int).Set(maxHealthFactor) }
