package vault

import "errors"

var (
	ErrInvalidAmount          = errors.New("vault engine: amount must be positive")
	ErrAssetNotRegistered     = errors.New("vault engine: asset not registered")
	ErrConfig                 = errors.New("vault engine: invalid configuration")
	ErrTransferFailed         = errors.New("vault engine: token transfer failed")
	ErrBalanceUnderflow       = errors.New("vault engine: balance underflow")
	ErrHealthFactorTooLow     = errors.New("vault engine: health factor below minimum")
	ErrNotLiquidatable        = errors.New("vault engine: target position is healthy")
	ErrLiquidationIneffective = errors.New("vault engine: health factor not restored")

	errNilStore = errors.New("vault engine: position store not configured")
)
