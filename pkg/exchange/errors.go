package exchange

import (
	"errors"
	"fmt"
)

// Error kinds. Every rejection wraps exactly one of these; match with
// errors.Is. Any error leaves balances and books exactly as they were.
var (
	// ErrValidation: unknown symbol, non-tradable symbol traded, bad amount.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientBalance: ledger or external token balance too small.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInsufficientAllowance: the custody account is not approved to pull
	// the deposit from the trader's wallet.
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	// ErrAuthorization: non-admin caller on an admin operation.
	ErrAuthorization = errors.New("not authorized")
)

// reject wraps kind with a human-readable reason for the caller.
func reject(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
