package ledger

import "errors"

// Sentinel errors returned by the engine. Callers match them with errors.Is;
// most are wrapped with the underlying cause.
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAlreadyExists       = errors.New("account already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPositionNotFound    = errors.New("no position in token")
	ErrPriceUnavailable    = errors.New("price unavailable")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrStoreFailure        = errors.New("store failure")

	// ErrExecutionFailed is the user-facing "try again" error for sells. The
	// cause is logged, not wrapped.
	ErrExecutionFailed = errors.New("execution failed, please try again")
)

// rejection maps an engine error to a metrics label.
func rejection(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrAccountNotFound):
		return "no_account"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrPositionNotFound):
		return "no_position"
	case errors.Is(err, ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ErrExecutionFailed), errors.Is(err, ErrStoreFailure):
		return "store"
	default:
		return "other"
	}
}
