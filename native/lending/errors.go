package lending

import "errors"

var (
	// ErrNotFound is returned when a referenced account, vault entry or
	// loan does not exist.
	ErrNotFound = errors.New("lending engine: entity not found")
	// ErrInvalidAmount rejects zero or negative monetary inputs.
	ErrInvalidAmount = errors.New("lending engine: amount must be positive")
	// ErrInvalidState rejects an intent attempted from a state that
	// disallows it, e.g. repaying a liquidated loan.
	ErrInvalidState = errors.New("lending engine: operation not allowed in current state")
	// ErrInsufficientCollateral indicates a borrow or swap would breach
	// the maximum loan-to-value ratio.
	ErrInsufficientCollateral = errors.New("lending engine: insufficient collateral")
	// ErrInsufficientFunds indicates the account balance cannot cover the
	// requested repayment.
	ErrInsufficientFunds = errors.New("lending engine: insufficient funds")
	// ErrClockSkew rejects accrual over a negative elapsed duration; it is
	// fatal to that call only and must never corrupt debt.
	ErrClockSkew = errors.New("lending engine: non-monotonic elapsed time")
	// ErrConcurrentModification surfaces after the optimistic version
	// check failed more times than the retry budget allows.
	ErrConcurrentModification = errors.New("lending engine: concurrent modification")
	// ErrVersionConflict is the single-attempt commit failure stores
	// return; the engine retries it and converts exhaustion into
	// ErrConcurrentModification.
	ErrVersionConflict = errors.New("lending engine: version conflict")
	// ErrUnknownCollection rejects deposits into collections without
	// configured terms.
	ErrUnknownCollection = errors.New("lending engine: collection not configured")
)
