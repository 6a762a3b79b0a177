package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// FractionalDigits fixes the precision of the internal unit of account.
// Every balance-affecting amount is rounded to this scale exactly once,
// using banker's rounding.
const FractionalDigits = 8

// VaultStatus tracks the lifecycle of a deposited collectible.
type VaultStatus string

const (
	VaultDeposited           VaultStatus = "DEPOSITED"
	VaultCollateralized      VaultStatus = "COLLATERALIZED"
	VaultPartiallyLiquidated VaultStatus = "PARTIAL_LIQUIDATED"
	VaultLiquidated          VaultStatus = "LIQUIDATED"
	VaultWithdrawn           VaultStatus = "WITHDRAWN"
)

// LoanStatus enumerates the loan state machine states.
type LoanStatus string

const (
	LoanActive      LoanStatus = "ACTIVE"
	LoanGracePeriod LoanStatus = "GRACE_PERIOD"
	LoanRepaid      LoanStatus = "REPAID"
	LoanLiquidated  LoanStatus = "LIQUIDATED"
	LoanRefinanced  LoanStatus = "REFINANCED"
)

// Closed reports whether the status is terminal. Closed loans freeze their
// debt and grace deadline.
func (s LoanStatus) Closed() bool {
	switch s {
	case LoanRepaid, LoanLiquidated, LoanRefinanced:
		return true
	}
	return false
}

// Account holds a non-negative unit-of-account balance. Balances are only
// mutated through ledger-recorded commits.
type Account struct {
	ID      string
	Balance decimal.Decimal
	Active  bool
	// Version increments on every committed mutation and backs the
	// optimistic concurrency check.
	Version   uint64
	CreatedAt time.Time
}

// Clone returns a deep copy so callers never mutate shared state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

// CollectionTerms are the immutable per-collection business rules. Loans
// copy the numbers at creation time; later changes only affect new loans
// and explicit refinances.
type CollectionTerms struct {
	ID                      string
	Name                    string
	MaxLTVBps               uint64
	LiquidationThresholdBps uint64
	MonthlyRateBps          uint64
	BaseYieldRateBps        uint64
	FloorValue              decimal.Decimal
}

// Clone returns a copy of the terms.
func (t CollectionTerms) Clone() CollectionTerms { return t }

// VaultEntry represents one deposited collectible.
type VaultEntry struct {
	ID           string
	CollectionID string
	TokenID      string
	Name         string
	OwnerID      string
	Status       VaultStatus

	DeclaredValue decimal.Decimal
	UtilityScore  int

	// OwnershipPct is the fraction of the collectible still backing the
	// owner, expressed in percent. Partial liquidation sells a slice of it.
	OwnershipPct decimal.Decimal

	// LastValuation is the most recent consensus value for the whole
	// collectible; the effective collateral value scales it by
	// OwnershipPct.
	LastValuation decimal.Decimal
	LastValuedAt  time.Time

	// LoanID back-references the single Active or GracePeriod loan this
	// entry collateralizes, empty otherwise.
	LoanID string

	YieldAccrued decimal.Decimal
	LastYieldAt  time.Time

	Version     uint64
	DepositedAt time.Time
}

// Clone returns a deep copy of the vault entry.
func (v *VaultEntry) Clone() *VaultEntry {
	if v == nil {
		return nil
	}
	clone := *v
	return &clone
}

// EffectiveValue is the collateral value usable by the referenced loan:
// the consensus valuation scaled by the remaining ownership fraction.
// Before the first consensus run the declared value stands in.
func (v *VaultEntry) EffectiveValue() decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	value := v.LastValuation
	if value.IsZero() {
		value = v.DeclaredValue
	}
	return value.Mul(v.OwnershipPct).Div(decimal.NewFromInt(100)).RoundBank(FractionalDigits)
}

// Loan is a collateralized borrowing position against a single vault entry.
type Loan struct {
	ID         string
	BorrowerID string
	VaultID    string
	Status     LoanStatus

	Principal decimal.Decimal
	Debt      decimal.Decimal

	// Terms frozen at creation (basis points).
	MonthlyRateBps          uint64
	MaxLTVBps               uint64
	LiquidationThresholdBps uint64

	CreatedAt     time.Time
	LastAccrualAt time.Time
	GraceDeadline *time.Time

	// StaleValuation marks the loan for manual review after the valuation
	// ensemble failed and the scheduler fell back to older data.
	StaleValuation bool

	Version uint64
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	if l.GraceDeadline != nil {
		deadline := *l.GraceDeadline
		clone.GraceDeadline = &deadline
	}
	return &clone
}
