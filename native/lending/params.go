package lending

import (
	"time"

	"github.com/shopspring/decimal"
)

const basisPoints = 10_000

// RiskParameters groups the engine-wide safety limits. Per-collection
// ratios live in types.CollectionTerms and are frozen into each loan.
type RiskParameters struct {
	// GraceWindow is the fixed span a breached loan gets to restore
	// solvency before liquidation executes.
	GraceWindow time.Duration
	// LiquidationTargetBps is the LTV boundary partial liquidation
	// restores. Zero means "use the loan's max LTV".
	LiquidationTargetBps uint64
	// MaxCommitRetries bounds optimistic-concurrency retries before an
	// operation surfaces ErrConcurrentModification.
	MaxCommitRetries int
	// YieldCap bounds the lifetime yield accrued per vault entry. Zero
	// disables the cap.
	YieldCap decimal.Decimal
	// FaucetAmount is credited per faucet claim.
	FaucetAmount decimal.Decimal
}

// Normalise applies defaults to unset fields.
func (p RiskParameters) Normalise() RiskParameters {
	if p.GraceWindow <= 0 {
		p.GraceWindow = 24 * time.Hour
	}
	if p.MaxCommitRetries <= 0 {
		p.MaxCommitRetries = 3
	}
	if p.FaucetAmount.Sign() <= 0 {
		p.FaucetAmount = decimal.RequireFromString("1.0")
	}
	return p
}

// bpsRatio converts basis points into a decimal fraction.
func bpsRatio(bps uint64) decimal.Decimal {
	return decimal.New(int64(bps), 0).Div(decimal.NewFromInt(basisPoints))
}

// breaches reports whether debt/value meets or exceeds the basis-point
// threshold. A zero value with outstanding debt always breaches.
func breaches(debt, value decimal.Decimal, thresholdBps uint64) bool {
	if debt.Sign() <= 0 {
		return false
	}
	if value.Sign() <= 0 {
		return true
	}
	lhs := debt.Mul(decimal.NewFromInt(basisPoints))
	rhs := value.Mul(decimal.New(int64(thresholdBps), 0))
	return lhs.Cmp(rhs) >= 0
}

// ltvRatio returns debt/value as a decimal fraction, or zero when the
// value is unusable.
func ltvRatio(debt, value decimal.Decimal) decimal.Decimal {
	if debt.Sign() <= 0 || value.Sign() <= 0 {
		return decimal.Zero
	}
	return debt.Div(value)
}
