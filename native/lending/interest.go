package lending

import (
	"time"

	"github.com/shopspring/decimal"

	"mosaical/core/types"
)

// CompoundingPeriod is the fixed compounding period. Rates are quoted per
// period; whole periods compound geometrically and the fractional
// remainder accrues linearly.
const CompoundingPeriod = 30 * 24 * time.Hour

var one = decimal.NewFromInt(1)

// CompoundDebt advances a debt balance across the elapsed duration at the
// per-period rate. The result is rounded half-to-even exactly once; a zero
// elapsed duration returns the input unchanged so repeated calls over the
// same window are idempotent.
func CompoundDebt(debt decimal.Decimal, rateBps uint64, elapsed time.Duration) (decimal.Decimal, error) {
	if elapsed < 0 {
		return debt, ErrClockSkew
	}
	if elapsed == 0 || debt.Sign() <= 0 || rateBps == 0 {
		return debt, nil
	}
	rate := bpsRatio(rateBps)
	whole := int64(elapsed / CompoundingPeriod)
	remainder := elapsed % CompoundingPeriod

	growth := one
	if whole > 0 {
		growth = one.Add(rate).Pow(decimal.NewFromInt(whole))
	}
	if remainder > 0 {
		frac := decimal.NewFromInt(int64(remainder / time.Second)).
			Div(decimal.NewFromInt(int64(CompoundingPeriod / time.Second)))
		growth = growth.Mul(one.Add(rate.Mul(frac)))
	}
	return debt.Mul(growth).RoundBank(types.FractionalDigits), nil
}

// AccrueYield computes the yield earned by a collateral asset across the
// elapsed duration: utility weight x base rate x effective value x
// elapsed/period, rounded half-to-even once. Negative weights are clamped
// so the result is always non-negative.
func AccrueYield(value decimal.Decimal, baseRateBps uint64, utilityScore int, elapsed time.Duration) (decimal.Decimal, error) {
	if elapsed < 0 {
		return decimal.Zero, ErrClockSkew
	}
	if elapsed == 0 || value.Sign() <= 0 || baseRateBps == 0 || utilityScore <= 0 {
		return decimal.Zero, nil
	}
	weight := decimal.NewFromInt(int64(utilityScore)).Div(decimal.NewFromInt(100))
	periods := decimal.NewFromInt(int64(elapsed / time.Second)).
		Div(decimal.NewFromInt(int64(CompoundingPeriod / time.Second)))
	accrued := value.Mul(bpsRatio(baseRateBps)).Mul(weight).Mul(periods)
	if accrued.Sign() < 0 {
		return decimal.Zero, nil
	}
	return accrued.RoundBank(types.FractionalDigits), nil
}
