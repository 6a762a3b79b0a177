package valuation

import (
	"github.com/shopspring/decimal"
)

// DeclaredValueModel anchors on the owner-declared value, discounted while
// the asset is locked as collateral. It fails when no value was declared.
type DeclaredValueModel struct{}

func (DeclaredValueModel) Name() string { return "declared" }

func (DeclaredValueModel) Estimate(f Features) (decimal.Decimal, error) {
	if f.DeclaredValue.Sign() <= 0 {
		return decimal.Zero, ErrNoEstimate
	}
	estimate := f.DeclaredValue
	if f.Collateralized {
		estimate = estimate.Mul(decimal.RequireFromString("0.95"))
	}
	return estimate, nil
}

// ComparableSalesModel averages recent observed sales. It fails without a
// minimum number of samples rather than extrapolating from noise.
type ComparableSalesModel struct {
	// MinSamples is the smallest history that yields an estimate;
	// defaults to 2.
	MinSamples int
}

func (ComparableSalesModel) Name() string { return "comparable_sales" }

func (m ComparableSalesModel) Estimate(f Features) (decimal.Decimal, error) {
	min := m.MinSamples
	if min <= 0 {
		min = 2
	}
	if len(f.RecentSales) < min {
		return decimal.Zero, ErrNoEstimate
	}
	sum := decimal.Zero
	count := 0
	for _, sale := range f.RecentSales {
		if sale.Price.Sign() <= 0 {
			continue
		}
		sum = sum.Add(sale.Price)
		count++
	}
	if count < min {
		return decimal.Zero, ErrNoEstimate
	}
	return sum.Div(decimal.NewFromInt(int64(count))), nil
}

// FloorPriceModel prices off the collection floor scaled by a utility
// multiplier in [0.8, 1.2]. It fails when the collection has no floor.
type FloorPriceModel struct{}

func (FloorPriceModel) Name() string { return "floor_price" }

func (FloorPriceModel) Estimate(f Features) (decimal.Decimal, error) {
	if f.FloorValue.Sign() <= 0 {
		return decimal.Zero, ErrNoEstimate
	}
	utility := decimal.NewFromInt(int64(f.UtilityScore))
	multiplier := decimal.RequireFromString("0.8").Add(utility.Div(decimal.NewFromInt(250)))
	return f.FloorValue.Mul(multiplier), nil
}

// TrendModel projects the last consensus value along recent sale momentum,
// clamped so a thin market cannot swing the estimate by more than 25%
// either way. It fails without both a prior value and sales history.
type TrendModel struct{}

func (TrendModel) Name() string { return "trend" }

func (TrendModel) Estimate(f Features) (decimal.Decimal, error) {
	if f.LastValue.Sign() <= 0 || len(f.RecentSales) < 2 {
		return decimal.Zero, ErrNoEstimate
	}
	first := f.RecentSales[0].Price
	last := f.RecentSales[len(f.RecentSales)-1].Price
	if first.Sign() <= 0 || last.Sign() <= 0 {
		return decimal.Zero, ErrNoEstimate
	}
	momentum := last.Div(first)
	lowClamp := decimal.RequireFromString("0.75")
	highClamp := decimal.RequireFromString("1.25")
	if momentum.Cmp(lowClamp) < 0 {
		momentum = lowClamp
	}
	if momentum.Cmp(highClamp) > 0 {
		momentum = highClamp
	}
	return f.LastValue.Mul(momentum), nil
}
