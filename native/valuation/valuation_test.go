package valuation

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fixedModel struct {
	name  string
	value decimal.Decimal
	err   error
}

func (m fixedModel) Name() string { return m.name }

func (m fixedModel) Estimate(Features) (decimal.Decimal, error) {
	return m.value, m.err
}

type recordSink struct {
	snaps []*Snapshot
}

func (s *recordSink) AppendSnapshot(snap *Snapshot) error {
	s.snaps = append(s.snaps, snap)
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func one() decimal.Decimal { return decimal.NewFromInt(1) }

func TestAppraiseEquallyWeightedConsensus(t *testing.T) {
	sink := &recordSink{}
	engine := NewEngine(Config{}, sink)
	engine.Register(fixedModel{name: "a", value: dec("10")}, one())
	engine.Register(fixedModel{name: "b", value: dec("11")}, one())

	snap, err := engine.Appraise("vault-1", Features{})
	if err != nil {
		t.Fatalf("appraise: %v", err)
	}
	if !snap.Consensus.Equal(dec("10.5")) {
		t.Fatalf("consensus = %s, want 10.5", snap.Consensus)
	}
	// Equal weights give variance 0.25; the 1.645 z-score puts the
	// half-width at about 0.8225.
	wantHalf := dec("0.8225")
	gotHalf := snap.Upper.Sub(snap.Consensus)
	if gotHalf.Sub(wantHalf).Abs().Cmp(dec("0.0001")) > 0 {
		t.Fatalf("half-width = %s, want about %s", gotHalf, wantHalf)
	}
	if !snap.Upper.Sub(snap.Consensus).Equal(snap.Consensus.Sub(snap.Lower)) {
		t.Fatalf("interval not symmetric: [%s, %s] around %s", snap.Lower, snap.Upper, snap.Consensus)
	}
	if len(sink.snaps) != 1 {
		t.Fatalf("snapshots stored = %d", len(sink.snaps))
	}
}

func TestAppraiseSkipsFailingModels(t *testing.T) {
	engine := NewEngine(Config{}, nil)
	engine.Register(fixedModel{name: "a", value: dec("10")}, one())
	engine.Register(fixedModel{name: "b", value: dec("11")}, one())
	engine.Register(fixedModel{name: "broken", err: ErrNoEstimate}, one())

	snap, err := engine.Appraise("vault-1", Features{})
	if err != nil {
		t.Fatalf("appraise: %v", err)
	}
	if len(snap.ModelValues) != 2 {
		t.Fatalf("surviving models = %d", len(snap.ModelValues))
	}
	if !snap.Consensus.Equal(dec("10.5")) {
		t.Fatalf("consensus = %s", snap.Consensus)
	}
}

func TestAppraiseRenormalisesWeights(t *testing.T) {
	engine := NewEngine(Config{}, nil)
	engine.Register(fixedModel{name: "heavy", value: dec("10")}, dec("3"))
	engine.Register(fixedModel{name: "light", value: dec("20")}, one())

	snap, err := engine.Appraise("vault-1", Features{})
	if err != nil {
		t.Fatalf("appraise: %v", err)
	}
	// (10*3 + 20*1) / 4 = 12.5.
	if !snap.Consensus.Equal(dec("12.5")) {
		t.Fatalf("consensus = %s, want 12.5", snap.Consensus)
	}
}

func TestAppraiseSingleSurvivorWidensInterval(t *testing.T) {
	engine := NewEngine(Config{}, nil)
	engine.Register(fixedModel{name: "only", value: dec("10")}, one())

	snap, err := engine.Appraise("vault-1", Features{})
	if err != nil {
		t.Fatalf("appraise: %v", err)
	}
	if !snap.Lower.Equal(dec("8")) || !snap.Upper.Equal(dec("12")) {
		t.Fatalf("interval = [%s, %s], want [8, 12]", snap.Lower, snap.Upper)
	}
}

func TestAppraiseNoSurvivorsFails(t *testing.T) {
	sink := &recordSink{}
	engine := NewEngine(Config{}, sink)
	engine.Register(fixedModel{name: "a", err: ErrNoEstimate}, one())
	engine.Register(fixedModel{name: "b", value: dec("-4")}, one())

	if _, err := engine.Appraise("vault-1", Features{}); !errors.Is(err, ErrInsufficientSignal) {
		t.Fatalf("error = %v, want ErrInsufficientSignal", err)
	}
	if len(sink.snaps) != 0 {
		t.Fatalf("failed run stored %d snapshots", len(sink.snaps))
	}
}

func TestAppraiseLowerBoundClampedAtZero(t *testing.T) {
	engine := NewEngine(Config{SingleModelSpread: dec("1.5")}, nil)
	engine.Register(fixedModel{name: "only", value: dec("10")}, one())

	snap, err := engine.Appraise("vault-1", Features{})
	if err != nil {
		t.Fatalf("appraise: %v", err)
	}
	if snap.Lower.Sign() != 0 {
		t.Fatalf("lower = %s, want 0", snap.Lower)
	}
}

func TestSnapshotsAreImmutable(t *testing.T) {
	sink := &recordSink{}
	engine := NewEngine(Config{}, sink)
	engine.Register(fixedModel{name: "only", value: dec("10")}, one())

	snap, err := engine.Appraise("vault-1", Features{})
	if err != nil {
		t.Fatalf("appraise: %v", err)
	}
	snap.ModelValues["only"] = dec("999")
	if sink.snaps[0].ModelValues["only"].Equal(dec("999")) {
		t.Fatal("mutating the returned snapshot reached the sink")
	}
}

func TestDeclaredValueModelDiscountsCollateral(t *testing.T) {
	model := DeclaredValueModel{}
	free, err := model.Estimate(Features{DeclaredValue: dec("100")})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if !free.Equal(dec("100")) {
		t.Fatalf("estimate = %s", free)
	}
	locked, err := model.Estimate(Features{DeclaredValue: dec("100"), Collateralized: true})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if !locked.Equal(dec("95")) {
		t.Fatalf("collateralized estimate = %s, want 95", locked)
	}
	if _, err := model.Estimate(Features{}); !errors.Is(err, ErrNoEstimate) {
		t.Fatalf("error = %v, want ErrNoEstimate", err)
	}
}

func TestComparableSalesModelNeedsSamples(t *testing.T) {
	model := ComparableSalesModel{}
	now := time.Now()
	if _, err := model.Estimate(Features{RecentSales: []Sale{{Price: dec("5"), At: now}}}); !errors.Is(err, ErrNoEstimate) {
		t.Fatalf("error = %v, want ErrNoEstimate", err)
	}
	got, err := model.Estimate(Features{RecentSales: []Sale{
		{Price: dec("4"), At: now},
		{Price: dec("6"), At: now},
	}})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if !got.Equal(dec("5")) {
		t.Fatalf("estimate = %s, want 5", got)
	}
}

func TestFloorPriceModelUtilityMultiplier(t *testing.T) {
	model := FloorPriceModel{}
	// Utility 50 maps to a 1.0 multiplier.
	got, err := model.Estimate(Features{FloorValue: dec("10"), UtilityScore: 50})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if !got.Equal(dec("10")) {
		t.Fatalf("estimate = %s, want 10", got)
	}
	// Utility 100 maps to 1.2.
	got, err = model.Estimate(Features{FloorValue: dec("10"), UtilityScore: 100})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if !got.Equal(dec("12")) {
		t.Fatalf("estimate = %s, want 12", got)
	}
}

func TestTrendModelClampsMomentum(t *testing.T) {
	model := TrendModel{}
	now := time.Now()
	got, err := model.Estimate(Features{
		LastValue: dec("10"),
		RecentSales: []Sale{
			{Price: dec("1"), At: now.Add(-time.Hour)},
			{Price: dec("10"), At: now},
		},
	})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	// Momentum 10x clamps to 1.25.
	if !got.Equal(dec("12.5")) {
		t.Fatalf("estimate = %s, want 12.5", got)
	}
}
