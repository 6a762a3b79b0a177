// Package valuation synthesizes one consensus estimate per collateral
// asset from a set of independent predictor models, with a confidence
// interval reflecting model dispersion.
package valuation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mosaical/core/types"
)

// ErrInsufficientSignal indicates that no predictor model produced an
// estimate. Callers fall back to the last known snapshot or the declared
// value and must flag the position for review.
var ErrInsufficientSignal = errors.New("valuation: no surviving model estimate")

// ErrNoEstimate is returned by an individual model that cannot price the
// asset, for example due to insufficient history. Model failures are
// excluded from the ensemble, never fatal.
var ErrNoEstimate = errors.New("valuation: model cannot estimate")

// Sale is one observed transfer used as pricing history.
type Sale struct {
	Price decimal.Decimal
	At    time.Time
}

// Features is the input vector handed to every predictor model.
type Features struct {
	DeclaredValue  decimal.Decimal
	LastValue      decimal.Decimal
	UtilityScore   int
	AgeDays        int
	Collateralized bool
	CollectionName string
	FloorValue     decimal.Decimal
	RecentSales    []Sale
}

// Model produces a point estimate for a collateral asset.
type Model interface {
	Name() string
	Estimate(f Features) (decimal.Decimal, error)
}

// Snapshot is the immutable output of one consensus run. Later runs
// supersede it; nothing ever mutates a prior snapshot.
type Snapshot struct {
	ID          string
	VaultID     string
	ModelValues map[string]decimal.Decimal
	Consensus   decimal.Decimal
	Lower       decimal.Decimal
	Upper       decimal.Decimal
	CreatedAt   time.Time
}

// Clone returns a deep copy so stored snapshots cannot be mutated through
// returned references.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	clone := *s
	clone.ModelValues = make(map[string]decimal.Decimal, len(s.ModelValues))
	for k, v := range s.ModelValues {
		clone.ModelValues[k] = v
	}
	return &clone
}

// Sink receives every snapshot the engine produces. Implementations must
// store snapshots append-only.
type Sink interface {
	AppendSnapshot(snap *Snapshot) error
}

// Config tunes the consensus computation.
type Config struct {
	// ZScore multiplies the weighted standard deviation when deriving the
	// confidence interval. The default approximates a 90% interval.
	ZScore decimal.Decimal
	// SingleModelSpread widens the interval when only one model survives:
	// half-width = consensus * SingleModelSpread.
	SingleModelSpread decimal.Decimal
}

// Normalise applies defaults to unset fields.
func (c Config) Normalise() Config {
	if c.ZScore.Sign() <= 0 {
		c.ZScore = decimal.RequireFromString("1.645")
	}
	if c.SingleModelSpread.Sign() <= 0 {
		c.SingleModelSpread = decimal.RequireFromString("0.2")
	}
	return c
}

type registeredModel struct {
	model  Model
	weight decimal.Decimal
}

// Engine iterates the registered models uniformly and reduces the
// surviving estimates to one consensus value.
type Engine struct {
	mu     sync.RWMutex
	order  []string
	models map[string]registeredModel
	cfg    Config
	sink   Sink
	clock  func() time.Time
}

// NewEngine constructs a consensus engine. The sink may be nil when the
// caller stores snapshots itself.
func NewEngine(cfg Config, sink Sink) *Engine {
	return &Engine{
		models: make(map[string]registeredModel),
		cfg:    cfg.Normalise(),
		sink:   sink,
		clock:  time.Now,
	}
}

// SetClock overrides the time source for deterministic testing.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

// Register adds or replaces a model under its name with a static weight
// reflecting historical accuracy. Names are stored lowercase so lookups
// stay consistent regardless of configuration casing.
func (e *Engine) Register(model Model, weight decimal.Decimal) {
	if e == nil || model == nil || weight.Sign() <= 0 {
		return
	}
	name := strings.ToLower(strings.TrimSpace(model.Name()))
	if name == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.models[name]; !exists {
		e.order = append(e.order, name)
	}
	e.models[name] = registeredModel{model: model, weight: weight}
}

// Appraise runs every registered model over the features and writes
// exactly one new snapshot. Individual model failures are skipped; when
// zero models survive the run fails with ErrInsufficientSignal and no
// snapshot is written.
func (e *Engine) Appraise(vaultID string, f Features) (*Snapshot, error) {
	if e == nil {
		return nil, fmt.Errorf("valuation: engine not configured")
	}
	e.mu.RLock()
	order := append([]string{}, e.order...)
	models := make(map[string]registeredModel, len(e.models))
	for k, v := range e.models {
		models[k] = v
	}
	cfg := e.cfg
	sink := e.sink
	now := e.clock().UTC()
	e.mu.RUnlock()

	values := make(map[string]decimal.Decimal)
	weights := make(map[string]decimal.Decimal)
	totalWeight := decimal.Zero
	for _, name := range order {
		reg := models[name]
		estimate, err := reg.model.Estimate(f)
		if err != nil {
			continue
		}
		if estimate.Sign() <= 0 {
			continue
		}
		values[name] = estimate.RoundBank(types.FractionalDigits)
		weights[name] = reg.weight
		totalWeight = totalWeight.Add(reg.weight)
	}
	if len(values) == 0 {
		return nil, ErrInsufficientSignal
	}

	// Renormalize weights over survivors so they always sum to 1.
	consensus := decimal.Zero
	for name, v := range values {
		consensus = consensus.Add(v.Mul(weights[name]).Div(totalWeight))
	}
	consensus = consensus.RoundBank(types.FractionalDigits)

	var halfWidth decimal.Decimal
	if len(values) == 1 {
		halfWidth = consensus.Mul(cfg.SingleModelSpread)
	} else {
		variance := decimal.Zero
		for name, v := range values {
			diff := v.Sub(consensus)
			variance = variance.Add(diff.Mul(diff).Mul(weights[name]).Div(totalWeight))
		}
		halfWidth = cfg.ZScore.Mul(sqrt(variance))
	}
	halfWidth = halfWidth.RoundBank(types.FractionalDigits)

	lower := consensus.Sub(halfWidth)
	if lower.Sign() < 0 {
		lower = decimal.Zero
	}
	snap := &Snapshot{
		ID:          uuid.NewString(),
		VaultID:     vaultID,
		ModelValues: values,
		Consensus:   consensus,
		Lower:       lower,
		Upper:       consensus.Add(halfWidth),
		CreatedAt:   now,
	}
	if sink != nil {
		if err := sink.AppendSnapshot(snap.Clone()); err != nil {
			return nil, fmt.Errorf("valuation: store snapshot: %w", err)
		}
	}
	return snap, nil
}

// ModelNames lists the registered models sorted by name.
func (e *Engine) ModelNames() []string {
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := append([]string{}, e.order...)
	sort.Strings(names)
	return names
}

// sqrt computes a fixed-point square root by Newton iteration. The
// interval is informational, so a bounded iteration count suffices.
func sqrt(d decimal.Decimal) decimal.Decimal {
	if d.Sign() <= 0 {
		return decimal.Zero
	}
	two := decimal.NewFromInt(2)
	guess := d
	if guess.Cmp(decimal.NewFromInt(1)) > 0 {
		guess = d.Div(two)
	}
	for i := 0; i < 20; i++ {
		if guess.Sign() == 0 {
			return decimal.Zero
		}
		next := guess.Add(d.Div(guess)).Div(two)
		if next.Sub(guess).Abs().Cmp(decimal.New(1, -int32(types.FractionalDigits+2))) < 0 {
			guess = next
			break
		}
		guess = next
	}
	return guess.RoundBank(types.FractionalDigits)
}
