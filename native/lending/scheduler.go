package lending

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"mosaical/native/valuation"
	"mosaical/observability/metrics"
)

// Appraiser produces a fresh consensus valuation for a collateral asset.
type Appraiser interface {
	Appraise(vaultID string, f valuation.Features) (*valuation.Snapshot, error)
}

// SalesSource supplies recent sale observations for a collectible. The
// scheduler tolerates an empty history; the declared-value model still
// anchors the ensemble.
type SalesSource interface {
	RecentSales(collectionID, tokenID string) ([]valuation.Sale, error)
}

// PassReport summarises one scheduler pass.
type PassReport struct {
	Evaluated   int
	Transitions int
	Failures    int
	Liquidated  int
}

// Scheduler drives the periodic health and yield passes. A pass walks
// every open loan, refreshes valuations older than the staleness window,
// and funnels each loan through the engine's transition logic. One loan's
// failure never aborts the pass.
type Scheduler struct {
	engine    *Engine
	appraiser Appraiser
	sales     SalesSource
	staleness time.Duration
	log       *slog.Logger
	clock     func() time.Time
}

// NewScheduler wires a scheduler over the engine. The appraiser and sales
// source may be nil, in which case passes run on stored valuations only.
func NewScheduler(engine *Engine, appraiser Appraiser, sales SalesSource, staleness time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if staleness <= 0 {
		staleness = time.Hour
	}
	return &Scheduler{
		engine:    engine,
		appraiser: appraiser,
		sales:     sales,
		staleness: staleness,
		log:       log,
		clock:     time.Now,
	}
}

// SetClock overrides the time source for deterministic testing.
func (s *Scheduler) SetClock(clock func() time.Time) {
	if s == nil || clock == nil {
		return
	}
	s.clock = clock
	s.engine.SetClock(clock)
}

// RunPass evaluates every open loan once. The context is checked between
// loans so shutdown never waits on a long walk.
func (s *Scheduler) RunPass(ctx context.Context) (PassReport, error) {
	report := PassReport{}
	if s == nil || s.engine == nil || s.engine.state == nil {
		return report, errNilState
	}
	ids, err := s.engine.state.OpenLoanIDs()
	if err != nil {
		return report, err
	}
	m := metrics.Risk()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		s.refreshValuation(id)
		ev, err := s.engine.Evaluate(id)
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				// Closed by a competing writer between listing and evaluation.
				continue
			}
			report.Failures++
			m.Failures.Inc()
			s.log.Error("loan evaluation failed", "loan", id, "error", err)
			continue
		}
		report.Evaluated++
		m.Evaluations.Inc()
		if ev.Transition != TransitionNone {
			report.Transitions++
			m.Transitions.WithLabelValues(string(ev.Transition)).Inc()
			s.log.Info("loan transition",
				"loan", id,
				"from", ev.From,
				"to", ev.To,
				"transition", ev.Transition,
				"ratio", ev.Ratio,
			)
		}
		if ev.Transition == TransitionPartial || ev.Transition == TransitionFull {
			report.Liquidated++
		}
	}
	if open, err := s.engine.state.OpenLoanIDs(); err == nil {
		m.OpenLoans.Set(float64(len(open)))
	}
	m.Passes.Inc()
	return report, nil
}

// refreshValuation re-runs the valuation ensemble for the loan's
// collateral when the stored consensus is older than the staleness
// window. An ensemble with no surviving model falls back to the stored
// value and flags the loan for review.
func (s *Scheduler) refreshValuation(loanID string) {
	if s.appraiser == nil {
		return
	}
	loan, err := s.engine.state.GetLoan(loanID)
	if err != nil {
		return
	}
	vault, err := s.engine.state.GetVault(loan.VaultID)
	if err != nil {
		return
	}
	now := s.clock().UTC()
	if !vault.LastValuedAt.IsZero() && now.Sub(vault.LastValuedAt) < s.staleness {
		return
	}
	terms, ok := s.engine.Collection(vault.CollectionID)
	if !ok {
		return
	}
	features := valuation.Features{
		DeclaredValue:  vault.DeclaredValue,
		LastValue:      vault.LastValuation,
		UtilityScore:   vault.UtilityScore,
		AgeDays:        int(now.Sub(vault.DepositedAt).Hours() / 24),
		Collateralized: vault.LoanID != "",
		CollectionName: terms.Name,
		FloorValue:     terms.FloorValue,
	}
	if s.sales != nil {
		if sales, err := s.sales.RecentSales(vault.CollectionID, vault.TokenID); err == nil {
			features.RecentSales = sales
		}
	}
	snap, err := s.appraiser.Appraise(vault.ID, features)
	if err != nil {
		if errors.Is(err, valuation.ErrInsufficientSignal) {
			s.log.Warn("valuation ensemble produced no signal, holding last value", "vault", vault.ID, "loan", loanID)
			if err := s.engine.FlagStaleValuation(loanID); err != nil {
				s.log.Error("failed to flag stale valuation", "loan", loanID, "error", err)
			}
			return
		}
		s.log.Error("valuation refresh failed", "vault", vault.ID, "error", err)
		return
	}
	if err := s.engine.ApplyValuation(vault.ID, snap.Consensus, snap.CreatedAt); err != nil {
		s.log.Error("failed to apply valuation", "vault", vault.ID, "error", err)
	}
}

// RunYieldPass settles accrued yield for every open vault entry.
func (s *Scheduler) RunYieldPass(ctx context.Context) (PassReport, error) {
	report := PassReport{}
	if s == nil || s.engine == nil || s.engine.state == nil {
		return report, errNilState
	}
	ids, err := s.engine.state.OpenVaultIDs()
	if err != nil {
		return report, err
	}
	m := metrics.Risk()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		paid, err := s.engine.SettleYield(id)
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			report.Failures++
			s.log.Error("yield settlement failed", "vault", id, "error", err)
			continue
		}
		report.Evaluated++
		if paid.Sign() > 0 {
			m.YieldPayouts.Inc()
			s.log.Info("yield settled", "vault", id, "amount", paid)
		}
	}
	return report, nil
}
