package lending

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"mosaical/core/types"
	"mosaical/native/ledger"
)

// TransitionKind labels what Evaluate did to a loan.
type TransitionKind string

const (
	TransitionNone           TransitionKind = "none"
	TransitionEnteredGrace   TransitionKind = "entered_grace"
	TransitionRestoredActive TransitionKind = "restored_active"
	TransitionPartial        TransitionKind = "partial_liquidation"
	TransitionFull           TransitionKind = "full_liquidation"
)

// Evaluation reports the outcome of a single health evaluation.
type Evaluation struct {
	LoanID     string
	From, To   types.LoanStatus
	Transition TransitionKind
	Ratio      decimal.Decimal
	Proceeds   decimal.Decimal
	Shortfall  decimal.Decimal
	Surplus    decimal.Decimal
}

// Evaluate brings a loan's debt current and runs the health transition:
// a breached Active loan enters its grace period, a recovered
// GracePeriod loan returns to Active, and a loan past its deadline is
// liquidated, partially when selling a slice of the collateral restores
// the target ratio.
func (e *Engine) Evaluate(loanID string) (*Evaluation, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var result *Evaluation
	err := e.withRetry(func() error {
		loan, err := e.state.GetLoan(loanID)
		if err != nil {
			return err
		}
		if loan.Status.Closed() {
			return fmt.Errorf("%w: loan is %s", ErrInvalidState, loan.Status)
		}
		vault, err := e.state.GetVault(loan.VaultID)
		if err != nil {
			return err
		}
		now := e.clock().UTC()
		cs := &Changeset{}
		if err := e.accrue(loan, now, cs); err != nil {
			return err
		}
		ev := &Evaluation{LoanID: loan.ID, From: loan.Status, Transition: TransitionNone}

		value := vault.EffectiveValue()
		breach := breaches(loan.Debt, value, loan.LiquidationThresholdBps)
		switch {
		case loan.Status == types.LoanActive && breach:
			deadline := now.Add(e.params.GraceWindow)
			loan.Status = types.LoanGracePeriod
			loan.GraceDeadline = &deadline
			ev.Transition = TransitionEnteredGrace
		case loan.Status == types.LoanGracePeriod && !breach:
			loan.Status = types.LoanActive
			loan.GraceDeadline = nil
			ev.Transition = TransitionRestoredActive
		case loan.Status == types.LoanGracePeriod && breach &&
			loan.GraceDeadline != nil && !now.Before(*loan.GraceDeadline):
			if err := e.liquidate(loan, vault, value, now, cs, ev); err != nil {
				return err
			}
		}

		ev.To = loan.Status
		ev.Ratio = ltvRatio(loan.Debt, vault.EffectiveValue())
		cs.putLoan(loan)
		if err := e.state.Commit(cs); err != nil {
			return err
		}
		result = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// liquidate sells collateral against the debt. The sale is sized to
// restore the target ratio t: selling x at value V against debt D leaves
// (D-x)/(V-x) = t, so x = (D - t*V)/(1 - t). When no partial sale can
// restore the target the whole position unwinds; a shortfall is written
// off as a loss and a surplus returns to the borrower.
func (e *Engine) liquidate(loan *types.Loan, vault *types.VaultEntry, value decimal.Decimal, now time.Time, cs *Changeset, ev *Evaluation) error {
	targetBps := e.params.LiquidationTargetBps
	if targetBps == 0 {
		targetBps = loan.MaxLTVBps
	}
	target := bpsRatio(targetBps)

	full := value.Sign() <= 0 || target.Cmp(one) >= 0
	var proceeds decimal.Decimal
	if !full {
		proceeds = loan.Debt.Sub(target.Mul(value)).
			Div(one.Sub(target)).
			RoundBank(types.FractionalDigits)
		if proceeds.Cmp(value) >= 0 {
			full = true
		}
	}

	if full {
		paid := loan.Debt
		if value.Cmp(paid) < 0 {
			paid = value
		}
		shortfall := loan.Debt.Sub(value)
		surplus := value.Sub(loan.Debt)

		entry := ledger.New(now, loan.BorrowerID, ledger.KindLiquidation, paid.Neg())
		entry.BalanceNeutral = true
		entry.LoanID = loan.ID
		entry.VaultID = vault.ID
		cs.record(entry)

		if shortfall.Sign() > 0 {
			loss := ledger.New(now, loan.BorrowerID, ledger.KindLoss, shortfall.Neg())
			loss.BalanceNeutral = true
			loss.LoanID = loan.ID
			loss.VaultID = vault.ID
			loss.Memo = "debt written off at liquidation"
			cs.record(loss)
			ev.Shortfall = shortfall
		}
		if surplus.Sign() > 0 {
			acct, err := e.state.GetAccount(loan.BorrowerID)
			if err != nil {
				return err
			}
			acct.Balance = acct.Balance.Add(surplus)
			cs.putAccount(acct)
			credit := ledger.New(now, loan.BorrowerID, ledger.KindLiquidation, surplus)
			credit.LoanID = loan.ID
			credit.VaultID = vault.ID
			credit.Memo = "liquidation surplus"
			cs.record(credit)
			ev.Surplus = surplus
		}

		loan.Debt = decimal.Zero
		loan.Status = types.LoanLiquidated
		loan.GraceDeadline = nil
		vault.Status = types.VaultLiquidated
		vault.LoanID = ""
		vault.OwnershipPct = decimal.Zero
		cs.putVault(vault)
		ev.Transition = TransitionFull
		ev.Proceeds = paid
		return nil
	}

	if proceeds.Sign() <= 0 {
		// The threshold sits at or below the target; nothing to sell.
		loan.Status = types.LoanActive
		loan.GraceDeadline = nil
		ev.Transition = TransitionRestoredActive
		return nil
	}

	loan.Debt = loan.Debt.Sub(proceeds)
	loan.Status = types.LoanActive
	loan.GraceDeadline = nil
	vault.Status = types.VaultPartiallyLiquidated
	vault.OwnershipPct = vault.OwnershipPct.
		Mul(value.Sub(proceeds)).
		Div(value).
		RoundBank(types.FractionalDigits)

	entry := ledger.New(now, loan.BorrowerID, ledger.KindLiquidation, proceeds.Neg())
	entry.BalanceNeutral = true
	entry.LoanID = loan.ID
	entry.VaultID = vault.ID
	entry.Memo = "partial liquidation"
	cs.record(entry)
	cs.putVault(vault)
	ev.Transition = TransitionPartial
	ev.Proceeds = proceeds
	return nil
}

// RiskBand buckets a loan's distance to its liquidation threshold.
type RiskBand string

const (
	BandSafe    RiskBand = "SAFE"
	BandWarning RiskBand = "WARNING"
	BandDanger  RiskBand = "DANGER"
	BandBreach  RiskBand = "BREACH"
)

var (
	warningFraction = decimal.RequireFromString("0.80")
	dangerFraction  = decimal.RequireFromString("0.95")
)

// Health is the read-only risk view of a loan.
type Health struct {
	LoanID          string
	Status          types.LoanStatus
	Debt            decimal.Decimal
	CollateralValue decimal.Decimal
	Ratio           decimal.Decimal
	Band            RiskBand
	GraceDeadline   *time.Time
	StaleValuation  bool
}

// GetHealth projects the loan's debt to now and reports its risk band
// without mutating any state.
func (e *Engine) GetHealth(loanID string) (*Health, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	loan, err := e.state.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	vault, err := e.state.GetVault(loan.VaultID)
	if err != nil {
		return nil, err
	}
	debt := loan.Debt
	if !loan.Status.Closed() {
		projected, err := CompoundDebt(loan.Debt, loan.MonthlyRateBps, e.clock().UTC().Sub(loan.LastAccrualAt))
		if err == nil {
			debt = projected
		}
	}
	value := vault.EffectiveValue()
	h := &Health{
		LoanID:          loan.ID,
		Status:          loan.Status,
		Debt:            debt,
		CollateralValue: value,
		Ratio:           ltvRatio(debt, value),
		Band:            band(debt, value, loan.LiquidationThresholdBps),
		GraceDeadline:   loan.GraceDeadline,
		StaleValuation:  loan.StaleValuation,
	}
	return h, nil
}

// band compares the position against fractions of its liquidation
// threshold: WARNING from 80%, DANGER from 95%, BREACH at the threshold.
func band(debt, value decimal.Decimal, thresholdBps uint64) RiskBand {
	if debt.Sign() <= 0 {
		return BandSafe
	}
	if value.Sign() <= 0 {
		return BandBreach
	}
	ratio := ltvRatio(debt, value)
	threshold := bpsRatio(thresholdBps)
	switch {
	case ratio.Cmp(threshold) >= 0:
		return BandBreach
	case ratio.Cmp(threshold.Mul(dangerFraction)) >= 0:
		return BandDanger
	case ratio.Cmp(threshold.Mul(warningFraction)) >= 0:
		return BandWarning
	}
	return BandSafe
}
