// Package lending implements the loan risk core: interest and yield
// accrual, the loan state machine with grace-period and partial
// liquidation semantics, and the periodic liquidation scheduler.
package lending

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mosaical/core/types"
	"mosaical/native/ledger"
)

var errNilState = errors.New("lending engine: state not configured")

// Engine orchestrates the primary state transitions for the loan module.
// Scheduler-driven health transitions and user intents funnel through the
// same transition logic; every state-affecting operation follows the
// read-version, compute, conditional-commit discipline.
type Engine struct {
	state       State
	params      RiskParameters
	collections map[string]types.CollectionTerms
	clock       func() time.Time
}

// NewEngine constructs an engine with the provided risk parameters.
func NewEngine(params RiskParameters) *Engine {
	return &Engine{
		params:      params.Normalise(),
		collections: make(map[string]types.CollectionTerms),
		clock:       time.Now,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state State) { e.state = state }

// SetClock overrides the time source for deterministic testing.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

// SetCollections registers the immutable per-collection terms.
func (e *Engine) SetCollections(terms []types.CollectionTerms) {
	if e == nil {
		return
	}
	e.collections = make(map[string]types.CollectionTerms, len(terms))
	for _, t := range terms {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			continue
		}
		e.collections[id] = t.Clone()
	}
}

// Collection returns the configured terms for a collection.
func (e *Engine) Collection(id string) (types.CollectionTerms, bool) {
	if e == nil {
		return types.CollectionTerms{}, false
	}
	t, ok := e.collections[strings.TrimSpace(id)]
	return t, ok
}

// Params exposes the normalised risk parameters.
func (e *Engine) Params() RiskParameters { return e.params }

// withRetry re-runs fn while the store reports a version conflict,
// surfacing ErrConcurrentModification once the budget is exhausted.
func (e *Engine) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < e.params.MaxCommitRetries; attempt++ {
		err = fn()
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return ErrConcurrentModification
}

// OpenAccount creates the account when absent and returns it.
func (e *Engine) OpenAccount(id string) (*types.Account, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: account id required", ErrNotFound)
	}
	acct, err := e.state.GetAccount(id)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	acct = &types.Account{ID: id, Active: true, CreatedAt: e.clock().UTC()}
	cs := &Changeset{}
	cs.putAccount(acct)
	if err := e.state.Commit(cs); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// Lost the race to another creator; the account exists now.
			return e.state.GetAccount(id)
		}
		return nil, err
	}
	return acct.Clone(), nil
}

// Deposit records a collectible into the vault under its owner.
func (e *Engine) Deposit(ownerID, collectionID, tokenID, name string, declaredValue decimal.Decimal, utilityScore int) (*types.VaultEntry, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if declaredValue.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if utilityScore < 0 || utilityScore > 100 {
		return nil, fmt.Errorf("%w: utility score outside [0,100]", ErrInvalidAmount)
	}
	if _, ok := e.collections[strings.TrimSpace(collectionID)]; !ok {
		return nil, ErrUnknownCollection
	}
	if _, err := e.state.GetAccount(ownerID); err != nil {
		return nil, err
	}
	now := e.clock().UTC()
	entry := &types.VaultEntry{
		ID:            uuid.NewString(),
		CollectionID:  strings.TrimSpace(collectionID),
		TokenID:       strings.TrimSpace(tokenID),
		Name:          strings.TrimSpace(name),
		OwnerID:       ownerID,
		Status:        types.VaultDeposited,
		DeclaredValue: declaredValue.RoundBank(types.FractionalDigits),
		UtilityScore:  utilityScore,
		OwnershipPct:  decimal.NewFromInt(100),
		DepositedAt:   now,
		LastYieldAt:   now,
	}
	cs := &Changeset{}
	cs.putVault(entry)
	if err := e.state.Commit(cs); err != nil {
		return nil, err
	}
	return entry.Clone(), nil
}

// Borrow opens a loan against a deposited vault entry, credits the
// borrower's balance and binds the collateral. The amount must keep the
// position at or under the collection's max LTV.
func (e *Engine) Borrow(borrowerID, vaultID string, amount decimal.Decimal) (*types.Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	amount = amount.RoundBank(types.FractionalDigits)
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	var loan *types.Loan
	err := e.withRetry(func() error {
		vault, err := e.state.GetVault(vaultID)
		if err != nil {
			return err
		}
		if vault.OwnerID != borrowerID {
			return fmt.Errorf("%w: vault entry owned by another account", ErrInvalidState)
		}
		if vault.Status != types.VaultDeposited {
			return fmt.Errorf("%w: vault entry is %s", ErrInvalidState, vault.Status)
		}
		terms, ok := e.collections[vault.CollectionID]
		if !ok {
			return ErrUnknownCollection
		}
		acct, err := e.state.GetAccount(borrowerID)
		if err != nil {
			return err
		}
		principal := amount
		value := vault.EffectiveValue()
		if breachesMax(principal, value, terms.MaxLTVBps) {
			return ErrInsufficientCollateral
		}
		now := e.clock().UTC()
		loan = &types.Loan{
			ID:                      uuid.NewString(),
			BorrowerID:              borrowerID,
			VaultID:                 vault.ID,
			Status:                  types.LoanActive,
			Principal:               principal,
			Debt:                    principal,
			MonthlyRateBps:          terms.MonthlyRateBps,
			MaxLTVBps:               terms.MaxLTVBps,
			LiquidationThresholdBps: terms.LiquidationThresholdBps,
			CreatedAt:               now,
			LastAccrualAt:           now,
		}
		vault.Status = types.VaultCollateralized
		vault.LoanID = loan.ID
		acct.Balance = acct.Balance.Add(principal)

		entry := ledger.New(now, borrowerID, ledger.KindBorrow, principal)
		entry.LoanID = loan.ID
		entry.VaultID = vault.ID

		cs := &Changeset{}
		cs.putLoan(loan)
		cs.putVault(vault)
		cs.putAccount(acct)
		cs.record(entry)
		return e.state.Commit(cs)
	})
	if err != nil {
		return nil, err
	}
	return loan.Clone(), nil
}

// Repay applies a repayment to an open loan. Interest accrues first, the
// amount is clamped to the outstanding debt, and a loan repaid to zero
// closes and frees its collateral. A grace-period loan whose ratio drops
// back under the threshold returns to Active.
func (e *Engine) Repay(loanID string, amount decimal.Decimal) (*types.Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	amount = amount.RoundBank(types.FractionalDigits)
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	var result *types.Loan
	err := e.withRetry(func() error {
		loan, err := e.state.GetLoan(loanID)
		if err != nil {
			return err
		}
		if loan.Status != types.LoanActive && loan.Status != types.LoanGracePeriod {
			return fmt.Errorf("%w: loan is %s", ErrInvalidState, loan.Status)
		}
		vault, err := e.state.GetVault(loan.VaultID)
		if err != nil {
			return err
		}
		acct, err := e.state.GetAccount(loan.BorrowerID)
		if err != nil {
			return err
		}
		now := e.clock().UTC()
		cs := &Changeset{}
		if err := e.accrue(loan, now, cs); err != nil {
			return err
		}
		repay := amount
		if repay.Cmp(loan.Debt) > 0 {
			repay = loan.Debt
		}
		if acct.Balance.Cmp(repay) < 0 {
			return ErrInsufficientFunds
		}
		acct.Balance = acct.Balance.Sub(repay)
		loan.Debt = loan.Debt.Sub(repay)

		entry := ledger.New(now, loan.BorrowerID, ledger.KindRepay, repay.Neg())
		entry.LoanID = loan.ID
		entry.VaultID = vault.ID
		cs.record(entry)

		if loan.Debt.Sign() == 0 {
			loan.Status = types.LoanRepaid
			loan.GraceDeadline = nil
			vault.Status = types.VaultDeposited
			vault.LoanID = ""
			cs.putVault(vault)
		} else if loan.Status == types.LoanGracePeriod &&
			!breaches(loan.Debt, vault.EffectiveValue(), loan.LiquidationThresholdBps) {
			loan.Status = types.LoanActive
			loan.GraceDeadline = nil
		}

		cs.putLoan(loan)
		cs.putAccount(acct)
		if err := e.state.Commit(cs); err != nil {
			return err
		}
		result = loan
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result.Clone(), nil
}

// RefinanceTerms carries the updated pricing for a refinance.
type RefinanceTerms struct {
	MonthlyRateBps          uint64
	MaxLTVBps               uint64
	LiquidationThresholdBps uint64
}

// Refinance closes an Active loan and opens a new one over the same
// collateral with updated terms. The collateral back-reference moves in
// the same commit, so there is no window where the vault entry points to
// neither or both loans.
func (e *Engine) Refinance(loanID string, terms RefinanceTerms) (*types.Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if terms.MonthlyRateBps == 0 || terms.MaxLTVBps == 0 ||
		terms.LiquidationThresholdBps <= terms.MaxLTVBps {
		return nil, fmt.Errorf("%w: refinance terms require rate, max LTV and a higher liquidation threshold", ErrInvalidAmount)
	}
	if terms.MaxLTVBps >= basisPoints || terms.LiquidationThresholdBps > basisPoints {
		return nil, fmt.Errorf("%w: refinance terms must keep max LTV below and the threshold at most %d bps", ErrInvalidAmount, basisPoints)
	}
	var replacement *types.Loan
	err := e.withRetry(func() error {
		loan, err := e.state.GetLoan(loanID)
		if err != nil {
			return err
		}
		if loan.Status != types.LoanActive {
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
		replacement = &types.Loan{
			ID:                      uuid.NewString(),
			BorrowerID:              loan.BorrowerID,
			VaultID:                 vault.ID,
			Status:                  types.LoanActive,
			Principal:               loan.Debt,
			Debt:                    loan.Debt,
			MonthlyRateBps:          terms.MonthlyRateBps,
			MaxLTVBps:               terms.MaxLTVBps,
			LiquidationThresholdBps: terms.LiquidationThresholdBps,
			CreatedAt:               now,
			LastAccrualAt:           now,
		}
		loan.Status = types.LoanRefinanced
		loan.GraceDeadline = nil
		vault.LoanID = replacement.ID

		entry := ledger.New(now, loan.BorrowerID, ledger.KindRefinance, replacement.Principal)
		entry.BalanceNeutral = true
		entry.LoanID = replacement.ID
		entry.VaultID = vault.ID
		entry.Memo = "refinanced " + loan.ID

		cs.putLoan(loan)
		cs.putLoan(replacement)
		cs.putVault(vault)
		cs.record(entry)
		return e.state.Commit(cs)
	})
	if err != nil {
		return nil, err
	}
	return replacement.Clone(), nil
}

// SwapCollateral atomically releases the current vault entry and binds a
// new one, recomputing health immediately. The new collateral must
// support the outstanding debt under the loan's max LTV.
func (e *Engine) SwapCollateral(loanID, newVaultID string) (*types.Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var result *types.Loan
	err := e.withRetry(func() error {
		loan, err := e.state.GetLoan(loanID)
		if err != nil {
			return err
		}
		if loan.Status != types.LoanActive && loan.Status != types.LoanGracePeriod {
			return fmt.Errorf("%w: loan is %s", ErrInvalidState, loan.Status)
		}
		oldVault, err := e.state.GetVault(loan.VaultID)
		if err != nil {
			return err
		}
		newVault, err := e.state.GetVault(newVaultID)
		if err != nil {
			return err
		}
		if newVault.OwnerID != loan.BorrowerID {
			return fmt.Errorf("%w: replacement vault entry owned by another account", ErrInvalidState)
		}
		if newVault.Status != types.VaultDeposited || newVault.LoanID != "" {
			return fmt.Errorf("%w: replacement vault entry is %s", ErrInvalidState, newVault.Status)
		}
		now := e.clock().UTC()
		cs := &Changeset{}
		if err := e.accrue(loan, now, cs); err != nil {
			return err
		}
		if breachesMax(loan.Debt, newVault.EffectiveValue(), loan.MaxLTVBps) {
			return ErrInsufficientCollateral
		}
		oldVault.Status = types.VaultDeposited
		oldVault.LoanID = ""
		newVault.Status = types.VaultCollateralized
		newVault.LoanID = loan.ID
		loan.VaultID = newVault.ID
		if loan.Status == types.LoanGracePeriod &&
			!breaches(loan.Debt, newVault.EffectiveValue(), loan.LiquidationThresholdBps) {
			loan.Status = types.LoanActive
			loan.GraceDeadline = nil
		}

		entry := ledger.New(now, loan.BorrowerID, ledger.KindSwap, loan.Debt)
		entry.BalanceNeutral = true
		entry.LoanID = loan.ID
		entry.VaultID = newVault.ID
		entry.Memo = "swapped from " + oldVault.ID

		cs.putLoan(loan)
		cs.putVault(oldVault)
		cs.putVault(newVault)
		cs.record(entry)
		if err := e.state.Commit(cs); err != nil {
			return err
		}
		result = loan
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result.Clone(), nil
}

// Withdraw releases an unencumbered vault entry back to its owner. Any
// yield accrued but not yet settled is paid out first.
func (e *Engine) Withdraw(ownerID, vaultID string) (*types.VaultEntry, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var result *types.VaultEntry
	err := e.withRetry(func() error {
		vault, err := e.state.GetVault(vaultID)
		if err != nil {
			return err
		}
		if vault.OwnerID != ownerID {
			return fmt.Errorf("%w: vault entry owned by another account", ErrInvalidState)
		}
		if vault.Status != types.VaultDeposited && vault.Status != types.VaultPartiallyLiquidated {
			return fmt.Errorf("%w: vault entry is %s", ErrInvalidState, vault.Status)
		}
		if vault.LoanID != "" {
			return fmt.Errorf("%w: vault entry still collateralizes loan %s", ErrInvalidState, vault.LoanID)
		}
		now := e.clock().UTC()
		cs := &Changeset{}
		if err := e.settleYield(vault, nil, now, cs); err != nil {
			return err
		}
		vault.Status = types.VaultWithdrawn
		cs.putVault(vault)
		if err := e.state.Commit(cs); err != nil {
			return err
		}
		result = vault
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result.Clone(), nil
}

// FaucetClaim credits the configured faucet amount to the account.
func (e *Engine) FaucetClaim(accountID string) (*types.Account, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var result *types.Account
	err := e.withRetry(func() error {
		acct, err := e.state.GetAccount(accountID)
		if err != nil {
			return err
		}
		now := e.clock().UTC()
		acct.Balance = acct.Balance.Add(e.params.FaucetAmount)
		cs := &Changeset{}
		cs.putAccount(acct)
		cs.record(ledger.New(now, accountID, ledger.KindFaucet, e.params.FaucetAmount))
		if err := e.state.Commit(cs); err != nil {
			return err
		}
		result = acct
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result.Clone(), nil
}

// ApplyValuation records a fresh consensus value on the vault entry and
// clears the stale flag on any referencing open loan.
func (e *Engine) ApplyValuation(vaultID string, value decimal.Decimal, at time.Time) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if value.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return e.withRetry(func() error {
		vault, err := e.state.GetVault(vaultID)
		if err != nil {
			return err
		}
		vault.LastValuation = value.RoundBank(types.FractionalDigits)
		vault.LastValuedAt = at.UTC()
		cs := &Changeset{}
		cs.putVault(vault)
		if vault.LoanID != "" {
			loan, err := e.state.GetLoan(vault.LoanID)
			if err == nil && !loan.Status.Closed() && loan.StaleValuation {
				loan.StaleValuation = false
				cs.putLoan(loan)
			}
		}
		return e.state.Commit(cs)
	})
}

// FlagStaleValuation marks a loan for manual review after the valuation
// ensemble produced no signal.
func (e *Engine) FlagStaleValuation(loanID string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.withRetry(func() error {
		loan, err := e.state.GetLoan(loanID)
		if err != nil {
			return err
		}
		if loan.Status.Closed() || loan.StaleValuation {
			return nil
		}
		loan.StaleValuation = true
		cs := &Changeset{}
		cs.putLoan(loan)
		return e.state.Commit(cs)
	})
}

// accrue brings the loan's debt current as of now, recording an interest
// entry only when the balance actually moved. ClockSkew aborts the call
// without touching the loan.
func (e *Engine) accrue(loan *types.Loan, now time.Time, cs *Changeset) error {
	elapsed := now.Sub(loan.LastAccrualAt)
	newDebt, err := CompoundDebt(loan.Debt, loan.MonthlyRateBps, elapsed)
	if err != nil {
		return err
	}
	if delta := newDebt.Sub(loan.Debt); delta.Sign() > 0 {
		entry := ledger.New(now, loan.BorrowerID, ledger.KindInterest, delta)
		entry.BalanceNeutral = true
		entry.LoanID = loan.ID
		entry.VaultID = loan.VaultID
		cs.record(entry)
	}
	loan.Debt = newDebt
	if elapsed > 0 {
		loan.LastAccrualAt = now
	}
	return nil
}

// breachesMax reports whether debt/value exceeds the max-LTV bound. Unlike
// the liquidation threshold, sitting exactly on the boundary is allowed.
func breachesMax(debt, value decimal.Decimal, maxLTVBps uint64) bool {
	if debt.Sign() <= 0 {
		return false
	}
	if value.Sign() <= 0 {
		return true
	}
	lhs := debt.Mul(decimal.NewFromInt(basisPoints))
	rhs := value.Mul(decimal.New(int64(maxLTVBps), 0))
	return lhs.Cmp(rhs) > 0
}
