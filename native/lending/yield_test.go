package lending

import (
	"testing"

	"mosaical/core/types"
	"mosaical/native/ledger"
)

func TestSettleYieldPaysDebtFirst(t *testing.T) {
	state := newMockState()
	clock := newTestClock()
	engine := newTestEngine(state, clock, RiskParameters{})
	acct, vault, loan := seedLoan(state, clock, "0.4", "100")
	state.loans[loan.ID].MonthlyRateBps = 0

	clock.Advance(CompoundingPeriod)
	// 100 * 2% * 0.5 utility = 1 earned; 0.4 pays the debt, 0.6 to the owner.
	paid, err := engine.SettleYield(vault.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !paid.Equal(dec("1")) {
		t.Fatalf("settled = %s, want 1", paid)
	}
	storedLoan, _ := state.GetLoan(loan.ID)
	if storedLoan.Status != types.LoanRepaid || storedLoan.Debt.Sign() != 0 {
		t.Fatalf("loan = %s debt=%s", storedLoan.Status, storedLoan.Debt)
	}
	storedAcct, _ := state.GetAccount(acct.ID)
	if !storedAcct.Balance.Equal(dec("0.6")) {
		t.Fatalf("balance = %s", storedAcct.Balance)
	}
	payouts := state.entriesOfKind(ledger.KindYieldPayout)
	if len(payouts) != 2 {
		t.Fatalf("payout entries = %d, want debt leg and balance leg", len(payouts))
	}
	freed, _ := state.GetVault(vault.ID)
	if freed.Status != types.VaultDeposited || freed.LoanID != "" {
		t.Fatalf("vault not freed after yield repaid the loan: %s/%s", freed.Status, freed.LoanID)
	}
}

func TestSettleYieldRoutesWindowInterestToDebt(t *testing.T) {
	state := newMockState()
	clock := newTestClock()
	engine := newTestEngine(state, clock, RiskParameters{})
	acct, vault, loan := seedLoan(state, clock, "0.9", "100")

	clock.Advance(CompoundingPeriod)
	// The month accrues 0.9 -> 0.945; the 1 earned must clear the whole
	// accrued debt, not just the balance it started the window with.
	paid, err := engine.SettleYield(vault.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !paid.Equal(dec("1")) {
		t.Fatalf("settled = %s, want 1", paid)
	}
	storedLoan, _ := state.GetLoan(loan.ID)
	if storedLoan.Status != types.LoanRepaid || storedLoan.Debt.Sign() != 0 {
		t.Fatalf("loan = %s debt=%s", storedLoan.Status, storedLoan.Debt)
	}
	storedAcct, _ := state.GetAccount(acct.ID)
	if !storedAcct.Balance.Equal(dec("0.055")) {
		t.Fatalf("balance = %s, want 0.055", storedAcct.Balance)
	}
	debtLegs := state.entriesOfKind(ledger.KindYieldPayout)
	if len(debtLegs) != 2 || !debtLegs[0].Amount.Equal(dec("0.945")) {
		t.Fatalf("payout entries = %+v", debtLegs)
	}
}

func TestSettleYieldHonoursCap(t *testing.T) {
	state := newMockState()
	clock := newTestClock()
	engine := newTestEngine(state, clock, RiskParameters{YieldCap: dec("0.75")})
	_, vault, loan := seedLoan(state, clock, "10", "100")
	state.loans[loan.ID].MonthlyRateBps = 0

	clock.Advance(CompoundingPeriod)
	paid, err := engine.SettleYield(vault.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !paid.Equal(dec("0.75")) {
		t.Fatalf("settled = %s, want capped 0.75", paid)
	}

	// The cap is exhausted; later settlements pay nothing.
	clock.Advance(CompoundingPeriod)
	paid, err = engine.SettleYield(vault.ID)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if paid.Sign() != 0 {
		t.Fatalf("settled = %s after cap exhausted", paid)
	}
}

func TestSettleYieldIdempotentWithinWindow(t *testing.T) {
	state := newMockState()
	clock := newTestClock()
	engine := newTestEngine(state, clock, RiskParameters{})
	_, vault, loan := seedLoan(state, clock, "10", "100")
	state.loans[loan.ID].MonthlyRateBps = 0

	clock.Advance(CompoundingPeriod)
	if _, err := engine.SettleYield(vault.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}
	paid, err := engine.SettleYield(vault.ID)
	if err != nil {
		t.Fatalf("repeat settle: %v", err)
	}
	if paid.Sign() != 0 {
		t.Fatalf("repeat settlement paid %s", paid)
	}
}
