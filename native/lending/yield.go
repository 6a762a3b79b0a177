package lending

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"mosaical/core/types"
	"mosaical/native/ledger"
)

// SettleYield accrues the yield earned by a vault entry since its last
// settlement and routes it: outstanding debt on the referencing loan is
// paid down first, any remainder credits the owner's balance. Returns the
// total amount settled.
func (e *Engine) SettleYield(vaultID string) (decimal.Decimal, error) {
	if e == nil || e.state == nil {
		return decimal.Zero, errNilState
	}
	var settled decimal.Decimal
	err := e.withRetry(func() error {
		vault, err := e.state.GetVault(vaultID)
		if err != nil {
			return err
		}
		if vault.Status == types.VaultWithdrawn || vault.Status == types.VaultLiquidated {
			return fmt.Errorf("%w: vault entry is %s", ErrInvalidState, vault.Status)
		}
		var loan *types.Loan
		if vault.LoanID != "" {
			loan, err = e.state.GetLoan(vault.LoanID)
			if err != nil {
				return err
			}
		}
		now := e.clock().UTC()
		cs := &Changeset{}
		paid, err := e.settleYieldAmount(vault, loan, now, cs)
		if err != nil {
			return err
		}
		if err := e.state.Commit(cs); err != nil {
			return err
		}
		settled = paid
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return settled, nil
}

// settleYield is the changeset-building half of SettleYield, shared with
// Withdraw so an exit always pays out whatever the asset earned.
func (e *Engine) settleYield(vault *types.VaultEntry, loan *types.Loan, now time.Time, cs *Changeset) error {
	_, err := e.settleYieldAmount(vault, loan, now, cs)
	return err
}

func (e *Engine) settleYieldAmount(vault *types.VaultEntry, loan *types.Loan, now time.Time, cs *Changeset) (decimal.Decimal, error) {
	terms, ok := e.collections[vault.CollectionID]
	if !ok {
		return decimal.Zero, ErrUnknownCollection
	}
	elapsed := now.Sub(vault.LastYieldAt)
	amount, err := AccrueYield(vault.EffectiveValue(), terms.BaseYieldRateBps, vault.UtilityScore, elapsed)
	if err != nil {
		return decimal.Zero, err
	}
	if limit := e.params.YieldCap; limit.Sign() > 0 {
		headroom := limit.Sub(vault.YieldAccrued)
		if headroom.Sign() <= 0 {
			amount = decimal.Zero
		} else if amount.Cmp(headroom) > 0 {
			amount = headroom
		}
	}
	if elapsed > 0 {
		vault.LastYieldAt = now
		cs.putVault(vault)
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, nil
	}
	vault.YieldAccrued = vault.YieldAccrued.Add(amount)

	remainder := amount
	if loan != nil && !loan.Status.Closed() && loan.Debt.Sign() > 0 {
		// Interest earned inside the settlement window is part of the
		// debt the yield must pay down first, so accrue before sizing.
		if err := e.accrue(loan, now, cs); err != nil {
			return decimal.Zero, err
		}
		toDebt := remainder
		if toDebt.Cmp(loan.Debt) > 0 {
			toDebt = loan.Debt
		}
		loan.Debt = loan.Debt.Sub(toDebt)
		remainder = remainder.Sub(toDebt)

		entry := ledger.New(now, loan.BorrowerID, ledger.KindYieldPayout, toDebt)
		entry.BalanceNeutral = true
		entry.LoanID = loan.ID
		entry.VaultID = vault.ID
		entry.Memo = "yield applied to debt"
		cs.record(entry)

		if loan.Debt.Sign() == 0 {
			loan.Status = types.LoanRepaid
			loan.GraceDeadline = nil
			vault.Status = stepDownStatus(vault.Status)
			vault.LoanID = ""
		}
		cs.putLoan(loan)
	}
	if remainder.Sign() > 0 {
		acct, err := e.state.GetAccount(vault.OwnerID)
		if err != nil {
			return decimal.Zero, err
		}
		acct.Balance = acct.Balance.Add(remainder)
		entry := ledger.New(now, vault.OwnerID, ledger.KindYieldPayout, remainder)
		entry.VaultID = vault.ID
		cs.record(entry)
		cs.putAccount(acct)
	}
	return amount, nil
}

// stepDownStatus returns the free-collateral status a vault entry takes
// when its loan closes without liquidation.
func stepDownStatus(s types.VaultStatus) types.VaultStatus {
	if s == types.VaultPartiallyLiquidated {
		return s
	}
	return types.VaultDeposited
}
