package lending

import (
	"time"

	"github.com/shopspring/decimal"

	"mosaical/core/types"
	"mosaical/native/ledger"
)

// mockState is an in-memory State with full optimistic-concurrency
// semantics, shared by the engine and scheduler tests.
type mockState struct {
	accounts map[string]*types.Account
	vaults   map[string]*types.VaultEntry
	loans    map[string]*types.Loan
	entries  []ledger.Entry

	// conflicts forces the next N commits to fail with ErrVersionConflict.
	conflicts int
	commits   int
}

func newMockState() *mockState {
	return &mockState{
		accounts: make(map[string]*types.Account),
		vaults:   make(map[string]*types.VaultEntry),
		loans:    make(map[string]*types.Loan),
	}
}

func (m *mockState) GetAccount(id string) (*types.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *mockState) GetVault(id string) (*types.VaultEntry, error) {
	v, ok := m.vaults[id]
	if !ok {
		return nil, ErrNotFound
	}
	return v.Clone(), nil
}

func (m *mockState) GetLoan(id string) (*types.Loan, error) {
	l, ok := m.loans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return l.Clone(), nil
}

func (m *mockState) OpenLoanIDs() ([]string, error) {
	var ids []string
	for id, l := range m.loans {
		if l.Status == types.LoanActive || l.Status == types.LoanGracePeriod {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockState) OpenVaultIDs() ([]string, error) {
	var ids []string
	for id, v := range m.vaults {
		if v.Status != types.VaultWithdrawn && v.Status != types.VaultLiquidated {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockState) Commit(cs *Changeset) error {
	m.commits++
	if m.conflicts > 0 {
		m.conflicts--
		return ErrVersionConflict
	}
	for _, a := range cs.Accounts {
		stored, ok := m.accounts[a.ID]
		if a.Version == 0 {
			if ok {
				return ErrVersionConflict
			}
		} else if !ok || stored.Version != a.Version {
			return ErrVersionConflict
		}
	}
	for _, v := range cs.Vaults {
		stored, ok := m.vaults[v.ID]
		if v.Version == 0 {
			if ok {
				return ErrVersionConflict
			}
		} else if !ok || stored.Version != v.Version {
			return ErrVersionConflict
		}
	}
	for _, l := range cs.Loans {
		stored, ok := m.loans[l.ID]
		if l.Version == 0 {
			if ok {
				return ErrVersionConflict
			}
		} else if !ok || stored.Version != l.Version {
			return ErrVersionConflict
		}
	}
	for _, a := range cs.Accounts {
		clone := a.Clone()
		clone.Version++
		m.accounts[clone.ID] = clone
	}
	for _, v := range cs.Vaults {
		clone := v.Clone()
		clone.Version++
		m.vaults[clone.ID] = clone
	}
	for _, l := range cs.Loans {
		clone := l.Clone()
		clone.Version++
		m.loans[clone.ID] = clone
	}
	m.entries = append(m.entries, cs.Entries...)
	return nil
}

func (m *mockState) entriesOfKind(kind ledger.Kind) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range m.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// testClock is a controllable time source.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
func (c *testClock) Set(t time.Time)         { c.now = t }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testTerms() types.CollectionTerms {
	return types.CollectionTerms{
		ID:                      "arcade",
		Name:                    "Arcade Classics",
		MaxLTVBps:               7_000,
		LiquidationThresholdBps: 8_500,
		MonthlyRateBps:          500,
		BaseYieldRateBps:        200,
		FloorValue:              dec("5"),
	}
}

func newTestEngine(state *mockState, clock *testClock, params RiskParameters) *Engine {
	engine := NewEngine(params)
	engine.SetState(state)
	engine.SetClock(clock.Now)
	engine.SetCollections([]types.CollectionTerms{testTerms()})
	return engine
}

// seedLoan places an account, a deposited collectible and an open loan
// directly into the mock, bypassing the engine's entry points.
func seedLoan(state *mockState, clock *testClock, debt, value string) (*types.Account, *types.VaultEntry, *types.Loan) {
	now := clock.Now()
	acct := &types.Account{ID: "acct-1", Active: true, Version: 1, CreatedAt: now}
	vault := &types.VaultEntry{
		ID:            "vault-1",
		CollectionID:  "arcade",
		TokenID:       "42",
		OwnerID:       acct.ID,
		Status:        types.VaultCollateralized,
		DeclaredValue: dec(value),
		UtilityScore:  50,
		OwnershipPct:  decimal.NewFromInt(100),
		LoanID:        "loan-1",
		LastYieldAt:   now,
		DepositedAt:   now,
		Version:       1,
	}
	loan := &types.Loan{
		ID:                      "loan-1",
		BorrowerID:              acct.ID,
		VaultID:                 vault.ID,
		Status:                  types.LoanActive,
		Principal:               dec(debt),
		Debt:                    dec(debt),
		MonthlyRateBps:          500,
		MaxLTVBps:               7_000,
		LiquidationThresholdBps: 8_500,
		CreatedAt:               now,
		LastAccrualAt:           now,
		Version:                 1,
	}
	state.accounts[acct.ID] = acct
	state.vaults[vault.ID] = vault
	state.loans[loan.ID] = loan
	return acct, vault, loan
}
