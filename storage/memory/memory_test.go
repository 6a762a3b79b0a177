package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mosaical/core/types"
	"mosaical/native/ledger"
	"mosaical/native/lending"
	"mosaical/native/valuation"
)

func TestCommitCreateAndUpdate(t *testing.T) {
	store := NewStore()
	acct := &types.Account{ID: "alice", Active: true}

	cs := &lending.Changeset{Accounts: []*types.Account{acct}}
	if err := store.Commit(cs); err != nil {
		t.Fatalf("create: %v", err)
	}
	stored, err := store.GetAccount("alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Version != 1 {
		t.Fatalf("version = %d, want 1", stored.Version)
	}

	stored.Balance = decimal.RequireFromString("5")
	if err := store.Commit(&lending.Changeset{Accounts: []*types.Account{stored}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated, _ := store.GetAccount("alice")
	if updated.Version != 2 || !updated.Balance.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("after update: version=%d balance=%s", updated.Version, updated.Balance)
	}
}

func TestCommitRejectsStaleVersion(t *testing.T) {
	store := NewStore()
	acct := &types.Account{ID: "alice", Active: true}
	if err := store.Commit(&lending.Changeset{Accounts: []*types.Account{acct}}); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, _ := store.GetAccount("alice")
	second, _ := store.GetAccount("alice")

	first.Balance = decimal.RequireFromString("1")
	if err := store.Commit(&lending.Changeset{Accounts: []*types.Account{first}}); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	second.Balance = decimal.RequireFromString("2")
	err := store.Commit(&lending.Changeset{Accounts: []*types.Account{second}})
	if !errors.Is(err, lending.ErrVersionConflict) {
		t.Fatalf("error = %v, want ErrVersionConflict", err)
	}
	// The losing write left no trace.
	stored, _ := store.GetAccount("alice")
	if !stored.Balance.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("balance = %s", stored.Balance)
	}
}

func TestCommitCreateConflict(t *testing.T) {
	store := NewStore()
	if err := store.Commit(&lending.Changeset{Accounts: []*types.Account{{ID: "alice"}}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Commit(&lending.Changeset{Accounts: []*types.Account{{ID: "alice"}}})
	if !errors.Is(err, lending.ErrVersionConflict) {
		t.Fatalf("error = %v, want ErrVersionConflict", err)
	}
}

func TestCommitIsAllOrNothing(t *testing.T) {
	store := NewStore()
	if err := store.Commit(&lending.Changeset{Accounts: []*types.Account{{ID: "alice"}}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	fresh, _ := store.GetAccount("alice")
	fresh.Balance = decimal.RequireFromString("9")

	stale := &types.Loan{ID: "loan-1", Version: 7}
	err := store.Commit(&lending.Changeset{
		Accounts: []*types.Account{fresh},
		Loans:    []*types.Loan{stale},
	})
	if !errors.Is(err, lending.ErrVersionConflict) {
		t.Fatalf("error = %v, want ErrVersionConflict", err)
	}
	stored, _ := store.GetAccount("alice")
	if stored.Balance.Sign() != 0 {
		t.Fatalf("partial commit leaked: balance=%s", stored.Balance)
	}
}

func TestCommitRejectedEntryLeavesStateUntouched(t *testing.T) {
	store := NewStore()
	if err := store.Commit(&lending.Changeset{Accounts: []*types.Account{{ID: "alice"}}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	fresh, _ := store.GetAccount("alice")
	fresh.Balance = decimal.RequireFromString("9")

	bad := ledger.New(time.Now(), "alice", ledger.KindRepay, decimal.Zero)
	err := store.Commit(&lending.Changeset{
		Accounts: []*types.Account{fresh},
		Entries:  []ledger.Entry{bad},
	})
	if !errors.Is(err, ledger.ErrZeroAmount) {
		t.Fatalf("error = %v, want ErrZeroAmount", err)
	}
	stored, _ := store.GetAccount("alice")
	if stored.Balance.Sign() != 0 || stored.Version != 1 {
		t.Fatalf("state moved despite rejected entry: balance=%s version=%d", stored.Balance, stored.Version)
	}
}

func TestGetReturnsCopies(t *testing.T) {
	store := NewStore()
	if err := store.Commit(&lending.Changeset{Accounts: []*types.Account{{ID: "alice"}}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := store.GetAccount("alice")
	got.Balance = decimal.RequireFromString("99")
	again, _ := store.GetAccount("alice")
	if again.Balance.Sign() != 0 {
		t.Fatal("mutation through a returned copy reached the store")
	}
}

func TestOpenIDsFilterAndSort(t *testing.T) {
	store := NewStore()
	cs := &lending.Changeset{
		Loans: []*types.Loan{
			{ID: "b", Status: types.LoanActive},
			{ID: "a", Status: types.LoanGracePeriod},
			{ID: "c", Status: types.LoanRepaid},
		},
		Vaults: []*types.VaultEntry{
			{ID: "v2", Status: types.VaultDeposited},
			{ID: "v1", Status: types.VaultCollateralized},
			{ID: "v3", Status: types.VaultWithdrawn},
		},
	}
	if err := store.Commit(cs); err != nil {
		t.Fatalf("commit: %v", err)
	}
	loans, _ := store.OpenLoanIDs()
	if len(loans) != 2 || loans[0] != "a" || loans[1] != "b" {
		t.Fatalf("open loans = %v", loans)
	}
	vaults, _ := store.OpenVaultIDs()
	if len(vaults) != 2 || vaults[0] != "v1" || vaults[1] != "v2" {
		t.Fatalf("open vaults = %v", vaults)
	}
}

func TestSnapshotHistoryIsImmutable(t *testing.T) {
	store := NewStore()
	snap := &valuation.Snapshot{
		ID:        "s1",
		VaultID:   "v1",
		Consensus: decimal.RequireFromString("10"),
		CreatedAt: time.Now(),
	}
	if err := store.AppendSnapshot(snap); err != nil {
		t.Fatalf("append: %v", err)
	}
	snap.Consensus = decimal.RequireFromString("999")

	latest, err := store.LatestSnapshot("v1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !latest.Consensus.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("stored snapshot mutated: %s", latest.Consensus)
	}
	history, _ := store.Snapshots("v1")
	if len(history) != 1 {
		t.Fatalf("history = %d", len(history))
	}
}

func TestLedgerReplayMatchesBalances(t *testing.T) {
	store := NewStore()
	now := time.Now()
	cs := &lending.Changeset{
		Accounts: []*types.Account{{ID: "alice", Balance: decimal.RequireFromString("7")}},
		Entries: []ledger.Entry{
			ledger.New(now, "alice", ledger.KindBorrow, decimal.RequireFromString("10")),
			ledger.New(now, "alice", ledger.KindRepay, decimal.RequireFromString("-3")),
		},
	}
	if err := store.Commit(cs); err != nil {
		t.Fatalf("commit: %v", err)
	}
	entries, err := store.Entries(ledger.Filter{})
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	balances := ledger.Replay(entries)
	acct, _ := store.GetAccount("alice")
	if !balances["alice"].Equal(acct.Balance) {
		t.Fatalf("replayed %s, live %s", balances["alice"], acct.Balance)
	}
}

func TestRecentSales(t *testing.T) {
	store := NewStore()
	sale := valuation.Sale{Price: decimal.RequireFromString("4"), At: time.Now()}
	if err := store.RecordSale("arcade", "42", sale); err != nil {
		t.Fatalf("record: %v", err)
	}
	sales, err := store.RecentSales("arcade", "42")
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(sales) != 1 || !sales[0].Price.Equal(sale.Price) {
		t.Fatalf("sales = %+v", sales)
	}
	if other, _ := store.RecentSales("arcade", "7"); len(other) != 0 {
		t.Fatalf("unexpected sales = %+v", other)
	}
}
