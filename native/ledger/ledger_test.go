package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAppendRejectsZeroAmount(t *testing.T) {
	log := NewLog()
	entry := New(time.Now(), "alice", KindRepay, decimal.Zero)
	if err := log.Append(entry); err == nil {
		t.Fatal("zero-amount entry accepted")
	}
	if log.Len() != 0 {
		t.Fatalf("entries = %d", log.Len())
	}
}

func TestAppendRejectsBatchWithZeroAmount(t *testing.T) {
	log := NewLog()
	good := New(time.Now(), "alice", KindBorrow, dec("10"))
	bad := New(time.Now(), "alice", KindRepay, decimal.Zero)
	if err := log.Append(good, bad); err == nil {
		t.Fatal("batch with zero-amount entry accepted")
	}
	if log.Len() != 0 {
		t.Fatalf("partial batch recorded: %d entries", log.Len())
	}
}

func TestListFiltersAndSorts(t *testing.T) {
	log := NewLog()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	late := New(base.Add(time.Hour), "alice", KindRepay, dec("-3"))
	late.LoanID = "loan-1"
	early := New(base, "alice", KindBorrow, dec("10"))
	early.LoanID = "loan-1"
	other := New(base.Add(time.Minute), "bob", KindFaucet, dec("1"))

	if err := log.Append(late, early, other); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := log.List(Filter{AccountID: "alice"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d", len(got))
	}
	if got[0].Kind != KindBorrow || got[1].Kind != KindRepay {
		t.Fatalf("not timestamp ordered: %s then %s", got[0].Kind, got[1].Kind)
	}

	byKind, err := log.List(Filter{Kinds: []Kind{KindFaucet}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byKind) != 1 || byKind[0].AccountID != "bob" {
		t.Fatalf("kind filter = %+v", byKind)
	}

	windowed, err := log.List(Filter{From: base.Add(30 * time.Minute)})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(windowed) != 1 || windowed[0].Kind != KindRepay {
		t.Fatalf("time filter = %+v", windowed)
	}
}

func TestReplayIgnoresBalanceNeutralEntries(t *testing.T) {
	now := time.Now()
	borrow := New(now, "alice", KindBorrow, dec("10"))
	repay := New(now, "alice", KindRepay, dec("-3"))
	interest := New(now, "alice", KindInterest, dec("0.5"))
	interest.BalanceNeutral = true

	balances := Replay([]Entry{borrow, repay, interest})
	if !balances["alice"].Equal(dec("7")) {
		t.Fatalf("balance = %s, want 7", balances["alice"])
	}
}

func TestReplayAccumulatesPerAccount(t *testing.T) {
	now := time.Now()
	entries := []Entry{
		New(now, "alice", KindFaucet, dec("1")),
		New(now, "bob", KindFaucet, dec("1")),
		New(now, "alice", KindBorrow, dec("4")),
	}
	balances := Replay(entries)
	if !balances["alice"].Equal(dec("5")) || !balances["bob"].Equal(dec("1")) {
		t.Fatalf("balances = %v", balances)
	}
}
