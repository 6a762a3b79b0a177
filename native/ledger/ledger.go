// Package ledger defines the append-only record of balance-affecting
// events. Entries are never mutated or deleted; they are the audit trail
// and the source of truth for balance reconstruction.
package ledger

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindBorrow      Kind = "BORROW"
	KindRepay       Kind = "REPAY"
	KindInterest    Kind = "INTEREST"
	KindYieldPayout Kind = "YIELD_PAYOUT"
	KindLiquidation Kind = "LIQUIDATION"
	KindRefinance   Kind = "REFINANCE"
	KindSwap        Kind = "SWAP"
	KindLoss        Kind = "LOSS"
	KindFaucet      Kind = "FAUCET"
)

// Entry is a single immutable ledger record.
type Entry struct {
	ID        string
	Timestamp time.Time
	AccountID string
	Kind      Kind
	// Amount carries the signed effect on the account balance. Entries
	// that track debt movement without touching the balance (interest
	// accrual, collateral swaps, loss recognition) set BalanceNeutral and
	// record the moved amount for the audit trail only.
	Amount         decimal.Decimal
	BalanceNeutral bool
	LoanID         string
	VaultID        string
	Memo           string
}

// New constructs an entry with a fresh identifier.
func New(ts time.Time, account string, kind Kind, amount decimal.Decimal) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Timestamp: ts.UTC(),
		AccountID: account,
		Kind:      kind,
		Amount:    amount,
	}
}

// Filter narrows ledger listings. Zero values match everything.
type Filter struct {
	AccountID string
	LoanID    string
	VaultID   string
	Kinds     []Kind
	From      time.Time
	To        time.Time
}

// Match reports whether the entry satisfies the filter.
func (f Filter) Match(e Entry) bool {
	if f.AccountID != "" && !strings.EqualFold(f.AccountID, e.AccountID) {
		return false
	}
	if f.LoanID != "" && f.LoanID != e.LoanID {
		return false
	}
	if f.VaultID != "" && f.VaultID != e.VaultID {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Journal is the read side of the ledger exposed to reporting
// collaborators.
type Journal interface {
	List(f Filter) ([]Entry, error)
}

var errNilLog = errors.New("ledger: log not initialised")

// ErrZeroAmount rejects no-op entries: every record must move something.
var ErrZeroAmount = errors.New("ledger: zero-amount entry")

// Validate reports the first rule violation in the batch without
// recording anything. Stores call it before applying state so a bad
// entry rejects the whole changeset instead of leaving it half-written.
func Validate(entries ...Entry) error {
	for _, e := range entries {
		if e.Amount.IsZero() {
			return ErrZeroAmount
		}
	}
	return nil
}

// Log is an in-memory append-only ledger. Construct with NewLog.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewLog constructs an empty log.
func NewLog() *Log {
	return &Log{}
}

// Append records entries. Entries with a zero amount are rejected: no-op
// ledger entries are forbidden.
func (l *Log) Append(entries ...Entry) error {
	if l == nil {
		return errNilLog
	}
	if err := Validate(entries...); err != nil {
		return err
	}
	l.mu.Lock()
	l.entries = append(l.entries, entries...)
	l.mu.Unlock()
	return nil
}

// List returns matching entries in timestamp order.
func (l *Log) List(f Filter) ([]Entry, error) {
	if l == nil {
		return nil, errNilLog
	}
	l.mu.RLock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	l.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Len reports the number of recorded entries.
func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Replay reconstructs account balances from the entry stream. It is the
// reconciliation primitive: a store's live balances must equal the
// replayed ones at any commit boundary.
func Replay(entries []Entry) map[string]decimal.Decimal {
	balances := make(map[string]decimal.Decimal)
	for _, e := range entries {
		if e.BalanceNeutral || e.AccountID == "" {
			continue
		}
		balances[e.AccountID] = balances[e.AccountID].Add(e.Amount)
	}
	return balances
}
