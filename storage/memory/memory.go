// Package memory provides the in-process store used by tests and
// single-node deployments. It implements the lending state interface,
// the valuation snapshot sink and the sales history source with full
// optimistic-concurrency semantics.
package memory

import (
	"sort"
	"sync"

	"mosaical/core/types"
	"mosaical/native/ledger"
	"mosaical/native/lending"
	"mosaical/native/valuation"
)

// Store is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	accounts  map[string]*types.Account
	vaults    map[string]*types.VaultEntry
	loans     map[string]*types.Loan
	snapshots map[string][]*valuation.Snapshot
	sales     map[string][]valuation.Sale
	log       *ledger.Log
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		accounts:  make(map[string]*types.Account),
		vaults:    make(map[string]*types.VaultEntry),
		loans:     make(map[string]*types.Loan),
		snapshots: make(map[string][]*valuation.Snapshot),
		sales:     make(map[string][]valuation.Sale),
		log:       ledger.NewLog(),
	}
}

func (s *Store) GetAccount(id string) (*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, lending.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *Store) GetVault(id string) (*types.VaultEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vaults[id]
	if !ok {
		return nil, lending.ErrNotFound
	}
	return v.Clone(), nil
}

func (s *Store) GetLoan(id string) (*types.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.loans[id]
	if !ok {
		return nil, lending.ErrNotFound
	}
	return l.Clone(), nil
}

// OpenLoanIDs returns loans in Active or GracePeriod status, sorted for
// deterministic scheduler walks.
func (s *Store) OpenLoanIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.loans))
	for id, l := range s.loans {
		if l.Status == types.LoanActive || l.Status == types.LoanGracePeriod {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// OpenVaultIDs returns vault entries that are neither withdrawn nor
// fully liquidated, sorted.
func (s *Store) OpenVaultIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.vaults))
	for id, v := range s.vaults {
		if v.Status != types.VaultWithdrawn && v.Status != types.VaultLiquidated {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Commit applies the changeset atomically. Every entity must carry the
// version it was read at; version zero asserts creation. Any mismatch
// rejects the whole set with ErrVersionConflict and the store is left
// untouched.
func (s *Store) Commit(cs *lending.Changeset) error {
	if cs == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range cs.Accounts {
		if err := checkVersion(s.accounts, a.ID, a.Version, func(x *types.Account) uint64 { return x.Version }); err != nil {
			return err
		}
	}
	for _, v := range cs.Vaults {
		if err := checkVersion(s.vaults, v.ID, v.Version, func(x *types.VaultEntry) uint64 { return x.Version }); err != nil {
			return err
		}
	}
	for _, l := range cs.Loans {
		if err := checkVersion(s.loans, l.ID, l.Version, func(x *types.Loan) uint64 { return x.Version }); err != nil {
			return err
		}
	}
	if err := ledger.Validate(cs.Entries...); err != nil {
		return err
	}

	for _, a := range cs.Accounts {
		clone := a.Clone()
		clone.Version++
		s.accounts[clone.ID] = clone
	}
	for _, v := range cs.Vaults {
		clone := v.Clone()
		clone.Version++
		s.vaults[clone.ID] = clone
	}
	for _, l := range cs.Loans {
		clone := l.Clone()
		clone.Version++
		s.loans[clone.ID] = clone
	}
	return s.log.Append(cs.Entries...)
}

func checkVersion[T any](m map[string]T, id string, read uint64, version func(T) uint64) error {
	stored, ok := m[id]
	if read == 0 {
		if ok {
			return lending.ErrVersionConflict
		}
		return nil
	}
	if !ok || version(stored) != read {
		return lending.ErrVersionConflict
	}
	return nil
}

// AppendSnapshot stores a consensus snapshot. Snapshots are immutable;
// later runs append, nothing overwrites.
func (s *Store) AppendSnapshot(snap *valuation.Snapshot) error {
	if snap == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.VaultID] = append(s.snapshots[snap.VaultID], snap.Clone())
	return nil
}

// Snapshots returns the full snapshot history for a vault entry, oldest
// first.
func (s *Store) Snapshots(vaultID string) ([]*valuation.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.snapshots[vaultID]
	out := make([]*valuation.Snapshot, len(stored))
	for i, snap := range stored {
		out[i] = snap.Clone()
	}
	return out, nil
}

// LatestSnapshot returns the most recent snapshot for a vault entry.
func (s *Store) LatestSnapshot(vaultID string) (*valuation.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.snapshots[vaultID]
	if len(stored) == 0 {
		return nil, lending.ErrNotFound
	}
	return stored[len(stored)-1].Clone(), nil
}

// RecordSale appends a sale observation for a collectible.
func (s *Store) RecordSale(collectionID, tokenID string, sale valuation.Sale) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := collectionID + "/" + tokenID
	s.sales[key] = append(s.sales[key], sale)
	return nil
}

// RecentSales returns the recorded sales for a collectible, oldest first.
func (s *Store) RecentSales(collectionID, tokenID string) ([]valuation.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := collectionID + "/" + tokenID
	out := make([]valuation.Sale, len(s.sales[key]))
	copy(out, s.sales[key])
	return out, nil
}

// Entries lists ledger entries matching the filter.
func (s *Store) Entries(f ledger.Filter) ([]ledger.Entry, error) {
	return s.log.List(f)
}
