package lending

import (
	"mosaical/core/types"
	"mosaical/native/ledger"
)

// Changeset is the unit of atomic state mutation. Every entity carries the
// version it was read at; the store applies the whole set and bumps the
// versions, or rejects everything with ErrVersionConflict. Ledger entries
// append in the same commit, making the append the sole externally
// observable commit point.
type Changeset struct {
	Accounts []*types.Account
	Vaults   []*types.VaultEntry
	Loans    []*types.Loan
	Entries  []ledger.Entry
}

// put helpers replace an entity already staged under the same ID, so an
// operation touching the same record twice commits it once.
func (cs *Changeset) putAccount(a *types.Account) {
	for i, existing := range cs.Accounts {
		if existing.ID == a.ID {
			cs.Accounts[i] = a
			return
		}
	}
	cs.Accounts = append(cs.Accounts, a)
}

func (cs *Changeset) putVault(v *types.VaultEntry) {
	for i, existing := range cs.Vaults {
		if existing.ID == v.ID {
			cs.Vaults[i] = v
			return
		}
	}
	cs.Vaults = append(cs.Vaults, v)
}

func (cs *Changeset) putLoan(l *types.Loan) {
	for i, existing := range cs.Loans {
		if existing.ID == l.ID {
			cs.Loans[i] = l
			return
		}
	}
	cs.Loans = append(cs.Loans, l)
}

func (cs *Changeset) record(e ledger.Entry) { cs.Entries = append(cs.Entries, e) }

// State wires the engine to the persistence layer. Get methods return deep
// copies; a missing entity is ErrNotFound. Entities created with version 0
// must not already exist.
type State interface {
	GetAccount(id string) (*types.Account, error)
	GetVault(id string) (*types.VaultEntry, error)
	GetLoan(id string) (*types.Loan, error)
	// OpenLoanIDs lists loans in Active or GracePeriod status.
	OpenLoanIDs() ([]string, error)
	// OpenVaultIDs lists vault entries that are neither withdrawn nor
	// fully liquidated.
	OpenVaultIDs() ([]string, error)
	Commit(cs *Changeset) error
}
