// Package sqlstore persists the lending state, valuation history and
// ledger in a relational database via GORM. Postgres backs production
// deployments; the pure-Go sqlite driver serves tests and local runs.
package sqlstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mosaical/core/types"
	"mosaical/native/ledger"
	"mosaical/native/lending"
	"mosaical/native/valuation"
)

type accountRow struct {
	ID        string `gorm:"primaryKey"`
	Balance   string `gorm:"not null;default:'0'"`
	Active    bool
	Version   uint64 `gorm:"not null"`
	CreatedAt time.Time
}

func (accountRow) TableName() string { return "accounts" }

type vaultRow struct {
	ID            string `gorm:"primaryKey"`
	CollectionID  string `gorm:"index;not null"`
	TokenID       string `gorm:"not null"`
	Name          string
	OwnerID       string `gorm:"index;not null"`
	Status        string `gorm:"index;not null"`
	DeclaredValue string `gorm:"not null"`
	UtilityScore  int
	OwnershipPct  string `gorm:"not null"`
	LastValuation string
	LastValuedAt  time.Time
	LoanID        string `gorm:"index"`
	YieldAccrued  string
	LastYieldAt   time.Time
	Version       uint64 `gorm:"not null"`
	DepositedAt   time.Time
}

func (vaultRow) TableName() string { return "vault_entries" }

type loanRow struct {
	ID                      string `gorm:"primaryKey"`
	BorrowerID              string `gorm:"index;not null"`
	VaultID                 string `gorm:"index;not null"`
	Status                  string `gorm:"index;not null"`
	Principal               string `gorm:"not null"`
	Debt                    string `gorm:"not null"`
	MonthlyRateBps          uint64
	MaxLTVBps               uint64
	LiquidationThresholdBps uint64
	CreatedAt               time.Time
	LastAccrualAt           time.Time
	GraceDeadline           *time.Time
	StaleValuation          bool
	Version                 uint64 `gorm:"not null"`
}

func (loanRow) TableName() string { return "loans" }

type entryRow struct {
	ID             string    `gorm:"primaryKey"`
	Timestamp      time.Time `gorm:"index;not null"`
	AccountID      string    `gorm:"index"`
	Kind           string    `gorm:"index;not null"`
	Amount         string    `gorm:"not null"`
	BalanceNeutral bool
	LoanID         string `gorm:"index"`
	VaultID        string `gorm:"index"`
	Memo           string
}

func (entryRow) TableName() string { return "ledger_entries" }

type snapshotRow struct {
	ID          string `gorm:"primaryKey"`
	VaultID     string `gorm:"index;not null"`
	ModelValues string
	Consensus   string `gorm:"not null"`
	Lower       string
	Upper       string
	CreatedAt   time.Time `gorm:"index"`
}

func (snapshotRow) TableName() string { return "valuation_snapshots" }

type saleRow struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	CollectionID string `gorm:"index:idx_sales_asset;not null"`
	TokenID      string `gorm:"index:idx_sales_asset;not null"`
	Price        string `gorm:"not null"`
	SoldAt       time.Time
}

func (saleRow) TableName() string { return "sales" }

// Store implements the lending state interface, the valuation sink and
// the sales source over a relational database.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured backend and migrates the schema.
// Supported drivers are "postgres" and "sqlite".
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if err := db.AutoMigrate(&accountRow{}, &vaultRow{}, &loanRow{}, &entryRow{}, &snapshotRow{}, &saleRow{}); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) GetAccount(id string) (*types.Account, error) {
	var row accountRow
	if err := s.db.First(&row, "id = ?", id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return rowToAccount(row), nil
}

func (s *Store) GetVault(id string) (*types.VaultEntry, error) {
	var row vaultRow
	if err := s.db.First(&row, "id = ?", id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return rowToVault(row), nil
}

func (s *Store) GetLoan(id string) (*types.Loan, error) {
	var row loanRow
	if err := s.db.First(&row, "id = ?", id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return rowToLoan(row), nil
}

func (s *Store) OpenLoanIDs() ([]string, error) {
	var ids []string
	err := s.db.Model(&loanRow{}).
		Where("status IN ?", []string{string(types.LoanActive), string(types.LoanGracePeriod)}).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

func (s *Store) OpenVaultIDs() ([]string, error) {
	var ids []string
	err := s.db.Model(&vaultRow{}).
		Where("status NOT IN ?", []string{string(types.VaultWithdrawn), string(types.VaultLiquidated)}).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

// Commit applies the changeset in one transaction. Each update carries a
// version guard in its WHERE clause; zero affected rows aborts the
// transaction with ErrVersionConflict.
func (s *Store) Commit(cs *lending.Changeset) error {
	if cs == nil {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, a := range cs.Accounts {
			if err := upsert(tx, accountToRow(a), a.ID, a.Version); err != nil {
				return err
			}
		}
		for _, v := range cs.Vaults {
			if err := upsert(tx, vaultToRow(v), v.ID, v.Version); err != nil {
				return err
			}
		}
		for _, l := range cs.Loans {
			if err := upsert(tx, loanToRow(l), l.ID, l.Version); err != nil {
				return err
			}
		}
		if err := ledger.Validate(cs.Entries...); err != nil {
			return err
		}
		for _, e := range cs.Entries {
			if err := tx.Create(entryToRow(e)).Error; err != nil {
				return fmt.Errorf("sqlstore: append entry: %w", err)
			}
		}
		return nil
	})
}

// upsert creates the row at version 1 or replaces it guarded by the read
// version.
func upsert[T any](tx *gorm.DB, row *T, id string, readVersion uint64) error {
	if readVersion == 0 {
		setVersion(row, 1)
		if err := tx.Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return lending.ErrVersionConflict
			}
			return fmt.Errorf("sqlstore: create: %w", err)
		}
		return nil
	}
	setVersion(row, readVersion+1)
	res := tx.Model(row).
		Where("id = ? AND version = ?", id, readVersion).
		Select("*").
		Updates(row)
	if res.Error != nil {
		return fmt.Errorf("sqlstore: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return lending.ErrVersionConflict
	}
	return nil
}

func setVersion(row any, version uint64) {
	switch r := row.(type) {
	case *accountRow:
		r.Version = version
	case *vaultRow:
		r.Version = version
	case *loanRow:
		r.Version = version
	}
}

// AppendSnapshot persists one consensus snapshot.
func (s *Store) AppendSnapshot(snap *valuation.Snapshot) error {
	if snap == nil {
		return nil
	}
	values, err := json.Marshal(stringValues(snap.ModelValues))
	if err != nil {
		return fmt.Errorf("sqlstore: encode model values: %w", err)
	}
	row := snapshotRow{
		ID:          snap.ID,
		VaultID:     snap.VaultID,
		ModelValues: string(values),
		Consensus:   snap.Consensus.String(),
		Lower:       snap.Lower.String(),
		Upper:       snap.Upper.String(),
		CreatedAt:   snap.CreatedAt,
	}
	return s.db.Create(&row).Error
}

// LatestSnapshot returns the most recent snapshot for a vault entry.
func (s *Store) LatestSnapshot(vaultID string) (*valuation.Snapshot, error) {
	var row snapshotRow
	err := s.db.Where("vault_id = ?", vaultID).Order("created_at DESC").First(&row).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return rowToSnapshot(row)
}

// RecordSale appends a sale observation.
func (s *Store) RecordSale(collectionID, tokenID string, sale valuation.Sale) error {
	row := saleRow{
		CollectionID: collectionID,
		TokenID:      tokenID,
		Price:        sale.Price.String(),
		SoldAt:       sale.At,
	}
	return s.db.Create(&row).Error
}

// RecentSales lists recorded sales for a collectible, oldest first.
func (s *Store) RecentSales(collectionID, tokenID string) ([]valuation.Sale, error) {
	var rows []saleRow
	err := s.db.Where("collection_id = ? AND token_id = ?", collectionID, tokenID).
		Order("sold_at").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	sales := make([]valuation.Sale, 0, len(rows))
	for _, r := range rows {
		sales = append(sales, valuation.Sale{Price: parseDec(r.Price), At: r.SoldAt})
	}
	return sales, nil
}

// Entries lists ledger entries matching the filter, timestamp ordered.
func (s *Store) Entries(f ledger.Filter) ([]ledger.Entry, error) {
	q := s.db.Model(&entryRow{})
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.LoanID != "" {
		q = q.Where("loan_id = ?", f.LoanID)
	}
	if f.VaultID != "" {
		q = q.Where("vault_id = ?", f.VaultID)
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, 0, len(f.Kinds))
		for _, k := range f.Kinds {
			kinds = append(kinds, string(k))
		}
		q = q.Where("kind IN ?", kinds)
	}
	if !f.From.IsZero() {
		q = q.Where("timestamp >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("timestamp <= ?", f.To)
	}
	var rows []entryRow
	if err := q.Order("timestamp").Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, rowToEntry(r))
	}
	return entries, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return lending.ErrNotFound
	}
	return err
}

func parseDec(s string) decimal.Decimal {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func stringValues(in map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v.String()
	}
	return out
}

func accountToRow(a *types.Account) *accountRow {
	return &accountRow{
		ID:        a.ID,
		Balance:   a.Balance.String(),
		Active:    a.Active,
		Version:   a.Version,
		CreatedAt: a.CreatedAt,
	}
}

func rowToAccount(r accountRow) *types.Account {
	return &types.Account{
		ID:        r.ID,
		Balance:   parseDec(r.Balance),
		Active:    r.Active,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
	}
}

func vaultToRow(v *types.VaultEntry) *vaultRow {
	return &vaultRow{
		ID:            v.ID,
		CollectionID:  v.CollectionID,
		TokenID:       v.TokenID,
		Name:          v.Name,
		OwnerID:       v.OwnerID,
		Status:        string(v.Status),
		DeclaredValue: v.DeclaredValue.String(),
		UtilityScore:  v.UtilityScore,
		OwnershipPct:  v.OwnershipPct.String(),
		LastValuation: v.LastValuation.String(),
		LastValuedAt:  v.LastValuedAt,
		LoanID:        v.LoanID,
		YieldAccrued:  v.YieldAccrued.String(),
		LastYieldAt:   v.LastYieldAt,
		Version:       v.Version,
		DepositedAt:   v.DepositedAt,
	}
}

func rowToVault(r vaultRow) *types.VaultEntry {
	return &types.VaultEntry{
		ID:            r.ID,
		CollectionID:  r.CollectionID,
		TokenID:       r.TokenID,
		Name:          r.Name,
		OwnerID:       r.OwnerID,
		Status:        types.VaultStatus(r.Status),
		DeclaredValue: parseDec(r.DeclaredValue),
		UtilityScore:  r.UtilityScore,
		OwnershipPct:  parseDec(r.OwnershipPct),
		LastValuation: parseDec(r.LastValuation),
		LastValuedAt:  r.LastValuedAt,
		LoanID:        r.LoanID,
		YieldAccrued:  parseDec(r.YieldAccrued),
		LastYieldAt:   r.LastYieldAt,
		Version:       r.Version,
		DepositedAt:   r.DepositedAt,
	}
}

func loanToRow(l *types.Loan) *loanRow {
	return &loanRow{
		ID:                      l.ID,
		BorrowerID:              l.BorrowerID,
		VaultID:                 l.VaultID,
		Status:                  string(l.Status),
		Principal:               l.Principal.String(),
		Debt:                    l.Debt.String(),
		MonthlyRateBps:          l.MonthlyRateBps,
		MaxLTVBps:               l.MaxLTVBps,
		LiquidationThresholdBps: l.LiquidationThresholdBps,
		CreatedAt:               l.CreatedAt,
		LastAccrualAt:           l.LastAccrualAt,
		GraceDeadline:           l.GraceDeadline,
		StaleValuation:          l.StaleValuation,
		Version:                 l.Version,
	}
}

func rowToLoan(r loanRow) *types.Loan {
	return &types.Loan{
		ID:                      r.ID,
		BorrowerID:              r.BorrowerID,
		VaultID:                 r.VaultID,
		Status:                  types.LoanStatus(r.Status),
		Principal:               parseDec(r.Principal),
		Debt:                    parseDec(r.Debt),
		MonthlyRateBps:          r.MonthlyRateBps,
		MaxLTVBps:               r.MaxLTVBps,
		LiquidationThresholdBps: r.LiquidationThresholdBps,
		CreatedAt:               r.CreatedAt,
		LastAccrualAt:           r.LastAccrualAt,
		GraceDeadline:           r.GraceDeadline,
		StaleValuation:          r.StaleValuation,
		Version:                 r.Version,
	}
}

func entryToRow(e ledger.Entry) *entryRow {
	return &entryRow{
		ID:             e.ID,
		Timestamp:      e.Timestamp,
		AccountID:      e.AccountID,
		Kind:           string(e.Kind),
		Amount:         e.Amount.String(),
		BalanceNeutral: e.BalanceNeutral,
		LoanID:         e.LoanID,
		VaultID:        e.VaultID,
		Memo:           e.Memo,
	}
}

func rowToEntry(r entryRow) ledger.Entry {
	return ledger.Entry{
		ID:             r.ID,
		Timestamp:      r.Timestamp,
		AccountID:      r.AccountID,
		Kind:           ledger.Kind(r.Kind),
		Amount:         parseDec(r.Amount),
		BalanceNeutral: r.BalanceNeutral,
		LoanID:         r.LoanID,
		VaultID:        r.VaultID,
		Memo:           r.Memo,
	}
}

func rowToSnapshot(r snapshotRow) (*valuation.Snapshot, error) {
	var raw map[string]string
	if r.ModelValues != "" {
		if err := json.Unmarshal([]byte(r.ModelValues), &raw); err != nil {
			return nil, fmt.Errorf("sqlstore: decode model values: %w", err)
		}
	}
	values := make(map[string]decimal.Decimal, len(raw))
	for k, v := range raw {
		values[k] = parseDec(v)
	}
	return &valuation.Snapshot{
		ID:          r.ID,
		VaultID:     r.VaultID,
		ModelValues: values,
		Consensus:   parseDec(r.Consensus),
		Lower:       parseDec(r.Lower),
		Upper:       parseDec(r.Upper),
		CreatedAt:   r.CreatedAt,
	}, nil
}
