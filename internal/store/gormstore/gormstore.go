// Package gormstore persists wallet accounts, ledger entries, generations,
// and pending refunds through GORM. It serves Postgres in production and
// in-memory sqlite in tests; unique-constraint violations are detected for
// both engines.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/pixelmint/internal/generation"
	"github.com/MarkoPoloResearchLab/pixelmint/pkg/wallet"
)

const (
	defaultMetadataJSON   = "{}"
	dialectPostgres       = "postgres"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectEntry     = "entry"
	errorSubjectUsage     = "usage"
	errorSubjectRefund    = "refund"
	errorCodeCount        = "count"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeUpdate       = "update"
)

// Store implements wallet.Store plus the generation and entitlement
// persistence contracts over one gorm.DB.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Production Postgres is migrated out of band;
// this is for sqlite deployments and tests.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &LedgerEntry{}, &Generation{}, &PendingRefund{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID wallet.UserID) (wallet.Account, error) {
	account := Account{UserID: userID.String(), Plan: wallet.PlanFree.String(), CreatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Where(Account{UserID: userID.String()}).
		FirstOrCreate(&account).Error
	if isUniqueViolation(err) {
		// Concurrent signup created the row first; read it back.
		err = store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&account).Error
	}
	if err != nil {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account), nil
}

func (store *Store) LockAccount(ctx context.Context, accountID string) (wallet.Account, error) {
	query := store.db.WithContext(ctx)
	// sqlite serializes writers at the database level and rejects FOR UPDATE.
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account Account
	err := query.Where("account_id = ?", accountID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, wallet.ErrUnknownAccount)
	}
	if err != nil {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account), nil
}

func (store *Store) InsertEntry(ctx context.Context, entry wallet.Entry) error {
	var referenceID *string
	if entry.ReferenceID != "" {
		value := entry.ReferenceID
		referenceID = &value
	}
	model := LedgerEntry{
		EntryID:      entry.EntryID,
		AccountID:    entry.AccountID,
		Direction:    entry.Direction.String(),
		Amount:       entry.Amount.Int64(),
		Source:       entry.Source.String(),
		ReferenceID:  referenceID,
		BalanceAfter: entry.BalanceAfter,
		Metadata:     datatypesJSON(entry.MetadataJSON),
		CreatedAt:    time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, wallet.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateBalance(ctx context.Context, accountID string, balance int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Update("balance", balance)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, wallet.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) UpdatePlan(ctx context.Context, accountID string, plan wallet.Plan, expiryUnixUTC int64) error {
	var planExpiresAt *time.Time
	if expiryUnixUTC != 0 {
		value := time.Unix(expiryUnixUTC, 0).UTC()
		planExpiresAt = &value
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{"plan": plan.String(), "plan_expires_at": planExpiresAt})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, wallet.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID string, direction wallet.Direction, offset int, limit int) ([]wallet.Entry, int64, error) {
	query := store.db.WithContext(ctx).Model(&LedgerEntry{}).Where("account_id = ?", accountID)
	if direction != "" {
		query = query.Where("direction = ?", direction.String())
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeCount, err)
	}
	var rows []LedgerEntry
	err := query.
		Order("created_at DESC, entry_id DESC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]wallet.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapEntry(row))
	}
	return entries, total, nil
}

// CountGenerations returns the lifetime count of settled generations.
func (store *Store) CountGenerations(ctx context.Context, accountID string) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Generation{}).
		Where("account_id = ? AND status = ?", accountID, generation.StatusSettled.String()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectUsage, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) CountGenerationsSince(ctx context.Context, accountID string, sinceUnixUTC int64) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Generation{}).
		Where("account_id = ? AND status = ? AND created_at >= ?",
			accountID, generation.StatusSettled.String(), time.Unix(sinceUnixUTC, 0).UTC()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectUsage, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) CountFreeGenerationsSince(ctx context.Context, accountID string, sinceUnixUTC int64) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Generation{}).
		Where("account_id = ? AND status = ? AND is_free = ? AND created_at >= ?",
			accountID, generation.StatusSettled.String(), true, time.Unix(sinceUnixUTC, 0).UTC()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectUsage, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) InsertGeneration(ctx context.Context, record generation.Record) error {
	model := Generation{
		GenerationID: record.GenerationID,
		AccountID:    record.AccountID,
		Type:         record.Type.String(),
		Resolution:   record.Resolution,
		Prompt:       record.Prompt,
		ImageURL:     record.ImageURL,
		IsFree:       record.IsFree,
		CreditCost:   record.CreditCost,
		Status:       record.Status.String(),
		CreatedAt:    time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if record.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertPendingRefund(ctx context.Context, pendingRefund generation.PendingRefund) error {
	model := PendingRefund{
		UserID:      pendingRefund.UserID,
		Amount:      pendingRefund.Amount,
		ReferenceID: pendingRefund.ReferenceID,
		Reason:      pendingRefund.Reason,
		CreatedAt:   time.Unix(pendingRefund.CreatedUnixUTC, 0).UTC(),
	}
	if pendingRefund.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		// A retry already queued this refund.
		return nil
	}
	if err != nil {
		return wrapStoreError(errorSubjectRefund, errorCodeInsert, err)
	}
	return nil
}

func mapAccount(model Account) wallet.Account {
	var planExpiry int64
	if model.PlanExpiresAt != nil {
		planExpiry = model.PlanExpiresAt.Unix()
	}
	plan, err := wallet.ParsePlan(model.Plan)
	if err != nil {
		plan = wallet.PlanFree
	}
	return wallet.Account{
		AccountID:         model.AccountID,
		UserID:            model.UserID,
		Balance:           model.Balance,
		Plan:              plan,
		PlanExpiryUnixUTC: planExpiry,
		CreatedUnixUTC:    model.CreatedAt.Unix(),
	}
}

func mapEntry(model LedgerEntry) wallet.Entry {
	referenceID := ""
	if model.ReferenceID != nil {
		referenceID = *model.ReferenceID
	}
	return wallet.Entry{
		EntryID:        model.EntryID,
		AccountID:      model.AccountID,
		Direction:      wallet.Direction(model.Direction),
		Amount:         wallet.Credits(model.Amount),
		Source:         wallet.Source(model.Source),
		ReferenceID:    referenceID,
		BalanceAfter:   model.BalanceAfter,
		MetadataJSON:   string(model.Metadata),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
