package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account is the denormalized wallet state for one user.
type Account struct {
	AccountID     string     `gorm:"type:uuid;primaryKey"`
	UserID        string     `gorm:"not null;uniqueIndex:uniq_accounts_user"`
	Balance       int64      `gorm:"not null;default:0"`
	Plan          string     `gorm:"not null;default:free"`
	PlanExpiresAt *time.Time `gorm:""`
	CreatedAt     time.Time  `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the append-only ledger_entries table. The unique
// (source, reference_id) index is the idempotency guard; rows without a
// reference carry NULL and never collide.
type LedgerEntry struct {
	EntryID      string         `gorm:"type:uuid;primaryKey"`
	AccountID    string         `gorm:"type:uuid;not null;index:idx_entries_account_created,priority:1"`
	Direction    string         `gorm:"not null"`
	Amount       int64          `gorm:"not null"`
	Source       string         `gorm:"not null;index:uniq_entries_source_reference,unique,priority:1"`
	ReferenceID  *string        `gorm:"index:uniq_entries_source_reference,unique,priority:2"`
	BalanceAfter int64          `gorm:"not null"`
	Metadata     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt    time.Time      `gorm:"not null;index:idx_entries_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Generation mirrors the generations table. Entitlement counters count
// settled rows in this relation.
type Generation struct {
	GenerationID string    `gorm:"type:uuid;primaryKey"`
	AccountID    string    `gorm:"type:uuid;not null;index:idx_generations_account_created,priority:1"`
	Type         string    `gorm:"not null"`
	Resolution   string    `gorm:""`
	Prompt       string    `gorm:""`
	ImageURL     string    `gorm:""`
	IsFree       bool      `gorm:"not null;default:false"`
	CreditCost   int64     `gorm:"not null"`
	Status       string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;index:idx_generations_account_created,priority:2"`
}

func (Generation) TableName() string { return "generations" }

func (generation *Generation) BeforeCreate(tx *gorm.DB) error {
	if generation.GenerationID == "" {
		generation.GenerationID = uuid.NewString()
	}
	return nil
}

// PendingRefund mirrors the pending_refunds reconciliation table.
type PendingRefund struct {
	PendingRefundID string    `gorm:"type:uuid;primaryKey"`
	UserID          string    `gorm:"not null"`
	Amount          int64     `gorm:"not null"`
	ReferenceID     string    `gorm:"not null;uniqueIndex:uniq_pending_refunds_reference"`
	Reason          string    `gorm:""`
	CreatedAt       time.Time `gorm:"not null"`
}

func (PendingRefund) TableName() string { return "pending_refunds" }

func (pendingRefund *PendingRefund) BeforeCreate(tx *gorm.DB) error {
	if pendingRefund.PendingRefundID == "" {
		pendingRefund.PendingRefundID = uuid.NewString()
	}
	return nil
}
