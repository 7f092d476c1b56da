package generation

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/pixelmint/internal/entitlement"
	"github.com/MarkoPoloResearchLab/pixelmint/pkg/wallet"
)

// Status tracks one generation attempt through the charge/refund lifecycle.
type Status string

const (
	StatusPending      Status = "pending"
	StatusCharged      Status = "charged"
	StatusSettled      Status = "settled"
	StatusRejected     Status = "rejected"
	StatusRefunded     Status = "refunded"
	StatusRefundFailed Status = "refund_failed"
)

func (status Status) String() string {
	return string(status)
}

// Domain-level error values returned by the generation service.
var (
	ErrDailyLimitReached          = errors.New("daily generation limit reached")
	ErrNoCreditsNoFreeGenerations = errors.New("no credits and no free generations left")
	ErrGenerationFailed           = errors.New("generation failed")
	ErrInvalidGenerationConfig    = errors.New("invalid generation config")
)

// Request describes one generation ask from a user.
type Request struct {
	Type       entitlement.GenerationType
	Prompt     string
	Resolution string
}

// Result is what the external image provider returns.
type Result struct {
	ImageURL string
}

// Record is the persisted outcome of a settled generation. Only settled
// attempts are stored; the entitlement counters count rows in this relation.
type Record struct {
	GenerationID   string
	AccountID      string
	Type           entitlement.GenerationType
	Resolution     string
	Prompt         string
	ImageURL       string
	IsFree         bool
	CreditCost     int64
	Status         Status
	CreatedUnixUTC int64
}

// PendingRefund is a durable reconciliation row written when a compensating
// refund itself fails. An out-of-band sweep replays these.
type PendingRefund struct {
	UserID         string
	Amount         int64
	ReferenceID    string
	Reason         string
	CreatedUnixUTC int64
}

// Provider is the external image-generation collaborator.
type Provider interface {
	Generate(ctx context.Context, request Request) (Result, error)
}

// RecordStore persists settled generations.
type RecordStore interface {
	InsertGeneration(ctx context.Context, record Record) error
}

// ReconciliationStore persists pending refunds for manual reconciliation.
type ReconciliationStore interface {
	InsertPendingRefund(ctx context.Context, pendingRefund PendingRefund) error
}

// Wallet is the slice of the wallet service the engine charges through.
type Wallet interface {
	Balance(ctx context.Context, userID wallet.UserID) (wallet.Account, error)
	Debit(ctx context.Context, userID wallet.UserID, amount wallet.Credits, source wallet.Source, referenceID wallet.ReferenceID) (wallet.Account, error)
	Refund(ctx context.Context, userID wallet.UserID, amount wallet.Credits, referenceID wallet.ReferenceID) (wallet.Account, error)
}

// Resolver is the entitlement decision point consulted before any charge.
type Resolver interface {
	Resolve(ctx context.Context, userID wallet.UserID, generationType entitlement.GenerationType, resolution string) (entitlement.Decision, error)
}
