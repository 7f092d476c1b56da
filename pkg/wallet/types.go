package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is an integer credit amount.
type Credits int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// ReferenceID correlates a ledger entry with an external event
// (gateway order id, generation id). Empty means no correlation.
type ReferenceID struct {
	value string
}

// MetadataJSON stores arbitrary entry metadata.
type MetadataJSON struct {
	value string
}

// Direction marks an entry as a credit or a debit.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Source enumerates the closed set of balance-change causes.
type Source string

const (
	SourcePurchase         Source = "purchase"
	SourceAdminAdjustment  Source = "admin_adjustment"
	SourceInitialSignup    Source = "initial_signup"
	SourcePlanSubscription Source = "plan_subscription"
	SourceImageGeneration  Source = "image_generation"
	SourceRefundFailedGen  Source = "refund_failed_generation"
)

// Plan enumerates subscription plans.
type Plan string

const (
	PlanFree         Plan = "free"
	PlanCreator      Plan = "creator"
	PlanProfessional Plan = "professional"
	PlanEnterprise   Plan = "enterprise"
)

// Account is the denormalized wallet view: the cached balance plus plan
// state. Balance always equals the signed sum of the account's entries.
type Account struct {
	AccountID         string
	UserID            string
	Balance           int64
	Plan              Plan
	PlanExpiryUnixUTC int64
	CreatedUnixUTC    int64
}

// A single immutable line in the ledger.
type Entry struct {
	EntryID        string
	AccountID      string
	Direction      Direction
	Amount         Credits
	Source         Source
	ReferenceID    string
	BalanceAfter   int64
	MetadataJSON   string
	CreatedUnixUTC int64
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewReferenceID validates and normalizes a reference id.
func NewReferenceID(raw string) (ReferenceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReferenceID{}, fmt.Errorf("%w: empty value", ErrInvalidReferenceID)
	}
	return ReferenceID{value: trimmed}, nil
}

// NoReference is the absent correlation key.
func NoReference() ReferenceID {
	return ReferenceID{}
}

// String returns the normalized identifier.
func (id ReferenceID) String() string {
	return id.value
}

// IsZero reports whether the reference is absent.
func (id ReferenceID) IsZero() bool {
	return id.value == ""
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCredits validates an amount and ensures it is strictly positive.
func NewCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// ParseDirection validates a stored direction value.
func ParseDirection(raw string) (Direction, error) {
	switch Direction(raw) {
	case DirectionCredit, DirectionDebit:
		return Direction(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
}

// String returns the direction value.
func (direction Direction) String() string {
	return string(direction)
}

// ParseSource validates a stored source value.
func ParseSource(raw string) (Source, error) {
	switch Source(raw) {
	case SourcePurchase, SourceAdminAdjustment, SourceInitialSignup,
		SourcePlanSubscription, SourceImageGeneration, SourceRefundFailedGen:
		return Source(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSource, raw)
}

// String returns the source value.
func (source Source) String() string {
	return string(source)
}

// ParsePlan validates a stored plan value.
func ParsePlan(raw string) (Plan, error) {
	switch Plan(raw) {
	case PlanFree, PlanCreator, PlanProfessional, PlanEnterprise:
		return Plan(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPlan, raw)
}

// String returns the plan value.
func (plan Plan) String() string {
	return string(plan)
}

// Plans lists every known plan.
func Plans() []Plan {
	return []Plan{PlanFree, PlanCreator, PlanProfessional, PlanEnterprise}
}

// PaidPlans lists the plans that can be purchased.
func PaidPlans() []Plan {
	return []Plan{PlanCreator, PlanProfessional, PlanEnterprise}
}

// EffectivePlan degrades an expired paid plan to free. Expiry is evaluated
// lazily on every read; no background job downgrades accounts.
func (account Account) EffectivePlan(nowUnixUTC int64) Plan {
	if account.Plan == PlanFree {
		return PlanFree
	}
	if account.PlanExpiryUnixUTC != 0 && nowUnixUTC > account.PlanExpiryUnixUTC {
		return PlanFree
	}
	return account.Plan
}

// Store is the persistence contract used by Service. Implementations must
// serialize concurrent writers for the same account inside WithTx so two
// appends never compute BalanceAfter from the same stale balance.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID UserID) (Account, error)
	// LockAccount reads the account row for update; subsequent balance
	// reads in the same transaction see the committed value.
	LockAccount(ctx context.Context, accountID string) (Account, error)
	// InsertEntry returns ErrDuplicateReference when the
	// (source, reference_id) uniqueness guard trips.
	InsertEntry(ctx context.Context, entry Entry) error
	UpdateBalance(ctx context.Context, accountID string, balance int64) error
	UpdatePlan(ctx context.Context, accountID string, plan Plan, expiryUnixUTC int64) error
	ListEntries(ctx context.Context, accountID string, direction Direction, offset int, limit int) ([]Entry, int64, error)
}
