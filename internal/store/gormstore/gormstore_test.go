package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/pixelmint/internal/generation"
	"github.com/MarkoPoloResearchLab/pixelmint/pkg/wallet"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("unwrap db: %v", err)
	}
	// A second pooled connection would see a different :memory: database.
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func mustAccount(test *testing.T, store *Store, rawUserID string) wallet.Account {
	test.Helper()
	userID, err := wallet.NewUserID(rawUserID)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	account, err := store.GetOrCreateAccount(context.Background(), userID)
	if err != nil {
		test.Fatalf("get or create account: %v", err)
	}
	return account
}

func TestGetOrCreateAccountIsStable(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	first := mustAccount(test, store, "user-1")
	second := mustAccount(test, store, "user-1")
	if first.AccountID == "" {
		test.Fatal("expected generated account id")
	}
	if first.AccountID != second.AccountID {
		test.Fatalf("same user must map to one account: %s vs %s", first.AccountID, second.AccountID)
	}
	if first.Plan != wallet.PlanFree {
		test.Fatalf("new accounts start on the free plan, got %s", first.Plan)
	}
}

func TestInsertEntryDuplicateReference(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	account := mustAccount(test, store, "user-2")

	entry := wallet.Entry{
		AccountID:      account.AccountID,
		Direction:      wallet.DirectionCredit,
		Amount:         100,
		Source:         wallet.SourcePurchase,
		ReferenceID:    "order-1",
		BalanceAfter:   100,
		CreatedUnixUTC: 1700000000,
	}
	if err := store.InsertEntry(context.Background(), entry); err != nil {
		test.Fatalf("first insert: %v", err)
	}
	err := store.InsertEntry(context.Background(), entry)
	if !errors.Is(err, wallet.ErrDuplicateReference) {
		test.Fatalf("expected ErrDuplicateReference, got %v", err)
	}

	// Same reference under a different source is a distinct operation.
	entry.Source = wallet.SourceRefundFailedGen
	entry.Direction = wallet.DirectionCredit
	if err := store.InsertEntry(context.Background(), entry); err != nil {
		test.Fatalf("distinct source with same reference: %v", err)
	}
}

func TestInsertEntryNullReferencesDoNotCollide(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	account := mustAccount(test, store, "user-3")

	for index := 0; index < 2; index++ {
		entry := wallet.Entry{
			AccountID:      account.AccountID,
			Direction:      wallet.DirectionCredit,
			Amount:         10,
			Source:         wallet.SourceAdminAdjustment,
			BalanceAfter:   int64(10 * (index + 1)),
			CreatedUnixUTC: 1700000000 + int64(index),
		}
		if err := store.InsertEntry(context.Background(), entry); err != nil {
			test.Fatalf("insert %d: %v", index, err)
		}
	}
}

func TestUpdateBalanceAndLockAccount(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	account := mustAccount(test, store, "user-4")

	if err := store.UpdateBalance(context.Background(), account.AccountID, 240); err != nil {
		test.Fatalf("update balance: %v", err)
	}
	locked, err := store.LockAccount(context.Background(), account.AccountID)
	if err != nil {
		test.Fatalf("lock account: %v", err)
	}
	if locked.Balance != 240 {
		test.Fatalf("expected balance 240, got %d", locked.Balance)
	}

	err = store.UpdateBalance(context.Background(), "00000000-0000-0000-0000-000000000000", 1)
	if !errors.Is(err, wallet.ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
	_, err = store.LockAccount(context.Background(), "00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, wallet.ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestUpdatePlanRoundTrip(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	account := mustAccount(test, store, "user-5")

	expiry := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC).Unix()
	if err := store.UpdatePlan(context.Background(), account.AccountID, wallet.PlanCreator, expiry); err != nil {
		test.Fatalf("update plan: %v", err)
	}
	updated, err := store.LockAccount(context.Background(), account.AccountID)
	if err != nil {
		test.Fatalf("lock account: %v", err)
	}
	if updated.Plan != wallet.PlanCreator || updated.PlanExpiryUnixUTC != expiry {
		test.Fatalf("unexpected plan state: %+v", updated)
	}
}

func TestListEntriesPaginationAndFilter(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	account := mustAccount(test, store, "user-6")

	base := int64(1700000000)
	directions := []wallet.Direction{
		wallet.DirectionCredit, wallet.DirectionDebit, wallet.DirectionCredit,
		wallet.DirectionDebit, wallet.DirectionCredit,
	}
	for index, direction := range directions {
		entry := wallet.Entry{
			AccountID:      account.AccountID,
			Direction:      direction,
			Amount:         wallet.Credits(index + 1),
			Source:         wallet.SourceAdminAdjustment,
			BalanceAfter:   int64(index),
			CreatedUnixUTC: base + int64(index),
		}
		if err := store.InsertEntry(context.Background(), entry); err != nil {
			test.Fatalf("insert %d: %v", index, err)
		}
	}

	page, total, err := store.ListEntries(context.Background(), account.AccountID, "", 0, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if total != 5 || len(page) != 2 {
		test.Fatalf("expected total 5 page 2, got total %d page %d", total, len(page))
	}
	if page[0].CreatedUnixUTC < page[1].CreatedUnixUTC {
		test.Fatal("entries must come back most recent first")
	}

	debits, debitTotal, err := store.ListEntries(context.Background(), account.AccountID, wallet.DirectionDebit, 0, 10)
	if err != nil {
		test.Fatalf("list debits: %v", err)
	}
	if debitTotal != 2 || len(debits) != 2 {
		test.Fatalf("expected 2 debits, got total %d page %d", debitTotal, len(debits))
	}
	for _, entry := range debits {
		if entry.Direction != wallet.DirectionDebit {
			test.Fatalf("direction filter leaked %s", entry.Direction)
		}
	}
}

func TestUsageCountersCountOnlySettled(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	account := mustAccount(test, store, "user-7")

	dayStart := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC).Unix()
	records := []generation.Record{
		{AccountID: account.AccountID, Type: "general", Status: generation.StatusSettled, IsFree: true, CreatedUnixUTC: dayStart + 100},
		{AccountID: account.AccountID, Type: "general", Status: generation.StatusSettled, CreditCost: 10, CreatedUnixUTC: dayStart + 200},
		{AccountID: account.AccountID, Type: "logo", Status: generation.StatusRejected, CreatedUnixUTC: dayStart + 300},
		{AccountID: account.AccountID, Type: "anime", Status: generation.StatusSettled, IsFree: true, CreatedUnixUTC: dayStart - 600},
	}
	for index, record := range records {
		if err := store.InsertGeneration(context.Background(), record); err != nil {
			test.Fatalf("insert generation %d: %v", index, err)
		}
	}

	lifetime, err := store.CountGenerations(context.Background(), account.AccountID)
	if err != nil {
		test.Fatalf("count lifetime: %v", err)
	}
	if lifetime != 3 {
		test.Fatalf("expected 3 settled lifetime, got %d", lifetime)
	}
	today, err := store.CountGenerationsSince(context.Background(), account.AccountID, dayStart)
	if err != nil {
		test.Fatalf("count since: %v", err)
	}
	if today != 2 {
		test.Fatalf("expected 2 settled today, got %d", today)
	}
	freeToday, err := store.CountFreeGenerationsSince(context.Background(), account.AccountID, dayStart)
	if err != nil {
		test.Fatalf("count free since: %v", err)
	}
	if freeToday != 1 {
		test.Fatalf("expected 1 free today, got %d", freeToday)
	}
}

func TestInsertPendingRefundDuplicateIsNoOp(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	pendingRefund := generation.PendingRefund{
		UserID:         "user-8",
		Amount:         25,
		ReferenceID:    "gen-1",
		Reason:         "refund failed",
		CreatedUnixUTC: 1700000000,
	}
	if err := store.InsertPendingRefund(context.Background(), pendingRefund); err != nil {
		test.Fatalf("first insert: %v", err)
	}
	if err := store.InsertPendingRefund(context.Background(), pendingRefund); err != nil {
		test.Fatalf("duplicate insert must be absorbed: %v", err)
	}
}
