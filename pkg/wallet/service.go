package wallet

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store       Store
	nowFn       func() int64
	logger      OperationLogger
	signupBonus Credits
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the account with its current cached balance, creating the
// account on first sight.
func (service *Service) Balance(ctx context.Context, userID UserID) (Account, error) {
	return service.store.GetOrCreateAccount(ctx, userID)
}

// Bootstrap get-or-creates the account and seeds the configured signup bonus.
// The (initial_signup, user id) reference makes the seed idempotent: a second
// bootstrap for the same user is a no-op.
func (service *Service) Bootstrap(ctx context.Context, userID UserID) (Account, error) {
	var account Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		created, err := transactionStore.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return err
		}
		account = created
		if service.signupBonus <= 0 {
			return nil
		}
		reference, err := NewReferenceID(userID.String())
		if err != nil {
			return err
		}
		seeded, err := service.append(ctx, transactionStore, created.AccountID, DirectionCredit, service.signupBonus, SourceInitialSignup, reference)
		if err != nil {
			if errors.Is(err, ErrDuplicateReference) {
				return nil
			}
			return err
		}
		account = seeded
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationBootstrap,
		UserID:       userID,
		Amount:       service.signupBonus,
		Source:       SourceInitialSignup,
		BalanceAfter: account.Balance,
		Error:        operationError,
	})
	return account, operationError
}

// Credit appends a credit entry and increments the cached balance.
func (service *Service) Credit(ctx context.Context, userID UserID, amount Credits, source Source, referenceID ReferenceID) (Account, error) {
	if amount <= 0 {
		return Account{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	var account Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return err
		}
		updated, err := service.append(ctx, transactionStore, current.AccountID, DirectionCredit, amount, source, referenceID)
		if err != nil {
			return err
		}
		account = updated
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationCredit,
		UserID:       userID,
		Amount:       amount,
		Source:       source,
		ReferenceID:  referenceID,
		BalanceAfter: account.Balance,
		Error:        operationError,
	})
	return account, operationError
}

// Debit charges the account. It fails with ErrInsufficientCredits when the
// committed balance cannot cover the amount; no entry is written in that case.
func (service *Service) Debit(ctx context.Context, userID UserID, amount Credits, source Source, referenceID ReferenceID) (Account, error) {
	if amount <= 0 {
		return Account{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	var account Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return err
		}
		updated, err := service.append(ctx, transactionStore, current.AccountID, DirectionDebit, amount, source, referenceID)
		if err != nil {
			return err
		}
		account = updated
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationDebit,
		UserID:       userID,
		Amount:       amount,
		Source:       source,
		ReferenceID:  referenceID,
		BalanceAfter: account.Balance,
		Error:        operationError,
	})
	return account, operationError
}

// Refund compensates a failed charged operation with the exact amount
// originally debited. It is never exposed as a user-facing top-up.
func (service *Service) Refund(ctx context.Context, userID UserID, amount Credits, referenceID ReferenceID) (Account, error) {
	if amount <= 0 {
		return Account{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	var account Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return err
		}
		updated, err := service.append(ctx, transactionStore, current.AccountID, DirectionCredit, amount, SourceRefundFailedGen, referenceID)
		if err != nil {
			return err
		}
		account = updated
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationRefund,
		UserID:       userID,
		Amount:       amount,
		Source:       SourceRefundFailedGen,
		ReferenceID:  referenceID,
		BalanceAfter: account.Balance,
		Error:        operationError,
	})
	return account, operationError
}

// ChangePlan sets the plan and expiry and credits the plan's included
// credits in the same transaction. The (plan_subscription, order reference)
// entry doubles as the idempotency guard for gateway retries.
func (service *Service) ChangePlan(ctx context.Context, userID UserID, plan Plan, expiryUnixUTC int64, includedCredits Credits, orderReference ReferenceID) (Account, error) {
	if _, err := ParsePlan(plan.String()); err != nil {
		return Account{}, err
	}
	if includedCredits <= 0 {
		return Account{}, fmt.Errorf("%w: plan must include credits", ErrInvalidAmount)
	}
	var account Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return err
		}
		updated, err := service.append(ctx, transactionStore, current.AccountID, DirectionCredit, includedCredits, SourcePlanSubscription, orderReference)
		if err != nil {
			return err
		}
		if err := transactionStore.UpdatePlan(ctx, current.AccountID, plan, expiryUnixUTC); err != nil {
			return err
		}
		updated.Plan = plan
		updated.PlanExpiryUnixUTC = expiryUnixUTC
		account = updated
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationChangePlan,
		UserID:       userID,
		Amount:       includedCredits,
		Source:       SourcePlanSubscription,
		ReferenceID:  orderReference,
		BalanceAfter: account.Balance,
		Error:        operationError,
	})
	return account, operationError
}

// History lists entries for the account, most recent first, with a total
// count for pagination. An empty direction returns both directions.
func (service *Service) History(ctx context.Context, userID UserID, page int, pageSize int, direction Direction) ([]Entry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultHistoryPageSize
	}
	account, err := service.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return service.store.ListEntries(ctx, account.AccountID, direction, (page-1)*pageSize, pageSize)
}

// append writes a ledger entry and the matching balance update as one unit.
// Callers hold a transaction; LockAccount serializes concurrent writers for
// the account so BalanceAfter snapshots form a gapless history.
func (service *Service) append(ctx context.Context, transactionStore Store, accountID string, direction Direction, amount Credits, source Source, referenceID ReferenceID) (Account, error) {
	locked, err := transactionStore.LockAccount(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	balanceAfter := locked.Balance
	switch direction {
	case DirectionCredit:
		balanceAfter += amount.Int64()
	case DirectionDebit:
		if locked.Balance < amount.Int64() {
			return Account{}, ErrInsufficientCredits
		}
		balanceAfter -= amount.Int64()
	default:
		return Account{}, fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}
	if balanceAfter < 0 {
		return Account{}, WrapError("service", "balance", "negative_balance", ErrInvalidBalance)
	}
	entry := Entry{
		AccountID:      accountID,
		Direction:      direction,
		Amount:         amount,
		Source:         source,
		ReferenceID:    referenceID.String(),
		BalanceAfter:   balanceAfter,
		CreatedUnixUTC: service.nowFn(),
	}
	if err := transactionStore.InsertEntry(ctx, entry); err != nil {
		return Account{}, err
	}
	if err := transactionStore.UpdateBalance(ctx, accountID, balanceAfter); err != nil {
		return Account{}, err
	}
	locked.Balance = balanceAfter
	return locked, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

const defaultHistoryPageSize = 20
