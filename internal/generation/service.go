package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/pixelmint/internal/entitlement"
	"github.com/MarkoPoloResearchLab/pixelmint/pkg/wallet"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service is the single entry point every generation flow charges through.
// It resolves the entitlement, deducts credits, calls the provider, and
// refunds the exact charged amount when anything downstream fails.
type Service struct {
	resolver        Resolver
	wallet          Wallet
	provider        Provider
	records         RecordStore
	reconciliation  ReconciliationStore
	logger          *zap.Logger
	nowFn           func() int64
	providerTimeout time.Duration
}

// NewService wires a Service.
func NewService(resolver Resolver, walletService Wallet, provider Provider, records RecordStore, reconciliation ReconciliationStore, logger *zap.Logger, now func() int64, providerTimeout time.Duration) (*Service, error) {
	if resolver == nil || walletService == nil || provider == nil || records == nil || reconciliation == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidGenerationConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidGenerationConfig)
	}
	if providerTimeout <= 0 {
		providerTimeout = defaultProviderTimeout
	}
	return &Service{
		resolver:        resolver,
		wallet:          walletService,
		provider:        provider,
		records:         records,
		reconciliation:  reconciliation,
		logger:          logger,
		nowFn:           now,
		providerTimeout: providerTimeout,
	}, nil
}

// Generate runs one attempt through the state machine:
// pending -> charged -> settled, with rejected and refund outcomes on the
// failure branches. A provider timeout is treated the same as an explicit
// provider failure: the charge is compensated.
func (service *Service) Generate(ctx context.Context, userID wallet.UserID, request Request) (Record, error) {
	decision, err := service.resolver.Resolve(ctx, userID, request.Type, request.Resolution)
	if err != nil {
		return Record{}, err
	}
	account, err := service.wallet.Balance(ctx, userID)
	if err != nil {
		return Record{}, err
	}
	record := Record{
		GenerationID:   uuid.NewString(),
		AccountID:      account.AccountID,
		Type:           request.Type,
		Resolution:     request.Resolution,
		Prompt:         request.Prompt,
		IsFree:         decision.IsFreeGeneration,
		CreditCost:     decision.CreditCost,
		Status:         StatusPending,
		CreatedUnixUTC: service.nowFn(),
	}
	if !decision.Allowed {
		record.Status = StatusRejected
		return record, denialError(decision.Reason)
	}

	charged := false
	if decision.CreditCost > 0 {
		amount, err := wallet.NewCredits(decision.CreditCost)
		if err != nil {
			return record, err
		}
		reference, err := wallet.NewReferenceID(record.GenerationID)
		if err != nil {
			return record, err
		}
		if _, err := service.wallet.Debit(ctx, userID, amount, wallet.SourceImageGeneration, reference); err != nil {
			record.Status = StatusRejected
			return record, err
		}
		record.Status = StatusCharged
		charged = true
	}

	providerCtx, cancel := context.WithTimeout(ctx, service.providerTimeout)
	result, providerErr := service.provider.Generate(providerCtx, request)
	cancel()
	if providerErr != nil {
		service.compensate(ctx, userID, &record, charged)
		return record, fmt.Errorf("%w: %v", ErrGenerationFailed, providerErr)
	}

	record.ImageURL = result.ImageURL
	record.Status = StatusSettled
	if err := service.records.InsertGeneration(ctx, record); err != nil {
		// A charge without a stored generation is a stale debit; treat a
		// record-store failure like a pipeline failure and compensate.
		service.compensate(ctx, userID, &record, charged)
		return record, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return record, nil
}

// compensate refunds the exact charged amount when a debit was taken. The
// status field alone cannot drive this decision: a record-store failure
// arrives here already marked settled, yet its charge is stale. When the
// refund itself fails it is logged at high severity and recorded for
// out-of-band reconciliation; there is no synchronous retry.
func (service *Service) compensate(ctx context.Context, userID wallet.UserID, record *Record, charged bool) {
	if !charged {
		record.Status = StatusRejected
		return
	}
	// The refund must run even when the inbound request was cancelled.
	refundCtx := context.WithoutCancel(ctx)
	amount, err := wallet.NewCredits(record.CreditCost)
	if err != nil {
		record.Status = StatusRefundFailed
		return
	}
	reference, err := wallet.NewReferenceID(record.GenerationID)
	if err != nil {
		record.Status = StatusRefundFailed
		return
	}
	if _, err := service.wallet.Refund(refundCtx, userID, amount, reference); err != nil {
		record.Status = StatusRefundFailed
		service.logger.Error("compensating refund failed",
			zap.String("user_id", userID.String()),
			zap.String("generation_id", record.GenerationID),
			zap.Int64("credit_cost", record.CreditCost),
			zap.Error(err),
		)
		pending := PendingRefund{
			UserID:         userID.String(),
			Amount:         record.CreditCost,
			ReferenceID:    record.GenerationID,
			Reason:         err.Error(),
			CreatedUnixUTC: service.nowFn(),
		}
		if reconErr := service.reconciliation.InsertPendingRefund(refundCtx, pending); reconErr != nil {
			service.logger.Error("pending refund record failed",
				zap.String("generation_id", record.GenerationID),
				zap.Error(reconErr),
			)
		}
		return
	}
	record.Status = StatusRefunded
}

func denialError(reason entitlement.DenialReason) error {
	switch reason {
	case entitlement.ReasonDailyLimitReached:
		return ErrDailyLimitReached
	case entitlement.ReasonNoCreditsNoFreeGenerations:
		return ErrNoCreditsNoFreeGenerations
	}
	return ErrGenerationFailed
}

const defaultProviderTimeout = 60 * time.Second
