// Package webhook ingests payment-provider callbacks and converts captured
// payments into wallet credits or plan changes. Ingestion never surfaces a
// failure to the provider; every delivery is acknowledged and the outcome is
// recorded for the caller to log.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/pixelmint/pkg/wallet"
)

// OutcomeStatus classifies what ingestion did with a delivery.
type OutcomeStatus string

const (
	// OutcomeProcessed means the payment was credited or the plan applied.
	OutcomeProcessed OutcomeStatus = "processed"
	// OutcomeDuplicate means the order was already applied by an earlier delivery.
	OutcomeDuplicate OutcomeStatus = "duplicate"
	// OutcomeIgnored means the delivery was acknowledged without effect.
	OutcomeIgnored OutcomeStatus = "ignored"
	// OutcomeFailed means a transient backend error prevented crediting.
	OutcomeFailed OutcomeStatus = "failed"
)

// Outcome is the result of ingesting one delivery.
type Outcome struct {
	Status  OutcomeStatus
	OrderID string
	Detail  string
}

// Wallet is the subset of wallet operations ingestion needs.
type Wallet interface {
	Credit(ctx context.Context, userID wallet.UserID, amount wallet.Credits, source wallet.Source, referenceID wallet.ReferenceID) (wallet.Account, error)
	ChangePlan(ctx context.Context, userID wallet.UserID, plan wallet.Plan, expiryUnixUTC int64, includedCredits wallet.Credits, orderReference wallet.ReferenceID) (wallet.Account, error)
}

// Config carries the ingestion secret and crediting parameters.
type Config struct {
	Secret               string
	CreditsPerAmountUnit int64
	PlanDurationDays     int
	PlanIncludedCredits  map[wallet.Plan]int64
}

// ErrInvalidWebhookConfig reports a handler constructed with unusable settings.
var ErrInvalidWebhookConfig = errors.New("invalid webhook configuration")

// Handler verifies and applies payment deliveries.
type Handler struct {
	walletService Wallet
	config        Config
	logger        *zap.Logger
	nowFn         func() int64
}

// NewHandler validates configuration and returns a ready ingestion handler.
func NewHandler(walletService Wallet, config Config, logger *zap.Logger, nowFn func() int64) (*Handler, error) {
	if walletService == nil {
		return nil, fmt.Errorf("%w: wallet dependency is nil", ErrInvalidWebhookConfig)
	}
	if strings.TrimSpace(config.Secret) == "" {
		return nil, fmt.Errorf("%w: secret must not be empty", ErrInvalidWebhookConfig)
	}
	if config.CreditsPerAmountUnit <= 0 {
		return nil, fmt.Errorf("%w: credits per amount unit must be positive", ErrInvalidWebhookConfig)
	}
	if config.PlanDurationDays <= 0 {
		return nil, fmt.Errorf("%w: plan duration must be positive", ErrInvalidWebhookConfig)
	}
	// Every paid plan must carry included credits, or a captured purchase of
	// that plan would be acknowledged and then permanently stranded.
	for _, plan := range wallet.PaidPlans() {
		if config.PlanIncludedCredits[plan] <= 0 {
			return nil, fmt.Errorf("%w: plan %s has no included credits", ErrInvalidWebhookConfig, plan)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if nowFn == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidWebhookConfig)
	}
	return &Handler{walletService: walletService, config: config, logger: logger, nowFn: nowFn}, nil
}

// payment is the normalized shape extracted from either payload variant.
type payment struct {
	orderID string
	userID  string
	plan    string
	amount  int64
	status  string
}

// envelopePayload is the provider's event envelope.
type envelopePayload struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				OrderID string `json:"order_id"`
				Amount  int64  `json:"amount"`
				Status  string `json:"status"`
				Notes   struct {
					UserID string `json:"user_id"`
					Plan   string `json:"plan"`
				} `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// legacyPayload is the flat shape older provider configurations deliver.
type legacyPayload struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Amount  int64  `json:"amount"`
	UserID  string `json:"userId"`
	Plan    string `json:"plan"`
}

// Ingest verifies the signature, parses the delivery, and applies it. The
// returned outcome is informational; callers acknowledge the delivery
// regardless.
func (handler *Handler) Ingest(ctx context.Context, body []byte, signature string) Outcome {
	if !handler.signatureValid(body, signature) {
		handler.logger.Warn("webhook signature mismatch", zap.Int("body_bytes", len(body)))
		return Outcome{Status: OutcomeIgnored, Detail: "signature mismatch"}
	}
	parsed, ok := parsePayment(body)
	if !ok {
		handler.logger.Warn("webhook payload unrecognized")
		return Outcome{Status: OutcomeIgnored, Detail: "unrecognized payload"}
	}
	if !capturedStatus(parsed.status) {
		handler.logger.Info("webhook payment not captured",
			zap.String("order_id", parsed.orderID),
			zap.String("status", parsed.status))
		return Outcome{Status: OutcomeIgnored, OrderID: parsed.orderID, Detail: "payment not captured"}
	}
	userID, err := wallet.NewUserID(parsed.userID)
	if err != nil {
		handler.logger.Warn("webhook payment missing user",
			zap.String("order_id", parsed.orderID), zap.Error(err))
		return Outcome{Status: OutcomeIgnored, OrderID: parsed.orderID, Detail: "missing user id"}
	}
	orderReference, err := wallet.NewReferenceID(parsed.orderID)
	if err != nil {
		handler.logger.Warn("webhook payment missing order id", zap.Error(err))
		return Outcome{Status: OutcomeIgnored, Detail: "missing order id"}
	}
	if parsed.plan != "" {
		return handler.applyPlanPurchase(ctx, userID, parsed, orderReference)
	}
	return handler.applyTopUp(ctx, userID, parsed, orderReference)
}

func (handler *Handler) applyTopUp(ctx context.Context, userID wallet.UserID, parsed payment, orderReference wallet.ReferenceID) Outcome {
	credits, err := wallet.NewCredits(parsed.amount * handler.config.CreditsPerAmountUnit)
	if err != nil {
		handler.logger.Warn("webhook payment has non-positive amount",
			zap.String("order_id", parsed.orderID), zap.Int64("amount", parsed.amount))
		return Outcome{Status: OutcomeIgnored, OrderID: parsed.orderID, Detail: "non-positive amount"}
	}
	_, err = handler.walletService.Credit(ctx, userID, credits, wallet.SourcePurchase, orderReference)
	switch {
	case errors.Is(err, wallet.ErrDuplicateReference):
		handler.logger.Info("webhook delivery already applied", zap.String("order_id", parsed.orderID))
		return Outcome{Status: OutcomeDuplicate, OrderID: parsed.orderID}
	case err != nil:
		handler.logger.Error("webhook credit failed",
			zap.String("order_id", parsed.orderID), zap.Error(err))
		return Outcome{Status: OutcomeFailed, OrderID: parsed.orderID, Detail: "credit failed"}
	}
	handler.logger.Info("webhook payment credited",
		zap.String("order_id", parsed.orderID),
		zap.Int64("credits", credits.Int64()))
	return Outcome{Status: OutcomeProcessed, OrderID: parsed.orderID}
}

func (handler *Handler) applyPlanPurchase(ctx context.Context, userID wallet.UserID, parsed payment, orderReference wallet.ReferenceID) Outcome {
	plan, err := wallet.ParsePlan(parsed.plan)
	if err != nil {
		handler.logger.Warn("webhook payment names unknown plan",
			zap.String("order_id", parsed.orderID), zap.String("plan", parsed.plan))
		return Outcome{Status: OutcomeIgnored, OrderID: parsed.orderID, Detail: "unknown plan"}
	}
	if plan == wallet.PlanFree {
		handler.logger.Warn("webhook payment names unpurchasable plan",
			zap.String("order_id", parsed.orderID))
		return Outcome{Status: OutcomeIgnored, OrderID: parsed.orderID, Detail: "plan is not purchasable"}
	}
	expiry := handler.nowFn() + int64(handler.config.PlanDurationDays)*86400
	includedCredits := wallet.Credits(handler.config.PlanIncludedCredits[plan])
	_, err = handler.walletService.ChangePlan(ctx, userID, plan, expiry, includedCredits, orderReference)
	switch {
	case errors.Is(err, wallet.ErrDuplicateReference):
		handler.logger.Info("webhook delivery already applied", zap.String("order_id", parsed.orderID))
		return Outcome{Status: OutcomeDuplicate, OrderID: parsed.orderID}
	case err != nil:
		handler.logger.Error("webhook plan change failed",
			zap.String("order_id", parsed.orderID),
			zap.String("plan", plan.String()),
			zap.Error(err))
		return Outcome{Status: OutcomeFailed, OrderID: parsed.orderID, Detail: "plan change failed"}
	}
	handler.logger.Info("webhook plan applied",
		zap.String("order_id", parsed.orderID),
		zap.String("plan", plan.String()),
		zap.Int64("expiry_unix", expiry))
	return Outcome{Status: OutcomeProcessed, OrderID: parsed.orderID}
}

func (handler *Handler) signatureValid(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(handler.config.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// parsePayment tries the envelope variant first, then the flat legacy shape.
func parsePayment(body []byte) (payment, bool) {
	var envelope envelopePayload
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Event != "" {
		entity := envelope.Payload.Payment.Entity
		return payment{
			orderID: entity.OrderID,
			userID:  entity.Notes.UserID,
			plan:    entity.Notes.Plan,
			amount:  entity.Amount,
			status:  entity.Status,
		}, entity.OrderID != ""
	}
	var legacy legacyPayload
	if err := json.Unmarshal(body, &legacy); err == nil && legacy.OrderID != "" {
		return payment{
			orderID: legacy.OrderID,
			userID:  legacy.UserID,
			plan:    legacy.Plan,
			amount:  legacy.Amount,
			status:  legacy.Status,
		}, true
	}
	return payment{}, false
}

func capturedStatus(status string) bool {
	switch strings.ToLower(status) {
	case "captured", "paid", "success", "succeeded":
		return true
	}
	return false
}
