// Package server exposes the wallet, generation, and webhook operations over
// HTTP. It is a thin gin façade; all invariants live in the services.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/pixelmint/internal/config"
	"github.com/MarkoPoloResearchLab/pixelmint/internal/entitlement"
	"github.com/MarkoPoloResearchLab/pixelmint/internal/generation"
	"github.com/MarkoPoloResearchLab/pixelmint/internal/webhook"
	"github.com/MarkoPoloResearchLab/pixelmint/pkg/wallet"
)

const (
	headerProviderSignature = "X-Razorpay-Signature"
	headerWebhookSignature  = "X-Webhook-Signature"
	maxWebhookBodyBytes     = 1 << 20
	defaultEntriesPageSize  = 20
	maxEntriesPageSize      = 100
)

// WalletService is the wallet surface the HTTP layer needs.
type WalletService interface {
	Balance(ctx context.Context, userID wallet.UserID) (wallet.Account, error)
	Bootstrap(ctx context.Context, userID wallet.UserID) (wallet.Account, error)
	History(ctx context.Context, userID wallet.UserID, page int, pageSize int, direction wallet.Direction) ([]wallet.Entry, int64, error)
}

// GenerationService runs the authorize-charge-generate pipeline.
type GenerationService interface {
	Generate(ctx context.Context, userID wallet.UserID, request generation.Request) (generation.Record, error)
}

// WebhookIngestor absorbs payment-provider deliveries.
type WebhookIngestor interface {
	Ingest(ctx context.Context, body []byte, signature string) webhook.Outcome
}

// Services bundles the collaborators behind the router.
type Services struct {
	Wallet     WalletService
	Generation GenerationService
	Webhook    WebhookIngestor
}

// Run boots the HTTP server and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, logger *zap.Logger, services Services) error {
	router := NewRouter(cfg, logger, services)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pixelmint listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine with all routes wired.
func NewRouter(cfg config.Config, logger *zap.Logger, services Services) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{logger: logger, services: services}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/webhooks/payment", handler.handlePaymentWebhook)

	validator := newSessionValidator([]byte(cfg.SessionSigningKey), cfg.SessionIssuer, cfg.SessionCookieName)
	api := router.Group("/api")
	api.Use(validator.GinMiddleware())

	api.POST("/bootstrap", handler.handleBootstrap)
	api.GET("/wallet", handler.handleWallet)
	api.GET("/wallet/entries", handler.handleWalletEntries)
	api.POST("/generations", handler.handleGeneration)

	return router
}

type httpHandler struct {
	logger   *zap.Logger
	services Services
}

func (handler *httpHandler) handleBootstrap(ctx *gin.Context) {
	userID, ok := handler.sessionWalletUser(ctx)
	if !ok {
		return
	}
	account, err := handler.services.Wallet.Bootstrap(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "bootstrap failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": accountPayloadFrom(account)})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.sessionWalletUser(ctx)
	if !ok {
		return
	}
	account, err := handler.services.Wallet.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "wallet fetch failed", err)
		return
	}
	entries, _, err := handler.services.Wallet.History(ctx.Request.Context(), userID, 1, defaultEntriesPageSize, "")
	if err != nil {
		handler.respondError(ctx, "wallet history failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"wallet":  accountPayloadFrom(account),
		"entries": entryPayloadsFrom(entries),
	})
}

func (handler *httpHandler) handleWalletEntries(ctx *gin.Context) {
	userID, ok := handler.sessionWalletUser(ctx)
	if !ok {
		return
	}
	page := queryInt(ctx, "page", 1)
	pageSize := queryInt(ctx, "page_size", defaultEntriesPageSize)
	if pageSize > maxEntriesPageSize {
		pageSize = maxEntriesPageSize
	}
	direction := wallet.Direction(ctx.Query("direction"))
	if direction != "" && direction != wallet.DirectionCredit && direction != wallet.DirectionDebit {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_direction", "direction must be credit or debit"))
		return
	}
	entries, total, err := handler.services.Wallet.History(ctx.Request.Context(), userID, page, pageSize, direction)
	if err != nil {
		handler.respondError(ctx, "wallet history failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"entries":   entryPayloadsFrom(entries),
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (handler *httpHandler) handleGeneration(ctx *gin.Context) {
	userID, ok := handler.sessionWalletUser(ctx)
	if !ok {
		return
	}
	var request generationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	generationType, err := entitlement.ParseGenerationType(request.Type)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_type", "unknown generation type"))
		return
	}
	record, err := handler.services.Generation.Generate(ctx.Request.Context(), userID, generation.Request{
		Type:       generationType,
		Prompt:     request.Prompt,
		Resolution: request.Resolution,
	})
	if err != nil {
		handler.respondError(ctx, "generation failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"generation": generationPayload{
			GenerationID:   record.GenerationID,
			Type:           record.Type.String(),
			ImageURL:       record.ImageURL,
			IsFree:         record.IsFree,
			CreditCost:     record.CreditCost,
			Status:         record.Status.String(),
			CreatedUnixUTC: record.CreatedUnixUTC,
		},
	})
}

// handlePaymentWebhook acknowledges every delivery; retry storms from the
// provider help nobody.
func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		handler.logger.Warn("webhook body read failed", zap.Error(err))
		ctx.JSON(http.StatusOK, gin.H{"status": string(webhook.OutcomeIgnored)})
		return
	}
	signature := ctx.GetHeader(headerProviderSignature)
	if signature == "" {
		signature = ctx.GetHeader(headerWebhookSignature)
	}
	outcome := handler.services.Webhook.Ingest(ctx.Request.Context(), body, signature)
	ctx.JSON(http.StatusOK, gin.H{"status": string(outcome.Status)})
}

func (handler *httpHandler) sessionWalletUser(ctx *gin.Context) (wallet.UserID, bool) {
	userID, err := wallet.NewUserID(sessionUserID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return wallet.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) respondError(ctx *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, generation.ErrDailyLimitReached):
		ctx.JSON(http.StatusTooManyRequests, errorResponse("daily_limit_reached", "daily generation limit reached"))
	case errors.Is(err, generation.ErrNoCreditsNoFreeGenerations):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("no_credits", "no credits and no free generations left"))
	case errors.Is(err, wallet.ErrInsufficientCredits):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "not enough credits"))
	case errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidUserID),
		errors.Is(err, wallet.ErrInvalidReferenceID),
		errors.Is(err, wallet.ErrInvalidPlan):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, generation.ErrGenerationFailed):
		handler.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("generation_failed", "image generation failed; any charge was refunded"))
	default:
		handler.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("backend_error", message))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func queryInt(ctx *gin.Context, key string, fallback int) int {
	raw := ctx.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	return value
}

type generationRequest struct {
	Type       string `json:"type"`
	Prompt     string `json:"prompt"`
	Resolution string `json:"resolution"`
}

type generationPayload struct {
	GenerationID   string `json:"generation_id"`
	Type           string `json:"type"`
	ImageURL       string `json:"image_url"`
	IsFree         bool   `json:"is_free"`
	CreditCost     int64  `json:"credit_cost"`
	Status         string `json:"status"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type accountPayload struct {
	UserID            string `json:"user_id"`
	Balance           int64  `json:"balance"`
	Plan              string `json:"plan"`
	PlanExpiryUnixUTC int64  `json:"plan_expiry_unix_utc,omitempty"`
}

func accountPayloadFrom(account wallet.Account) accountPayload {
	// Plan expiry is applied lazily; report the plan as it stands now.
	plan := account.EffectivePlan(time.Now().UTC().Unix())
	return accountPayload{
		UserID:            account.UserID,
		Balance:           account.Balance,
		Plan:              plan.String(),
		PlanExpiryUnixUTC: account.PlanExpiryUnixUTC,
	}
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Direction      string `json:"direction"`
	Amount         int64  `json:"amount"`
	Source         string `json:"source"`
	ReferenceID    string `json:"reference_id,omitempty"`
	BalanceAfter   int64  `json:"balance_after"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func entryPayloadsFrom(entries []wallet.Entry) []entryPayload {
	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, entryPayload{
			EntryID:        entry.EntryID,
			Direction:      entry.Direction.String(),
			Amount:         entry.Amount.Int64(),
			Source:         entry.Source.String(),
			ReferenceID:    entry.ReferenceID,
			BalanceAfter:   entry.BalanceAfter,
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	return payloads
}
