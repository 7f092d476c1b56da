package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/pixelmint/internal/config"
	"github.com/MarkoPoloResearchLab/pixelmint/internal/generation"
	"github.com/MarkoPoloResearchLab/pixelmint/internal/webhook"
	"github.com/MarkoPoloResearchLab/pixelmint/pkg/wallet"
)

type stubWalletService struct {
	account wallet.Account
	entries []wallet.Entry
	err     error
}

func (stub *stubWalletService) Balance(_ context.Context, _ wallet.UserID) (wallet.Account, error) {
	return stub.account, stub.err
}

func (stub *stubWalletService) Bootstrap(_ context.Context, _ wallet.UserID) (wallet.Account, error) {
	return stub.account, stub.err
}

func (stub *stubWalletService) History(_ context.Context, _ wallet.UserID, _ int, _ int, _ wallet.Direction) ([]wallet.Entry, int64, error) {
	return stub.entries, int64(len(stub.entries)), stub.err
}

type stubGenerationService struct {
	record generation.Record
	err    error
}

func (stub *stubGenerationService) Generate(_ context.Context, _ wallet.UserID, _ generation.Request) (generation.Record, error) {
	return stub.record, stub.err
}

type stubIngestor struct {
	outcome webhook.Outcome
	bodies  [][]byte
}

func (stub *stubIngestor) Ingest(_ context.Context, body []byte, _ string) webhook.Outcome {
	stub.bodies = append(stub.bodies, body)
	return stub.outcome
}

func testConfig(test *testing.T) config.Config {
	test.Helper()
	cfg := config.Config{
		SessionSigningKey: "secret-key",
		WebhookSecret:     "whsec",
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("config validate: %v", err)
	}
	return cfg
}

func newTestServer(test *testing.T, cfg config.Config, services Services) *httptest.Server {
	test.Helper()
	router := NewRouter(cfg, zap.NewNop(), services)
	server := httptest.NewServer(router)
	test.Cleanup(server.Close)
	return server
}

func buildSessionCookie(test *testing.T, cfg config.Config, userID string) *http.Cookie {
	test.Helper()
	claims := &sessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.SessionSigningKey))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: cfg.SessionCookieName, Value: signed}
}

func doRequest(test *testing.T, server *httptest.Server, method string, path string, cookie *http.Cookie, payload any) *http.Response {
	test.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			test.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, server.URL+path, body)
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := server.Client().Do(req)
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	test.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(test *testing.T, resp *http.Response) map[string]any {
	test.Helper()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		test.Fatalf("decode response: %v", err)
	}
	return decoded
}

func TestHealthzIsPublic(test *testing.T) {
	test.Parallel()
	cfg := testConfig(test)
	server := newTestServer(test, cfg, Services{Wallet: &stubWalletService{}, Generation: &stubGenerationService{}, Webhook: &stubIngestor{}})

	resp := doRequest(test, server, http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		test.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAPIRejectsMissingSession(test *testing.T) {
	test.Parallel()
	cfg := testConfig(test)
	server := newTestServer(test, cfg, Services{Wallet: &stubWalletService{}, Generation: &stubGenerationService{}, Webhook: &stubIngestor{}})

	resp := doRequest(test, server, http.MethodGet, "/api/wallet", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestWalletReturnsBalanceAndEntries(test *testing.T) {
	test.Parallel()
	cfg := testConfig(test)
	walletStub := &stubWalletService{
		account: wallet.Account{UserID: "user-1", Balance: 120, Plan: wallet.PlanCreator, PlanExpiryUnixUTC: time.Now().Add(time.Hour).Unix()},
		entries: []wallet.Entry{{EntryID: "e1", Direction: wallet.DirectionCredit, Amount: 120, Source: wallet.SourcePurchase, BalanceAfter: 120}},
	}
	server := newTestServer(test, cfg, Services{Wallet: walletStub, Generation: &stubGenerationService{}, Webhook: &stubIngestor{}})

	resp := doRequest(test, server, http.MethodGet, "/api/wallet", buildSessionCookie(test, cfg, "user-1"), nil)
	if resp.StatusCode != http.StatusOK {
		test.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	decoded := decodeBody(test, resp)
	walletPayload, ok := decoded["wallet"].(map[string]any)
	if !ok {
		test.Fatalf("missing wallet payload: %v", decoded)
	}
	if walletPayload["balance"].(float64) != 120 {
		test.Fatalf("unexpected balance: %v", walletPayload["balance"])
	}
	if walletPayload["plan"].(string) != "creator" {
		test.Fatalf("unexpected plan: %v", walletPayload["plan"])
	}
	entries, ok := decoded["entries"].([]any)
	if !ok || len(entries) != 1 {
		test.Fatalf("unexpected entries: %v", decoded["entries"])
	}
}

func TestWalletReportsExpiredPlanAsFree(test *testing.T) {
	test.Parallel()
	cfg := testConfig(test)
	walletStub := &stubWalletService{
		account: wallet.Account{UserID: "user-2", Balance: 5, Plan: wallet.PlanProfessional, PlanExpiryUnixUTC: time.Now().Add(-time.Hour).Unix()},
	}
	server := newTestServer(test, cfg, Services{Wallet: walletStub, Generation: &stubGenerationService{}, Webhook: &stubIngestor{}})

	resp := doRequest(test, server, http.MethodGet, "/api/wallet", buildSessionCookie(test, cfg, "user-2"), nil)
	decoded := decodeBody(test, resp)
	walletPayload := decoded["wallet"].(map[string]any)
	if walletPayload["plan"].(string) != "free" {
		test.Fatalf("expired plan must read as free, got %v", walletPayload["plan"])
	}
}

func TestGenerationErrorMapping(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "daily limit", err: generation.ErrDailyLimitReached, wantStatus: http.StatusTooManyRequests},
		{name: "no credits", err: generation.ErrNoCreditsNoFreeGenerations, wantStatus: http.StatusPaymentRequired},
		{name: "insufficient", err: wallet.ErrInsufficientCredits, wantStatus: http.StatusPaymentRequired},
		{name: "provider failure", err: generation.ErrGenerationFailed, wantStatus: http.StatusBadGateway},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			cfg := testConfig(test)
			server := newTestServer(test, cfg, Services{
				Wallet:     &stubWalletService{},
				Generation: &stubGenerationService{err: testCase.err},
				Webhook:    &stubIngestor{},
			})
			payload := map[string]any{"type": "general", "prompt": "a lighthouse"}
			resp := doRequest(test, server, http.MethodPost, "/api/generations", buildSessionCookie(test, cfg, "user-3"), payload)
			if resp.StatusCode != testCase.wantStatus {
				test.Fatalf("expected %d, got %d", testCase.wantStatus, resp.StatusCode)
			}
		})
	}
}

func TestGenerationRejectsUnknownType(test *testing.T) {
	test.Parallel()
	cfg := testConfig(test)
	server := newTestServer(test, cfg, Services{Wallet: &stubWalletService{}, Generation: &stubGenerationService{}, Webhook: &stubIngestor{}})

	payload := map[string]any{"type": "hologram", "prompt": "whatever"}
	resp := doRequest(test, server, http.MethodPost, "/api/generations", buildSessionCookie(test, cfg, "user-4"), payload)
	if resp.StatusCode != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGenerationSuccessPayload(test *testing.T) {
	test.Parallel()
	cfg := testConfig(test)
	generationStub := &stubGenerationService{
		record: generation.Record{
			GenerationID:   "gen-1",
			Type:           "general",
			ImageURL:       "https://cdn.example/img.png",
			CreditCost:     10,
			Status:         generation.StatusSettled,
			CreatedUnixUTC: 1700000000,
		},
	}
	server := newTestServer(test, cfg, Services{Wallet: &stubWalletService{}, Generation: generationStub, Webhook: &stubIngestor{}})

	payload := map[string]any{"type": "general", "prompt": "a lighthouse"}
	resp := doRequest(test, server, http.MethodPost, "/api/generations", buildSessionCookie(test, cfg, "user-5"), payload)
	if resp.StatusCode != http.StatusOK {
		test.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	decoded := decodeBody(test, resp)
	generationPayload := decoded["generation"].(map[string]any)
	if generationPayload["image_url"].(string) != "https://cdn.example/img.png" {
		test.Fatalf("unexpected payload: %v", generationPayload)
	}
	if generationPayload["status"].(string) != "settled" {
		test.Fatalf("unexpected status: %v", generationPayload["status"])
	}
}

func TestWebhookAlwaysAcknowledges(test *testing.T) {
	test.Parallel()
	cfg := testConfig(test)
	ingestor := &stubIngestor{outcome: webhook.Outcome{Status: webhook.OutcomeIgnored, Detail: "signature mismatch"}}
	server := newTestServer(test, cfg, Services{Wallet: &stubWalletService{}, Generation: &stubGenerationService{}, Webhook: ingestor})

	payload := map[string]any{"orderId": "order-1", "status": "captured"}
	resp := doRequest(test, server, http.MethodPost, "/webhooks/payment", nil, payload)
	if resp.StatusCode != http.StatusOK {
		test.Fatalf("webhook must always return 200, got %d", resp.StatusCode)
	}
	if len(ingestor.bodies) != 1 {
		test.Fatalf("expected ingestor to receive the raw body")
	}
	decoded := decodeBody(test, resp)
	if decoded["status"].(string) != "ignored" {
		test.Fatalf("unexpected outcome status: %v", decoded["status"])
	}
}
