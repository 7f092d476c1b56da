package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPProvider is the integration shim over the external image-generation
// API. It carries no business logic; failures surface to the engine, which
// owns the compensation path.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider wires a provider client.
func NewHTTPProvider(baseURL string, apiKey string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

type providerRequest struct {
	Prompt     string `json:"prompt"`
	Type       string `json:"type"`
	Resolution string `json:"resolution,omitempty"`
}

type providerResponse struct {
	ImageURL string `json:"image_url"`
}

// Generate submits the request and returns the hosted image URL.
func (provider *HTTPProvider) Generate(ctx context.Context, request Request) (Result, error) {
	payload, err := json.Marshal(providerRequest{
		Prompt:     request.Prompt,
		Type:       request.Type.String(),
		Resolution: request.Resolution,
	})
	if err != nil {
		return Result{}, fmt.Errorf("provider request encode: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.baseURL+"/v1/images", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("provider request build: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if provider.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+provider.apiKey)
	}
	httpResponse, err := provider.client.Do(httpRequest)
	if err != nil {
		return Result{}, fmt.Errorf("provider call: %w", err)
	}
	defer func() { _ = httpResponse.Body.Close() }()
	if httpResponse.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 512))
		return Result{}, fmt.Errorf("provider status %d: %s", httpResponse.StatusCode, strings.TrimSpace(string(body)))
	}
	var decoded providerResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("provider response decode: %w", err)
	}
	if decoded.ImageURL == "" {
		return Result{}, fmt.Errorf("provider response missing image url")
	}
	return Result{ImageURL: decoded.ImageURL}, nil
}
