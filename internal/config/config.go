// Package config aggregates runtime settings for the pixelmint daemon.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/pixelmint/internal/entitlement"
	"github.com/MarkoPoloResearchLab/pixelmint/pkg/wallet"
)

const (
	defaultListenAddr           = ":8080"
	defaultDatabaseURL          = "sqlite:///tmp/pixelmint.db"
	defaultAllowedOrigin        = "http://localhost:3000"
	defaultSessionIssuer        = "pixelmint"
	defaultSessionCookie        = "pixelmint_session"
	defaultProviderBaseURL      = "http://localhost:9700"
	defaultDayBoundaryTimezone  = "UTC"
	defaultProviderTimeout      = 60 * time.Second
	defaultPlanDurationDays     = 30
	defaultCreditsPerAmountUnit = 1
)

// Config aggregates runtime and crediting settings. Plan limits and the
// per-type price list live in the entitlement package; this holds the
// deployment-tunable knobs around them.
type Config struct {
	ListenAddr        string
	DatabaseURL       string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	WebhookSecret     string
	ProviderBaseURL   string
	ProviderAPIKey    string
	ProviderTimeout   time.Duration

	NewAccountSignupBonus int64
	PlanDurationDays      int
	CreditsPerAmountUnit  int64
	PlanIncludedCredits   map[wallet.Plan]int64
	DayBoundaryTimezone   string

	// Pricing overrides applied on top of the fixed tables; zero values and
	// missing keys keep the defaults.
	FreeDailyGenerationLimit int
	DailyLimitOverrides      map[wallet.Plan]int
	GenerationCostOverrides  map[entitlement.GenerationType]int64
}

// Validate fills defaults and rejects configurations that cannot serve.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.ProviderBaseURL = defaultIfEmpty(cfg.ProviderBaseURL, defaultProviderBaseURL)
	cfg.DayBoundaryTimezone = defaultIfEmpty(cfg.DayBoundaryTimezone, defaultDayBoundaryTimezone)
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}
	if cfg.PlanDurationDays <= 0 {
		cfg.PlanDurationDays = defaultPlanDurationDays
	}
	if cfg.CreditsPerAmountUnit <= 0 {
		cfg.CreditsPerAmountUnit = defaultCreditsPerAmountUnit
	}
	if cfg.PlanIncludedCredits == nil {
		cfg.PlanIncludedCredits = DefaultPlanIncludedCredits()
	}
	// A paid plan missing here would strand its purchase webhooks: the
	// delivery is acknowledged, so the gateway never retries it.
	for _, plan := range wallet.PaidPlans() {
		if cfg.PlanIncludedCredits[plan] <= 0 {
			return fmt.Errorf("plan %s has no included credits", plan)
		}
	}
	if cfg.NewAccountSignupBonus < 0 {
		return fmt.Errorf("signup bonus must not be negative")
	}
	if cfg.FreeDailyGenerationLimit < 0 {
		return fmt.Errorf("free daily limit must not be negative")
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("session signing key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if _, err := time.LoadLocation(cfg.DayBoundaryTimezone); err != nil {
		return fmt.Errorf("day boundary timezone %q: %w", cfg.DayBoundaryTimezone, err)
	}
	return nil
}

// DefaultPlanIncludedCredits returns the credits granted when a plan
// purchase lands.
func DefaultPlanIncludedCredits() map[wallet.Plan]int64 {
	return map[wallet.Plan]int64{
		wallet.PlanCreator:      500,
		wallet.PlanProfessional: 2000,
		wallet.PlanEnterprise:   5000,
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// PricingConfig materializes the entitlement tables: the fixed defaults
// with any configured overrides applied.
func (cfg *Config) PricingConfig() entitlement.Config {
	pricing := entitlement.DefaultConfig()
	pricing.DayBoundaryTimezone = cfg.DayBoundaryTimezone
	if cfg.FreeDailyGenerationLimit > 0 {
		pricing.FreeDailyGenerationLimit = cfg.FreeDailyGenerationLimit
	}
	for plan, limit := range cfg.DailyLimitOverrides {
		pricing.DailyLimitByPlan[plan] = limit
	}
	for generationType, cost := range cfg.GenerationCostOverrides {
		pricing.GenerationTypeCost[generationType] = cost
	}
	return pricing
}

// ParsePlanLimits parses comma-delimited daily-limit overrides such as
// "free=5,creator=15".
func ParsePlanLimits(raw string) (map[wallet.Plan]int, error) {
	limits := map[wallet.Plan]int{}
	err := parsePairs(raw, func(key string, value int64) error {
		plan, err := wallet.ParsePlan(key)
		if err != nil {
			return err
		}
		limits[plan] = int(value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return limits, nil
}

// ParseGenerationCosts parses comma-delimited credit-cost overrides such as
// "logo=25,poster=50".
func ParseGenerationCosts(raw string) (map[entitlement.GenerationType]int64, error) {
	costs := map[entitlement.GenerationType]int64{}
	err := parsePairs(raw, func(key string, value int64) error {
		generationType, err := entitlement.ParseGenerationType(key)
		if err != nil {
			return err
		}
		costs[generationType] = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return costs, nil
}

// ParsePlanCredits parses comma-delimited included-credit overrides such as
// "creator=500,professional=2000".
func ParsePlanCredits(raw string) (map[wallet.Plan]int64, error) {
	credits := map[wallet.Plan]int64{}
	err := parsePairs(raw, func(key string, value int64) error {
		plan, err := wallet.ParsePlan(key)
		if err != nil {
			return err
		}
		credits[plan] = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return credits, nil
}

func parsePairs(raw string, apply func(key string, value int64) error) error {
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		key, value, found := strings.Cut(trimmed, "=")
		if !found {
			return fmt.Errorf("expected key=value, got %q", trimmed)
		}
		parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return fmt.Errorf("value for %q: %w", key, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("value for %q must be positive", key)
		}
		if err := apply(strings.TrimSpace(key), parsed); err != nil {
			return err
		}
	}
	return nil
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
