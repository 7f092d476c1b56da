package config

import (
	"reflect"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/pixelmint/internal/entitlement"
	"github.com/MarkoPoloResearchLab/pixelmint/pkg/wallet"
)

func TestValidateFillsDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{
		SessionSigningKey: "secret-key",
		WebhookSecret:     "whsec",
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		test.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.PlanDurationDays != 30 || cfg.CreditsPerAmountUnit != 1 {
		test.Fatalf("unexpected crediting defaults: %+v", cfg)
	}
	if cfg.ProviderTimeout != 60*time.Second {
		test.Fatalf("unexpected provider timeout %s", cfg.ProviderTimeout)
	}
	if cfg.DayBoundaryTimezone != "UTC" {
		test.Fatalf("unexpected timezone %q", cfg.DayBoundaryTimezone)
	}
	if cfg.PlanIncludedCredits[wallet.PlanCreator] != 500 {
		test.Fatalf("unexpected included credits: %+v", cfg.PlanIncludedCredits)
	}
}

func TestValidateRequiresSecrets(test *testing.T) {
	test.Parallel()
	cfg := Config{WebhookSecret: "whsec"}
	if err := cfg.Validate(); err == nil {
		test.Fatal("expected missing signing key to fail")
	}
	cfg = Config{SessionSigningKey: "key"}
	if err := cfg.Validate(); err == nil {
		test.Fatal("expected missing webhook secret to fail")
	}
}

func TestValidateRejectsPartialPlanCredits(test *testing.T) {
	test.Parallel()
	cfg := Config{
		SessionSigningKey:   "key",
		WebhookSecret:       "whsec",
		PlanIncludedCredits: map[wallet.Plan]int64{wallet.PlanCreator: 500},
	}
	if err := cfg.Validate(); err == nil {
		test.Fatal("expected a paid plan without included credits to fail")
	}
}

func TestParsePlanLimits(test *testing.T) {
	test.Parallel()
	limits, err := ParsePlanLimits("free=3, creator=20")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	want := map[wallet.Plan]int{wallet.PlanFree: 3, wallet.PlanCreator: 20}
	if !reflect.DeepEqual(limits, want) {
		test.Fatalf("unexpected limits %+v", limits)
	}
	if _, err := ParsePlanLimits("platinum=10"); err == nil {
		test.Fatal("expected unknown plan to fail")
	}
	if _, err := ParsePlanLimits("free=zero"); err == nil {
		test.Fatal("expected non-numeric value to fail")
	}
	if _, err := ParsePlanLimits("free"); err == nil {
		test.Fatal("expected bare key to fail")
	}
}

func TestParseGenerationCosts(test *testing.T) {
	test.Parallel()
	costs, err := ParseGenerationCosts("logo=30,poster=60")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	want := map[entitlement.GenerationType]int64{entitlement.TypeLogo: 30, entitlement.TypePoster: 60}
	if !reflect.DeepEqual(costs, want) {
		test.Fatalf("unexpected costs %+v", costs)
	}
	if _, err := ParseGenerationCosts("hologram=30"); err == nil {
		test.Fatal("expected unknown type to fail")
	}
	if _, err := ParseGenerationCosts("logo=-5"); err == nil {
		test.Fatal("expected non-positive value to fail")
	}
}

func TestPricingConfigAppliesOverrides(test *testing.T) {
	test.Parallel()
	cfg := Config{
		SessionSigningKey:        "key",
		WebhookSecret:            "whsec",
		DayBoundaryTimezone:      "Asia/Kolkata",
		FreeDailyGenerationLimit: 2,
		DailyLimitOverrides:      map[wallet.Plan]int{wallet.PlanCreator: 25},
		GenerationCostOverrides:  map[entitlement.GenerationType]int64{entitlement.TypeLogo: 40},
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	pricing := cfg.PricingConfig()
	if pricing.DayBoundaryTimezone != "Asia/Kolkata" || pricing.FreeDailyGenerationLimit != 2 {
		test.Fatalf("unexpected pricing %+v", pricing)
	}
	if pricing.DailyLimitByPlan[wallet.PlanCreator] != 25 || pricing.DailyLimitByPlan[wallet.PlanFree] != 5 {
		test.Fatalf("unexpected daily limits %+v", pricing.DailyLimitByPlan)
	}
	if pricing.GenerationTypeCost[entitlement.TypeLogo] != 40 || pricing.GenerationTypeCost[entitlement.TypeAnime] != 10 {
		test.Fatalf("unexpected cost table %+v", pricing.GenerationTypeCost)
	}
}

func TestValidateRejectsBadTimezone(test *testing.T) {
	test.Parallel()
	cfg := Config{
		SessionSigningKey:   "key",
		WebhookSecret:       "whsec",
		DayBoundaryTimezone: "Mars/Olympus",
	}
	if err := cfg.Validate(); err == nil {
		test.Fatal("expected unknown timezone to fail")
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	got := ParseAllowedOrigins(" https://app.example.com, http://localhost:3000 ,")
	want := []string{"https://app.example.com", "http://localhost:3000"}
	if !reflect.DeepEqual(got, want) {
		test.Fatalf("got %v want %v", got, want)
	}
}
