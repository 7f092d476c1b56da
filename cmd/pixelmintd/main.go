package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/pixelmint/internal/config"
	"github.com/MarkoPoloResearchLab/pixelmint/internal/entitlement"
	"github.com/MarkoPoloResearchLab/pixelmint/internal/generation"
	"github.com/MarkoPoloResearchLab/pixelmint/internal/server"
	"github.com/MarkoPoloResearchLab/pixelmint/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/pixelmint/internal/webhook"
	"github.com/MarkoPoloResearchLab/pixelmint/pkg/wallet"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagWebhookSecret     = "webhook-secret"
	flagProviderBaseURL   = "provider-base-url"
	flagProviderAPIKey    = "provider-api-key"
	flagSignupBonus       = "signup-bonus"
	flagDayTimezone       = "day-timezone"
	flagFreeDailyLimit    = "free-daily-limit"
	flagDailyLimits       = "daily-limits"
	flagGenerationCosts   = "generation-costs"
	flagPlanDurationDays  = "plan-duration-days"
	flagCreditsPerUnit    = "credits-per-unit"
	flagPlanCredits       = "plan-credits"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeySessionSigningKey = "session_signing_key"
	configKeySessionIssuer     = "session_issuer"
	configKeyWebhookSecret     = "webhook_secret"
	configKeyProviderBaseURL   = "provider_base_url"
	configKeyProviderAPIKey    = "provider_api_key"
	configKeySignupBonus       = "signup_bonus"
	configKeyDayTimezone       = "day_timezone"
	configKeyFreeDailyLimit    = "free_daily_limit"
	configKeyDailyLimits       = "daily_limits"
	configKeyGenerationCosts   = "generation_costs"
	configKeyPlanDurationDays  = "plan_duration_days"
	configKeyCreditsPerUnit    = "credits_per_unit"
	configKeyPlanCredits       = "plan_credits"

	defaultDatabaseURL = "sqlite:///tmp/pixelmint.db"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pixelmintd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "pixelmintd",
		Short:         "Credit wallet and image generation backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, ":8080", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "HS256 session signing key")
	cmd.Flags().String(flagSessionIssuer, "", "expected session token issuer")
	cmd.Flags().String(flagWebhookSecret, "", "payment webhook HMAC secret")
	cmd.Flags().String(flagProviderBaseURL, "", "image provider base URL")
	cmd.Flags().String(flagProviderAPIKey, "", "image provider API key")
	cmd.Flags().Int64(flagSignupBonus, 0, "credits granted on first bootstrap")
	cmd.Flags().String(flagDayTimezone, "UTC", "IANA timezone for daily quota boundaries")
	cmd.Flags().Int(flagFreeDailyLimit, 0, "free generations per day on the free plan, 0 keeps the default")
	cmd.Flags().String(flagDailyLimits, "", "daily limit overrides, e.g. free=5,creator=15")
	cmd.Flags().String(flagGenerationCosts, "", "credit cost overrides, e.g. logo=25,poster=50")
	cmd.Flags().Int(flagPlanDurationDays, 0, "plan validity in days, 0 keeps the default")
	cmd.Flags().Int64(flagCreditsPerUnit, 0, "credits granted per payment amount unit, 0 keeps the default")
	cmd.Flags().String(flagPlanCredits, "", "included-credit overrides, e.g. creator=500")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]struct {
		flag string
		env  string
	}{
		configKeyDatabaseURL:       {flag: flagDatabaseURL, env: "DATABASE_URL"},
		configKeyListenAddr:        {flag: flagListenAddr, env: "LISTEN_ADDR"},
		configKeyAllowedOrigins:    {flag: flagAllowedOrigins, env: "ALLOWED_ORIGINS"},
		configKeySessionSigningKey: {flag: flagSessionSigningKey, env: "SESSION_SIGNING_KEY"},
		configKeySessionIssuer:     {flag: flagSessionIssuer, env: "SESSION_ISSUER"},
		configKeyWebhookSecret:     {flag: flagWebhookSecret, env: "WEBHOOK_SECRET"},
		configKeyProviderBaseURL:   {flag: flagProviderBaseURL, env: "PROVIDER_BASE_URL"},
		configKeyProviderAPIKey:    {flag: flagProviderAPIKey, env: "PROVIDER_API_KEY"},
		configKeySignupBonus:       {flag: flagSignupBonus, env: "SIGNUP_BONUS"},
		configKeyDayTimezone:       {flag: flagDayTimezone, env: "DAY_TIMEZONE"},
		configKeyFreeDailyLimit:    {flag: flagFreeDailyLimit, env: "FREE_DAILY_LIMIT"},
		configKeyDailyLimits:       {flag: flagDailyLimits, env: "DAILY_LIMITS"},
		configKeyGenerationCosts:   {flag: flagGenerationCosts, env: "GENERATION_COSTS"},
		configKeyPlanDurationDays:  {flag: flagPlanDurationDays, env: "PLAN_DURATION_DAYS"},
		configKeyCreditsPerUnit:    {flag: flagCreditsPerUnit, env: "CREDITS_PER_UNIT"},
		configKeyPlanCredits:       {flag: flagPlanCredits, env: "PLAN_CREDITS"},
	}
	for key, binding := range bindings {
		if err := viper.BindEnv(key, binding.env); err != nil {
			return err
		}
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(binding.flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.AllowedOrigins = config.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins))
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.ProviderBaseURL = viper.GetString(configKeyProviderBaseURL)
	cfg.ProviderAPIKey = viper.GetString(configKeyProviderAPIKey)
	cfg.NewAccountSignupBonus = viper.GetInt64(configKeySignupBonus)
	cfg.DayBoundaryTimezone = viper.GetString(configKeyDayTimezone)
	cfg.FreeDailyGenerationLimit = viper.GetInt(configKeyFreeDailyLimit)
	cfg.PlanDurationDays = viper.GetInt(configKeyPlanDurationDays)
	cfg.CreditsPerAmountUnit = viper.GetInt64(configKeyCreditsPerUnit)

	dailyLimits, err := config.ParsePlanLimits(viper.GetString(configKeyDailyLimits))
	if err != nil {
		return fmt.Errorf("daily limits: %w", err)
	}
	cfg.DailyLimitOverrides = dailyLimits

	generationCosts, err := config.ParseGenerationCosts(viper.GetString(configKeyGenerationCosts))
	if err != nil {
		return fmt.Errorf("generation costs: %w", err)
	}
	cfg.GenerationCostOverrides = generationCosts

	planCredits, err := config.ParsePlanCredits(viper.GetString(configKeyPlanCredits))
	if err != nil {
		return fmt.Errorf("plan credits: %w", err)
	}
	if len(planCredits) > 0 {
		merged := config.DefaultPlanIncludedCredits()
		for plan, credits := range planCredits {
			merged[plan] = credits
		}
		cfg.PlanIncludedCredits = merged
	}

	return cfg.Validate()
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }

	walletOptions := []wallet.ServiceOption{
		wallet.WithOperationLogger(server.NewWalletOperationLogger(logger)),
	}
	if cfg.NewAccountSignupBonus > 0 {
		walletOptions = append(walletOptions, wallet.WithSignupBonus(wallet.Credits(cfg.NewAccountSignupBonus)))
	}
	walletService, err := wallet.NewService(store, clock, walletOptions...)
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}

	resolver, err := entitlement.NewResolver(walletService, store, cfg.PricingConfig(), func() time.Time { return time.Now().UTC() })
	if err != nil {
		return fmt.Errorf("entitlement resolver init: %w", err)
	}

	provider := generation.NewHTTPProvider(cfg.ProviderBaseURL, cfg.ProviderAPIKey, &http.Client{Timeout: cfg.ProviderTimeout})
	generationService, err := generation.NewService(resolver, walletService, provider, store, store, logger, clock, cfg.ProviderTimeout)
	if err != nil {
		return fmt.Errorf("generation service init: %w", err)
	}

	webhookHandler, err := webhook.NewHandler(walletService, webhook.Config{
		Secret:               cfg.WebhookSecret,
		CreditsPerAmountUnit: cfg.CreditsPerAmountUnit,
		PlanDurationDays:     cfg.PlanDurationDays,
		PlanIncludedCredits:  cfg.PlanIncludedCredits,
	}, logger, clock)
	if err != nil {
		return fmt.Errorf("webhook handler init: %w", err)
	}

	return server.Run(ctx, *cfg, logger, server.Services{
		Wallet:     walletService,
		Generation: generationService,
		Webhook:    webhookHandler,
	})
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "pixelmint.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
