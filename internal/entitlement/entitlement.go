// Package entitlement decides whether a generation request may proceed,
// whether it is free, and what it costs in credits.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/pixelmint/pkg/wallet"
)

// GenerationType enumerates the closed set of generation products.
type GenerationType string

const (
	TypeGeneral   GenerationType = "general"
	TypeAnime     GenerationType = "anime"
	TypeLogo      GenerationType = "logo"
	TypePoster    GenerationType = "poster"
	TypeThumbnail GenerationType = "thumbnail"
)

// DenialReason distinguishes user-facing denial codes.
type DenialReason string

const (
	ReasonDailyLimitReached          DenialReason = "daily_limit_reached"
	ReasonNoCreditsNoFreeGenerations DenialReason = "no_credits_no_free_generations"
)

var (
	ErrUnknownGenerationType = errors.New("unknown generation type")
	ErrInvalidResolverConfig = errors.New("invalid resolver config")
)

// Decision is the resolver verdict for one generation request.
type Decision struct {
	Allowed          bool
	IsFreeGeneration bool
	CreditCost       int64
	Reason           DenialReason
}

// Config carries the plan limits and price list. All values are injected;
// there is no ambient pricing table.
type Config struct {
	DailyLimitByPlan         map[wallet.Plan]int
	GenerationTypeCost       map[GenerationType]int64
	FreeDailyGenerationLimit int
	DayBoundaryTimezone      string
}

// DefaultConfig returns the authoritative fixed-table pricing model.
func DefaultConfig() Config {
	return Config{
		DailyLimitByPlan: map[wallet.Plan]int{
			wallet.PlanFree:         5,
			wallet.PlanCreator:      15,
			wallet.PlanProfessional: 50,
			wallet.PlanEnterprise:   100,
		},
		GenerationTypeCost: map[GenerationType]int64{
			TypeGeneral:   10,
			TypeAnime:     10,
			TypeLogo:      25,
			TypePoster:    50,
			TypeThumbnail: 50,
		},
		FreeDailyGenerationLimit: 5,
		DayBoundaryTimezone:      "UTC",
	}
}

// Validate checks the config is complete enough to price every request.
// A plan without a daily limit would be unlimited, so coverage is required
// up front rather than discovered per request.
func (config Config) Validate() error {
	for _, plan := range wallet.Plans() {
		if limit, ok := config.DailyLimitByPlan[plan]; !ok || limit <= 0 {
			return fmt.Errorf("%w: no daily limit for plan %q", ErrInvalidResolverConfig, plan)
		}
	}
	if len(config.GenerationTypeCost) == 0 {
		return fmt.Errorf("%w: cost table is empty", ErrInvalidResolverConfig)
	}
	if config.FreeDailyGenerationLimit < 0 {
		return fmt.Errorf("%w: negative free daily limit", ErrInvalidResolverConfig)
	}
	if _, err := time.LoadLocation(config.DayBoundaryTimezone); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalidResolverConfig, config.DayBoundaryTimezone, err)
	}
	return nil
}

// ParseGenerationType validates a requested generation type.
func ParseGenerationType(raw string) (GenerationType, error) {
	switch GenerationType(raw) {
	case TypeGeneral, TypeAnime, TypeLogo, TypePoster, TypeThumbnail:
		return GenerationType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownGenerationType, raw)
}

// String returns the type value.
func (generationType GenerationType) String() string {
	return string(generationType)
}

// UsageStore answers the daily and lifetime generation counters.
type UsageStore interface {
	CountGenerations(ctx context.Context, accountID string) (int64, error)
	CountGenerationsSince(ctx context.Context, accountID string, sinceUnixUTC int64) (int64, error)
	CountFreeGenerationsSince(ctx context.Context, accountID string, sinceUnixUTC int64) (int64, error)
}

// AccountSource reads the current committed account state.
type AccountSource interface {
	Balance(ctx context.Context, userID wallet.UserID) (wallet.Account, error)
}

// Resolver computes entitlements from plan state and usage counters.
type Resolver struct {
	accounts AccountSource
	usage    UsageStore
	config   Config
	location *time.Location
	nowFn    func() time.Time
}

// NewResolver wires a Resolver.
func NewResolver(accounts AccountSource, usage UsageStore, config Config, now func() time.Time) (*Resolver, error) {
	if accounts == nil || usage == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidResolverConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidResolverConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	location, err := time.LoadLocation(config.DayBoundaryTimezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResolverConfig, err)
	}
	return &Resolver{
		accounts: accounts,
		usage:    usage,
		config:   config,
		location: location,
		nowFn:    now,
	}, nil
}

// Resolve runs the entitlement algorithm for one request. The resolution
// argument is recorded by callers but never prices; the cost table is fixed
// per type.
func (resolver *Resolver) Resolve(ctx context.Context, userID wallet.UserID, generationType GenerationType, resolution string) (Decision, error) {
	cost, ok := resolver.config.GenerationTypeCost[generationType]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownGenerationType, generationType)
	}

	account, err := resolver.accounts.Balance(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	now := resolver.nowFn()
	plan := account.EffectivePlan(now.UTC().Unix())

	dayStart := resolver.startOfDay(now)
	usedToday, err := resolver.usage.CountGenerationsSince(ctx, account.AccountID, dayStart)
	if err != nil {
		return Decision{}, err
	}
	// The daily-limit check runs before any credit check so the two denials
	// never race for precedence. A missing limit entry fails the request
	// rather than waving it through unlimited.
	limit, ok := resolver.config.DailyLimitByPlan[plan]
	if !ok {
		return Decision{}, fmt.Errorf("%w: no daily limit for plan %q", ErrInvalidResolverConfig, plan)
	}
	if usedToday >= int64(limit) {
		return Decision{Reason: ReasonDailyLimitReached}, nil
	}

	lifetime, err := resolver.usage.CountGenerations(ctx, account.AccountID)
	if err != nil {
		return Decision{}, err
	}
	// One-time new-user incentive, independent of the daily free quota.
	if lifetime == 0 {
		return Decision{Allowed: true, CreditCost: 0}, nil
	}

	if plan == wallet.PlanFree && account.Balance < cost {
		freeUsedToday, err := resolver.usage.CountFreeGenerationsSince(ctx, account.AccountID, dayStart)
		if err != nil {
			return Decision{}, err
		}
		if freeUsedToday < int64(resolver.config.FreeDailyGenerationLimit) {
			return Decision{Allowed: true, IsFreeGeneration: true, CreditCost: 0}, nil
		}
		return Decision{Reason: ReasonNoCreditsNoFreeGenerations}, nil
	}

	return Decision{Allowed: true, CreditCost: cost}, nil
}

// startOfDay returns local midnight in the configured zone, as unix UTC.
// A fixed calendar boundary, never a rolling 24h window.
func (resolver *Resolver) startOfDay(now time.Time) int64 {
	local := now.In(resolver.location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, resolver.location)
	return midnight.UTC().Unix()
}
