// Copyright 2025 James Ross
package ratelimiting

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter provides in-process token-bucket rate limiting with priority
// fairness, scoped per tenant and gated by a shared global bucket —
// adapted from a Redis Lua-script token bucket to golang.org/x/time/rate,
// since admin-API throttling has no distributed-state requirement here.
type RateLimiter struct {
	logger *zap.Logger
	config *Config
	mu     sync.RWMutex

	global   *rate.Limiter
	tenants  map[string]*tenantState
	tenantCf map[string]*TenantConfig
}

type tenantState struct {
	limiter *rate.Limiter
	config  *TenantConfig
}

// Config defines rate limiter configuration.
type Config struct {
	GlobalRatePerSecond int64
	GlobalBurstSize     int64

	DefaultRatePerSecond int64
	DefaultBurstSize     int64

	// PriorityWeights maps a priority label to a token-cost divisor:
	// higher weight means fewer effective tokens consumed per request.
	PriorityWeights map[string]float64

	RefillInterval time.Duration
	KeyTTL         time.Duration
	DryRun         bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		GlobalRatePerSecond:  10000,
		GlobalBurstSize:      20000,
		DefaultRatePerSecond: 100,
		DefaultBurstSize:     200,
		PriorityWeights: map[string]float64{
			"critical": 3.0,
			"high":     2.0,
			"normal":   1.0,
			"low":      0.5,
		},
		RefillInterval: 100 * time.Millisecond,
		KeyTTL:         1 * time.Hour,
		DryRun:         false,
	}
}

// TenantConfig defines per-tenant rate limiting configuration.
type TenantConfig struct {
	TenantID         string
	RatePerSecond    int64
	BurstSize        int64
	Priority         string
	CustomWeight     float64
	Enabled          bool
	ExemptFromGlobal bool
}

// ConsumeResult contains the result of a rate limit check.
type ConsumeResult struct {
	Allowed          bool
	Tokens           int64
	Remaining        int64
	RetryAfter       time.Duration
	ResetAt          time.Time
	DryRunWouldAllow bool
}

// Status represents current rate limiter status.
type Status struct {
	Scope      string
	Available  int64
	Capacity   int64
	RefillRate int64
	Priority   string
	Weight     float64
}

// NewRateLimiter creates a new rate limiter instance.
func NewRateLimiter(logger *zap.Logger, config *Config) *RateLimiter {
	if config == nil {
		config = DefaultConfig()
	}
	return &RateLimiter{
		logger:   logger,
		config:   config,
		global:   rate.NewLimiter(rate.Limit(config.GlobalRatePerSecond), int(config.GlobalBurstSize)),
		tenants:  make(map[string]*tenantState),
		tenantCf: make(map[string]*TenantConfig),
	}
}

// Consume attempts to consume tokens from the rate limiter for scope at
// the given priority.
func (rl *RateLimiter) Consume(ctx context.Context, scope string, tokens int64, priority string) (*ConsumeResult, error) {
	cfg := rl.getTenantConfig(scope)
	weight := rl.getPriorityWeight(priority, cfg)
	adjusted := int64(math.Ceil(float64(tokens) / weight))

	state := rl.tenantState(scope, cfg)
	tenantResult := rl.reserve(state.limiter, adjusted, cfg.BurstSize, cfg.RatePerSecond)

	if !tenantResult.Allowed && !rl.config.DryRun {
		rl.recordMetrics(scope, priority, false, tokens)
		return tenantResult, nil
	}

	if !cfg.ExemptFromGlobal {
		globalResult := rl.reserve(rl.global, tokens, rl.config.GlobalBurstSize, rl.config.GlobalRatePerSecond)
		if !globalResult.Allowed && !rl.config.DryRun {
			rl.recordMetrics(scope, priority, false, tokens)
			return globalResult, nil
		}
		if globalResult.RetryAfter > tenantResult.RetryAfter {
			tenantResult.RetryAfter = globalResult.RetryAfter
		}
		if globalResult.Remaining < tenantResult.Remaining {
			tenantResult.Remaining = globalResult.Remaining
		}
	}

	rl.recordMetrics(scope, priority, tenantResult.Allowed, tokens)
	return tenantResult, nil
}

// reserve consumes n tokens from lim without blocking, reporting whether
// the request is allowed and how long a denied caller should wait.
func (rl *RateLimiter) reserve(lim *rate.Limiter, n, capacity, ratePerSec int64) *ConsumeResult {
	if n <= 0 {
		n = 1
	}
	r := lim.ReserveN(time.Now(), int(n))
	if !r.OK() {
		return &ConsumeResult{Allowed: rl.config.DryRun, Remaining: 0, RetryAfter: time.Second}
	}
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return &ConsumeResult{
			Allowed:    rl.config.DryRun,
			Remaining:  0,
			RetryAfter: delay,
			ResetAt:    time.Now().Add(delay),
		}
	}
	remaining := int64(lim.Tokens())
	return &ConsumeResult{
		Allowed:   true,
		Tokens:    n,
		Remaining: remaining,
		ResetAt:   time.Now().Add(time.Duration(float64(capacity-remaining)/float64(ratePerSec)) * time.Second),
	}
}

// Refill is a no-op under x/time/rate, whose limiter refills continuously
// on its own schedule; retained so callers written against the teacher's
// manual-refill API still compile, reporting the limiter's current tokens.
func (rl *RateLimiter) Refill(ctx context.Context, scope string, tokens int64) (int64, error) {
	cfg := rl.getTenantConfig(scope)
	state := rl.tenantState(scope, cfg)
	return int64(state.limiter.Tokens()), nil
}

// GetStatus returns the current status of a rate limiter scope.
func (rl *RateLimiter) GetStatus(ctx context.Context, scope string) (*Status, error) {
	cfg := rl.getTenantConfig(scope)
	state := rl.tenantState(scope, cfg)
	return &Status{
		Scope:      scope,
		Available:  int64(state.limiter.Tokens()),
		Capacity:   cfg.BurstSize,
		RefillRate: cfg.RatePerSecond,
		Priority:   cfg.Priority,
		Weight:     cfg.CustomWeight,
	}, nil
}

// UpdateConfig updates the configuration for a specific tenant, replacing
// its limiter so the new rate/burst take effect immediately.
func (rl *RateLimiter) UpdateConfig(tenantConfig *TenantConfig) error {
	if tenantConfig.RatePerSecond <= 0 || tenantConfig.BurstSize <= 0 {
		return fmt.Errorf("invalid rate limit configuration")
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tenantCf[tenantConfig.TenantID] = tenantConfig
	rl.tenants[tenantConfig.TenantID] = &tenantState{
		limiter: rate.NewLimiter(rate.Limit(tenantConfig.RatePerSecond), int(tenantConfig.BurstSize)),
		config:  tenantConfig,
	}

	rl.logger.Info("updated rate limit configuration",
		zap.String("tenant", tenantConfig.TenantID),
		zap.Int64("rate", tenantConfig.RatePerSecond),
		zap.Int64("burst", tenantConfig.BurstSize))
	return nil
}

// Reset clears the rate limit state for a scope, giving it a fresh bucket.
func (rl *RateLimiter) Reset(ctx context.Context, scope string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cfg, ok := rl.tenantCf[scope]
	if !ok {
		cfg = &TenantConfig{TenantID: scope, RatePerSecond: rl.config.DefaultRatePerSecond, BurstSize: rl.config.DefaultBurstSize}
	}
	rl.tenants[scope] = &tenantState{
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.BurstSize)),
		config:  cfg,
	}
	return nil
}

func (rl *RateLimiter) tenantState(scope string, cfg *TenantConfig) *tenantState {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if s, ok := rl.tenants[scope]; ok {
		return s
	}
	s := &tenantState{
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.BurstSize)),
		config:  cfg,
	}
	rl.tenants[scope] = s
	return s
}

func (rl *RateLimiter) getTenantConfig(scope string) *TenantConfig {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if cfg, ok := rl.tenantCf[scope]; ok {
		return cfg
	}
	return &TenantConfig{
		TenantID:      scope,
		RatePerSecond: rl.config.DefaultRatePerSecond,
		BurstSize:     rl.config.DefaultBurstSize,
		Priority:      "normal",
		Enabled:       true,
	}
}

func (rl *RateLimiter) getPriorityWeight(priority string, config *TenantConfig) float64 {
	if config.CustomWeight > 0 {
		return config.CustomWeight
	}
	if weight, ok := rl.config.PriorityWeights[priority]; ok {
		return weight
	}
	return 1.0
}

func (rl *RateLimiter) recordMetrics(scope, priority string, allowed bool, tokens int64) {
	status := "allowed"
	if !allowed {
		status = "denied"
	}
	rl.logger.Debug("rate limit decision",
		zap.String("scope", scope),
		zap.String("priority", priority),
		zap.String("status", status),
		zap.Int64("tokens", tokens))
}
