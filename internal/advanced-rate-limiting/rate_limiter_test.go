// Copyright 2025 James Ross
package ratelimiting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testConfig() *Config {
	return &Config{
		GlobalRatePerSecond:  100,
		GlobalBurstSize:      200,
		DefaultRatePerSecond: 10,
		DefaultBurstSize:     20,
		PriorityWeights: map[string]float64{
			"high":   2.0,
			"normal": 1.0,
			"low":    0.5,
		},
		RefillInterval: 100 * time.Millisecond,
		KeyTTL:         time.Hour,
	}
}

func TestConsumeAllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(zap.NewNop(), testConfig())
	result, err := rl.Consume(context.Background(), "tenant-a", 5, "normal")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Fatalf("expected request within burst to be allowed")
	}
}

func TestConsumeDeniesBeyondBurst(t *testing.T) {
	rl := NewRateLimiter(zap.NewNop(), testConfig())
	ctx := context.Background()
	if _, err := rl.Consume(ctx, "tenant-b", 20, "normal"); err != nil {
		t.Fatal(err)
	}
	result, err := rl.Consume(ctx, "tenant-b", 5, "normal")
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed {
		t.Fatalf("expected request beyond burst to be denied")
	}
	if result.RetryAfter <= 0 {
		t.Fatalf("expected a positive retry-after for a denied request")
	}
}

func TestPriorityWeightReducesEffectiveCost(t *testing.T) {
	rl := NewRateLimiter(zap.NewNop(), testConfig())
	ctx := context.Background()

	// High priority (weight 2.0): 20 requested tokens cost 10 actual.
	result, err := rl.Consume(ctx, "tenant-high", 20, "high")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Fatalf("expected high priority request to fit within burst after weighting")
	}
}

func TestGlobalLimitCapsAcrossTenants(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalBurstSize = 30
	cfg.DefaultBurstSize = 1000
	rl := NewRateLimiter(zap.NewNop(), cfg)
	ctx := context.Background()

	var allowed int64
	for i := 0; i < 10; i++ {
		tenant := fmt.Sprintf("tenant-%d", i)
		result, err := rl.Consume(ctx, tenant, 5, "normal")
		if err != nil {
			t.Fatal(err)
		}
		if result.Allowed {
			allowed += 5
		}
	}
	if allowed > cfg.GlobalBurstSize {
		t.Fatalf("expected global bucket to cap total consumption at %d, got %d", cfg.GlobalBurstSize, allowed)
	}
}

func TestDryRunAlwaysAllowsButReportsWouldDeny(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	rl := NewRateLimiter(zap.NewNop(), cfg)

	result, err := rl.Consume(context.Background(), "tenant-dry", 1000, "normal")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Fatalf("expected dry-run mode to always allow")
	}
}

func TestResetRestoresFullBurst(t *testing.T) {
	rl := NewRateLimiter(zap.NewNop(), testConfig())
	ctx := context.Background()

	if _, err := rl.Consume(ctx, "tenant-reset", 20, "normal"); err != nil {
		t.Fatal(err)
	}
	if err := rl.Reset(ctx, "tenant-reset"); err != nil {
		t.Fatal(err)
	}
	result, err := rl.Consume(ctx, "tenant-reset", 20, "normal")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Fatalf("expected full burst to be available after reset")
	}
}

func TestConcurrentConsumeRespectsBurst(t *testing.T) {
	rl := NewRateLimiter(zap.NewNop(), testConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	var allowed, denied int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := rl.Consume(ctx, "tenant-concurrent", 1, "normal")
			if err != nil {
				return
			}
			if result.Allowed {
				atomic.AddInt32(&allowed, 1)
			} else {
				atomic.AddInt32(&denied, 1)
			}
		}()
	}
	wg.Wait()

	if allowed > 20 {
		t.Fatalf("expected at most burst size (20) requests allowed, got %d", allowed)
	}
	if allowed+denied != 50 {
		t.Fatalf("expected every request to resolve to allowed or denied, got %d", allowed+denied)
	}
}

func TestUpdateConfigAppliesNewLimits(t *testing.T) {
	rl := NewRateLimiter(zap.NewNop(), testConfig())
	if err := rl.UpdateConfig(&TenantConfig{TenantID: "tenant-custom", RatePerSecond: 5, BurstSize: 5, Priority: "normal"}); err != nil {
		t.Fatal(err)
	}
	result, err := rl.Consume(context.Background(), "tenant-custom", 5, "normal")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Fatalf("expected request matching new burst size to be allowed")
	}
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	rl := NewRateLimiter(zap.NewNop(), testConfig())
	if err := rl.UpdateConfig(&TenantConfig{TenantID: "bad", RatePerSecond: 0, BurstSize: 0}); err == nil {
		t.Fatalf("expected error for non-positive rate/burst")
	}
}

func BenchmarkRateLimiterConsume(b *testing.B) {
	rl := NewRateLimiter(zap.NewNop(), testConfig())
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Consume(ctx, "bench-tenant", 1, "normal")
	}
}
