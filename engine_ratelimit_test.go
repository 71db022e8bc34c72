package gatekeeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrEthical07/gatekeeper/internal/rate"
)

func smallPolicy(limit int) rate.Policy {
	p := rate.DefaultPolicy()
	p.Adaptive.Enabled = false
	p.Rules[CategoryGeneral] = rate.Rule{Window: time.Minute, Limit: limit}
	p.Rules[CategoryAuth] = rate.Rule{Window: time.Minute, Limit: limit}
	return p
}

func TestRateLimitBoundaryAndRecovery(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.RateLimit = smallPolicy(3)
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := h.engine.CheckRate(ctx, "client-1", CategoryGeneral, "free")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if d.Limit != 3 || d.Remaining != 2-i {
			t.Fatalf("request %d: unexpected quota %+v", i+1, d)
		}
	}

	d := h.engine.CheckRate(ctx, "client-1", CategoryGeneral, "free")
	if d.Allowed {
		t.Fatal("request N+1 should be rejected")
	}
	if d.Remaining != 0 || d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("unexpected rejection %+v", d)
	}

	// other keys are unaffected
	if !h.engine.CheckRate(ctx, "client-2", CategoryGeneral, "free").Allowed {
		t.Fatal("independent key should be allowed")
	}

	h.advance(61 * time.Second)
	if !h.engine.CheckRate(ctx, "client-1", CategoryGeneral, "free").Allowed {
		t.Fatal("expected recovery after the window")
	}
	if got := h.engine.MetricsSnapshot().Counters[MetricRateLimitHit]; got != 1 {
		t.Fatalf("expected 1 rate limit hit, got %d", got)
	}
}

func TestRateLimitTierScalesQuota(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.RateLimit = smallPolicy(2)
	})
	ctx := context.Background()

	d := h.engine.CheckRate(ctx, "tenant-a", CategoryGeneral, "pro")
	if d.Limit != 6 {
		t.Fatalf("expected pro limit 6, got %d", d.Limit)
	}
	d = h.engine.CheckRate(ctx, "tenant-b", CategoryGeneral, "")
	if d.Limit != 2 {
		t.Fatalf("expected default tier limit 2, got %d", d.Limit)
	}
	d = h.engine.CheckRate(ctx, "tenant-c", "unknown-category", "free")
	if d.Category != CategoryGeneral {
		t.Fatalf("expected fallback to general, got %q", d.Category)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.redis.SetError("ERR injected failure")
	d := h.engine.CheckRate(ctx, "client-1", CategoryGeneral, "free")
	h.redis.SetError("")

	if !d.Allowed || !d.Degraded {
		t.Fatalf("expected degraded admission, got %+v", d)
	}
	if got := h.engine.MetricsSnapshot().Counters[MetricRateLimitDegraded]; got != 1 {
		t.Fatalf("expected degraded metric, got %d", got)
	}
}

func TestFailedLoginsThrottleSooner(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.RateLimit = smallPolicy(4)
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.engine.Login(ctx, LoginRequest{Identifier: "alice@example.com", Password: "wrong"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	_, err := h.engine.Login(ctx, LoginRequest{Identifier: "alice@example.com", Password: "correct horse"})
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected *RateLimitError, got %v", err)
	}
	if rl.Category != CategoryAuth || rl.RetryAfter <= 0 {
		t.Fatalf("unexpected error %+v", rl)
	}
	if HTTPStatus(KindOf(err)) != 429 {
		t.Fatalf("expected 429, got %d", HTTPStatus(KindOf(err)))
	}
}

func TestUpdateRatePolicy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	bad := smallPolicy(1)
	delete(bad.Rules, CategoryGeneral)
	if err := h.engine.UpdateRatePolicy(bad); err == nil {
		t.Fatal("expected invalid policy rejected")
	}

	if err := h.engine.UpdateRatePolicy(smallPolicy(1)); err != nil {
		t.Fatalf("UpdateRatePolicy failed: %v", err)
	}
	if !h.engine.CheckRate(ctx, "k", CategoryGeneral, "free").Allowed {
		t.Fatal("first request should pass")
	}
	if h.engine.CheckRate(ctx, "k", CategoryGeneral, "free").Allowed {
		t.Fatal("second request should hit the new limit")
	}

	p := h.engine.RatePolicy()
	p.Rules[CategoryGeneral] = rate.Rule{Window: time.Minute, Limit: 100}
	if h.engine.RatePolicy().Rules[CategoryGeneral].Limit != 1 {
		t.Fatal("RatePolicy must return a copy")
	}
}
