package gatekeeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrEthical07/gatekeeper/internal/rate"
)

// Rate limit categories.
const (
	CategoryAuth    = rate.CategoryAuth
	CategoryOTP     = rate.CategoryOTP
	CategoryUpload  = rate.CategoryUpload
	CategoryExport  = rate.CategoryExport
	CategoryPayment = rate.CategoryPayment
	CategoryGeneral = rate.CategoryGeneral
)

// RatePolicy is the limiter configuration swapped by UpdateRatePolicy.
type RatePolicy = rate.Policy

// CheckRate counts one request for key in category. It never fails: when
// the store is unreachable the request is admitted and Degraded is set.
func (e *Engine) CheckRate(ctx context.Context, key, category, tier string) RateDecision {
	if e == nil || e.limiter == nil {
		return RateDecision{Allowed: true, Degraded: true, Category: category}
	}
	if tier == "" {
		tier = e.config.Login.DefaultTier
	}

	var start time.Time
	if e.metrics.LatencyEnabled() {
		start = time.Now()
	}
	d := e.limiter.Check(ctx, key, category, tier)
	if !start.IsZero() {
		e.metrics.Observe(MetricRateCheckLatency, time.Since(start))
	}

	out := RateDecision{
		Allowed:    d.Allowed,
		Category:   d.Category,
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		ResetAt:    d.ResetAt,
		RetryAfter: d.RetryAfter,
		Degraded:   d.Degraded,
		Multiplier: d.Multiplier,
	}
	if !out.Allowed {
		e.emitRateLimit(ctx, out, key)
	}
	return out
}

// enforce is CheckRate returning a *RateLimitError on rejection.
func (e *Engine) enforce(ctx context.Context, key, category, tier string) error {
	d := e.CheckRate(ctx, key, category, tier)
	if d.Allowed {
		return nil
	}
	return &RateLimitError{Category: d.Category, RetryAfter: d.RetryAfter, Decision: d}
}

// penalize charges an extra hit to key after a failed verification.
func (e *Engine) penalize(ctx context.Context, key, category string) {
	if e == nil || e.limiter == nil {
		return
	}
	if err := e.limiter.Penalize(ctx, key, category, 1); err != nil {
		e.log(ctx).Warn("rate penalty not recorded", slog.String("category", category), slog.Any("err", err))
	}
}

// UpdateRatePolicy swaps the live policy after validating it. The base
// configuration used at Build is left untouched.
func (e *Engine) UpdateRatePolicy(p RatePolicy) error {
	if e == nil || e.limiter == nil {
		return ErrEngineNotReady
	}
	if err := e.limiter.SetPolicy(p.Clone()); err != nil {
		return err
	}
	e.logger.Info("rate policy updated", slog.Int("rules", len(p.Rules)))
	return nil
}

func (e *Engine) RatePolicy() RatePolicy {
	if e == nil || e.limiter == nil {
		return RatePolicy{}
	}
	return e.limiter.Policy().Clone()
}
