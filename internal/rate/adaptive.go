package rate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Adjustment is the time-boxed multiplier applied on top of a base cap.
type Adjustment struct {
	Multiplier float64
	ExpiresAt  time.Time
}

// Adjustment returns the active adjustment for key in category. A missing
// record yields multiplier 1 and a zero expiry.
func (l *Limiter) Adjustment(ctx context.Context, key, category string) (Adjustment, error) {
	_, category = l.policy.Load().rule(category)
	fields, err := l.redis.HGetAll(ctx, l.adjustKey(category, key)).Result()
	if err != nil {
		return Adjustment{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return Adjustment{Multiplier: 1}, nil
	}
	mult, err := strconv.ParseFloat(fields["multiplier"], 64)
	if err != nil {
		return Adjustment{Multiplier: 1}, nil
	}
	exp, _ := strconv.ParseInt(fields["expires_at"], 10, 64)
	return Adjustment{Multiplier: mult, ExpiresAt: time.UnixMilli(exp)}, nil
}

// Recompute evaluates trailing statistics for key in category and writes an
// adjustment when usage is sustained at either extreme. It is what Check runs
// lazily and what a background sweeper may call directly.
func (l *Limiter) Recompute(ctx context.Context, key, category, tier string) (Adjustment, error) {
	p := l.policy.Load()
	rule, category := p.rule(category)
	exists, err := l.redis.Exists(ctx, l.adjustKey(category, key)).Result()
	if err != nil {
		return Adjustment{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if exists > 0 {
		return l.Adjustment(ctx, key, category)
	}
	return l.recompute(ctx, p, category, key, float64(rule.Limit)*p.tierMultiplier(tier))
}

func (l *Limiter) recompute(ctx context.Context, p *Policy, category, key string, baseCap float64) (Adjustment, error) {
	a := p.Adaptive
	none := Adjustment{Multiplier: 1}
	if !a.Enabled {
		return none, nil
	}

	fields, err := l.redis.HGetAll(ctx, l.statsKey(category, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return none, nil
		}
		return none, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	total, _ := strconv.ParseFloat(fields["total"], 64)
	throttled, _ := strconv.ParseFloat(fields["throttled"], 64)
	windows, _ := strconv.ParseFloat(fields["windows"], 64)
	if total < float64(a.MinSamples) || windows < 1 {
		return none, nil
	}

	mult := decideMultiplier(a, total, throttled, windows, baseCap)
	if mult == 1 {
		return none, nil
	}

	adj := Adjustment{Multiplier: mult, ExpiresAt: l.now().Add(a.Duration)}
	ak := l.adjustKey(category, key)
	_, err = l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, ak,
			"multiplier", strconv.FormatFloat(mult, 'f', -1, 64),
			"expires_at", adj.ExpiresAt.UnixMilli(),
		)
		pipe.PExpire(ctx, ak, a.Duration)
		pipe.Del(ctx, l.statsKey(category, key))
		return nil
	})
	if err != nil {
		return none, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return adj, nil
}

// decideMultiplier maps trailing usage to a multiplier; 1 means no change.
func decideMultiplier(a Adaptive, total, throttled, windows, baseCap float64) float64 {
	ratio := throttled / total
	if ratio >= a.HighRatio {
		return a.DecreaseFactor
	}
	if throttled == 0 && baseCap > 0 && (total/windows)/baseCap <= a.LowUsage {
		return a.IncreaseFactor
	}
	return 1
}
