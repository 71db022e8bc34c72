package rate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	xrate "golang.org/x/time/rate"
)

// ErrRedisUnavailable wraps store failures surfaced by the admin helpers.
var ErrRedisUnavailable = errors.New("redis unavailable")

// KEYS: window, burst, adjustment, stats.
// ARGV: window ms, scaled cap, burst window ms, burst cap, stats window ms.
const checkScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local wttl = redis.call("PTTL", KEYS[1])

local burst_cap = tonumber(ARGV[4])
local bcount = 0
local bttl = 0
if burst_cap > 0 then
  bcount = redis.call("INCR", KEYS[2])
  if bcount == 1 then
    redis.call("PEXPIRE", KEYS[2], ARGV[3])
  end
  bttl = redis.call("PTTL", KEYS[2])
end

local mult = redis.call("HGET", KEYS[3], "multiplier")
local adjusted = 1
if not mult then
  mult = "1"
  adjusted = 0
end
local cap = math.floor(tonumber(ARGV[2]) * tonumber(mult))
if cap < 1 then
  cap = 1
end

local throttled = 0
if count > cap then
  throttled = 1
end
if burst_cap > 0 and bcount > burst_cap then
  throttled = throttled + 2
end

redis.call("HINCRBY", KEYS[4], "total", 1)
if throttled > 0 then
  redis.call("HINCRBY", KEYS[4], "throttled", 1)
end
if count == 1 then
  redis.call("HINCRBY", KEYS[4], "windows", 1)
end
if redis.call("PTTL", KEYS[4]) < 0 then
  redis.call("PEXPIRE", KEYS[4], ARGV[5])
end

return {count, wttl, bcount, bttl, cap, throttled, mult, adjusted}
`

var checkLua = redis.NewScript(checkScript)

const (
	throttledWindow = 1
	throttledBurst  = 2
)

// Decision is the outcome of one Check. It always carries quota header data.
type Decision struct {
	Allowed    bool
	Category   string
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Burst      bool
	Degraded   bool
	Multiplier float64
}

// Options configures a Limiter.
type Options struct {
	Prefix    string
	Timeout   time.Duration
	Logger    *slog.Logger
	OnDegrade func()
	Now       func() time.Time
}

// Limiter enforces a Policy against Redis counters.
type Limiter struct {
	redis     redis.UniversalClient
	prefix    string
	timeout   time.Duration
	policy    atomic.Pointer[Policy]
	logger    *slog.Logger
	logSample *xrate.Limiter
	onDegrade func()
	now       func() time.Time
}

// New creates a Limiter. The policy must already be valid.
func New(redisClient redis.UniversalClient, policy Policy, opts Options) *Limiter {
	if opts.Prefix == "" {
		opts.Prefix = "gk"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 50 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Limiter{
		redis:     redisClient,
		prefix:    opts.Prefix,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		logSample: xrate.NewLimiter(xrate.Every(time.Second), 5),
		onDegrade: opts.OnDegrade,
		now:       opts.Now,
	}
	l.policy.Store(&policy)
	return l
}

// SetPolicy swaps the active policy. Counters already in Redis keep their
// windows; new caps apply from the next check.
func (l *Limiter) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	l.policy.Store(&p)
	return nil
}

// Policy returns the active policy.
func (l *Limiter) Policy() Policy {
	return *l.policy.Load()
}

// The four keys of one counter share a hash tag so the check script stays
// on a single cluster slot.
func (l *Limiter) windowKey(category, key string) string {
	return l.prefix + ":rl:{" + category + ":" + key + "}"
}

func (l *Limiter) burstKey(category, key string) string {
	return l.prefix + ":rlb:{" + category + ":" + key + "}"
}

func (l *Limiter) statsKey(category, key string) string {
	return l.prefix + ":rls:{" + category + ":" + key + "}"
}

func (l *Limiter) adjustKey(category, key string) string {
	return l.prefix + ":rla:{" + category + ":" + key + "}"
}

// BaseLimit is the tier-scaled cap before adaptive adjustment.
func (l *Limiter) BaseLimit(category, tier string) int {
	p := l.policy.Load()
	rule, _ := p.rule(category)
	return scaledCap(rule.Limit, p.tierMultiplier(tier))
}

// Check counts one request for key in category and decides admission.
func (l *Limiter) Check(ctx context.Context, key, category, tier string) Decision {
	p := l.policy.Load()
	rule, category := p.rule(category)
	base := float64(rule.Limit) * p.tierMultiplier(tier)
	burstCap := 0
	if rule.BurstLimit > 0 {
		burstCap = scaledCap(rule.BurstLimit, p.tierMultiplier(tier))
	}
	statsWindow := p.Adaptive.StatsWindow
	if statsWindow <= 0 {
		statsWindow = time.Hour
	}

	now := l.now()
	opCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	raw, err := checkLua.Run(
		opCtx,
		l.redis,
		[]string{
			l.windowKey(category, key),
			l.burstKey(category, key),
			l.adjustKey(category, key),
			l.statsKey(category, key),
		},
		rule.Window.Milliseconds(),
		strconv.FormatFloat(base, 'f', -1, 64),
		rule.BurstWindow.Milliseconds(),
		burstCap,
		statsWindow.Milliseconds(),
	).Slice()
	if err != nil || len(raw) < 8 {
		return l.degraded(ctx, category, key, int(math.Max(1, math.Floor(base))), rule.Window, now, err)
	}

	count, _ := raw[0].(int64)
	wttl, _ := raw[1].(int64)
	bcount, _ := raw[2].(int64)
	bttl, _ := raw[3].(int64)
	limit, _ := raw[4].(int64)
	throttled, _ := raw[5].(int64)
	multStr, _ := raw[6].(string)
	adjusted, _ := raw[7].(int64)
	mult, perr := strconv.ParseFloat(multStr, 64)
	if perr != nil {
		mult = 1
	}
	if wttl < 0 {
		wttl = rule.Window.Milliseconds()
	}

	d := Decision{
		Allowed:    throttled == 0,
		Category:   category,
		Limit:      int(limit),
		Remaining:  clampRemaining(limit - count),
		ResetAt:    now.Add(time.Duration(wttl) * time.Millisecond),
		Multiplier: mult,
	}
	if burstCap > 0 {
		if left := clampRemaining(int64(burstCap) - bcount); left < d.Remaining {
			d.Remaining = left
		}
	}
	if throttled&throttledWindow != 0 {
		d.RetryAfter = time.Duration(wttl) * time.Millisecond
	}
	if throttled&throttledBurst != 0 {
		d.Burst = throttled == throttledBurst
		if burst := time.Duration(bttl) * time.Millisecond; burst > d.RetryAfter {
			d.RetryAfter = burst
		}
	}
	if !d.Allowed && d.RetryAfter < time.Second {
		d.RetryAfter = time.Second
	}

	if p.Adaptive.Enabled && adjusted == 0 && count == 1 {
		if _, err := l.recompute(opCtx, p, category, key, base); err != nil {
			l.warn(ctx, "rate adjustment recompute failed", "category", category, "error", err)
		}
	}
	return d
}

// Penalize adds n extra hits to the current window of key in category.
// Failed verifications use it so repeated failures throttle sooner.
func (l *Limiter) Penalize(ctx context.Context, key, category string, n int) error {
	if n <= 0 {
		return nil
	}
	p := l.policy.Load()
	rule, category := p.rule(category)
	wk := l.windowKey(category, key)

	opCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	count, err := l.redis.IncrBy(opCtx, wk, int64(n)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count == int64(n) {
		if err := l.redis.PExpire(opCtx, wk, rule.Window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return nil
}

// Reset clears the window and burst counters for key in category.
func (l *Limiter) Reset(ctx context.Context, key, category string) error {
	_, category = l.policy.Load().rule(category)
	if err := l.redis.Del(ctx, l.windowKey(category, key), l.burstKey(category, key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) degraded(ctx context.Context, category, key string, limit int, window time.Duration, now time.Time, err error) Decision {
	if l.onDegrade != nil {
		l.onDegrade()
	}
	l.warn(ctx, "rate limiter degraded, admitting request", "category", category, "key", key, "error", err)
	return Decision{
		Allowed:    true,
		Category:   category,
		Limit:      limit,
		Remaining:  limit,
		ResetAt:    now.Add(window),
		Degraded:   true,
		Multiplier: 1,
	}
}

func (l *Limiter) warn(ctx context.Context, msg string, args ...any) {
	if !l.logSample.Allow() {
		return
	}
	l.logger.WarnContext(ctx, msg, args...)
}

func scaledCap(limit int, tier float64) int {
	c := int(math.Floor(float64(limit) * tier))
	if c < 1 {
		return 1
	}
	return c
}

func clampRemaining(v int64) int {
	if v < 0 {
		return 0
	}
	return int(v)
}
