// Command gatekeeper-loadtest seeds refresh families in Redis and measures
// rate-check and refresh-rotation latency under concurrency.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/gatekeeper/internal/rate"
	"github.com/MrEthical07/gatekeeper/refresh"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type familyState struct {
	fid  string
	hash string
	gen  int
	mu   sync.Mutex
}

func main() {
	var (
		families    = flag.Int("families", 100000, "number of refresh families to seed")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 200000, "operations per phase (rate check + refresh)")
		keys        = flag.Int("keys", 10000, "distinct rate-limit keys")
		tier        = flag.String("tier", "free", "rate-limit tier")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "gklt", "key prefix")
	)
	flag.Parse()

	if *families <= 0 || *concurrency <= 0 || *ops <= 0 || *keys <= 0 {
		fmt.Fprintln(os.Stderr, "families, concurrency, ops, and keys must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	store := refresh.NewStore(client, *prefix, time.Hour)

	// The limiter must admit every request so the phase measures the
	// counting path rather than rejections.
	policy := rate.DefaultPolicy()
	policy.Adaptive.Enabled = false
	for name, rule := range policy.Rules {
		rule.Limit = *ops + 1
		rule.BurstLimit = 0
		policy.Rules[name] = rule
	}
	if err := policy.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid policy: %v\n", err)
		os.Exit(2)
	}
	limiter := rate.New(client, policy, rate.Options{Prefix: *prefix})

	states := make([]familyState, *families)
	fmt.Printf("seeding %d refresh families...\n", *families)
	startSeed := time.Now()
	for i := 0; i < *families; i++ {
		fid := fmt.Sprintf("fid-%d", i)
		h := hashFor(fid, 0)
		states[i] = familyState{fid: fid, hash: h}
		err := store.Create(ctx, refresh.Record{
			FamilyID:  fid,
			TokenHash: h,
			SessionID: fmt.Sprintf("sid-%d", i),
			UserID:    fmt.Sprintf("u-%d", i%1000),
			TenantID:  "t1",
			Roles:     []string{"member"},
			TTL:       24 * time.Hour,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create failed: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	rateStats := runRatePhase(ctx, limiter, *keys, *tier, *ops, *concurrency)
	refreshStats := runRefreshPhase(ctx, store, states, *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("rate_check", rateStats)
	printStats("refresh", refreshStats)
}

// runPhase spreads ops calls of op across concurrency workers and records
// the latency of each call. op reports whether the call counted as a
// failure.
func runPhase(ops, concurrency int, seed int64, op func(r *rand.Rand, i int) bool) phaseStats {
	var (
		wg       sync.WaitGroup
		cursor   atomic.Int64
		failures atomic.Int64
		perW     = make([][]time.Duration, concurrency)
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*seed))
			for {
				i := int(cursor.Add(1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				failed := op(r, i)
				perW[worker] = append(perW[worker], time.Since(t0))
				if failed {
					failures.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)

	latencies := make([]time.Duration, 0, ops)
	for _, l := range perW {
		latencies = append(latencies, l...)
	}
	return computeStats(total, latencies, failures.Load())
}

func runRatePhase(ctx context.Context, limiter *rate.Limiter, keys int, tier string, ops, concurrency int) phaseStats {
	return runPhase(ops, concurrency, 7919, func(r *rand.Rand, _ int) bool {
		n := r.Intn(keys)
		key := fmt.Sprintf("ip:10.%d.%d.%d", n>>16&0xff, n>>8&0xff, n&0xff)
		d := limiter.Check(ctx, key, rate.CategoryGeneral, tier)
		return !d.Allowed || d.Degraded
	})
}

// runRefreshPhase rotates random families. A per-family lock keeps each
// presented hash current, so any failure is a real store error.
func runRefreshPhase(ctx context.Context, store *refresh.Store, states []familyState, ops, concurrency int) phaseStats {
	return runPhase(ops, concurrency, 6151, func(r *rand.Rand, _ int) bool {
		state := &states[r.Intn(len(states))]
		state.mu.Lock()
		defer state.mu.Unlock()

		next := hashFor(state.fid, state.gen+1)
		if _, _, err := store.Rotate(ctx, state.fid, state.hash, next, time.Now()); err != nil {
			return true
		}
		state.hash = next
		state.gen++
		return false
	})
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

// hashFor derives a deterministic token hash for a family generation.
func hashFor(fid string, gen int) string {
	return fmt.Sprintf("%s:%08d", fid, gen)
}
