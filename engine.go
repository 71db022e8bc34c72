package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrEthical07/gatekeeper/csrf"
	"github.com/MrEthical07/gatekeeper/internal/audit"
	"github.com/MrEthical07/gatekeeper/internal/logx"
	"github.com/MrEthical07/gatekeeper/internal/rate"
	"github.com/MrEthical07/gatekeeper/internal/stores"
	"github.com/MrEthical07/gatekeeper/jwt"
	"github.com/MrEthical07/gatekeeper/refresh"
	"github.com/MrEthical07/gatekeeper/session"
	"github.com/redis/go-redis/v9"
)

// Engine is the admission core. It is safe for concurrent use; all shared
// state lives in Redis and the identity store.
type Engine struct {
	config Config
	redis  redis.UniversalClient

	jwt      *jwt.Manager
	refresh  *refresh.Store
	csrf     *csrf.Store
	sessions *session.Store
	otp      *stores.OTPChallengeStore
	mfaLogin *stores.MFALoginChallengeStore
	limiter  *rate.Limiter
	totp     *totpManager

	identities  IdentityStore
	credentials CredentialVerifier
	otpSender   OTPSender

	notifier *notificationQueue
	audit    *audit.Dispatcher
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Close drains the notification queue and the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.notifier.Close()
	e.audit.Close()
}

// Ping checks the shared store.
func (e *Engine) Ping(ctx context.Context) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.redis.Ping(sctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) NotificationsDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.notifier.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.Store.OpTimeout)
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	return logx.FromContext(ctx, e.logger)
}

var storeUnavailable = []error{
	refresh.ErrRedisUnavailable,
	csrf.ErrRedisUnavailable,
	session.ErrRedisUnavailable,
	stores.ErrOTPBackend,
	stores.ErrOTPContention,
	stores.ErrMFALoginChallengeBackend,
	context.DeadlineExceeded,
}

// storeError converts backend failures to ErrStoreUnavailable and leaves
// everything else alone.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range storeUnavailable {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return err
}
