package gatekeeper

import (
	"errors"
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

// Builder assembles an Engine. It can be used once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	identities  IdentityStore
	credentials CredentialVerifier
	otpSender   OTPSender
	notifier    SecurityNotifier
	auditSink   AuditSink
	logger      *slog.Logger
	now         func() time.Time

	built bool
}

func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the shared state store. Cluster and sentinel clients work
// as long as every key of one store operation hashes to the same slot.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithIdentityStore(s IdentityStore) *Builder {
	b.identities = s
	return b
}

func (b *Builder) WithCredentialVerifier(v CredentialVerifier) *Builder {
	b.credentials = v
	return b
}

func (b *Builder) WithOTPSender(s OTPSender) *Builder {
	b.otpSender = s
	return b
}

func (b *Builder) WithNotifier(n SecurityNotifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock replaces time.Now for every expiry decision the engine makes.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.identities == nil {
		return nil, errors.New("identity store required")
	}
	if b.credentials == nil {
		return nil, errors.New("credential verifier required")
	}
	if b.otpSender == nil {
		return nil, errors.New("otp sender required")
	}

	logger := b.logger
	if logger == nil {
		logger = logx.Discard()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	engine := &Engine{
		config:      cfg,
		redis:       b.redis,
		identities:  b.identities,
		credentials: b.credentials,
		otpSender:   b.otpSender,
		logger:      logger,
		now:         now,
	}
	engine.metrics = NewMetrics(cfg.Metrics)

	prefix := cfg.Store.Prefix

	// -------- TOKENS --------
	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.Tokens.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.Tokens.SigningMethod),
		PrivateKey:    cloneBytes(cfg.Tokens.PrivateKey),
		PublicKey:     cloneBytes(cfg.Tokens.PublicKey),
		Issuer:        cfg.Tokens.Issuer,
		Audience:      cfg.Tokens.Audience,
		Leeway:        cfg.Tokens.Leeway,
		KeyID:         cfg.Tokens.KeyID,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}
	engine.jwt = jm
	engine.refresh = refresh.NewStore(b.redis, prefix, cfg.Tokens.ReuseRetention)

	// -------- CSRF --------
	engine.csrf = csrf.NewStore(b.redis, prefix, cfg.CSRF.TTL)

	// -------- SESSIONS --------
	engine.sessions = session.NewStore(b.redis, session.Options{
		Prefix:     prefix,
		IdleTTL:    cfg.Sessions.IdleTTL,
		HistoryTTL: cfg.Sessions.HistoryTTL,
		GeoWindow:  cfg.Sessions.GeoJumpWindow,
	})

	// -------- CHALLENGES --------
	engine.otp = stores.NewOTPChallengeStore(b.redis, prefix, cfg.OTP.Grace)
	engine.mfaLogin = stores.NewMFALoginChallengeStore(b.redis, prefix)
	engine.totp = newTOTPManager(cfg.MFA)

	// -------- RATE LIMITS --------
	engine.limiter = rate.New(b.redis, cfg.RateLimit, rate.Options{
		Prefix:  prefix,
		Timeout: cfg.Store.OpTimeout,
		Logger:  logger,
		OnDegrade: func() {
			engine.metricInc(MetricRateLimitDegraded)
		},
		Now: now,
	})

	// -------- BACKGROUND --------
	engine.notifier = newNotificationQueue(cfg.Notifier, b.notifier, logger, engine.metrics)
	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
		Logger:     logger,
	}, b.auditSink)

	b.built = true

	return engine, nil
}
