package gatekeeper

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/gatekeeper/internal/rate"
	"github.com/MrEthical07/gatekeeper/session"
)

// Config is the full engine configuration. Start from DefaultConfig and
// override; Build validates it.
type Config struct {
	Store     StoreConfig    `toml:"store"`
	Tokens    TokenConfig    `toml:"tokens"`
	CSRF      CSRFConfig     `toml:"csrf"`
	MFA       MFAConfig      `toml:"mfa"`
	OTP       OTPConfig      `toml:"otp"`
	Sessions  SessionConfig  `toml:"sessions"`
	RateLimit rate.Policy    `toml:"rate_limit"`
	Audit     AuditConfig    `toml:"audit"`
	Metrics   MetricsConfig  `toml:"metrics"`
	Notifier  NotifierConfig `toml:"notifier"`
	Login     LoginConfig    `toml:"login"`
}

/*
====================================
STORE CONFIG
====================================
*/

type StoreConfig struct {
	Prefix string `toml:"prefix"`
	// OpTimeout bounds every individual store call.
	OpTimeout time.Duration `toml:"op_timeout"`
}

/*
====================================
TOKEN CONFIG
====================================
*/

type TokenConfig struct {
	AccessTTL            time.Duration `toml:"access_ttl"`
	RefreshTTL           time.Duration `toml:"refresh_ttl"`
	RememberMeRefreshTTL time.Duration `toml:"remember_me_refresh_ttl"`
	// ReuseRetention is how long superseded refresh hashes are kept for
	// reuse detection.
	ReuseRetention time.Duration `toml:"reuse_retention"`

	SigningMethod string        `toml:"signing_method"` // "ed25519" (default) or "hs256"
	PrivateKey    []byte        `toml:"-"`
	PublicKey     []byte        `toml:"-"`
	KeyID         string        `toml:"key_id"`
	Issuer        string        `toml:"issuer"`
	Audience      string        `toml:"audience"`
	Leeway        time.Duration `toml:"leeway"`
}

/*
====================================
CSRF CONFIG
====================================
*/

type CSRFConfig struct {
	TTL        time.Duration `toml:"ttl"`
	CookieName string        `toml:"cookie_name"`
	HeaderName string        `toml:"header_name"`
	// ExemptPaths bypass verification, e.g. login and public webhooks. A
	// trailing "*" matches by prefix.
	ExemptPaths []string `toml:"exempt_paths"`
}

/*
====================================
MFA CONFIG
====================================
*/

type MFAConfig struct {
	Issuer    string `toml:"issuer"`
	Digits    int    `toml:"digits"`
	Period    int    `toml:"period"`
	Skew      uint   `toml:"skew"`
	Algorithm string `toml:"algorithm"`

	BackupCodeCount  int `toml:"backup_code_count"`
	BackupCodeLength int `toml:"backup_code_length"`

	LoginChallengeTTL time.Duration `toml:"login_challenge_ttl"`
	LoginMaxAttempts  int           `toml:"login_max_attempts"`
}

/*
====================================
OTP CONFIG
====================================
*/

type OTPConfig struct {
	Digits      int           `toml:"digits"`
	TTL         time.Duration `toml:"ttl"`
	Grace       time.Duration `toml:"grace"`
	MaxAttempts int           `toml:"max_attempts"`
	Cooldown    time.Duration `toml:"cooldown"`
	// Purposes restricts accepted purposes; empty accepts any non-empty one.
	Purposes []string `toml:"purposes"`
}

/*
====================================
SESSION CONFIG
====================================
*/

type SessionConfig struct {
	IdleTTL       time.Duration          `toml:"idle_ttl"`
	MaxPerUser    int                    `toml:"max_per_user"`
	Overflow      session.OverflowPolicy `toml:"overflow"`
	HistoryTTL    time.Duration          `toml:"history_ttl"`
	GeoJumpWindow time.Duration          `toml:"geo_jump_window"`
}

/*
====================================
OBSERVABILITY CONFIG
====================================
*/

type AuditConfig struct {
	Enabled    bool `toml:"enabled"`
	BufferSize int  `toml:"buffer_size"`
	DropIfFull bool `toml:"drop_if_full"`
}

type MetricsConfig struct {
	Enabled                 bool `toml:"enabled"`
	EnableLatencyHistograms bool `toml:"enable_latency_histograms"`
}

type NotifierConfig struct {
	BufferSize int           `toml:"buffer_size"`
	Timeout    time.Duration `toml:"timeout"`
}

type LoginConfig struct {
	// DefaultTier applies when a request names none.
	DefaultTier string `toml:"default_tier"`
}

// DefaultConfig returns production defaults. Signing keys are left empty
// and must be supplied.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			Prefix:    "gk",
			OpTimeout: 100 * time.Millisecond,
		},
		Tokens: TokenConfig{
			AccessTTL:            15 * time.Minute,
			RefreshTTL:           7 * 24 * time.Hour,
			RememberMeRefreshTTL: 30 * 24 * time.Hour,
			ReuseRetention:       30 * 24 * time.Hour,
			SigningMethod:        "ed25519",
			Issuer:               "gatekeeper",
			Leeway:               30 * time.Second,
		},
		CSRF: CSRFConfig{
			TTL:         12 * time.Hour,
			CookieName:  "csrf_token",
			HeaderName:  "X-CSRF-Token",
			ExemptPaths: []string{"/v1/auth/login", "/v1/auth/login/mfa", "/v1/auth/refresh", "/v1/otp/*", "/v1/webhooks/*"},
		},
		MFA: MFAConfig{
			Issuer:            "gatekeeper",
			Digits:            6,
			Period:            30,
			Skew:              1,
			Algorithm:         "SHA1",
			BackupCodeCount:   10,
			BackupCodeLength:  10,
			LoginChallengeTTL: 5 * time.Minute,
			LoginMaxAttempts:  5,
		},
		OTP: OTPConfig{
			Digits:      6,
			TTL:         300 * time.Second,
			Grace:       10 * time.Minute,
			MaxAttempts: 3,
			Cooldown:    60 * time.Second,
		},
		Sessions: SessionConfig{
			IdleTTL:       7 * 24 * time.Hour,
			MaxPerUser:    10,
			Overflow:      session.OverflowEvictOldest,
			HistoryTTL:    90 * 24 * time.Hour,
			GeoJumpWindow: 6 * time.Hour,
		},
		RateLimit: rate.DefaultPolicy(),
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Notifier: NotifierConfig{
			BufferSize: 256,
			Timeout:    5 * time.Second,
		},
		Login: LoginConfig{
			DefaultTier: "free",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Tokens.PrivateKey = cloneBytes(cfg.Tokens.PrivateKey)
	out.Tokens.PublicKey = cloneBytes(cfg.Tokens.PublicKey)
	out.CSRF.ExemptPaths = append([]string(nil), cfg.CSRF.ExemptPaths...)
	out.OTP.Purposes = append([]string(nil), cfg.OTP.Purposes...)
	out.RateLimit = cfg.RateLimit.Clone()
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// Store
	if strings.TrimSpace(c.Store.Prefix) == "" {
		return errors.New("Store Prefix must not be empty")
	}
	if c.Store.OpTimeout <= 0 {
		return errors.New("Store OpTimeout must be > 0")
	}

	// Tokens
	if c.Tokens.AccessTTL <= 0 {
		return errors.New("Tokens AccessTTL must be > 0")
	}
	if c.Tokens.RefreshTTL <= c.Tokens.AccessTTL {
		return errors.New("Tokens RefreshTTL must be > AccessTTL")
	}
	if c.Tokens.RememberMeRefreshTTL < c.Tokens.RefreshTTL {
		return errors.New("Tokens RememberMeRefreshTTL must be >= RefreshTTL")
	}
	if c.Tokens.ReuseRetention <= 0 {
		return errors.New("Tokens ReuseRetention must be > 0")
	}
	switch c.Tokens.SigningMethod {
	case "ed25519":
		if len(c.Tokens.PrivateKey) == 0 || len(c.Tokens.PublicKey) == 0 {
			return errors.New("ed25519 requires PrivateKey and PublicKey")
		}
	case "hs256":
		if len(c.Tokens.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	default:
		return errors.New("unsupported Tokens SigningMethod")
	}

	// CSRF
	if c.CSRF.TTL <= 0 {
		return errors.New("CSRF TTL must be > 0")
	}
	if c.CSRF.CookieName == "" || c.CSRF.HeaderName == "" {
		return errors.New("CSRF CookieName and HeaderName are required")
	}

	// MFA
	if c.MFA.Digits != 6 && c.MFA.Digits != 8 {
		return errors.New("MFA Digits must be 6 or 8")
	}
	if c.MFA.Period <= 0 {
		return errors.New("MFA Period must be > 0")
	}
	if c.MFA.Skew > 2 {
		return errors.New("MFA Skew must be <= 2")
	}
	switch strings.ToUpper(c.MFA.Algorithm) {
	case "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("MFA Algorithm must be SHA1, SHA256 or SHA512")
	}
	if c.MFA.BackupCodeCount <= 0 || c.MFA.BackupCodeCount > 50 {
		return errors.New("MFA BackupCodeCount must be between 1 and 50")
	}
	if c.MFA.BackupCodeLength < 8 || c.MFA.BackupCodeLength > 32 {
		return errors.New("MFA BackupCodeLength must be between 8 and 32")
	}
	if c.MFA.LoginChallengeTTL <= 0 {
		return errors.New("MFA LoginChallengeTTL must be > 0")
	}
	if c.MFA.LoginMaxAttempts <= 0 {
		return errors.New("MFA LoginMaxAttempts must be > 0")
	}

	// OTP
	if c.OTP.Digits < 6 || c.OTP.Digits > 10 {
		return errors.New("OTP Digits must be between 6 and 10")
	}
	if c.OTP.TTL <= 0 {
		return errors.New("OTP TTL must be > 0")
	}
	if c.OTP.Grace < 0 {
		return errors.New("OTP Grace must be >= 0")
	}
	if c.OTP.MaxAttempts <= 0 || c.OTP.MaxAttempts > 10 {
		return errors.New("OTP MaxAttempts must be between 1 and 10")
	}
	if c.OTP.Cooldown < 0 {
		return errors.New("OTP Cooldown must be >= 0")
	}

	// Sessions
	if c.Sessions.IdleTTL <= 0 {
		return errors.New("Sessions IdleTTL must be > 0")
	}
	if c.Sessions.MaxPerUser < 0 {
		return errors.New("Sessions MaxPerUser must be >= 0")
	}
	switch c.Sessions.Overflow {
	case session.OverflowEvictOldest, session.OverflowReject:
	default:
		return fmt.Errorf("Sessions Overflow %q is invalid", c.Sessions.Overflow)
	}

	// Rate limit
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("RateLimit: %w", err)
	}

	// Observability
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}
	if c.Notifier.BufferSize <= 0 {
		return errors.New("Notifier BufferSize must be > 0")
	}
	if c.Notifier.Timeout <= 0 {
		return errors.New("Notifier Timeout must be > 0")
	}

	return nil
}
