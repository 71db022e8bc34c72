package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the access token signature algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

const (
	defaultMaxFutureIAT = 10 * time.Minute
	maxLeeway           = 2 * time.Minute
	minHMACKeyBytes     = 32
)

var (
	// ErrExpired is returned for tokens whose exp has passed (after leeway).
	ErrExpired = errors.New("access token expired")
	// ErrInvalid covers bad signatures, algorithms, kids, issuers and audiences.
	ErrInvalid = errors.New("access token invalid")
	// ErrSchema is returned when a verified token lacks a required claim.
	ErrSchema = errors.New("access token claims incomplete")
)

// Config is validated by NewManager and not mutated afterwards.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	// PrivateKey is the HMAC secret for hs256, or a raw or PEM ed25519 key.
	PrivateKey   []byte
	PublicKey    []byte
	Issuer       string
	Audience     string
	Leeway       time.Duration
	MaxFutureIAT time.Duration
	KeyID        string
	// VerifyKeys holds additional verification keys by kid, used during
	// key rotation. When set, every token must carry a known kid.
	VerifyKeys map[string][]byte
	Now        func() time.Time
}

// Claims is the fixed access token payload. Subject, TenantID, SessionID,
// FamilyID, IssuedAt and ExpiresAt are all required on parse.
type Claims struct {
	TenantID  string   `json:"tid"`
	Roles     []string `json:"roles,omitempty"`
	SessionID string   `json:"sid"`
	FamilyID  string   `json:"fid"`
	jwt.RegisteredClaims
}

func (c *Claims) complete() bool {
	return c.Subject != "" && c.TenantID != "" && c.SessionID != "" && c.FamilyID != ""
}

// Subject is what Mint needs to know about the caller.
type Subject struct {
	UserID    string
	TenantID  string
	Roles     []string
	SessionID string
	FamilyID  string
}

func (s Subject) complete() bool {
	return s.UserID != "" && s.TenantID != "" && s.SessionID != "" && s.FamilyID != ""
}

// Manager mints and verifies access tokens. Keys are decoded once at
// construction; Parse only reads immutable state.
type Manager struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	// byKid is non-nil when tokens must name their key.
	byKid    map[string]any
	kid      string
	ttl      time.Duration
	leeway   time.Duration
	maxIAT   time.Duration
	issuer   string
	audience string
	now      func() time.Time
	parser   *jwt.Parser
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > maxLeeway {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = defaultMaxFutureIAT
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager{
		kid:      strings.TrimSpace(cfg.KeyID),
		ttl:      cfg.AccessTTL,
		leeway:   cfg.Leeway,
		maxIAT:   cfg.MaxFutureIAT,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      cfg.Now,
	}
	if err := m.loadKeys(cfg); err != nil {
		return nil, err
	}
	if m.kid != "" && m.byKid != nil {
		if _, ok := m.byKid[m.kid]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}
	m.parser = m.newParser()
	return m, nil
}

func (m *Manager) loadKeys(cfg Config) error {
	var decode func([]byte) (any, error)
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < minHMACKeyBytes {
			return fmt.Errorf("hs256 requires a key of at least %d bytes", minHMACKeyBytes)
		}
		m.method = jwt.SigningMethodHS256
		m.signKey, m.verifyKey = cfg.PrivateKey, cfg.PrivateKey
		decode = func(b []byte) (any, error) { return b, nil }
	case MethodEd25519:
		m.method = jwt.SigningMethodEdDSA
		if len(cfg.PrivateKey) > 0 {
			priv, err := parseEdPrivateKey(cfg.PrivateKey)
			if err != nil {
				return err
			}
			m.signKey = priv
		}
		if len(cfg.PublicKey) > 0 {
			pub, err := parseEdPublicKey(cfg.PublicKey)
			if err != nil {
				return err
			}
			m.verifyKey = pub
		}
		if len(cfg.VerifyKeys) == 0 && m.verifyKey == nil {
			return errors.New("ed25519 requires public key or verify key set")
		}
		decode = func(b []byte) (any, error) { return parseEdPublicKey(b) }
	default:
		return errors.New("unsupported signing method")
	}

	if len(cfg.VerifyKeys) == 0 {
		return nil
	}
	m.byKid = make(map[string]any, len(cfg.VerifyKeys))
	for kid, raw := range cfg.VerifyKeys {
		if strings.TrimSpace(kid) == "" {
			return errors.New("verify key map contains empty kid")
		}
		key, err := decode(raw)
		if err != nil {
			return fmt.Errorf("invalid verify key for kid %q: %w", kid, err)
		}
		m.byKid[kid] = key
	}
	return nil
}

func (m *Manager) newParser() *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(m.leeway))
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	return jwt.NewParser(opts...)
}

// TTL is the configured access token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Mint signs an access token for sub and returns it with its expiry.
func (m *Manager) Mint(sub Subject) (string, time.Time, error) {
	if !sub.complete() {
		return "", time.Time{}, ErrSchema
	}
	if m.signKey == nil {
		return "", time.Time{}, errors.New("manager has no signing key")
	}

	now := m.now()
	exp := now.Add(m.ttl)
	claims := Claims{
		TenantID:  sub.TenantID,
		Roles:     sub.Roles,
		SessionID: sub.SessionID,
		FamilyID:  sub.FamilyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.UserID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}

	token := jwt.NewWithClaims(m.method, claims)
	if m.kid != "" {
		token.Header["kid"] = m.kid
	}
	signed, err := token.SignedString(m.signKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse verifies signature, expiry, issuer, audience and claim schema. It
// never touches shared state.
func (m *Manager) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := m.parser.ParseWithClaims(tokenStr, claims, m.keyFor)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	case !token.Valid:
		return nil, ErrInvalid
	}

	if claims.IssuedAt == nil || claims.IssuedAt.After(m.now().Add(m.maxIAT)) {
		return nil, fmt.Errorf("%w: iat too far in the future", ErrInvalid)
	}
	if !claims.complete() {
		return nil, ErrSchema
	}
	return claims, nil
}

// keyFor picks the verification key from the token's kid header.
func (m *Manager) keyFor(t *jwt.Token) (any, error) {
	if t.Method.Alg() != m.method.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}
	kid, _ := t.Header["kid"].(string)

	if m.byKid != nil {
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := m.byKid[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return key, nil
	}
	if m.kid != "" && kid != m.kid {
		return nil, errors.New("unknown kid")
	}
	if m.verifyKey == nil {
		return nil, errors.New("manager has no verification key")
	}
	return m.verifyKey, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
