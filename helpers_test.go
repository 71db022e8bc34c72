package gatekeeper

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeIdentities is an in-memory IdentityStore and CredentialVerifier.
type fakeIdentities struct {
	mu        sync.Mutex
	users     map[string]*Identity
	passwords map[string]string
	byIdent   map[string]string
	backup    map[string]map[string]bool
}

func newFakeIdentities() *fakeIdentities {
	return &fakeIdentities{
		users:     map[string]*Identity{},
		passwords: map[string]string{},
		byIdent:   map[string]string{},
		backup:    map[string]map[string]bool{},
	}
}

func (f *fakeIdentities) add(userID, identifier, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[userID] = &Identity{
		UserID:     userID,
		TenantID:   "t1",
		Identifier: identifier,
		Roles:      []string{"member"},
		MFA:        MFADisabled,
	}
	f.passwords[identifier] = password
	f.byIdent[identifier] = userID
}

func (f *fakeIdentities) VerifyCredentials(_ context.Context, identifier, password string) (*Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uid, ok := f.byIdent[identifier]
	if !ok || f.passwords[identifier] != password {
		return nil, ErrInvalidCredentials
	}
	cp := *f.users[uid]
	return &cp, nil
}

func (f *fakeIdentities) GetIdentity(_ context.Context, userID string) (*Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeIdentities) BeginTOTPSetup(_ context.Context, userID, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return ErrIdentityNotFound
	}
	u.PendingTOTPSecret = secret
	u.MFA = MFAPendingSetup
	return nil
}

func (f *fakeIdentities) EnableTOTP(_ context.Context, userID string, counter int64, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return ErrIdentityNotFound
	}
	u.TOTPSecret = u.PendingTOTPSecret
	u.PendingTOTPSecret = ""
	u.LastTOTPCounter = counter
	u.MFA = MFAEnabled
	f.setBackupLocked(userID, hashes)
	return nil
}

func (f *fakeIdentities) DisableMFA(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return ErrIdentityNotFound
	}
	u.MFA = MFADisabled
	u.TOTPSecret = ""
	u.PendingTOTPSecret = ""
	u.LastTOTPCounter = 0
	delete(f.backup, userID)
	return nil
}

func (f *fakeIdentities) AdvanceTOTPCounter(_ context.Context, userID string, counter int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return false, ErrIdentityNotFound
	}
	if counter <= u.LastTOTPCounter {
		return false, nil
	}
	u.LastTOTPCounter = counter
	return true, nil
}

func (f *fakeIdentities) ConsumeBackupCode(_ context.Context, userID, codeHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	codes := f.backup[userID]
	if !codes[codeHash] {
		return false, nil
	}
	delete(codes, codeHash)
	return true, nil
}

func (f *fakeIdentities) CountBackupCodes(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.backup[userID]), nil
}

func (f *fakeIdentities) ReplaceBackupCodes(_ context.Context, userID string, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setBackupLocked(userID, hashes)
	return nil
}

func (f *fakeIdentities) setBackupLocked(userID string, hashes []string) {
	set := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		set[h] = true
	}
	f.backup[userID] = set
}

// otpOutbox records every delivery. fail makes the next send error.
type otpOutbox struct {
	mu   sync.Mutex
	sent []OTPDelivery
	fail error
}

func (o *otpOutbox) SendOTP(_ context.Context, d OTPDelivery) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		err := o.fail
		o.fail = nil
		return err
	}
	o.sent = append(o.sent, d)
	return nil
}

func (o *otpOutbox) last(t *testing.T) OTPDelivery {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sent) == 0 {
		t.Fatal("no otp delivered")
	}
	return o.sent[len(o.sent)-1]
}

type notificationRecorder struct {
	ch chan SecurityNotification
}

func (n *notificationRecorder) NotifySecurityEvent(_ context.Context, sn SecurityNotification) error {
	n.ch <- sn
	return nil
}

type testHarness struct {
	engine     *Engine
	redis      *miniredis.Miniredis
	client     *redis.Client
	clock      *testClock
	identities *fakeIdentities
	outbox     *otpOutbox
	notes      *notificationRecorder
}

func newTestRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func testConfig(t testing.TB) Config {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Store.OpTimeout = 2 * time.Second
	cfg.Tokens.PrivateKey = priv
	cfg.Tokens.PublicKey = pub
	cfg.RateLimit.Adaptive.Enabled = false
	return cfg
}

func newHarness(t testing.TB, mutate func(*Config)) *testHarness {
	t.Helper()
	mr, rdb := newTestRedis(t)
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}

	h := &testHarness{
		redis:      mr,
		client:     rdb,
		clock:      &testClock{t: time.Now().Truncate(time.Second)},
		identities: newFakeIdentities(),
		outbox:     &otpOutbox{},
		notes:      &notificationRecorder{ch: make(chan SecurityNotification, 16)},
	}
	h.identities.add("u1", "alice@example.com", "correct horse")

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentityStore(h.identities).
		WithCredentialVerifier(h.identities).
		WithOTPSender(h.outbox).
		WithNotifier(h.notes).
		WithClock(h.clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	h.engine = engine
	return h
}

// advance moves the engine clock and Redis TTLs together.
func (h *testHarness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.redis.FastForward(d)
}

func (h *testHarness) login(t *testing.T) LoginResult {
	t.Helper()
	res, err := h.engine.Login(context.Background(), LoginRequest{
		Identifier: "alice@example.com",
		Password:   "correct horse",
		Device:     Device{Fingerprint: "fp-1", IP: "203.0.113.10", UserAgent: "test"},
	})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return res
}

// enableMFA runs setup for u1 and returns its secret and backup codes.
func (h *testHarness) enableMFA(t *testing.T) (string, []string) {
	t.Helper()
	ctx := context.Background()
	setup, err := h.engine.BeginMFASetup(ctx, "u1", "")
	if err != nil {
		t.Fatalf("BeginMFASetup failed: %v", err)
	}
	code := h.totpCode(t, setup.Secret, 0)
	codes, err := h.engine.CompleteMFASetup(ctx, "u1", code)
	if err != nil {
		t.Fatalf("CompleteMFASetup failed: %v", err)
	}
	return setup.Secret, codes
}

// totpCode returns the code for the step offset steps from the clock.
func (h *testHarness) totpCode(t *testing.T, secret string, steps int) string {
	t.Helper()
	code, err := h.engine.totp.Code(secret, h.clock.Now().Add(time.Duration(steps)*30*time.Second))
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	return code
}

func mustKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if got := KindOf(err); got != want {
		t.Fatalf("expected kind %q, got %q (err=%v)", want, got, err)
	}
}

func isRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
