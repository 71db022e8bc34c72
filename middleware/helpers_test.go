package middleware

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/MrEthical07/gatekeeper"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// stubIdentities knows one password user without MFA.
type stubIdentities struct{}

func (stubIdentities) VerifyCredentials(_ context.Context, identifier, password string) (*gatekeeper.Identity, error) {
	if identifier != "alice@example.com" || password != "pw" {
		return nil, gatekeeper.ErrInvalidCredentials
	}
	return &gatekeeper.Identity{UserID: "u1", TenantID: "t1", Identifier: identifier, MFA: gatekeeper.MFADisabled}, nil
}

func (stubIdentities) GetIdentity(context.Context, string) (*gatekeeper.Identity, error) {
	return &gatekeeper.Identity{UserID: "u1", TenantID: "t1", Identifier: "alice@example.com", MFA: gatekeeper.MFADisabled}, nil
}
func (stubIdentities) BeginTOTPSetup(context.Context, string, string) error { return nil }
func (stubIdentities) EnableTOTP(context.Context, string, int64, []string) error {
	return nil
}
func (stubIdentities) DisableMFA(context.Context, string) error { return nil }
func (stubIdentities) AdvanceTOTPCounter(context.Context, string, int64) (bool, error) {
	return false, nil
}
func (stubIdentities) ConsumeBackupCode(context.Context, string, string) (bool, error) {
	return false, nil
}
func (stubIdentities) CountBackupCodes(context.Context, string) (int, error) { return 0, nil }
func (stubIdentities) ReplaceBackupCodes(context.Context, string, []string) error {
	return nil
}

type nopSender struct{}

func (nopSender) SendOTP(context.Context, gatekeeper.OTPDelivery) error { return nil }

func newTestEngine(t *testing.T, mutate func(*gatekeeper.Config)) (*gatekeeper.Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cfg := gatekeeper.DefaultConfig()
	cfg.Tokens.PrivateKey = priv
	cfg.Tokens.PublicKey = pub
	cfg.Store.OpTimeout = 2 * time.Second
	cfg.RateLimit.Adaptive.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := gatekeeper.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentityStore(stubIdentities{}).
		WithCredentialVerifier(stubIdentities{}).
		WithOTPSender(nopSender{}).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine, mr
}

func login(t *testing.T, engine *gatekeeper.Engine) gatekeeper.LoginResult {
	t.Helper()
	res, err := engine.Login(context.Background(), gatekeeper.LoginRequest{Identifier: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
	return res
}
