package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/internal/logx"
	"github.com/stretchr/testify/require"
)

const (
	testIdentifier = "alice@example.com"
	testPassword   = "correct horse battery"
)

type captureSender struct {
	mu   sync.Mutex
	sent []gatekeeper.OTPDelivery
}

func (c *captureSender) SendOTP(_ context.Context, d gatekeeper.OTPDelivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, d)
	return nil
}

func (c *captureSender) last(t *testing.T) gatekeeper.OTPDelivery {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent, "no otp delivered")
	return c.sent[len(c.sent)-1]
}

// testConfig runs everything in memory with cheap hashing and quotas wide
// enough that only the tests that want a 429 get one.
func testConfig() Config {
	cfg := defaultConfig()
	cfg.Dev = true
	cfg.Server.SecureCookies = false
	cfg.Redis.Addrs = []string{memoryRedis}
	cfg.Identity.DSN = ":memory:"
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Engine.Store.OpTimeout = 2 * time.Second
	cfg.Engine.RateLimit.Adaptive.Enabled = false
	for name, rule := range cfg.Engine.RateLimit.Rules {
		rule.Limit = 1000
		rule.BurstLimit = 0
		rule.BurstWindow = 0
		cfg.Engine.RateLimit.Rules[name] = rule
	}
	cfg.Bootstrap = BootstrapConfig{
		UserID:     "u1",
		TenantID:   "t1",
		Identifier: testIdentifier,
		Password:   testPassword,
		Roles:      []string{"member"},
	}
	return cfg
}

type testServer struct {
	app    *application
	server *httptest.Server
	otp    *captureSender
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	otp := &captureSender{}
	app, err := newApplication(context.Background(), cfg, "", logx.Discard(), withOTPSender(otp))
	require.NoError(t, err)
	t.Cleanup(app.close)

	srv := httptest.NewServer(app.server.Handler)
	t.Cleanup(srv.Close)
	return &testServer{app: app, server: srv, otp: otp}
}

// client keeps cookies by name. The CSRF cookie is Secure, which a
// standard jar would withhold over plain HTTP.
type client struct {
	t       *testing.T
	base    string
	cookies map[string]string
	access  string
	csrf    string
}

func (s *testServer) client(t *testing.T) *client {
	return &client{t: t, base: s.server.URL, cookies: map[string]string{}}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) json(t *testing.T) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(r.body, &out), string(r.body))
	return out
}

func (r response) errorKind(t *testing.T) string {
	t.Helper()
	kind, _ := r.json(t)["error"].(string)
	return kind
}

func (c *client) do(method, path string, body any) response {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.access != "" {
		req.Header.Set("Authorization", "Bearer "+c.access)
	}
	if c.csrf != "" {
		req.Header.Set("X-CSRF-Token", c.csrf)
	}
	for name, value := range c.cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	res, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	require.NoError(c.t, err)

	for _, ck := range res.Cookies() {
		if ck.MaxAge < 0 {
			delete(c.cookies, ck.Name)
			continue
		}
		c.cookies[ck.Name] = ck.Value
	}
	if v := res.Header.Get("X-CSRF-Token"); v != "" {
		c.csrf = v
	}
	return response{status: res.StatusCode, header: res.Header, body: raw}
}

func (c *client) login() response {
	c.t.Helper()
	res := c.do(http.MethodPost, "/v1/auth/login", map[string]any{
		"identifier": testIdentifier,
		"password":   testPassword,
		"device_id":  "device-1",
	})
	if res.status == http.StatusOK {
		c.access = res.json(c.t)["access_token"].(string)
	}
	return res
}
