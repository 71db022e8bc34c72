package main

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

func TestLoginIssuesTokensAndCookies(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client(t)

	res := c.login()
	require.Equal(t, http.StatusOK, res.status, string(res.body))
	body := res.json(t)
	require.Equal(t, "Bearer", body["token_type"])
	require.NotEmpty(t, body["session_id"])
	require.NotEmpty(t, c.cookies[refreshCookieName])
	require.NotEmpty(t, c.cookies["csrf_token"])
	require.Equal(t, c.cookies["csrf_token"], body["csrf_token"])

	var refresh *http.Cookie
	for _, ck := range (&http.Response{Header: res.header}).Cookies() {
		if ck.Name == refreshCookieName {
			refresh = ck
		}
	}
	require.NotNil(t, refresh)
	require.True(t, refresh.HttpOnly)
	require.Equal(t, refreshCookiePath, refresh.Path)

	cur := c.do(http.MethodGet, "/v1/sessions/current", nil)
	require.Equal(t, http.StatusOK, cur.status, string(cur.body))
	require.Equal(t, body["session_id"], cur.json(t)["id"])
	require.Equal(t, true, cur.json(t)["current"])
}

func TestLoginWrongPassword(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client(t)

	res := c.do(http.MethodPost, "/v1/auth/login", map[string]any{
		"identifier": testIdentifier,
		"password":   "wrong password",
	})
	require.Equal(t, http.StatusUnauthorized, res.status)
	require.Equal(t, "invalid_credentials", res.errorKind(t))
	require.Equal(t, "application/json", res.header.Get("Content-Type"))
}

func TestLoginRejectsUnknownFields(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client(t)

	res := c.do(http.MethodPost, "/v1/auth/login", map[string]any{
		"username": testIdentifier,
		"password": testPassword,
	})
	require.Equal(t, http.StatusBadRequest, res.status)
	require.Equal(t, "invalid_request", res.errorKind(t))
}

func TestRefreshRotationAndReuse(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client(t)
	require.Equal(t, http.StatusOK, c.login().status)

	stolen := c.cookies[refreshCookieName]

	res := c.do(http.MethodPost, "/v1/auth/refresh", nil)
	require.Equal(t, http.StatusOK, res.status, string(res.body))
	require.NotEqual(t, stolen, c.cookies[refreshCookieName])
	c.access = res.json(t)["access_token"].(string)

	attacker := s.client(t)
	attacker.cookies[refreshCookieName] = stolen
	reuse := attacker.do(http.MethodPost, "/v1/auth/refresh", nil)
	require.Equal(t, http.StatusUnauthorized, reuse.status)
	require.Equal(t, "refresh_reuse_detected", reuse.errorKind(t))

	// The family and its session are gone for the legitimate client too.
	cur := c.do(http.MethodGet, "/v1/sessions/current", nil)
	require.Equal(t, http.StatusUnauthorized, cur.status)
	require.Equal(t, "session_expired", cur.errorKind(t))
}

func TestRefreshWithoutCookie(t *testing.T) {
	s := newTestServer(t, nil)
	res := s.client(t).do(http.MethodPost, "/v1/auth/refresh", nil)
	require.Equal(t, http.StatusUnauthorized, res.status)
	require.Equal(t, "unauthorized", res.errorKind(t))
}

func TestLogoutRequiresCSRF(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client(t)
	require.Equal(t, http.StatusOK, c.login().status)

	token := c.csrf
	c.csrf = ""
	res := c.do(http.MethodPost, "/v1/auth/logout", nil)
	require.Equal(t, http.StatusForbidden, res.status)
	require.Equal(t, "csrf_invalid", res.errorKind(t))

	c.csrf = token
	res = c.do(http.MethodPost, "/v1/auth/logout", nil)
	require.Equal(t, http.StatusNoContent, res.status, string(res.body))
	require.Empty(t, c.cookies[refreshCookieName])

	cur := c.do(http.MethodGet, "/v1/sessions/current", nil)
	require.Equal(t, http.StatusUnauthorized, cur.status)
}

func TestCSRFRotatesOnUse(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client(t)
	require.Equal(t, http.StatusOK, c.login().status)

	issued := c.do(http.MethodGet, "/v1/csrf", nil)
	require.Equal(t, http.StatusOK, issued.status)
	first := issued.json(t)["csrf_token"].(string)
	require.Equal(t, first, c.csrf)

	res := c.do(http.MethodPost, "/v1/sessions/terminate-others", nil)
	require.Equal(t, http.StatusOK, res.status, string(res.body))
	require.NotEqual(t, first, c.csrf)

	// Replaying the consumed value fails.
	c.csrf = first
	c.cookies["csrf_token"] = first
	res = c.do(http.MethodPost, "/v1/sessions/terminate-others", nil)
	require.Equal(t, http.StatusForbidden, res.status)
}

func TestSessionsEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	phone := s.client(t)
	laptop := s.client(t)
	require.Equal(t, http.StatusOK, phone.login().status)
	require.Equal(t, http.StatusOK, laptop.login().status)

	list := laptop.do(http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, list.status)
	sessions := list.json(t)["sessions"].([]any)
	require.Len(t, sessions, 2)

	missing := laptop.do(http.MethodDelete, "/v1/sessions/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, missing.status)
	require.Equal(t, "not_found", missing.errorKind(t))

	res := laptop.do(http.MethodPost, "/v1/sessions/terminate-others", nil)
	require.Equal(t, http.StatusOK, res.status, string(res.body))
	require.EqualValues(t, 1, res.json(t)["terminated"])

	require.Equal(t, http.StatusUnauthorized, phone.do(http.MethodGet, "/v1/sessions/current", nil).status)
	require.Equal(t, http.StatusOK, laptop.do(http.MethodGet, "/v1/sessions/current", nil).status)
}

func TestDeleteOwnSession(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client(t)
	login := c.login()
	require.Equal(t, http.StatusOK, login.status)
	sid := login.json(t)["session_id"].(string)

	res := c.do(http.MethodDelete, "/v1/sessions/"+sid, nil)
	require.Equal(t, http.StatusNoContent, res.status, string(res.body))
	require.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/v1/sessions/current", nil).status)
}

func TestOTPEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client(t)
	target := map[string]any{"identifier": "Bob@Example.com", "purpose": "verify_email"}

	sent := c.do(http.MethodPost, "/v1/otp/send", target)
	require.Equal(t, http.StatusAccepted, sent.status, string(sent.body))
	meta := sent.json(t)
	require.EqualValues(t, 300, meta["expires_in"])
	require.EqualValues(t, 0, meta["attempts"])
	require.EqualValues(t, 3, meta["max_attempts"])
	require.NotContains(t, string(sent.body), s.otp.last(t).Code)

	again := c.do(http.MethodPost, "/v1/otp/resend", target)
	require.Equal(t, http.StatusTooManyRequests, again.status)
	require.Equal(t, "rate_limited", again.errorKind(t))
	require.NotEmpty(t, again.header.Get("Retry-After"))

	code := s.otp.last(t).Code
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	bad := c.do(http.MethodPost, "/v1/otp/verify", map[string]any{
		"identifier": "bob@example.com", "purpose": "verify_email", "code": wrong,
	})
	require.Equal(t, http.StatusBadRequest, bad.status)
	require.Equal(t, "invalid_otp", bad.errorKind(t))

	status := c.do(http.MethodGet, "/v1/otp/status?identifier=bob@example.com&purpose=verify_email", nil)
	require.Equal(t, http.StatusOK, status.status)
	require.EqualValues(t, 1, status.json(t)["attempts"])
	require.EqualValues(t, 2, status.json(t)["attempts_remaining"])

	other := c.do(http.MethodPost, "/v1/otp/verify", map[string]any{
		"identifier": "bob@example.com", "purpose": "reset_password", "code": code,
	})
	require.NotEqual(t, http.StatusOK, other.status)

	ok := c.do(http.MethodPost, "/v1/otp/verify", map[string]any{
		"identifier": "bob@example.com", "purpose": "verify_email", "code": code,
	})
	require.Equal(t, http.StatusOK, ok.status, string(ok.body))
	require.Equal(t, true, ok.json(t)["verified"])
}

func TestMFAEnrollmentAndLogin(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client(t)
	require.Equal(t, http.StatusOK, c.login().status)

	begin := c.do(http.MethodPost, "/v1/mfa/setup/begin", nil)
	require.Equal(t, http.StatusOK, begin.status, string(begin.body))
	secret := begin.json(t)["secret"].(string)
	require.True(t, strings.HasPrefix(begin.json(t)["provisioning_uri"].(string), "otpauth://totp/"))

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	done := c.do(http.MethodPost, "/v1/mfa/setup/complete", map[string]any{"code": code})
	require.Equal(t, http.StatusOK, done.status, string(done.body))
	backup := done.json(t)["backup_codes"].([]any)
	require.Len(t, backup, 10)

	status := c.do(http.MethodGet, "/v1/mfa/status", nil)
	require.Equal(t, http.StatusOK, status.status)
	require.Equal(t, "enabled", status.json(t)["state"])
	require.EqualValues(t, 10, status.json(t)["backup_remaining"])

	second := s.client(t)
	res := second.login()
	require.Equal(t, http.StatusUnauthorized, res.status)
	challenge := res.json(t)
	require.Equal(t, "mfa_required", challenge["error"])
	require.NotEmpty(t, challenge["challenge_id"])

	done = second.do(http.MethodPost, "/v1/auth/login/mfa", map[string]any{
		"challenge_id": challenge["challenge_id"],
		"code":         backup[0],
	})
	require.Equal(t, http.StatusOK, done.status, string(done.body))
	second.access = done.json(t)["access_token"].(string)

	status = second.do(http.MethodGet, "/v1/mfa/status", nil)
	require.EqualValues(t, 9, status.json(t)["backup_remaining"])

	// The challenge does not survive its use.
	replay := s.client(t).do(http.MethodPost, "/v1/auth/login/mfa", map[string]any{
		"challenge_id": challenge["challenge_id"],
		"code":         backup[1],
	})
	require.Equal(t, http.StatusBadRequest, replay.status)
}

func TestDisableMFARequiresPassword(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client(t)
	require.Equal(t, http.StatusOK, c.login().status)

	res := c.do(http.MethodPost, "/v1/mfa/disable", map[string]any{"password": testPassword})
	require.Equal(t, http.StatusConflict, res.status, "mfa is not enabled yet")

	begin := c.do(http.MethodPost, "/v1/mfa/setup/begin", map[string]any{"account_name": "alice"})
	secret := begin.json(t)["secret"].(string)
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/v1/mfa/setup/complete", map[string]any{"code": code}).status)

	res = c.do(http.MethodPost, "/v1/mfa/disable", map[string]any{"password": "nope nope nope"})
	require.Equal(t, http.StatusUnauthorized, res.status)

	res = c.do(http.MethodPost, "/v1/mfa/disable", map[string]any{"password": testPassword})
	require.Equal(t, http.StatusNoContent, res.status, string(res.body))
	require.Equal(t, "disabled", c.do(http.MethodGet, "/v1/mfa/status", nil).json(t)["state"])
}

func TestGeneralRateLimitHeaders(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		rule := cfg.Engine.RateLimit.Rules["general"]
		rule.Limit = 2
		cfg.Engine.RateLimit.Rules["general"] = rule
	})
	c := s.client(t)
	require.Equal(t, http.StatusOK, c.login().status)

	first := c.do(http.MethodGet, "/v1/sessions/current", nil)
	require.Equal(t, http.StatusOK, first.status)
	require.Equal(t, "2", first.header.Get("X-RateLimit-Limit"))
	require.Equal(t, "1", first.header.Get("X-RateLimit-Remaining"))

	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/v1/sessions/current", nil).status)
	limited := c.do(http.MethodGet, "/v1/sessions/current", nil)
	require.Equal(t, http.StatusTooManyRequests, limited.status)
	require.Equal(t, "rate_limited", limited.errorKind(t))
	require.NotEmpty(t, limited.header.Get("Retry-After"))
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.client(t)
	require.Equal(t, http.StatusOK, c.login().status)

	health := c.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, health.status)
	require.Equal(t, "ok", health.json(t)["status"])

	metrics := c.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, metrics.status)
	require.Contains(t, string(metrics.body), "gatekeeper_login_success_total 1")
	require.Contains(t, string(metrics.body), "gatekeeper_session_created_total 1")
}

func TestHealthzReportsRedisOutage(t *testing.T) {
	s := newTestServer(t, nil)
	s.app.mem.SetError("ERR injected failure")

	res := s.client(t).do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, res.status)
	require.Equal(t, "unavailable", res.errorKind(t))
}
