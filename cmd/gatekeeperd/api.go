package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/identity/sqlstore"
	"github.com/MrEthical07/gatekeeper/internal/logx"
	"github.com/MrEthical07/gatekeeper/metrics/export/prometheus"
	"github.com/MrEthical07/gatekeeper/middleware"
)

const (
	refreshCookieName = "refresh_token"
	refreshCookiePath = "/v1/auth"
	maxBodyBytes      = 64 << 10
)

// api binds the engine to the HTTP routes.
type api struct {
	engine        *gatekeeper.Engine
	identities    *sqlstore.Store
	logger        *slog.Logger
	secureCookies bool
}

func (a *api) routes() http.Handler {
	e := a.engine
	mux := http.NewServeMux()

	// authed runs the strict guard, then CSRF, then the per-user general
	// quota.
	authed := func(h http.HandlerFunc) http.Handler {
		return middleware.RequireStrict(e)(
			middleware.CSRF(e)(
				middleware.RateLimit(e, gatekeeper.CategoryGeneral, nil)(h),
			),
		)
	}
	public := func(category string, h http.HandlerFunc) http.Handler {
		return middleware.RateLimit(e, category, nil)(h)
	}

	mux.Handle("POST /v1/auth/login", http.HandlerFunc(a.login))
	mux.Handle("POST /v1/auth/login/mfa", http.HandlerFunc(a.loginMFA))
	mux.Handle("POST /v1/auth/refresh", public(gatekeeper.CategoryAuth, a.refresh))
	mux.Handle("POST /v1/auth/logout", authed(a.logout))

	mux.Handle("GET /v1/csrf", authed(a.issueCSRF))

	mux.Handle("POST /v1/mfa/setup/begin", authed(a.beginMFASetup))
	mux.Handle("POST /v1/mfa/setup/complete", authed(a.completeMFASetup))
	mux.Handle("POST /v1/mfa/verify", authed(a.verifyMFA))
	mux.Handle("POST /v1/mfa/disable", authed(a.disableMFA))
	mux.Handle("POST /v1/mfa/backup-codes", authed(a.regenerateBackupCodes))
	mux.Handle("GET /v1/mfa/status", authed(a.mfaStatus))

	mux.Handle("POST /v1/otp/send", http.HandlerFunc(a.sendOTP))
	mux.Handle("POST /v1/otp/resend", http.HandlerFunc(a.resendOTP))
	mux.Handle("POST /v1/otp/verify", http.HandlerFunc(a.verifyOTP))
	mux.Handle("GET /v1/otp/status", public(gatekeeper.CategoryGeneral, a.otpStatus))

	mux.Handle("GET /v1/sessions", authed(a.listSessions))
	mux.Handle("GET /v1/sessions/current", authed(a.currentSession))
	mux.Handle("DELETE /v1/sessions/{id}", authed(a.terminateSession))
	mux.Handle("POST /v1/sessions/terminate-others", authed(a.terminateOtherSessions))

	mux.Handle("GET /metrics", prometheus.NewExporter(e).Handler())
	mux.HandleFunc("GET /healthz", a.healthz)

	return logx.HTTPMiddleware(a.logger)(middleware.ClientContext(mux))
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Ping(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return
	}
	if a.identities != nil {
		if err := a.identities.Ping(r.Context()); err != nil {
			logx.FromContext(r.Context(), a.logger).Warn("identity store ping failed", "error", err)
			middleware.WriteError(w, fmt.Errorf("%w: identity store", gatekeeper.ErrStoreUnavailable))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeJSON reads a bounded JSON body into v. Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", gatekeeper.ErrInvalidRequest)
		}
		return fmt.Errorf("%w: %v", gatekeeper.ErrInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// authResult is only called behind a guard.
func authResult(r *http.Request) *gatekeeper.AuthResult {
	res, _ := gatekeeper.AuthResultFromContext(r.Context())
	return res
}

func (a *api) setRefreshCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     refreshCookiePath,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *api) clearCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	cookieName, _ := a.engine.CSRFNames()
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
