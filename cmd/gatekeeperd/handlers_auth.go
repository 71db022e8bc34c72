package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/middleware"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
	DeviceID   string `json:"device_id"`
}

type tokenResponse struct {
	AccessToken     string    `json:"access_token"`
	TokenType       string    `json:"token_type"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	SessionID       string    `json:"session_id"`
	CSRFToken       string    `json:"csrf_token,omitempty"`
}

type mfaRequiredResponse struct {
	Error       string    `json:"error"`
	Message     string    `json:"message"`
	ChallengeID string    `json:"challenge_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	Methods     []string  `json:"methods"`
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	res, err := a.engine.Login(r.Context(), gatekeeper.LoginRequest{
		Identifier: req.Identifier,
		Password:   req.Password,
		RememberMe: req.RememberMe,
		Device: gatekeeper.Device{
			Fingerprint: req.DeviceID,
			IP:          middleware.ClientIP(r),
			UserAgent:   r.UserAgent(),
		},
	})
	if err != nil {
		var mfa *gatekeeper.MFARequiredError
		if errors.As(err, &mfa) {
			writeJSON(w, gatekeeper.HTTPStatus(gatekeeper.KindMFARequired), mfaRequiredResponse{
				Error:       string(gatekeeper.KindMFARequired),
				Message:     "second factor required",
				ChallengeID: mfa.ChallengeID,
				ExpiresAt:   mfa.ExpiresAt,
				Methods:     mfa.Methods,
			})
			return
		}
		middleware.WriteError(w, err)
		return
	}
	a.writeLogin(w, r, res)
}

type loginMFARequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

func (a *api) loginMFA(w http.ResponseWriter, r *http.Request) {
	var req loginMFARequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}
	res, err := a.engine.CompleteMFALogin(r.Context(), req.ChallengeID, req.Code)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	a.writeLogin(w, r, res)
}

// writeLogin sets the refresh cookie and a first CSRF value for the new
// session.
func (a *api) writeLogin(w http.ResponseWriter, r *http.Request, res gatekeeper.LoginResult) {
	csrf, err := a.engine.IssueCSRF(r.Context(), res.Tokens.SessionID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	cookieName, headerName := a.engine.CSRFNames()
	middleware.SetCSRFCookie(w, cookieName, csrf)
	w.Header().Set(headerName, csrf)
	a.setRefreshCookie(w, res.Tokens.RefreshToken, res.Tokens.RefreshExpiresAt)

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:     res.Tokens.AccessToken,
		TokenType:       "Bearer",
		AccessExpiresAt: res.Tokens.AccessExpiresAt,
		SessionID:       res.Tokens.SessionID,
		CSRFToken:       csrf,
	})
}

func (a *api) refresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(refreshCookieName)
	if err != nil || c.Value == "" {
		middleware.WriteError(w, gatekeeper.ErrRefreshInvalid)
		return
	}

	pair, err := a.engine.Refresh(r.Context(), c.Value)
	if err != nil {
		if k := gatekeeper.KindOf(err); k == gatekeeper.KindRefreshReuseDetected || k == gatekeeper.KindSessionExpired {
			a.clearCookies(w)
		}
		middleware.WriteError(w, err)
		return
	}

	a.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:     pair.AccessToken,
		TokenType:       "Bearer",
		AccessExpiresAt: pair.AccessExpiresAt,
		SessionID:       pair.SessionID,
	})
}

func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	res := authResult(r)
	if err := a.engine.Logout(r.Context(), res.SessionID); err != nil && gatekeeper.KindOf(err) != gatekeeper.KindNotFound {
		middleware.WriteError(w, err)
		return
	}
	a.clearCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) issueCSRF(w http.ResponseWriter, r *http.Request) {
	res := authResult(r)
	value, err := a.engine.IssueCSRF(r.Context(), res.SessionID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	cookieName, headerName := a.engine.CSRFNames()
	middleware.SetCSRFCookie(w, cookieName, value)
	w.Header().Set(headerName, value)
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": value})
}
