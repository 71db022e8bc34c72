package main

import (
	"context"
	"net/http"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/middleware"
)

type otpRequest struct {
	Identifier string `json:"identifier"`
	Purpose    string `json:"purpose"`
}

type otpVerifyRequest struct {
	Identifier string `json:"identifier"`
	Purpose    string `json:"purpose"`
	Code       string `json:"code"`
}

// challengeResponse never carries the code.
type challengeResponse struct {
	ChallengeID       string `json:"challenge_id"`
	ExpiresIn         int64  `json:"expires_in"`
	Attempts          int    `json:"attempts"`
	MaxAttempts       int    `json:"max_attempts"`
	CooldownRemaining int64  `json:"cooldown_remaining"`
}

func (a *api) sendOTP(w http.ResponseWriter, r *http.Request) {
	a.deliverOTP(w, r, a.engine.SendOTP)
}

func (a *api) resendOTP(w http.ResponseWriter, r *http.Request) {
	a.deliverOTP(w, r, a.engine.ResendOTP)
}

func (a *api) deliverOTP(w http.ResponseWriter, r *http.Request, send func(ctx context.Context, identifier, purpose string) (gatekeeper.ChallengeMeta, error)) {
	var req otpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}
	meta, err := send(r.Context(), req.Identifier, req.Purpose)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, challengeResponse{
		ChallengeID:       meta.ID,
		ExpiresIn:         seconds(meta.ExpiresIn),
		Attempts:          meta.Attempts,
		MaxAttempts:       meta.MaxAttempts,
		CooldownRemaining: seconds(meta.CooldownRemaining),
	})
}

func (a *api) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var req otpVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}
	res, err := a.engine.VerifyOTP(r.Context(), req.Identifier, req.Code, req.Purpose)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verified":     res.Verified,
		"challenge_id": res.ChallengeID,
		"purpose":      res.Purpose,
	})
}

func (a *api) otpStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	st, err := a.engine.OTPStatus(r.Context(), q.Get("identifier"), q.Get("purpose"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":             st.Active,
		"challenge_id":       st.ChallengeID,
		"expires_in":         seconds(st.ExpiresIn),
		"attempts":           st.Attempts,
		"max_attempts":       st.MaxAttempts,
		"attempts_remaining": st.AttemptsRemaining,
		"cooldown_remaining": seconds(st.CooldownRemaining),
		"verified":           st.Verified,
		"expired":            st.Expired,
	})
}
