package main

import (
	"net/http"
	"time"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/middleware"
)

type sessionResponse struct {
	ID              string    `json:"id"`
	IP              string    `json:"ip"`
	UserAgent       string    `json:"user_agent"`
	Country         string    `json:"country,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	SuspiciousFlags []string  `json:"suspicious_flags,omitempty"`
	Current         bool      `json:"current"`
}

func toSessionResponse(s gatekeeper.SessionInfo) sessionResponse {
	return sessionResponse{
		ID:              s.ID,
		IP:              s.IP,
		UserAgent:       s.UserAgent,
		Country:         s.Country,
		CreatedAt:       s.CreatedAt,
		LastActivityAt:  s.LastActivityAt,
		SuspiciousFlags: s.SuspiciousFlags,
		Current:         s.Current,
	}
}

func (a *api) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := a.engine.ListSessions(r.Context(), authResult(r).UserID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	out := make([]sessionResponse, 0, len(list))
	for _, s := range list {
		out = append(out, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (a *api) currentSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.engine.GetSession(r.Context(), authResult(r).SessionID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s))
}

// terminateSession answers not_found for sessions owned by someone else so
// ids cannot be probed.
func (a *api) terminateSession(w http.ResponseWriter, r *http.Request) {
	res := authResult(r)
	id := r.PathValue("id")

	s, err := a.engine.GetSession(r.Context(), id)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if s.UserID != res.UserID {
		middleware.WriteError(w, gatekeeper.ErrSessionNotFound)
		return
	}
	if err := a.engine.TerminateSession(r.Context(), id); err != nil {
		middleware.WriteError(w, err)
		return
	}
	if id == res.SessionID {
		a.clearCookies(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) terminateOtherSessions(w http.ResponseWriter, r *http.Request) {
	res := authResult(r)
	n, err := a.engine.TerminateOtherSessions(r.Context(), res.UserID, res.SessionID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"terminated": n})
}
