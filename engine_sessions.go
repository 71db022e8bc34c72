package gatekeeper

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/gatekeeper/internal"
	"github.com/MrEthical07/gatekeeper/session"
)

// CreateSession opens a session for userID in the tenant carried by ctx.
// Under the evict_oldest policy the least recently active sessions beyond
// the cap are terminated, refresh families included.
func (e *Engine) CreateSession(ctx context.Context, userID string, device Device) (SessionInfo, error) {
	info, _, err := e.createSession(ctx, userID, tenantIDFromContext(ctx), device)
	return info, err
}

func (e *Engine) createSession(ctx context.Context, userID, tenantID string, device Device) (SessionInfo, []string, error) {
	if e == nil || e.sessions == nil {
		return SessionInfo{}, nil, ErrEngineNotReady
	}
	if strings.TrimSpace(userID) == "" {
		return SessionInfo{}, nil, ErrInvalidRequest
	}
	if device.IP == "" {
		device.IP = clientIPFromContext(ctx)
	}
	if device.UserAgent == "" {
		device.UserAgent = userAgentFromContext(ctx)
	}

	sid, err := internal.NewSessionID()
	if err != nil {
		return SessionInfo{}, nil, err
	}
	now := e.now()
	fingerprint := internal.HashFingerprint(device.Fingerprint)
	network := internal.NetworkPrefix(device.IP)

	sctx, cancel := e.storeCtx(ctx)
	flags, err := e.sessions.Assess(sctx, userID, fingerprint, network, device.Country, now)
	cancel()
	if err != nil {
		// flags are advisory; a failed lookup never blocks login
		e.log(ctx).Warn("session risk assessment failed", slog.String("user_id", userID), slog.Any("err", err))
		flags = nil
	}

	rec := &session.Record{
		SchemaVersion:   session.CurrentSchemaVersion,
		SessionID:       sid.String(),
		UserID:          userID,
		TenantID:        tenantID,
		FingerprintHash: fingerprint,
		IP:              device.IP,
		UserAgent:       device.UserAgent,
		Country:         device.Country,
		CreatedAt:       now.UnixMilli(),
		LastActivityAt:  now.UnixMilli(),
		SuspiciousFlags: flags,
	}

	sctx, cancel = e.storeCtx(ctx)
	evicted, err := e.sessions.Create(sctx, rec, e.config.Sessions.MaxPerUser, e.config.Sessions.Overflow)
	cancel()
	if err != nil {
		if errors.Is(err, session.ErrSessionLimitExceeded) {
			e.metricInc(MetricSessionRejected)
			e.emitAudit(ctx, auditEventSessionCreated, false, userID, tenantID, "", ErrSessionLimitExceeded, nil)
			return SessionInfo{}, nil, ErrSessionLimitExceeded
		}
		return SessionInfo{}, nil, storeError(err)
	}

	evictedIDs := make([]string, 0, len(evicted))
	for _, victim := range evicted {
		evictedIDs = append(evictedIDs, victim.SessionID)
		e.metricInc(MetricSessionEvicted)
		if err := e.cascade(ctx, victim, "evicted"); err != nil {
			e.log(ctx).Warn("evicted session cascade failed",
				slog.String("session_id", victim.SessionID),
				slog.Any("err", err),
			)
		}
		e.emitAudit(ctx, auditEventSessionEvicted, true, userID, tenantID, victim.SessionID, nil, nil)
	}

	sctx, cancel = e.storeCtx(ctx)
	if err := e.sessions.Remember(sctx, userID, fingerprint, network, device.Country, now); err != nil {
		e.log(ctx).Warn("device history update failed", slog.String("user_id", userID), slog.Any("err", err))
	}
	cancel()

	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventSessionCreated, true, userID, tenantID, rec.SessionID, nil, nil)
	if len(flags) > 0 {
		e.metricInc(MetricSessionSuspicious)
		e.emitAudit(ctx, auditEventSessionSuspicious, true, userID, tenantID, rec.SessionID, nil, func() map[string]string {
			return map[string]string{"flags": strings.Join(flags, ",")}
		})
	}

	return sessionInfo(rec, ""), evictedIDs, nil
}

// TouchSession records activity and slides the idle expiry.
func (e *Engine) TouchSession(ctx context.Context, sessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if _, err := e.sessions.Touch(sctx, sessionID, e.now()); err != nil {
		return sessionError(err)
	}
	return nil
}

// GetSession returns one session. Current is set when the caller's access
// token names it.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (SessionInfo, error) {
	if e == nil || e.sessions == nil {
		return SessionInfo{}, ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	rec, err := e.sessions.Get(sctx, sessionID)
	if err != nil {
		return SessionInfo{}, sessionError(err)
	}
	return sessionInfo(rec, currentSessionID(ctx)), nil
}

// ListSessions returns the user's live sessions, most recently active first.
func (e *Engine) ListSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	recs, err := e.sessions.List(sctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	current := currentSessionID(ctx)
	out := make([]SessionInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, sessionInfo(rec, current))
	}
	return out, nil
}

// TerminateSession deletes the session and revokes its refresh family.
func (e *Engine) TerminateSession(ctx context.Context, sessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	rec, err := e.sessions.Delete(sctx, sessionID)
	cancel()
	if err != nil && rec == nil {
		return sessionError(err)
	}
	if cerr := e.cascade(ctx, rec, "terminated"); cerr != nil {
		return cerr
	}
	if err != nil {
		return storeError(err)
	}

	e.metricInc(MetricSessionTerminated)
	e.emitAudit(ctx, auditEventLogoutSession, true, rec.UserID, rec.TenantID, rec.SessionID, nil, nil)
	return nil
}

// Logout terminates the caller's session.
func (e *Engine) Logout(ctx context.Context, sessionID string) error {
	if err := e.TerminateSession(ctx, sessionID); err != nil {
		return err
	}
	e.metricInc(MetricLogout)
	return nil
}

// TerminateOtherSessions ends every session of userID except
// currentSessionID and returns how many were ended.
func (e *Engine) TerminateOtherSessions(ctx context.Context, userID, currentSessionID string) (int, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	removed, err := e.sessions.DeleteAllExcept(sctx, userID, currentSessionID)
	cancel()

	for _, rec := range removed {
		if cerr := e.cascade(ctx, rec, "terminated"); cerr != nil && err == nil {
			err = cerr
		}
		e.metricInc(MetricSessionTerminated)
	}
	if err != nil {
		return len(removed), storeError(err)
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutOthers, true, userID, "", currentSessionID, nil, func() map[string]string {
		return map[string]string{"terminated": strconv.Itoa(len(removed))}
	})
	return len(removed), nil
}

// cascade revokes what hangs off a deleted session: its refresh family and
// its CSRF value.
func (e *Engine) cascade(ctx context.Context, rec *session.Record, reason string) error {
	if rec == nil {
		return nil
	}
	if rec.FamilyID != "" {
		sctx, cancel := e.storeCtx(ctx)
		_, err := e.refresh.Revoke(sctx, rec.FamilyID, reason)
		cancel()
		if err != nil {
			return storeError(err)
		}
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return storeError(e.csrf.Consume(sctx, rec.SessionID))
}

func sessionError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionCorrupt):
		return ErrSessionNotFound
	default:
		return storeError(err)
	}
}

func currentSessionID(ctx context.Context) string {
	if res, ok := AuthResultFromContext(ctx); ok {
		return res.SessionID
	}
	return ""
}

func sessionInfo(rec *session.Record, current string) SessionInfo {
	return SessionInfo{
		ID:              rec.SessionID,
		UserID:          rec.UserID,
		TenantID:        rec.TenantID,
		IP:              rec.IP,
		UserAgent:       rec.UserAgent,
		Country:         rec.Country,
		CreatedAt:       time.UnixMilli(rec.CreatedAt).UTC(),
		LastActivityAt:  time.UnixMilli(rec.LastActivityAt).UTC(),
		SuspiciousFlags: append([]string(nil), rec.SuspiciousFlags...),
		Current:         current != "" && current == rec.SessionID,
	}
}
