package gatekeeper

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/MrEthical07/gatekeeper/internal"
	"github.com/MrEthical07/gatekeeper/internal/ids"
	"github.com/MrEthical07/gatekeeper/jwt"
	"github.com/MrEthical07/gatekeeper/refresh"
	"github.com/MrEthical07/gatekeeper/session"
)

type issueOptions struct {
	rememberMe bool
}

// IssueOption adjusts a single IssueTokens call.
type IssueOption func(*issueOptions)

// WithRememberMe selects the long refresh TTL.
func WithRememberMe(remember bool) IssueOption {
	return func(o *issueOptions) { o.rememberMe = remember }
}

// IssueTokens starts a new refresh family for sessionID and mints the first
// access token. A family already bound to the session is revoked.
func (e *Engine) IssueTokens(ctx context.Context, identity *Identity, sessionID string, opts ...IssueOption) (TokenPair, error) {
	if e == nil || e.refresh == nil || e.jwt == nil {
		return TokenPair{}, ErrEngineNotReady
	}
	if identity == nil || identity.UserID == "" || sessionID == "" {
		return TokenPair{}, ErrInvalidRequest
	}
	var o issueOptions
	for _, opt := range opts {
		opt(&o)
	}

	ttl := e.config.Tokens.RefreshTTL
	if o.rememberMe {
		ttl = e.config.Tokens.RememberMeRefreshTTL
	}
	tenantID := identity.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	sctx, cancel := e.storeCtx(ctx)
	existing, err := e.sessions.Get(sctx, sessionID)
	cancel()
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return TokenPair{}, ErrSessionExpired
		}
		return TokenPair{}, storeError(err)
	}
	if existing.UserID != identity.UserID {
		return TokenPair{}, ErrUnauthorized
	}

	familyID, err := internal.NewFamilyID()
	if err != nil {
		return TokenPair{}, err
	}
	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return TokenPair{}, err
	}
	now := e.now()

	sctx, cancel = e.storeCtx(ctx)
	err = e.refresh.Create(sctx, refresh.Record{
		FamilyID:   familyID.String(),
		TokenHash:  internal.HashRefreshSecret(secret),
		SessionID:  sessionID,
		UserID:     identity.UserID,
		TenantID:   tenantID,
		Roles:      identity.Roles,
		RememberMe: o.rememberMe,
		IssuedAt:   now,
		TTL:        ttl,
	})
	cancel()
	if err != nil {
		return TokenPair{}, storeError(err)
	}

	sctx, cancel = e.storeCtx(ctx)
	_, err = e.sessions.BindFamily(sctx, sessionID, familyID.String(), now)
	cancel()
	if err != nil {
		e.revokeQuietly(ctx, familyID.String(), "session_gone")
		if errors.Is(err, session.ErrSessionNotFound) {
			return TokenPair{}, ErrSessionExpired
		}
		return TokenPair{}, storeError(err)
	}
	if existing.FamilyID != "" && existing.FamilyID != familyID.String() {
		e.revokeQuietly(ctx, existing.FamilyID, "superseded")
	}

	access, accessExp, err := e.jwt.Mint(jwt.Subject{
		UserID:    identity.UserID,
		TenantID:  tenantID,
		Roles:     identity.Roles,
		SessionID: sessionID,
		FamilyID:  familyID.String(),
	})
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     internal.EncodeRefreshToken(familyID, secret),
		RefreshExpiresAt: now.Add(ttl),
		SessionID:        sessionID,
	}, nil
}

// Refresh rotates a refresh token. Presenting a superseded token revokes the
// whole family, terminates its session and queues a security notification.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if e == nil || e.refresh == nil || e.jwt == nil {
		return TokenPair{}, ErrEngineNotReady
	}

	familyID, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, ErrRefreshInvalid
	}
	next, err := internal.NewRefreshSecret()
	if err != nil {
		return TokenPair{}, err
	}
	now := e.now()

	sctx, cancel := e.storeCtx(ctx)
	rec, fresh, err := e.refresh.Rotate(sctx, familyID.String(), internal.HashRefreshSecret(secret), internal.HashRefreshSecret(next), now)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, refresh.ErrReuseDetected):
		e.onRefreshReuse(ctx, rec, fresh)
		return TokenPair{}, ErrRefreshReuse
	case errors.Is(err, refresh.ErrFamilyNotFound),
		errors.Is(err, refresh.ErrFamilyRevoked),
		errors.Is(err, refresh.ErrFamilyExpired),
		errors.Is(err, refresh.ErrHashMismatch),
		errors.Is(err, refresh.ErrInvalidRecord):
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", "", ErrRefreshInvalid, nil)
		return TokenPair{}, ErrRefreshInvalid
	default:
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, storeError(err)
	}

	sctx, cancel = e.storeCtx(ctx)
	_, err = e.sessions.Touch(sctx, rec.SessionID, now)
	cancel()
	if err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) {
			return TokenPair{}, storeError(err)
		}
		// The rotation above already committed. A revoked family here means a
		// concurrent reuse tore the session down after this call won, so the
		// pair is still handed out; the next rotation fails on the family.
		if !e.familyRevoked(ctx, rec.FamilyID) {
			e.revokeQuietly(ctx, rec.FamilyID, "session_gone")
			e.metricInc(MetricRefreshFailure)
			return TokenPair{}, ErrSessionExpired
		}
		e.log(ctx).Info("rotation won against concurrent reuse",
			slog.String("session_id", rec.SessionID),
			slog.String("family_id", rec.FamilyID),
		)
	}

	access, accessExp, err := e.jwt.Mint(jwt.Subject{
		UserID:    rec.UserID,
		TenantID:  rec.TenantID,
		Roles:     rec.Roles,
		SessionID: rec.SessionID,
		FamilyID:  rec.FamilyID,
	})
	if err != nil {
		return TokenPair{}, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, rec.UserID, rec.TenantID, rec.SessionID, nil, nil)

	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     internal.EncodeRefreshToken(familyID, next),
		RefreshExpiresAt: rec.ExpiresAt,
		SessionID:        rec.SessionID,
	}, nil
}

// onRefreshReuse runs once per family: only the call that flipped the family
// to revoked terminates the session and notifies.
func (e *Engine) onRefreshReuse(ctx context.Context, rec *refresh.Record, fresh bool) {
	e.metricInc(MetricRefreshReuseDetected)
	if rec == nil {
		return
	}
	e.emitAudit(ctx, auditEventRefreshReuseDetected, false, rec.UserID, rec.TenantID, rec.SessionID, ErrRefreshReuse, func() map[string]string {
		return map[string]string{"family_id": rec.FamilyID}
	})
	if !fresh {
		return
	}

	e.log(ctx).Warn("refresh token reuse detected",
		slog.String("user_id", rec.UserID),
		slog.String("session_id", rec.SessionID),
		slog.String("family_id", rec.FamilyID),
	)

	sctx, cancel := e.storeCtx(ctx)
	victim, err := e.sessions.Delete(sctx, rec.SessionID)
	cancel()
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		e.log(ctx).Warn("session termination after reuse failed", slog.String("session_id", rec.SessionID), slog.Any("err", err))
	}
	if victim != nil {
		e.metricInc(MetricSessionTerminated)
		if err := e.cascade(ctx, victim, "reuse"); err != nil {
			e.log(ctx).Warn("reuse cascade failed", slog.String("session_id", rec.SessionID), slog.Any("err", err))
		}
	}

	now := e.now()
	e.notifier.Enqueue(SecurityNotification{
		ID:         ids.NewAt(now),
		Type:       NotificationRefreshReuse,
		UserID:     rec.UserID,
		TenantID:   rec.TenantID,
		SessionID:  rec.SessionID,
		FamilyID:   rec.FamilyID,
		IP:         clientIPFromContext(ctx),
		OccurredAt: now,
		Detail: map[string]string{
			"generation": strconv.FormatInt(rec.Generation, 10),
		},
	})
}

// RevokeFamily marks a refresh family revoked. Revoking twice, or revoking an
// unknown family, is not an error.
func (e *Engine) RevokeFamily(ctx context.Context, familyID string) error {
	if e == nil || e.refresh == nil {
		return ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	changed, err := e.refresh.Revoke(sctx, familyID, "revoked")
	if err != nil {
		return storeError(err)
	}
	if changed {
		e.emitAudit(ctx, auditEventFamilyRevoked, true, "", "", "", nil, func() map[string]string {
			return map[string]string{"family_id": familyID}
		})
	}
	return nil
}

func (e *Engine) revokeQuietly(ctx context.Context, familyID, reason string) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if _, err := e.refresh.Revoke(sctx, familyID, reason); err != nil {
		e.log(ctx).Warn("refresh family revoke failed", slog.String("family_id", familyID), slog.Any("err", err))
	}
}

// familyRevoked reports whether the family is revoked. Read errors count as
// not revoked.
func (e *Engine) familyRevoked(ctx context.Context, familyID string) bool {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	rec, err := e.refresh.Get(sctx, familyID)
	return err == nil && rec.Revoked
}

// ValidateAccess checks an access token's signature, expiry and claims. It
// does not touch the store, so a terminated session stays valid until its
// access token expires.
func (e *Engine) ValidateAccess(ctx context.Context, token string) (*AuthResult, error) {
	if e == nil || e.jwt == nil {
		return nil, ErrEngineNotReady
	}
	var start time.Time
	if e.metrics.LatencyEnabled() {
		start = time.Now()
		defer func() { e.metrics.Observe(MetricValidateLatency, time.Since(start)) }()
	}

	claims, err := e.jwt.Parse(token)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrSessionExpired
		}
		return nil, ErrUnauthorized
	}

	res := &AuthResult{
		UserID:    claims.Subject,
		TenantID:  claims.TenantID,
		Roles:     claims.Roles,
		SessionID: claims.SessionID,
		FamilyID:  claims.FamilyID,
	}
	if claims.ExpiresAt != nil {
		res.ExpiresAt = claims.ExpiresAt.Time
	}
	return res, nil
}
