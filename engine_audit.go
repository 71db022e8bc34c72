package gatekeeper

import (
	"context"
)

const (
	auditEventLoginSuccess         = "login_success"
	auditEventLoginFailure         = "login_failure"
	auditEventMFARequired          = "mfa_required"
	auditEventMFALoginSuccess      = "mfa_login_success"
	auditEventMFALoginFailure      = "mfa_login_failure"
	auditEventRefreshSuccess       = "refresh_success"
	auditEventRefreshInvalid       = "refresh_invalid"
	auditEventRefreshReuseDetected = "refresh_reuse_detected"
	auditEventFamilyRevoked        = "refresh_family_revoked"
	auditEventCSRFRejected         = "csrf_rejected"
	auditEventTOTPSetupRequested   = "totp_setup_requested"
	auditEventTOTPEnabled          = "totp_enabled"
	auditEventMFADisabled          = "mfa_disabled"
	auditEventTOTPSuccess          = "totp_success"
	auditEventTOTPFailure          = "totp_failure"
	auditEventTOTPReplay           = "totp_replay"
	auditEventBackupCodeUsed       = "backup_code_used"
	auditEventBackupCodesGenerated = "backup_codes_generated"
	auditEventOTPSent              = "otp_sent"
	auditEventOTPVerified          = "otp_verified"
	auditEventOTPFailure           = "otp_failure"
	auditEventRateLimitTriggered   = "rate_limit_triggered"
	auditEventSessionCreated       = "session_created"
	auditEventSessionEvicted       = "session_evicted"
	auditEventSessionSuspicious    = "session_suspicious"
	auditEventLogoutSession        = "logout_session"
	auditEventLogoutOthers         = "logout_others"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	tenantID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    userID,
		TenantID:  tenantID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if err != nil {
		event.Error = string(KindOf(err))
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, d RateDecision, key string) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, "", "", "", ErrRateLimited, func() map[string]string {
		return map[string]string{
			"category":    d.Category,
			"key":         key,
			"retry_after": d.RetryAfter.String(),
		}
	})
}
