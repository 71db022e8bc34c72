package main

import (
	"context"
	"log/slog"

	"github.com/MrEthical07/gatekeeper"
)

// logOTPSender stands in for an email or SMS gateway. The code itself is
// logged only in dev mode.
type logOTPSender struct {
	logger *slog.Logger
	dev    bool
}

func (s logOTPSender) SendOTP(ctx context.Context, d gatekeeper.OTPDelivery) error {
	attrs := []any{
		"challenge_id", d.ChallengeID,
		"identifier", d.Identifier,
		"purpose", d.Purpose,
		"expires_at", d.ExpiresAt,
		"resend", d.Resend,
	}
	if s.dev {
		attrs = append(attrs, "code", d.Code)
	}
	s.logger.InfoContext(ctx, "otp delivery", attrs...)
	return nil
}

// logNotifier records security notifications as warnings.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) NotifySecurityEvent(ctx context.Context, note gatekeeper.SecurityNotification) error {
	n.logger.WarnContext(ctx, "security notification",
		"id", note.ID,
		"type", note.Type,
		"user_id", note.UserID,
		"tenant_id", note.TenantID,
		"session_id", note.SessionID,
		"ip", note.IP,
		"occurred_at", note.OccurredAt,
	)
	return nil
}
