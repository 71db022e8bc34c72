package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/MrEthical07/gatekeeper/internal"
	"github.com/MrEthical07/gatekeeper/internal/ids"
	"github.com/MrEthical07/gatekeeper/internal/stores"
)

// SendOTP creates a challenge for (identifier, purpose) and hands the code
// to the OTPSender. A live challenge is superseded unless the last send is
// inside the cooldown, which returns a *RateLimitError matching
// ErrOTPCooldown.
func (e *Engine) SendOTP(ctx context.Context, identifier, purpose string) (ChallengeMeta, error) {
	return e.sendOTP(ctx, identifier, purpose, false)
}

// ResendOTP has the SendOTP contract. The new challenge starts with zero
// attempts and the previous code stops working.
func (e *Engine) ResendOTP(ctx context.Context, identifier, purpose string) (ChallengeMeta, error) {
	return e.sendOTP(ctx, identifier, purpose, true)
}

func (e *Engine) sendOTP(ctx context.Context, identifier, purpose string, resend bool) (ChallengeMeta, error) {
	if e == nil || e.otp == nil {
		return ChallengeMeta{}, ErrEngineNotReady
	}
	normalized := stores.NormalizeIdentifier(identifier)
	if err := e.checkOTPInput(normalized, purpose); err != nil {
		return ChallengeMeta{}, err
	}

	if err := e.enforce(ctx, otpRateKey(normalized), CategoryOTP, ""); err != nil {
		return ChallengeMeta{}, err
	}
	if ip := clientIPFromContext(ctx); ip != "" {
		if err := e.enforce(ctx, "ip:"+ip, CategoryOTP, ""); err != nil {
			return ChallengeMeta{}, err
		}
	}

	cfg := e.config.OTP
	code, err := internal.NewOTP(cfg.Digits)
	if err != nil {
		return ChallengeMeta{}, err
	}
	salt, err := internal.NewSalt()
	if err != nil {
		return ChallengeMeta{}, err
	}
	now := e.now()
	expiresAt := now.Add(cfg.TTL)
	rec := &stores.OTPChallenge{
		ID:          ids.NewAt(now),
		Identifier:  normalized,
		Purpose:     purpose,
		CodeHash:    internal.HashOTP(salt, purpose, code),
		Salt:        salt,
		CreatedAt:   now.UnixMilli(),
		SentAt:      now.UnixMilli(),
		ExpiresAt:   expiresAt.UnixMilli(),
		MaxAttempts: uint16(cfg.MaxAttempts),
	}

	sctx, cancel := e.storeCtx(ctx)
	prev, err := e.otp.Issue(sctx, rec, cfg.Cooldown, now)
	cancel()
	if err != nil {
		var cooldown *stores.CooldownError
		if errors.As(err, &cooldown) {
			e.metricInc(MetricOTPCooldown)
			return ChallengeMeta{}, &RateLimitError{
				Category:   CategoryOTPCooldown,
				RetryAfter: cooldown.Remaining,
				Decision: RateDecision{
					Category:   CategoryOTPCooldown,
					Limit:      1,
					ResetAt:    now.Add(cooldown.Remaining),
					RetryAfter: cooldown.Remaining,
				},
			}
		}
		return ChallengeMeta{}, storeError(err)
	}

	err = e.otpSender.SendOTP(ctx, OTPDelivery{
		ChallengeID: rec.ID,
		Identifier:  normalized,
		Purpose:     purpose,
		Code:        code,
		ExpiresAt:   expiresAt,
		Resend:      resend || prev != nil,
	})
	if err != nil {
		// an undelivered code must neither hold the cooldown nor replace a
		// code the user already has
		dctx, dcancel := e.storeCtx(ctx)
		if derr := e.otp.Revert(dctx, rec, prev, e.now()); derr != nil {
			e.log(ctx).Warn("otp challenge cleanup failed", slog.String("challenge_id", rec.ID), slog.Any("err", derr))
		}
		dcancel()
		return ChallengeMeta{}, fmt.Errorf("otp delivery: %w", err)
	}

	e.metricInc(MetricOTPSent)
	e.emitAudit(ctx, auditEventOTPSent, true, "", "", "", nil, func() map[string]string {
		return map[string]string{
			"challenge_id": rec.ID,
			"purpose":      purpose,
			"resend":       fmt.Sprint(resend || prev != nil),
		}
	})

	return ChallengeMeta{
		ID:                rec.ID,
		ExpiresIn:         cfg.TTL,
		Attempts:          0,
		MaxAttempts:       cfg.MaxAttempts,
		CooldownRemaining: cfg.Cooldown,
	}, nil
}

// VerifyOTP checks code against the live challenge for (identifier,
// purpose). A code issued for another purpose never verifies.
func (e *Engine) VerifyOTP(ctx context.Context, identifier, code, purpose string) (OTPResult, error) {
	if e == nil || e.otp == nil {
		return OTPResult{}, ErrEngineNotReady
	}
	normalized := stores.NormalizeIdentifier(identifier)
	if err := e.checkOTPInput(normalized, purpose); err != nil {
		return OTPResult{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return OTPResult{}, ErrOTPInvalid
	}

	sctx, cancel := e.storeCtx(ctx)
	rec, err := e.otp.Verify(sctx, normalized, purpose, code, e.now())
	cancel()

	switch {
	case err == nil:
		e.metricInc(MetricOTPVerified)
		e.emitAudit(ctx, auditEventOTPVerified, true, "", "", "", nil, func() map[string]string {
			return map[string]string{"challenge_id": rec.ID, "purpose": purpose}
		})
		return OTPResult{ChallengeID: rec.ID, Purpose: purpose, Verified: true}, nil
	case errors.Is(err, stores.ErrOTPMismatch):
		e.metricInc(MetricOTPFailure)
		e.penalize(ctx, otpRateKey(normalized), CategoryOTP)
		e.otpFailure(ctx, rec, purpose, ErrOTPInvalid)
		if rec != nil && rec.Invalidated {
			e.metricInc(MetricOTPExhausted)
		}
		return OTPResult{}, ErrOTPInvalid
	case errors.Is(err, stores.ErrOTPAttemptsExceeded):
		e.metricInc(MetricOTPExhausted)
		e.otpFailure(ctx, rec, purpose, ErrOTPMaxAttempts)
		return OTPResult{}, ErrOTPMaxAttempts
	case errors.Is(err, stores.ErrOTPExpired):
		e.metricInc(MetricOTPFailure)
		e.otpFailure(ctx, rec, purpose, ErrOTPExpired)
		return OTPResult{}, ErrOTPExpired
	case errors.Is(err, stores.ErrOTPNotFound):
		e.metricInc(MetricOTPFailure)
		e.penalize(ctx, otpRateKey(normalized), CategoryOTP)
		return OTPResult{}, ErrOTPInvalid
	default:
		return OTPResult{}, storeError(err)
	}
}

func (e *Engine) otpFailure(ctx context.Context, rec *stores.OTPChallenge, purpose string, err error) {
	e.emitAudit(ctx, auditEventOTPFailure, false, "", "", "", err, func() map[string]string {
		meta := map[string]string{"purpose": purpose}
		if rec != nil {
			meta["challenge_id"] = rec.ID
			meta["attempts"] = fmt.Sprint(rec.Attempts)
		}
		return meta
	})
}

// OTPStatus describes the live challenge without changing it.
func (e *Engine) OTPStatus(ctx context.Context, identifier, purpose string) (OTPStatus, error) {
	if e == nil || e.otp == nil {
		return OTPStatus{}, ErrEngineNotReady
	}
	normalized := stores.NormalizeIdentifier(identifier)
	if err := e.checkOTPInput(normalized, purpose); err != nil {
		return OTPStatus{}, err
	}

	sctx, cancel := e.storeCtx(ctx)
	rec, err := e.otp.Get(sctx, normalized, purpose)
	cancel()
	if err != nil {
		if errors.Is(err, stores.ErrOTPNotFound) {
			return OTPStatus{Active: false}, nil
		}
		return OTPStatus{}, storeError(err)
	}

	now := e.now()
	expiresAt := time.UnixMilli(rec.ExpiresAt)
	status := OTPStatus{
		ChallengeID:       rec.ID,
		Attempts:          int(rec.Attempts),
		MaxAttempts:       int(rec.MaxAttempts),
		AttemptsRemaining: rec.AttemptsRemaining(),
		Verified:          rec.Verified,
		Expired:           !now.Before(expiresAt),
	}
	if !status.Expired {
		status.ExpiresIn = expiresAt.Sub(now)
	}
	if left := e.config.OTP.Cooldown - now.Sub(time.UnixMilli(rec.SentAt)); left > 0 {
		status.CooldownRemaining = left
	}
	status.Active = !status.Expired && !rec.Verified && status.AttemptsRemaining > 0
	return status, nil
}

func (e *Engine) checkOTPInput(identifier, purpose string) error {
	if identifier == "" || strings.TrimSpace(purpose) == "" || strings.Contains(purpose, ":") {
		return ErrInvalidRequest
	}
	if allowed := e.config.OTP.Purposes; len(allowed) > 0 && !slices.Contains(allowed, purpose) {
		return ErrInvalidRequest
	}
	return nil
}

func otpRateKey(identifier string) string {
	return "otp:" + internal.HashToken(identifier)
}
