package gatekeeper

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrMFARequired          = errors.New("mfa required")
	ErrOTPInvalid           = errors.New("invalid otp")
	ErrOTPExpired           = errors.New("otp expired")
	ErrOTPMaxAttempts       = errors.New("otp attempts exceeded")
	ErrCSRFInvalid          = errors.New("csrf token invalid")
	ErrRefreshReuse         = errors.New("refresh token reuse detected")
	ErrRefreshInvalid       = errors.New("invalid refresh token")
	ErrRateLimited          = errors.New("rate limited")
	ErrOTPCooldown          = fmt.Errorf("otp resend cooldown: %w", ErrRateLimited)
	ErrSessionExpired       = errors.New("session expired")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
	ErrStoreUnavailable     = errors.New("state store unavailable")

	ErrIdentityNotFound   = errors.New("identity not found")
	ErrMFANotEnabled      = errors.New("mfa not enabled")
	ErrMFAAlreadyEnabled  = errors.New("mfa already enabled")
	ErrMFASetupNotStarted = errors.New("mfa setup not started")
	ErrMFACodeInvalid     = errors.New("invalid mfa code")
	ErrMFALoginInvalid    = errors.New("mfa challenge invalid")
	ErrMFALoginExpired    = errors.New("mfa challenge expired")
	ErrMFALoginExhausted  = errors.New("mfa challenge attempts exceeded")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrEngineNotReady     = errors.New("engine not initialized")
)

// Kind is the stable, client-facing classification of an error.
type Kind string

const (
	KindInvalidCredentials   Kind = "invalid_credentials"
	KindMFARequired          Kind = "mfa_required"
	KindInvalidOTP           Kind = "invalid_otp"
	KindOTPExpired           Kind = "otp_expired"
	KindMaxAttemptsExceeded  Kind = "max_attempts_exceeded"
	KindCSRFInvalid          Kind = "csrf_invalid"
	KindRefreshReuseDetected Kind = "refresh_reuse_detected"
	KindRateLimited          Kind = "rate_limited"
	KindSessionExpired       Kind = "session_expired"
	KindUnauthorized         Kind = "unauthorized"
	KindInvalidRequest       Kind = "invalid_request"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindUnavailable          Kind = "unavailable"
	KindInternal             Kind = "internal"
)

var kindTable = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidCredentials, KindInvalidCredentials},
	{ErrMFARequired, KindMFARequired},
	{ErrOTPInvalid, KindInvalidOTP},
	{ErrMFACodeInvalid, KindInvalidOTP},
	{ErrMFALoginInvalid, KindInvalidOTP},
	{ErrOTPExpired, KindOTPExpired},
	{ErrMFALoginExpired, KindOTPExpired},
	{ErrOTPMaxAttempts, KindMaxAttemptsExceeded},
	{ErrMFALoginExhausted, KindMaxAttemptsExceeded},
	{ErrCSRFInvalid, KindCSRFInvalid},
	{ErrRefreshReuse, KindRefreshReuseDetected},
	{ErrRateLimited, KindRateLimited},
	{ErrSessionExpired, KindSessionExpired},
	{ErrRefreshInvalid, KindUnauthorized},
	{ErrUnauthorized, KindUnauthorized},
	{ErrSessionNotFound, KindNotFound},
	{ErrIdentityNotFound, KindNotFound},
	{ErrSessionLimitExceeded, KindConflict},
	{ErrMFANotEnabled, KindConflict},
	{ErrMFAAlreadyEnabled, KindConflict},
	{ErrMFASetupNotStarted, KindConflict},
	{ErrInvalidRequest, KindInvalidRequest},
	{ErrStoreUnavailable, KindUnavailable},
	{ErrEngineNotReady, KindUnavailable},
}

// KindOf classifies err. Unknown errors are KindInternal; nil is "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}

// HTTPStatus maps a kind to the status code used by the HTTP surface.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidCredentials, KindMFARequired, KindRefreshReuseDetected,
		KindSessionExpired, KindUnauthorized:
		return http.StatusUnauthorized
	case KindInvalidOTP, KindInvalidRequest:
		return http.StatusBadRequest
	case KindOTPExpired:
		return http.StatusGone
	case KindMaxAttemptsExceeded, KindRateLimited:
		return http.StatusTooManyRequests
	case KindCSRFInvalid:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// RateLimitError is returned when a rate limit or an OTP cooldown rejects a
// call. It matches ErrRateLimited.
type RateLimitError struct {
	Category   string
	RetryAfter time.Duration
	Decision   RateDecision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s): retry after %s", e.Category, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Is lets a cooldown rejection match ErrOTPCooldown as well.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrOTPCooldown && e.Category == CategoryOTPCooldown
}

// CategoryOTPCooldown marks a RateLimitError raised by the OTP resend
// cooldown rather than a limiter rule.
const CategoryOTPCooldown = "otp_cooldown"

// MFARequiredError is returned by Login when the password step succeeded but
// a second factor is still needed. Pass ChallengeID to CompleteMFALogin.
type MFARequiredError struct {
	ChallengeID string
	ExpiresAt   time.Time
	Methods     []string
}

func (e *MFARequiredError) Error() string {
	return "mfa required: challenge " + e.ChallengeID
}

func (e *MFARequiredError) Unwrap() error { return ErrMFARequired }
