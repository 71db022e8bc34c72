package internaldefs

import (
	"github.com/MrEthical07/gatekeeper"
)

// CounterDef binds an engine counter to its exported name.
type CounterDef struct {
	ID   gatekeeper.MetricID
	Name string
	Help string
}

// HistogramDef binds an engine latency histogram to its exported name.
type HistogramDef struct {
	ID   gatekeeper.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: gatekeeper.MetricLoginSuccess, Name: "gatekeeper_login_success_total", Help: "Successful logins."},
	{ID: gatekeeper.MetricLoginFailure, Name: "gatekeeper_login_failure_total", Help: "Failed login attempts."},
	{ID: gatekeeper.MetricLoginRateLimited, Name: "gatekeeper_login_rate_limited_total", Help: "Login attempts denied by the rate limiter."},
	{ID: gatekeeper.MetricMFALoginRequired, Name: "gatekeeper_mfa_login_required_total", Help: "Logins that stopped at the second factor."},
	{ID: gatekeeper.MetricMFALoginSuccess, Name: "gatekeeper_mfa_login_success_total", Help: "Second factor login completions."},
	{ID: gatekeeper.MetricMFALoginFailure, Name: "gatekeeper_mfa_login_failure_total", Help: "Failed second factor login attempts."},
	{ID: gatekeeper.MetricRefreshSuccess, Name: "gatekeeper_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: gatekeeper.MetricRefreshFailure, Name: "gatekeeper_refresh_failure_total", Help: "Rejected refresh attempts."},
	{ID: gatekeeper.MetricRefreshReuseDetected, Name: "gatekeeper_refresh_reuse_detected_total", Help: "Refresh tokens presented after rotation."},
	{ID: gatekeeper.MetricCSRFIssued, Name: "gatekeeper_csrf_issued_total", Help: "CSRF values issued or rotated."},
	{ID: gatekeeper.MetricCSRFRejected, Name: "gatekeeper_csrf_rejected_total", Help: "Requests rejected by the CSRF check."},
	{ID: gatekeeper.MetricTOTPSuccess, Name: "gatekeeper_totp_success_total", Help: "Accepted TOTP codes."},
	{ID: gatekeeper.MetricTOTPFailure, Name: "gatekeeper_totp_failure_total", Help: "Rejected TOTP codes."},
	{ID: gatekeeper.MetricTOTPReplay, Name: "gatekeeper_totp_replay_total", Help: "TOTP codes replayed within their step."},
	{ID: gatekeeper.MetricBackupCodeUsed, Name: "gatekeeper_backup_code_used_total", Help: "Backup codes consumed."},
	{ID: gatekeeper.MetricBackupCodeFailed, Name: "gatekeeper_backup_code_failed_total", Help: "Rejected backup codes."},
	{ID: gatekeeper.MetricBackupCodeRegenerated, Name: "gatekeeper_backup_code_regenerated_total", Help: "Backup code set regenerations."},
	{ID: gatekeeper.MetricMFAEnabled, Name: "gatekeeper_mfa_enabled_total", Help: "MFA enrollments completed."},
	{ID: gatekeeper.MetricMFADisabled, Name: "gatekeeper_mfa_disabled_total", Help: "MFA enrollments removed."},
	{ID: gatekeeper.MetricOTPSent, Name: "gatekeeper_otp_sent_total", Help: "OTP challenges delivered."},
	{ID: gatekeeper.MetricOTPCooldown, Name: "gatekeeper_otp_cooldown_total", Help: "OTP sends refused during cooldown."},
	{ID: gatekeeper.MetricOTPVerified, Name: "gatekeeper_otp_verified_total", Help: "OTP challenges verified."},
	{ID: gatekeeper.MetricOTPFailure, Name: "gatekeeper_otp_failure_total", Help: "Rejected OTP codes."},
	{ID: gatekeeper.MetricOTPExhausted, Name: "gatekeeper_otp_exhausted_total", Help: "OTP challenges that ran out of attempts."},
	{ID: gatekeeper.MetricRateLimitHit, Name: "gatekeeper_rate_limit_hit_total", Help: "Requests denied by the rate limiter."},
	{ID: gatekeeper.MetricRateLimitDegraded, Name: "gatekeeper_rate_limit_degraded_total", Help: "Rate checks admitted because the store failed."},
	{ID: gatekeeper.MetricSessionCreated, Name: "gatekeeper_session_created_total", Help: "Sessions created."},
	{ID: gatekeeper.MetricSessionEvicted, Name: "gatekeeper_session_evicted_total", Help: "Sessions evicted by the per-user cap."},
	{ID: gatekeeper.MetricSessionRejected, Name: "gatekeeper_session_rejected_total", Help: "Session creations rejected by the per-user cap."},
	{ID: gatekeeper.MetricSessionSuspicious, Name: "gatekeeper_session_suspicious_total", Help: "Sessions created from a new device or network."},
	{ID: gatekeeper.MetricSessionTerminated, Name: "gatekeeper_session_terminated_total", Help: "Sessions terminated."},
	{ID: gatekeeper.MetricLogout, Name: "gatekeeper_logout_total", Help: "Single session logouts."},
	{ID: gatekeeper.MetricLogoutAll, Name: "gatekeeper_logout_all_total", Help: "Logouts of every other session."},
	{ID: gatekeeper.MetricNotificationQueued, Name: "gatekeeper_notification_queued_total", Help: "Security notifications queued."},
	{ID: gatekeeper.MetricNotificationDropped, Name: "gatekeeper_notification_dropped_total", Help: "Security notifications dropped on a full queue."},
	{ID: gatekeeper.MetricNotificationFailed, Name: "gatekeeper_notification_failed_total", Help: "Security notifications the sink failed to deliver."},
}

var HistogramDefs = []HistogramDef{
	{ID: gatekeeper.MetricValidateLatency, Name: "gatekeeper_validate_latency_seconds", Help: "Access token validation latency."},
	{ID: gatekeeper.MetricRateCheckLatency, Name: "gatekeeper_rate_check_latency_seconds", Help: "Rate limiter check latency."},
}

// HistogramBounds are the engine bucket upper bounds in exposition form.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramUpperBounds holds the finite bounds in seconds. The last engine
// bucket is the implicit +Inf bucket.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix is HistogramBounds made safe for instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the engine bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
