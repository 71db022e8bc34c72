package gatekeeper

import (
	"context"
	"time"
)

// MFAState is an identity's position in the second-factor lifecycle.
// Transitions: disabled -> pending_setup -> enabled, and enabled -> disabled
// only after re-authentication.
type MFAState string

const (
	MFADisabled     MFAState = "disabled"
	MFAPendingSetup MFAState = "pending_setup"
	MFAEnabled      MFAState = "enabled"
)

// Identity is the authenticated principal as the identity store knows it.
type Identity struct {
	UserID     string
	TenantID   string
	Identifier string
	Roles      []string

	MFA               MFAState
	TOTPSecret        string
	PendingTOTPSecret string
	LastTOTPCounter   int64
}

// CredentialVerifier checks a primary credential. Unknown identifiers and
// wrong passwords both return ErrInvalidCredentials.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, identifier, password string) (*Identity, error)
}

// IdentityStore persists MFA state. Every method that changes state must be
// atomic in the backing store: ConsumeBackupCode and AdvanceTOTPCounter
// report whether this call won.
type IdentityStore interface {
	GetIdentity(ctx context.Context, userID string) (*Identity, error)
	BeginTOTPSetup(ctx context.Context, userID, secret string) error
	EnableTOTP(ctx context.Context, userID string, counter int64, backupCodeHashes []string) error
	DisableMFA(ctx context.Context, userID string) error
	AdvanceTOTPCounter(ctx context.Context, userID string, counter int64) (bool, error)
	ConsumeBackupCode(ctx context.Context, userID, codeHash string) (bool, error)
	CountBackupCodes(ctx context.Context, userID string) (int, error)
	ReplaceBackupCodes(ctx context.Context, userID string, codeHashes []string) error
}

// OTPDelivery is handed to the OTPSender. Code is the only place the
// plaintext one-time code exists.
type OTPDelivery struct {
	ChallengeID string
	Identifier  string
	Purpose     string
	Code        string
	ExpiresAt   time.Time
	Resend      bool
}

// OTPSender delivers one-time codes over email or phone.
type OTPSender interface {
	SendOTP(ctx context.Context, delivery OTPDelivery) error
}

// SecurityNotification describes an event the account owner should hear
// about, such as refresh token reuse.
type SecurityNotification struct {
	ID         string
	Type       string
	UserID     string
	TenantID   string
	SessionID  string
	FamilyID   string
	IP         string
	OccurredAt time.Time
	Detail     map[string]string
}

const NotificationRefreshReuse = "refresh_reuse_detected"

// SecurityNotifier delivers security notifications. It is called from a
// background worker, never on the request path.
type SecurityNotifier interface {
	NotifySecurityEvent(ctx context.Context, n SecurityNotification) error
}

// Device describes where a session was opened from. Country is optional.
type Device struct {
	Fingerprint string
	IP          string
	UserAgent   string
	Country     string
}

type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionID        string
}

// AuthResult is what a verified access token says about the caller.
type AuthResult struct {
	UserID    string
	TenantID  string
	Roles     []string
	SessionID string
	FamilyID  string
	ExpiresAt time.Time
}

type SessionInfo struct {
	ID              string
	UserID          string
	TenantID        string
	IP              string
	UserAgent       string
	Country         string
	CreatedAt       time.Time
	LastActivityAt  time.Time
	SuspiciousFlags []string
	Current         bool
}

type LoginRequest struct {
	Identifier string
	Password   string
	RememberMe bool
	Tier       string
	Device     Device
}

type LoginResult struct {
	Tokens  TokenPair
	Session SessionInfo
	// Evicted lists sessions terminated to make room under the per-user cap.
	Evicted []string
}

type MFASetup struct {
	Secret          string
	ProvisioningURI string
}

const (
	MFAMethodTOTP       = "totp"
	MFAMethodBackupCode = "backup_code"
)

type MFAVerification struct {
	Method          string
	BackupRemaining int
}

type MFAStatus struct {
	State           MFAState
	BackupRemaining int
}

// ChallengeMeta is returned by SendOTP and ResendOTP. It never contains the
// code.
type ChallengeMeta struct {
	ID                string
	ExpiresIn         time.Duration
	Attempts          int
	MaxAttempts       int
	CooldownRemaining time.Duration
}

type OTPResult struct {
	ChallengeID string
	Purpose     string
	Verified    bool
}

type OTPStatus struct {
	Active            bool
	ChallengeID       string
	ExpiresIn         time.Duration
	Attempts          int
	MaxAttempts       int
	AttemptsRemaining int
	CooldownRemaining time.Duration
	Verified          bool
	Expired           bool
}

// RateDecision mirrors the limiter's answer and always carries header data.
type RateDecision struct {
	Allowed    bool
	Category   string
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Degraded   bool
	Multiplier float64
}
