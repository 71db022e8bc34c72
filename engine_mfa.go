package gatekeeper

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/MrEthical07/gatekeeper/internal"
)

// BeginMFASetup generates a TOTP secret and moves the identity to
// pending_setup. accountName labels the authenticator entry; the identity's
// identifier is used when it is empty.
func (e *Engine) BeginMFASetup(ctx context.Context, userID, accountName string) (MFASetup, error) {
	ident, err := e.identity(ctx, userID)
	if err != nil {
		return MFASetup{}, err
	}
	if ident.MFA == MFAEnabled {
		return MFASetup{}, ErrMFAAlreadyEnabled
	}
	if strings.TrimSpace(accountName) == "" {
		accountName = ident.Identifier
	}

	secret, uri, err := e.totp.Generate(accountName)
	if err != nil {
		return MFASetup{}, err
	}
	if err := e.identities.BeginTOTPSetup(ctx, userID, secret); err != nil {
		return MFASetup{}, err
	}

	e.emitAudit(ctx, auditEventTOTPSetupRequested, true, userID, ident.TenantID, "", nil, nil)
	return MFASetup{Secret: secret, ProvisioningURI: uri}, nil
}

// CompleteMFASetup confirms the pending secret with a live code, enables
// MFA and returns freshly generated backup codes. The codes are shown once;
// only their hashes are kept.
func (e *Engine) CompleteMFASetup(ctx context.Context, userID, code string) ([]string, error) {
	ident, err := e.identity(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ident.MFA == MFAEnabled {
		return nil, ErrMFAAlreadyEnabled
	}
	if ident.MFA != MFAPendingSetup || ident.PendingTOTPSecret == "" {
		return nil, ErrMFASetupNotStarted
	}

	ok, counter, err := e.totp.Match(ident.PendingTOTPSecret, code, e.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		e.metricInc(MetricTOTPFailure)
		e.penalize(ctx, mfaRateKey(userID), CategoryAuth)
		e.emitAudit(ctx, auditEventTOTPFailure, false, userID, ident.TenantID, "", ErrMFACodeInvalid, nil)
		return nil, ErrMFACodeInvalid
	}

	codes, hashes, err := e.newBackupCodes(userID)
	if err != nil {
		return nil, err
	}
	if err := e.identities.EnableTOTP(ctx, userID, counter, hashes); err != nil {
		return nil, err
	}

	e.metricInc(MetricMFAEnabled)
	e.emitAudit(ctx, auditEventTOTPEnabled, true, userID, ident.TenantID, "", nil, nil)
	return codes, nil
}

// VerifyMFA accepts a live TOTP code or an unused backup code. A TOTP code
// whose time step was already accepted is rejected. Each failure charges an
// extra hit to the user's auth rate limit instead of locking the account.
func (e *Engine) VerifyMFA(ctx context.Context, userID, code string) (MFAVerification, error) {
	ident, err := e.identity(ctx, userID)
	if err != nil {
		return MFAVerification{}, err
	}
	if ident.MFA != MFAEnabled {
		return MFAVerification{}, ErrMFANotEnabled
	}
	if err := e.enforce(ctx, mfaRateKey(userID), CategoryAuth, ""); err != nil {
		return MFAVerification{}, err
	}

	res, err := e.verifySecondFactor(ctx, ident, code)
	if err != nil {
		e.penalize(ctx, mfaRateKey(userID), CategoryAuth)
		return MFAVerification{}, err
	}
	return res, nil
}

func (e *Engine) verifySecondFactor(ctx context.Context, ident *Identity, code string) (MFAVerification, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return MFAVerification{}, ErrMFACodeInvalid
	}

	if len(code) == e.config.MFA.Digits && isNumericString(code) {
		ok, counter, err := e.totp.Match(ident.TOTPSecret, code, e.now())
		if err != nil {
			return MFAVerification{}, err
		}
		if ok {
			if counter <= ident.LastTOTPCounter {
				return MFAVerification{}, e.totpReplay(ctx, ident)
			}
			advanced, err := e.identities.AdvanceTOTPCounter(ctx, ident.UserID, counter)
			if err != nil {
				return MFAVerification{}, err
			}
			if !advanced {
				return MFAVerification{}, e.totpReplay(ctx, ident)
			}
			remaining, err := e.identities.CountBackupCodes(ctx, ident.UserID)
			if err != nil {
				return MFAVerification{}, err
			}
			e.metricInc(MetricTOTPSuccess)
			e.emitAudit(ctx, auditEventTOTPSuccess, true, ident.UserID, ident.TenantID, "", nil, nil)
			return MFAVerification{Method: MFAMethodTOTP, BackupRemaining: remaining}, nil
		}
	}

	canonical := internal.CanonicalizeBackupCode(code)
	if len(canonical) == e.config.MFA.BackupCodeLength {
		consumed, err := e.identities.ConsumeBackupCode(ctx, ident.UserID, internal.BackupCodeHash(ident.UserID, canonical))
		if err != nil {
			return MFAVerification{}, err
		}
		if consumed {
			remaining, err := e.identities.CountBackupCodes(ctx, ident.UserID)
			if err != nil {
				return MFAVerification{}, err
			}
			e.metricInc(MetricBackupCodeUsed)
			e.emitAudit(ctx, auditEventBackupCodeUsed, true, ident.UserID, ident.TenantID, "", nil, func() map[string]string {
				return map[string]string{"remaining": strconv.Itoa(remaining)}
			})
			return MFAVerification{Method: MFAMethodBackupCode, BackupRemaining: remaining}, nil
		}
		e.metricInc(MetricBackupCodeFailed)
	} else {
		e.metricInc(MetricTOTPFailure)
	}

	e.emitAudit(ctx, auditEventTOTPFailure, false, ident.UserID, ident.TenantID, "", ErrMFACodeInvalid, nil)
	return MFAVerification{}, ErrMFACodeInvalid
}

func (e *Engine) totpReplay(ctx context.Context, ident *Identity) error {
	e.metricInc(MetricTOTPReplay)
	e.emitAudit(ctx, auditEventTOTPReplay, false, ident.UserID, ident.TenantID, "", ErrMFACodeInvalid, nil)
	return ErrMFACodeInvalid
}

// DisableMFA turns MFA off after re-verifying the user's password. Backup
// codes are discarded.
func (e *Engine) DisableMFA(ctx context.Context, userID, password string) error {
	ident, err := e.identity(ctx, userID)
	if err != nil {
		return err
	}
	if ident.MFA == MFADisabled {
		return ErrMFANotEnabled
	}
	if err := e.enforce(ctx, mfaRateKey(userID), CategoryAuth, ""); err != nil {
		return err
	}

	verified, err := e.credentials.VerifyCredentials(ctx, ident.Identifier, password)
	if err != nil || verified == nil || verified.UserID != userID {
		e.penalize(ctx, mfaRateKey(userID), CategoryAuth)
		if err != nil && !errors.Is(err, ErrInvalidCredentials) && !errors.Is(err, ErrIdentityNotFound) {
			return err
		}
		return ErrInvalidCredentials
	}

	if err := e.identities.DisableMFA(ctx, userID); err != nil {
		return err
	}
	e.metricInc(MetricMFADisabled)
	e.emitAudit(ctx, auditEventMFADisabled, true, userID, ident.TenantID, "", nil, nil)
	return nil
}

// RegenerateBackupCodes replaces every backup code. It needs a live TOTP
// code, so a stolen backup code cannot mint new ones.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID, totpCode string) ([]string, error) {
	ident, err := e.identity(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ident.MFA != MFAEnabled {
		return nil, ErrMFANotEnabled
	}
	if err := e.enforce(ctx, mfaRateKey(userID), CategoryAuth, ""); err != nil {
		return nil, err
	}

	ok, counter, err := e.totp.Match(ident.TOTPSecret, totpCode, e.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		e.metricInc(MetricTOTPFailure)
		e.penalize(ctx, mfaRateKey(userID), CategoryAuth)
		return nil, ErrMFACodeInvalid
	}
	advanced, err := e.identities.AdvanceTOTPCounter(ctx, userID, counter)
	if err != nil {
		return nil, err
	}
	if !advanced {
		e.penalize(ctx, mfaRateKey(userID), CategoryAuth)
		return nil, e.totpReplay(ctx, ident)
	}

	codes, hashes, err := e.newBackupCodes(userID)
	if err != nil {
		return nil, err
	}
	if err := e.identities.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		return nil, err
	}

	e.metricInc(MetricBackupCodeRegenerated)
	e.emitAudit(ctx, auditEventBackupCodesGenerated, true, userID, ident.TenantID, "", nil, nil)
	return codes, nil
}

func (e *Engine) MFAStatus(ctx context.Context, userID string) (MFAStatus, error) {
	ident, err := e.identity(ctx, userID)
	if err != nil {
		return MFAStatus{}, err
	}
	status := MFAStatus{State: ident.MFA}
	if ident.MFA == MFAEnabled {
		n, err := e.identities.CountBackupCodes(ctx, userID)
		if err != nil {
			return MFAStatus{}, err
		}
		status.BackupRemaining = n
	}
	return status, nil
}

func (e *Engine) identity(ctx context.Context, userID string) (*Identity, error) {
	if e == nil || e.identities == nil || e.totp == nil {
		return nil, ErrEngineNotReady
	}
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidRequest
	}
	ident, err := e.identities.GetIdentity(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ident == nil {
		return nil, ErrIdentityNotFound
	}
	if ident.MFA == "" {
		ident.MFA = MFADisabled
	}
	return ident, nil
}

func (e *Engine) newBackupCodes(userID string) ([]string, []string, error) {
	n := e.config.MFA.BackupCodeCount
	codes := make([]string, 0, n)
	hashes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		raw, err := internal.NewBackupCode(e.config.MFA.BackupCodeLength)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, internal.FormatBackupCode(raw))
		hashes = append(hashes, internal.BackupCodeHash(userID, raw))
	}
	return codes, hashes, nil
}

func mfaRateKey(userID string) string {
	return "mfa:" + userID
}
