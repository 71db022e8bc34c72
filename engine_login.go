package gatekeeper

import (
	"context"
	"errors"
	"strings"

	"github.com/MrEthical07/gatekeeper/internal"
	"github.com/MrEthical07/gatekeeper/internal/ids"
	"github.com/MrEthical07/gatekeeper/internal/stores"
)

// Login runs the password step. With MFA enabled it returns a
// *MFARequiredError whose ChallengeID must be passed to CompleteMFALogin;
// otherwise it opens a session and issues tokens.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	if e == nil || e.credentials == nil {
		return LoginResult{}, ErrEngineNotReady
	}
	identifier := stores.NormalizeIdentifier(req.Identifier)
	if identifier == "" || req.Password == "" {
		return LoginResult{}, ErrInvalidRequest
	}
	if req.Device.IP == "" {
		req.Device.IP = clientIPFromContext(ctx)
	}
	if req.Device.UserAgent == "" {
		req.Device.UserAgent = userAgentFromContext(ctx)
	}

	idKey := loginRateKey(identifier)
	if err := e.enforce(ctx, idKey, CategoryAuth, req.Tier); err != nil {
		e.metricInc(MetricLoginRateLimited)
		return LoginResult{}, err
	}
	if req.Device.IP != "" {
		if err := e.enforce(ctx, "ip:"+req.Device.IP, CategoryAuth, req.Tier); err != nil {
			e.metricInc(MetricLoginRateLimited)
			return LoginResult{}, err
		}
	}

	ident, err := e.credentials.VerifyCredentials(ctx, identifier, req.Password)
	if err != nil || ident == nil {
		if err == nil || errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrIdentityNotFound) {
			err = ErrInvalidCredentials
			e.penalize(ctx, idKey, CategoryAuth)
		}
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", "", err, nil)
		return LoginResult{}, err
	}

	if ident.MFA == MFAEnabled {
		return LoginResult{}, e.startMFALogin(ctx, ident, req)
	}
	return e.finishLogin(ctx, ident, req.Device, req.RememberMe)
}

func (e *Engine) startMFALogin(ctx context.Context, ident *Identity, req LoginRequest) error {
	now := e.now()
	ttl := e.config.MFA.LoginChallengeTTL
	expiresAt := now.Add(ttl)
	challengeID := ids.NewAt(now)

	sctx, cancel := e.storeCtx(ctx)
	err := e.mfaLogin.Save(sctx, challengeID, &stores.MFALoginChallenge{
		UserID:      ident.UserID,
		TenantID:    ident.TenantID,
		Roles:       strings.Join(ident.Roles, ","),
		Identifier:  ident.Identifier,
		RememberMe:  req.RememberMe,
		Fingerprint: req.Device.Fingerprint,
		IP:          req.Device.IP,
		UserAgent:   req.Device.UserAgent,
		Country:     req.Device.Country,
		ExpiresAt:   expiresAt.Unix(),
	}, ttl)
	cancel()
	if err != nil {
		return storeError(err)
	}

	e.metricInc(MetricMFALoginRequired)
	e.emitAudit(ctx, auditEventMFARequired, true, ident.UserID, ident.TenantID, "", nil, nil)
	return &MFARequiredError{
		ChallengeID: challengeID,
		ExpiresAt:   expiresAt,
		Methods:     []string{MFAMethodTOTP, MFAMethodBackupCode},
	}
}

// CompleteMFALogin verifies the second factor for a pending login and opens
// the session. A challenge completes at most once; too many wrong codes
// discard it.
func (e *Engine) CompleteMFALogin(ctx context.Context, challengeID, code string) (LoginResult, error) {
	if e == nil || e.mfaLogin == nil {
		return LoginResult{}, ErrEngineNotReady
	}
	if _, err := ids.Parse(challengeID); err != nil {
		return LoginResult{}, ErrMFALoginInvalid
	}

	sctx, cancel := e.storeCtx(ctx)
	pending, err := e.mfaLogin.Get(sctx, challengeID)
	cancel()
	if err != nil {
		return LoginResult{}, mfaLoginError(err)
	}

	ident, err := e.identity(ctx, pending.UserID)
	if err != nil {
		return LoginResult{}, err
	}
	if ident.MFA != MFAEnabled {
		return LoginResult{}, ErrMFALoginInvalid
	}
	if err := e.enforce(ctx, mfaRateKey(ident.UserID), CategoryAuth, ""); err != nil {
		return LoginResult{}, err
	}

	if _, err := e.verifySecondFactor(ctx, ident, code); err != nil {
		e.penalize(ctx, mfaRateKey(ident.UserID), CategoryAuth)
		e.metricInc(MetricMFALoginFailure)
		e.emitAudit(ctx, auditEventMFALoginFailure, false, ident.UserID, ident.TenantID, "", err, nil)
		if !errors.Is(err, ErrMFACodeInvalid) {
			return LoginResult{}, err
		}
		sctx, cancel := e.storeCtx(ctx)
		exceeded, ferr := e.mfaLogin.RecordFailure(sctx, challengeID, e.config.MFA.LoginMaxAttempts)
		cancel()
		if ferr != nil {
			return LoginResult{}, mfaLoginError(ferr)
		}
		if exceeded {
			return LoginResult{}, ErrMFALoginExhausted
		}
		return LoginResult{}, ErrMFACodeInvalid
	}

	sctx, cancel = e.storeCtx(ctx)
	won, err := e.mfaLogin.Delete(sctx, challengeID)
	cancel()
	if err != nil {
		return LoginResult{}, storeError(err)
	}
	if !won {
		return LoginResult{}, ErrMFALoginInvalid
	}

	if pending.TenantID != "" {
		ident.TenantID = pending.TenantID
	}
	if pending.Roles != "" {
		ident.Roles = strings.Split(pending.Roles, ",")
	}
	device := Device{
		Fingerprint: pending.Fingerprint,
		IP:          pending.IP,
		UserAgent:   pending.UserAgent,
		Country:     pending.Country,
	}

	res, err := e.finishLogin(ctx, ident, device, pending.RememberMe)
	if err != nil {
		return LoginResult{}, err
	}
	e.metricInc(MetricMFALoginSuccess)
	e.emitAudit(ctx, auditEventMFALoginSuccess, true, ident.UserID, ident.TenantID, res.Session.ID, nil, nil)
	return res, nil
}

func (e *Engine) finishLogin(ctx context.Context, ident *Identity, device Device, rememberMe bool) (LoginResult, error) {
	tenantID := ident.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
		ident.TenantID = tenantID
	}

	info, evicted, err := e.createSession(ctx, ident.UserID, tenantID, device)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, ident.UserID, tenantID, "", err, nil)
		return LoginResult{}, err
	}

	tokens, err := e.IssueTokens(ctx, ident, info.ID, WithRememberMe(rememberMe))
	if err != nil {
		_ = e.TerminateSession(ctx, info.ID)
		e.metricInc(MetricLoginFailure)
		return LoginResult{}, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, ident.UserID, tenantID, info.ID, nil, nil)
	return LoginResult{Tokens: tokens, Session: info, Evicted: evicted}, nil
}

func mfaLoginError(err error) error {
	switch {
	case errors.Is(err, stores.ErrMFALoginChallengeNotFound):
		return ErrMFALoginInvalid
	case errors.Is(err, stores.ErrMFALoginChallengeExpired):
		return ErrMFALoginExpired
	case errors.Is(err, stores.ErrMFALoginChallengeExceeded):
		return ErrMFALoginExhausted
	default:
		return storeError(err)
	}
}

func loginRateKey(identifier string) string {
	return "id:" + internal.HashToken(identifier)
}
