package gatekeeper

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/MrEthical07/gatekeeper/csrf"
	"github.com/MrEthical07/gatekeeper/internal"
)

// IssueCSRF replaces the session's CSRF value and returns the plaintext.
// Only its hash is stored.
func (e *Engine) IssueCSRF(ctx context.Context, sessionID string) (string, error) {
	if e == nil || e.csrf == nil {
		return "", ErrEngineNotReady
	}
	if sessionID == "" {
		return "", ErrInvalidRequest
	}
	token, err := internal.NewCSRFToken()
	if err != nil {
		return "", err
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if _, err := e.csrf.Issue(sctx, sessionID, internal.HashToken(token), e.now()); err != nil {
		return "", storeError(err)
	}
	e.metricInc(MetricCSRFIssued)
	return token, nil
}

// VerifyCSRF checks a double submission: the cookie and header values must be
// equal and match the stored hash. On success the value is consumed and its
// replacement returned. Store failures reject the request.
func (e *Engine) VerifyCSRF(ctx context.Context, sessionID, cookieValue, headerValue string) (string, error) {
	if e == nil || e.csrf == nil {
		return "", ErrEngineNotReady
	}
	if sessionID == "" || cookieValue == "" || headerValue == "" ||
		subtle.ConstantTimeCompare([]byte(cookieValue), []byte(headerValue)) != 1 {
		return "", e.rejectCSRF(ctx, sessionID, "double_submit_mismatch")
	}

	next, err := internal.NewCSRFToken()
	if err != nil {
		return "", err
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	_, err = e.csrf.VerifyAndRotate(sctx, sessionID, internal.HashToken(headerValue), internal.HashToken(next), e.now())
	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, csrf.ErrRedisUnavailable):
		return "", storeError(err)
	case errors.Is(err, csrf.ErrTokenConsumed):
		return "", e.rejectCSRF(ctx, sessionID, "consumed")
	case errors.Is(err, csrf.ErrTokenExpired):
		return "", e.rejectCSRF(ctx, sessionID, "expired")
	case errors.Is(err, csrf.ErrTokenMissing):
		return "", e.rejectCSRF(ctx, sessionID, "missing")
	default:
		return "", e.rejectCSRF(ctx, sessionID, "mismatch")
	}
}

func (e *Engine) rejectCSRF(ctx context.Context, sessionID, reason string) error {
	e.metricInc(MetricCSRFRejected)
	e.emitAudit(ctx, auditEventCSRFRejected, false, "", "", sessionID, ErrCSRFInvalid, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return ErrCSRFInvalid
}

// CSRFRequired reports whether a request must carry a CSRF value. Safe
// methods and configured exempt paths do not.
func (e *Engine) CSRFRequired(method, path string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	for _, p := range e.config.CSRF.ExemptPaths {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return false
			}
			continue
		}
		if path == p {
			return false
		}
	}
	return true
}

// CSRFNames returns the cookie and header names clients must use.
func (e *Engine) CSRFNames() (cookie, header string) {
	return e.config.CSRF.CookieName, e.config.CSRF.HeaderName
}
