package gatekeeper

import "context"

type ctxKey uint8

const (
	ctxClientIP ctxKey = iota
	ctxTenantID
	ctxUserAgent
	ctxAuthResult
)

// defaultTenantID is reported when the caller never set a tenant.
const defaultTenantID = "0"

// WithClientIP attaches the caller's IP address to ctx. It keys per-IP rate
// limits and is recorded on audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxClientIP, ip)
}

func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxTenantID, tenantID)
}

func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, ctxUserAgent, userAgent)
}

// WithAuthResult stores a validated access token result. The HTTP guard and
// gRPC interceptor set it; handlers read it with AuthResultFromContext.
func WithAuthResult(ctx context.Context, res *AuthResult) context.Context {
	return context.WithValue(ctx, ctxAuthResult, res)
}

func AuthResultFromContext(ctx context.Context) (*AuthResult, bool) {
	if ctx == nil {
		return nil, false
	}
	res, ok := ctx.Value(ctxAuthResult).(*AuthResult)
	return res, ok && res != nil
}

func stringFromContext(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

func clientIPFromContext(ctx context.Context) string {
	return stringFromContext(ctx, ctxClientIP)
}

func userAgentFromContext(ctx context.Context) string {
	return stringFromContext(ctx, ctxUserAgent)
}

func tenantIDFromContext(ctx context.Context) string {
	if tid := stringFromContext(ctx, ctxTenantID); tid != "" {
		return tid
	}
	return defaultTenantID
}
