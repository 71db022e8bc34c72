package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/MrEthical07/gatekeeper"
)

// KeyFunc picks the rate limit key and tier for a request.
type KeyFunc func(r *http.Request) (key, tier string)

// ByIdentityOrIP keys authenticated requests by user and everything else by
// client IP.
func ByIdentityOrIP(r *http.Request) (string, string) {
	if res, ok := gatekeeper.AuthResultFromContext(r.Context()); ok {
		return "user:" + res.UserID, ""
	}
	return "ip:" + ClientIP(r), ""
}

// RateLimit admits requests against category. Quota headers are always set;
// rejected requests get 429 and Retry-After.
func RateLimit(engine *gatekeeper.Engine, category string, keyFn KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ByIdentityOrIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				next.ServeHTTP(w, r)
				return
			}
			key, tier := keyFn(r)
			d := engine.CheckRate(r.Context(), key, category, tier)
			writeRateHeaders(w, d)
			if !d.Allowed {
				WriteError(w, &gatekeeper.RateLimitError{Category: d.Category, RetryAfter: d.RetryAfter, Decision: d})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientContext copies the client IP, user agent and X-Tenant-ID header onto
// the request context.
func ClientContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := gatekeeper.WithClientIP(r.Context(), ClientIP(r))
		ctx = gatekeeper.WithUserAgent(ctx, r.UserAgent())
		if tenant := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); tenant != "" {
			ctx = gatekeeper.WithTenantID(ctx, tenant)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP returns the remote host. Forwarded headers are ignored; put a
// trusted proxy in front that rewrites RemoteAddr instead.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
