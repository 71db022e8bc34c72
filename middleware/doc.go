// Package middleware adapts gatekeeper.Engine to net/http and gRPC.
//
// # Guards
//
//   - [Guard] / [RequireJWTOnly]: access token verification, no store call.
//   - [RequireStrict]: access token plus a live session check that also
//     slides the session's idle expiry.
//   - [CSRF]: double-submit verification for mutating requests, rotating
//     the value on success.
//   - [RateLimit]: per-category admission with X-RateLimit-* headers.
//   - [ClientContext]: copies client IP, user agent and tenant onto the
//     request context.
//
// gRPC servers use [UnaryAuthInterceptor], [StreamAuthInterceptor] and
// [UnaryRateLimitInterceptor].
//
// This package translates transport semantics into Engine calls. It does not
// parse tokens or touch Redis itself.
package middleware
