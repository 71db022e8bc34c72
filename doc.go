// Package gatekeeper decides whether a request may proceed, as whom, and at
// what cost.
//
// It issues short-lived access tokens backed by rotating refresh token
// families with reuse detection, guards state-changing requests with a
// double-submit CSRF value, verifies second factors (TOTP, backup codes and
// one-time codes sent by email or phone), enforces tiered and adaptive rate
// limits, and keeps a per-user session registry that ties them together.
//
// All shared state lives in Redis. Identity and MFA data come from an
// [IdentityStore]; identity/sqlstore provides one on database/sql.
//
// Engine methods are safe for concurrent use once [Builder.Build] returns.
//
// # Failure policy
//
// Token, CSRF and challenge operations fail closed: a store timeout returns
// [ErrStoreUnavailable]. The rate limiter fails open and marks its decision
// Degraded.
//
// # Errors
//
// Every returned error maps to a stable [Kind] through [KindOf], and each
// kind to an HTTP status through [HTTPStatus].
package gatekeeper
