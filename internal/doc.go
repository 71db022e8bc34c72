// Package internal holds helpers private to gatekeeper: secure random
// generation, token encodings and device fingerprint normalization.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - ids: monotonic ULID generation for challenge and event ids
//   - logx: context-scoped slog loggers
//   - rate: Redis-backed tiered, burst and adaptive rate limiting
//   - stores: WATCH-based challenge stores (OTP, MFA login)
//
// Nothing here may appear in the public gatekeeper API.
package internal
