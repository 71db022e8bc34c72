// Package stores provides Redis-backed, short-lived challenge records: one
// time codes sent over email/phone and the MFA step of a login.
//
// # Design
//
// Each store persists a versioned, binary-encoded record with a TTL.
// Mutations (Issue, Verify, RecordFailure) use WATCH/MULTI optimistic
// transactions retried on contention. Code comparisons are constant time.
//
// # What this package must NOT do
//
//   - Import gatekeeper.
//   - Persist or log plaintext codes.
//   - Decide policy (cooldowns and caps are passed in by the caller).
package stores
