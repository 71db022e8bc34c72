// Package session is the Redis-backed registry of logged-in devices.
//
// # Layout
//
// Each session is one binary-encoded [Record] under its own key. A per-user
// sorted set indexes session ids by last activity and is what the
// concurrency cap is enforced against. A per-user history hash remembers
// device fingerprints, networks and the last seen country for suspicious
// login flagging.
//
// # Architecture boundaries
//
// The store does not revoke refresh families itself. Create and Delete hand
// evicted or removed records back so the caller can cascade.
//
// # What this package must NOT do
//
//   - Import gatekeeper, jwt, or refresh.
//   - Store plaintext fingerprints. Callers pass hashes.
package session
