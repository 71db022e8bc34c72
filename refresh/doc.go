// Package refresh persists rotating refresh token families in Redis.
//
// # Model
//
// A family is one Redis hash holding the single active token hash plus the
// identity needed to mint access tokens. Every rotation moves the presented
// hash into a companion set of superseded hashes, retained for a short window.
// Presenting a superseded hash is reuse: the family is revoked in the same
// script that detects it.
//
// # What this package must NOT do
//
//   - See plaintext refresh secrets. Callers pass hex SHA-256 digests only.
//   - Split a rotation into separate read and write round trips.
//   - Import gatekeeper, jwt, or session.
package refresh
