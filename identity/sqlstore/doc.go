// Package sqlstore persists identities, password hashes, MFA state and backup
// code hashes in PostgreSQL (pgx), MySQL or SQLite.
//
// Single-use guarantees come from the database: a backup code is consumed by
// the DELETE that removes its row, and a TOTP step is accepted by the UPDATE
// that advances the stored counter.
package sqlstore
