// Package csrf stores the per-session double-submit token and rotates it
// atomically on every accepted state-changing request.
//
// Only SHA-256 digests of token values reach Redis. Verification and rotation
// happen in one script, so a value can be accepted at most once even when
// several requests race with it.
package csrf
