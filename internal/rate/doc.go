// Package rate implements Redis-backed admission control: tiered fixed-window
// counters per (key, category), a parallel short burst window, and a
// time-boxed adaptive multiplier layered on top of the configured cap.
//
// # Window semantics
//
// Fixed windows: INCR plus PEXPIRE on the first hit, one Lua round trip per
// check. Key prefixes under the configured namespace:
//   - rl:  window counter
//   - rlb: burst counter
//   - rls: trailing usage statistics
//   - rla: adjustment record (multiplier, expires_at)
//
// # Failure policy
//
// Check never returns an error. When Redis is unreachable or slow the request
// is admitted and the decision is marked Degraded.
package rate
