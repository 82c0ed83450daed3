// Package rate implements the Redis-backed fixed-window counters that throttle
// login and refresh attempts.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key layout,
// below the configured prefix:
//   - rl:u:<identifier> : failed logins per identifier
//   - rl:ip:<ip>        : failed logins per client IP
//   - rr:<sid>          : refresh attempts per refresh session
//
// # What this package must NOT do
//
//   - Decide which error the caller reports; it only returns [ErrRateLimited].
//   - Be imported outside the portalguard module.
package rate
