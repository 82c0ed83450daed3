// Package permcache memoizes permission decisions per user for a short TTL.
//
// # Invalidation policy
//
// Any change of session identity (login, logout, role change, refresh to a
// different user) clears the whole cache through [Cache.Invalidate]. This
// trades precision for simplicity: a wiped cache is always correct, only
// slower. [Cache.InvalidateUser] drops a single user's entries when the caller
// knows exactly who changed.
//
// # What this package must NOT do
//
//   - Act as a security boundary. Handlers that mutate state re-check through
//     the underlying [Evaluator].
//   - Cache evaluator failures.
package permcache
