// Package permission defines portal permissions, a bit registry for them, and
// the role composition used by the server-side evaluator.
//
// # Mask sizes
//
// Supported widths: 64 and 128 bits. A width is selected at registry
// construction time and is immutable thereafter. Bit positions are assigned by
// [Registry.Register] and are stable for the lifetime of the process.
//
// # Architecture boundaries
//
// This package is a pure in-memory data structure with no I/O. Grants stored
// per user live in the directory package; caching lives in permcache.
//
// # What this package must NOT do
//
//   - Access Redis, databases, or the network.
//   - Import portalguard, jwt, or session.
//   - Dynamically resize masks after registry construction.
package permission
