// Package session provides Redis-backed persistence for refresh sessions.
//
// A refresh session is the server half of a login: it records who logged in,
// the role they had, and the hash of the one refresh secret currently valid.
// Access tokens stay stateless; only refresh goes through this store.
//
// # Storage layout
//
// Each session is a Redis hash under "<prefix>:s:<sessionID>" with a TTL equal
// to its remaining lifetime. A set under "<prefix>:u:<userID>" indexes the
// sessions of one user so role changes and logout-all can revoke them.
//
// # What this package must NOT do
//
//   - Import portalguard, jwt, or permission (no upward imports).
//   - Perform application-level authorization decisions.
//   - Store plaintext secrets; only SHA-256 hashes of refresh secrets.
package session
