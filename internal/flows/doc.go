// Package flows holds the credential-lifecycle orchestrators behind the Engine.
//
// Each flow (RunLogin, RunRefresh, RunLogout) accepts a typed dependency struct
// and returns a result carrying a failure kind, which the Engine maps to its
// public errors, metrics and audit events.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import portalguard (to avoid import cycles).
//   - Perform I/O directly; all I/O goes through the dependency structs.
package flows
