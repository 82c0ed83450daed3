// Package portalguard resolves portal sessions from access tokens and manages
// the credential lifecycle behind them.
//
// # Architecture
//
// Components, leaf to root:
//
//	tokenstore → Engine.Resolve → role.Normalize → permcache / guard → handler
//
// The [Engine] is the single [SessionProvider]. Page and API guards (package
// middleware) and the CLI depend on that interface only.
//
// # Modes
//
// [Engine.Resolve] enforces signature and expiry and is the only path that
// may gate access. [Engine.Inspect] still verifies the signature but reports
// expiry instead of enforcing it, for diagnostics.
//
// # Credential lifecycle
//
// [Engine.Login] verifies a password against the [UserProvider], persists a
// refresh session in Redis and issues an access/refresh pair.
// [Engine.Refresh] rotates the refresh secret atomically; presenting a rotated
// secret deletes the session. [Engine.Logout] deletes the session and clears
// the permission cache.
package portalguard
