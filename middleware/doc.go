// Package middleware adapts portalguard to net/http.
//
// # Guards
//
//   - [Guard]: page routes. Unauthenticated and unauthorized visitors are
//     redirected (303) to the paths computed by guard.Guard.
//   - [RequireAPI]: JSON routes. 401 without a session, 403 for a role
//     outside the allowed set.
//   - [RequirePermission]: JSON routes gated on a permission set through
//     the permission cache.
//
// Every guard depends on portalguard.SessionProvider only and stores the
// resolved session in the request context ([SessionFromContext]).
//
// # What this package must NOT do
//
//   - Parse tokens itself.
//   - Treat a permission cache hit as anything but the server-side check.
package middleware
