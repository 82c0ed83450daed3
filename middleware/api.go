package middleware

import (
	"net/http"

	"github.com/MrEthical07/portalguard"
	"github.com/MrEthical07/portalguard/guard"
	"github.com/MrEthical07/portalguard/permcache"
	"github.com/MrEthical07/portalguard/permission"
	"github.com/MrEthical07/portalguard/role"
	"go.opentelemetry.io/otel/attribute"
)

// RequireAPI protects JSON routes. Missing or invalid credentials get 401,
// a role outside allowed gets 403. An empty allowed set admits any session.
// ADMIN is always admitted.
func RequireAPI(provider portalguard.SessionProvider, allowed role.Set, opts ...Option) func(http.Handler) http.Handler {
	o := buildOptions(opts)
	g := guard.Guard{AllowedRoles: allowed, AdminBypass: true}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, decision, ctx := o.evaluate(r, provider, g)
			switch decision.State {
			case guard.Authorized:
				next.ServeHTTP(w, r.WithContext(portalguard.ContextWithSession(ctx, sess)))
			case guard.Unauthorized:
				writeJSONError(w, http.StatusForbidden, "forbidden", decision.Reason)
			default:
				writeJSONError(w, http.StatusUnauthorized, "unauthenticated", decision.Reason)
			}
		})
	}
}

// RequirePermission admits a request only when every permission in perms is
// granted to the session's user. The session comes from the context when an
// outer guard stored one, otherwise from provider. Evaluation errors deny.
//
// Requests with a method other than GET, HEAD or OPTIONS skip stored
// decisions, so a revocation applied by another process stops writes at once.
func RequirePermission(provider portalguard.SessionProvider, cache *permcache.Cache, perms []permission.Permission, opts ...Option) func(http.Handler) http.Handler {
	o := buildOptions(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := o.tracer.Start(r.Context(), "portalguard.permission")
			defer span.End()

			sess, ok := portalguard.SessionFromContext(ctx)
			if !ok && provider != nil {
				resolved, err := provider.Session(ctx, r)
				if err == nil {
					sess, ok = resolved, true
				}
			}
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "no_session")
				return
			}
			if cache == nil {
				o.log.Error("permission middleware without cache")
				writeJSONError(w, http.StatusForbidden, "forbidden", "permissions_unavailable")
				return
			}

			var (
				granted bool
				err     error
			)
			if SafeMethod(r.Method) {
				granted, err = cache.CheckAll(ctx, sess.UserID, perms)
			} else {
				granted, err = cache.CheckFresh(ctx, sess.UserID, perms, permcache.All)
			}
			span.SetAttributes(
				attribute.StringSlice("portalguard.permissions", permission.Canonical(perms)),
				attribute.Bool("portalguard.granted", granted),
			)
			if err != nil {
				o.log.WithError(err).WithField("user_id", sess.UserID).Warn("permission evaluation failed")
			}
			if !granted {
				o.metrics.Inc(portalguard.MetricPermissionDenied)
				o.audit(ctx, portalguard.AuditEvent{
					EventType: portalguard.AuditGuardDenied,
					UserID:    sess.UserID,
					Role:      sess.Role.String(),
					Path:      r.URL.Path,
					Error:     "permission_denied",
				})
				writeJSONError(w, http.StatusForbidden, "forbidden", "permission_denied")
				return
			}
			next.ServeHTTP(w, r.WithContext(portalguard.ContextWithSession(ctx, sess)))
		})
	}
}

// SafeMethod reports whether method is read-only per RFC 9110.
func SafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
