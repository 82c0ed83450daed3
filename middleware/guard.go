package middleware

import (
	"context"
	"net/http"

	"github.com/MrEthical07/portalguard"
	"github.com/MrEthical07/portalguard/guard"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type trackerContextKey struct{}

// TrackerFromContext returns the guard tracker of the current request.
func TrackerFromContext(ctx context.Context) (*guard.Tracker, bool) {
	t, ok := ctx.Value(trackerContextKey{}).(*guard.Tracker)
	return t, ok
}

// Guard protects page routes. Authorized requests continue with the session
// in context; everything else is redirected with 303 See Other.
func Guard(provider portalguard.SessionProvider, g guard.Guard, opts ...Option) func(http.Handler) http.Handler {
	o := buildOptions(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, decision, ctx := o.evaluate(r, provider, g)
			if decision.State != guard.Authorized {
				http.Redirect(w, r.WithContext(ctx), decision.Redirect, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r.WithContext(portalguard.ContextWithSession(ctx, sess)))
		})
	}
}

// evaluate resolves the session, applies g and records the outcome. The
// returned context carries the request span and the tracker.
func (o options) evaluate(r *http.Request, provider portalguard.SessionProvider, g guard.Guard) (*portalguard.Session, guard.Decision, context.Context) {
	ctx, span := o.tracer.Start(r.Context(), "portalguard.guard")
	defer span.End()

	tracker := guard.NewTracker()
	ctx = context.WithValue(ctx, trackerContextKey{}, tracker)

	var (
		sess *portalguard.Session
		err  error
	)
	if provider == nil {
		err = portalguard.ErrEngineNotReady
	} else {
		sess, err = provider.Session(ctx, r)
	}

	decision := g.Evaluate(sess, err, r.URL.RequestURI())
	if applyErr := tracker.Apply(decision); applyErr != nil {
		o.log.WithError(applyErr).Error("guard tracker rejected decision")
	}

	span.SetAttributes(
		attribute.String("portalguard.path", r.URL.Path),
		attribute.String("portalguard.state", decision.State.String()),
	)

	switch decision.State {
	case guard.Authorized:
		o.metrics.Inc(portalguard.MetricGuardAuthorized)
		span.SetAttributes(attribute.String("portalguard.role", sess.Role.String()))
	case guard.Unauthenticated:
		o.metrics.Inc(portalguard.MetricGuardUnauthenticated)
		span.SetAttributes(attribute.String("portalguard.reason", decision.Reason))
		o.log.WithField("path", r.URL.Path).WithField("reason", decision.Reason).Debug("guard: unauthenticated")
	case guard.Unauthorized:
		o.metrics.Inc(portalguard.MetricGuardUnauthorized)
		span.SetAttributes(attribute.String("portalguard.reason", decision.Reason))
		span.SetStatus(codes.Error, decision.Reason)
		o.log.WithField("path", r.URL.Path).WithField("user_id", sess.UserID).WithField("role", sess.Role.String()).Info("guard: role not allowed")
		o.audit(ctx, portalguard.AuditEvent{
			EventType: portalguard.AuditGuardDenied,
			UserID:    sess.UserID,
			Role:      sess.Role.String(),
			Path:      r.URL.Path,
			Error:     decision.Reason,
			Metadata:  map[string]string{"allowed": g.AllowedRoles.String()},
		})
	}

	return sess, decision, ctx
}
