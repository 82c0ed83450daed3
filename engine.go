package portalguard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MrEthical07/portalguard/internal/audit"
	"github.com/MrEthical07/portalguard/internal/flows"
	"github.com/MrEthical07/portalguard/internal/rate"
	"github.com/MrEthical07/portalguard/jwt"
	"github.com/MrEthical07/portalguard/password"
	"github.com/MrEthical07/portalguard/permcache"
	"github.com/MrEthical07/portalguard/permission"
	"github.com/MrEthical07/portalguard/role"
	"github.com/MrEthical07/portalguard/session"
	"github.com/MrEthical07/portalguard/tokenstore"
	"github.com/sirupsen/logrus"
)

// Engine resolves sessions and runs the credential lifecycle. It is the
// canonical [SessionProvider].
//
// Engine instances are safe for concurrent use after Build.
type Engine struct {
	config Config
	log    logrus.FieldLogger
	now    func() time.Time

	jwt      *jwt.Manager
	sessions *session.Store
	limiter  *rate.Limiter
	users    UserProvider
	hasher   password.Hasher
	perms    *permcache.Cache
	audit    *audit.Dispatcher
	metrics  *Metrics

	flows flows.Deps
}

var _ SessionProvider = (*Engine)(nil)

// Close flushes pending audit events.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// MetricsSnapshot copies every counter and histogram. Exporters read it.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// Permissions returns the permission cache, or nil when no evaluator was
// configured.
func (e *Engine) Permissions() *permcache.Cache {
	return e.perms
}

// Resolve verifies rawToken and derives the session it carries.
//
// An empty token yields [ErrUnauthenticated], an expired one
// [ErrCredentialExpired], a token naming no user [ErrMissingSubject], and
// anything else undecodable [ErrMalformedCredential]. An absent or unknown
// role claim resolves to Config.Resolve.DefaultRole.
func (e *Engine) Resolve(ctx context.Context, rawToken string) (*Session, error) {
	if e == nil || e.jwt == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricResolveLatency, time.Since(start)) }()
	}

	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		e.metrics.Inc(MetricResolveUnauthenticated)
		return nil, ErrUnauthenticated
	}

	claims, err := e.jwt.Parse(rawToken)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			e.metrics.Inc(MetricResolveExpired)
			e.log.Debug("access token expired")
			return nil, ErrCredentialExpired
		}
		e.metrics.Inc(MetricResolveMalformed)
		e.log.WithError(err).Warn("access token rejected")
		e.emitAudit(ctx, AuditResolveRejected, false, "", "", err, map[string]string{"reason": "malformed"})
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	sess, _, err := e.sessionFromClaims(claims)
	if err != nil {
		e.metrics.Inc(MetricResolveMissingSubject)
		e.log.Warn("access token has no subject")
		e.emitAudit(ctx, AuditResolveRejected, false, "", "", err, map[string]string{"reason": "missing_subject"})
		return nil, err
	}

	e.metrics.Inc(MetricResolveSuccess)
	return sess, nil
}

// Inspect decodes rawToken for diagnostics. The signature is verified but
// expiry is reported in IsExpired instead of enforced. Never gate access on
// the result.
func (e *Engine) Inspect(ctx context.Context, rawToken string) (*Inspection, error) {
	if e == nil || e.jwt == nil {
		return nil, ErrEngineNotReady
	}
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, ErrUnauthenticated
	}

	claims, expired, err := e.jwt.Inspect(rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	sess, recognised, err := e.sessionFromClaims(claims)
	if err != nil {
		return nil, err
	}

	out := &Inspection{
		Session:        sess,
		IsExpired:      expired,
		TokenID:        claims.ID,
		Issuer:         claims.Issuer,
		RawRole:        claims.Role,
		RoleRecognised: recognised,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

// Session resolves the credential carried by r: the auth_token cookie first,
// then an Authorization bearer header.
func (e *Engine) Session(ctx context.Context, r *http.Request) (*Session, error) {
	if r == nil {
		return nil, ErrUnauthenticated
	}
	return e.Resolve(ctx, tokenstore.FromRequest(r))
}

// Can checks perms (all of them) for sess through the permission cache.
// The result is advisory for rendering; handlers must still call it server
// side before mutating anything.
func (e *Engine) Can(ctx context.Context, sess *Session, perms ...permission.Permission) (bool, error) {
	if e == nil || e.perms == nil {
		return false, ErrEngineNotReady
	}
	if sess == nil {
		return false, ErrUnauthenticated
	}
	ok, err := e.perms.Check(ctx, sess.UserID, perms...)
	if err != nil {
		return false, err
	}
	if !ok {
		e.metrics.Inc(MetricPermissionDenied)
	}
	return ok, nil
}

// IssueAccessToken mints an access token outside the login flow, for tooling.
func (e *Engine) IssueAccessToken(userID, email string, r role.Role, ttl time.Duration) (string, time.Time, error) {
	if e == nil || e.jwt == nil {
		return "", time.Time{}, ErrEngineNotReady
	}
	if !r.Valid() {
		return "", time.Time{}, fmt.Errorf("portalguard: invalid role %d", r)
	}
	return e.jwt.Issue(userID, email, r.String(), ttl)
}

func (e *Engine) sessionFromClaims(claims *jwt.Claims) (*Session, bool, error) {
	sub := claims.SubjectID()
	if sub == "" {
		return nil, false, ErrMissingSubject
	}

	r, ok := role.Normalize(claims.Role)
	if !ok {
		if claims.Role != nil {
			e.metrics.Inc(MetricResolveUnknownRole)
			e.log.WithField("role_claim", fmt.Sprint(claims.Role)).Debug("unrecognised role claim, using default")
		}
		r = e.config.Resolve.DefaultRole
	}

	return &Session{
		UserID:    sub,
		Email:     claims.Email,
		Role:      r,
		ExpiresAt: claims.Expiry(),
	}, ok, nil
}

func (e *Engine) normalizeRoleName(raw any) string {
	return role.OrDefault(raw, e.config.Resolve.DefaultRole).String()
}

func (e *Engine) issueForSession(sess *session.Session) (string, time.Time, error) {
	return e.jwt.Issue(sess.UserID, sess.Email, sess.Role, 0)
}

func (e *Engine) ready() bool {
	return e != nil && e.sessions != nil && e.limiter != nil
}
