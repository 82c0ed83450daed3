package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/MrEthical07/portalguard"
	"github.com/MrEthical07/portalguard/internal/logging"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrEthical07/portalguard/middleware"

// Auditor receives guard denials. *portalguard.Engine implements it.
type Auditor interface {
	EmitAudit(ctx context.Context, event portalguard.AuditEvent)
}

type options struct {
	log     logrus.FieldLogger
	metrics *portalguard.Metrics
	auditor Auditor
	tracer  trace.Tracer
}

// Option configures a guard middleware.
type Option func(*options)

func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

func WithMetrics(m *portalguard.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithAuditor(a Auditor) Option {
	return func(o *options) { o.auditor = a }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// FromEngine wires logging, metrics and audit from engine in one option.
func FromEngine(engine *portalguard.Engine, log logrus.FieldLogger) Option {
	return func(o *options) {
		o.log = log
		o.metrics = engine.Metrics()
		o.auditor = engine
	}
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.Discard()
	}
	o.log = logging.WithComponent(o.log, "middleware")
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	return o
}

func (o options) audit(ctx context.Context, event portalguard.AuditEvent) {
	if o.auditor != nil {
		o.auditor.EmitAudit(ctx, event)
	}
}

// SessionFromContext returns the session stored by a guard.
func SessionFromContext(ctx context.Context) (*portalguard.Session, bool) {
	return portalguard.SessionFromContext(ctx)
}

// ClientIP stores the caller address for rate limiting and audit. With
// trustForwarded the first X-Forwarded-For hop is used; only enable it
// behind a proxy that overwrites the header.
func ClientIP(trustForwarded bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r.RemoteAddr)
			if trustForwarded {
				if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
					first, _, _ := strings.Cut(fwd, ",")
					if first = strings.TrimSpace(first); first != "" {
						ip = first
					}
				}
			}
			next.ServeHTTP(w, r.WithContext(portalguard.WithClientIP(r.Context(), ip)))
		})
	}
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, code, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Reason: reason})
}
