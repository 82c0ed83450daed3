package portalguard

import (
	"context"
	"io"

	"github.com/MrEthical07/portalguard/internal/audit"
	"github.com/sirupsen/logrus"
)

// AuditEvent is one audit record.
type AuditEvent = audit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = audit.Sink

type (
	NoOpSink       = audit.NoOpSink
	ChannelSink    = audit.ChannelSink
	JSONWriterSink = audit.JSONWriterSink
	LogrusSink     = audit.LogrusSink
)

func NewChannelSink(buffer int) *ChannelSink { return audit.NewChannelSink(buffer) }

func NewJSONWriterSink(w io.Writer) *JSONWriterSink { return audit.NewJSONWriterSink(w) }

func NewLogrusSink(log logrus.FieldLogger) *LogrusSink { return audit.NewLogrusSink(log) }

const (
	AuditResolveRejected  = "resolve_rejected"
	AuditLoginSuccess     = "login_success"
	AuditLoginFailure     = "login_failure"
	AuditLoginRateLimited = "login_rate_limited"
	AuditRefreshSuccess   = "refresh_success"
	AuditRefreshFailure   = "refresh_failure"
	AuditRefreshReuse     = "refresh_reuse_detected"
	AuditRefreshTimeout   = "refresh_timeout"
	AuditLogout           = "logout_session"
	AuditLogoutAll        = "logout_all"
	AuditGuardDenied      = "guard_denied"
	AuditCacheInvalidated = "permission_cache_invalidated"
)

// EmitAudit forwards event to the configured sink. Timestamp and client IP
// are filled in when empty.
func (e *Engine) EmitAudit(ctx context.Context, event AuditEvent) {
	if e == nil || e.audit == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	if event.IP == "" {
		event.IP = ClientIPFromContext(ctx)
	}
	e.audit.Emit(ctx, event)
}

func (e *Engine) emitAudit(ctx context.Context, eventType string, success bool, userID, sessionID string, err error, metadata map[string]string) {
	if e == nil || e.audit == nil {
		return
	}
	event := AuditEvent{
		Timestamp: e.now(),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		IP:        ClientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if err != nil {
		event.Error = err.Error()
	}
	e.audit.Emit(ctx, event)
}

// AuditDropped reports events lost to a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

