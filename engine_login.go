package portalguard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/portalguard/internal/flows"
	"github.com/MrEthical07/portalguard/role"
	"github.com/MrEthical07/portalguard/session"
)

// Login verifies email and password and issues a new credential.
//
// Unknown users and wrong passwords both yield [ErrInvalidCredentials].
func (e *Engine) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if !e.ready() || e.users == nil {
		return nil, ErrEngineNotReady
	}

	res := flows.RunLogin(ctx, email, password, e.flows.Login)
	switch res.Failure {
	case flows.LoginFailureNone:
	case flows.LoginFailureRateLimited:
		e.metrics.Inc(MetricLoginRateLimited)
		e.emitAudit(ctx, AuditLoginRateLimited, false, "", "", res.Err, map[string]string{"identifier": email})
		return nil, ErrLoginRateLimited
	case flows.LoginFailureUnknownUser, flows.LoginFailureBadPassword:
		e.metrics.Inc(MetricLoginFailure)
		e.emitAudit(ctx, AuditLoginFailure, false, res.UserID, "", ErrInvalidCredentials, nil)
		return nil, ErrInvalidCredentials
	case flows.LoginFailurePersist:
		e.metrics.Inc(MetricLoginFailure)
		e.log.WithError(res.Err).Error("persisting refresh session failed")
		return nil, fmt.Errorf("%w: %v", ErrSessionCreationFailed, res.Err)
	default:
		e.metrics.Inc(MetricLoginFailure)
		e.log.WithError(res.Err).WithField("user_id", res.UserID).Error("login failed")
		e.emitAudit(ctx, AuditLoginFailure, false, res.UserID, "", res.Err, nil)
		return nil, res.Err
	}

	e.metrics.Inc(MetricLoginSuccess)
	e.metrics.Inc(MetricSessionCreated)
	e.emitAudit(ctx, AuditLoginSuccess, true, res.UserID, res.Session.SessionID, nil, map[string]string{"role": res.Session.Role})
	e.log.WithFields(map[string]any{"user_id": res.UserID, "role": res.Session.Role}).Info("login")

	return e.lifecycleResult(res.Session, res.AccessToken, res.AccessExpiresAt, res.RefreshToken), nil
}

// Refresh rotates refreshToken and issues a new credential.
//
// Presenting an already-rotated token deletes the session and returns
// [ErrRefreshReuse]. Unknown, expired and undecodable tokens return
// [ErrRefreshInvalid].
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	return e.refresh(ctx, refreshToken, nil)
}

// refresh runs the refresh flow. beforeCommit, when set, may abandon the
// flow up to the moment the refresh hash is swapped.
func (e *Engine) refresh(ctx context.Context, refreshToken string, beforeCommit func() bool) (*LoginResult, error) {
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricRefreshLatency, time.Since(start)) }()
	}

	deps := e.flows.Refresh
	deps.BeforeCommit = beforeCommit
	res := flows.RunRefresh(ctx, refreshToken, deps)
	switch res.Failure {
	case flows.RefreshFailureNone:
		// The swap is committed; finish bookkeeping even if the caller left.
		ctx = context.WithoutCancel(ctx)
	case flows.RefreshFailureAbandoned:
		return nil, ErrRefreshTimeout
	case flows.RefreshFailureRateLimited:
		e.metrics.Inc(MetricRefreshRateLimited)
		e.emitAudit(ctx, AuditRefreshFailure, false, "", res.SessionID, res.Err, map[string]string{"reason": "rate_limited"})
		return nil, ErrRefreshRateLimited
	case flows.RefreshFailureReuse:
		e.metrics.Inc(MetricRefreshReuseDetected)
		e.log.WithField("session_id", res.SessionID).Warn("refresh token reuse, session revoked")
		e.emitAudit(ctx, AuditRefreshReuse, false, "", res.SessionID, res.Err, nil)
		return nil, ErrRefreshReuse
	case flows.RefreshFailureDecode, flows.RefreshFailureSessionNotFound:
		e.metrics.Inc(MetricRefreshFailure)
		e.emitAudit(ctx, AuditRefreshFailure, false, "", res.SessionID, res.Err, nil)
		return nil, ErrRefreshInvalid
	case flows.RefreshFailureUserGone:
		e.metrics.Inc(MetricRefreshFailure)
		e.InvalidatePermissions(ctx, res.UserID, "user_removed")
		e.emitAudit(ctx, AuditRefreshFailure, false, res.UserID, res.SessionID, res.Err, map[string]string{"reason": "user_removed"})
		return nil, ErrRefreshInvalid
	case flows.RefreshFailureRotate:
		e.metrics.Inc(MetricRefreshFailure)
		if errors.Is(res.Err, session.ErrRedisUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, res.Err)
		}
		return nil, fmt.Errorf("%w: %v", ErrRefreshInvalid, res.Err)
	default:
		e.metrics.Inc(MetricRefreshFailure)
		e.log.WithError(res.Err).Error("refresh failed")
		return nil, res.Err
	}

	if res.PreviousRole != "" && e.perms != nil {
		prev := &Session{UserID: res.UserID, Role: role.OrDefault(res.PreviousRole, role.None)}
		next := &Session{UserID: res.UserID, Role: role.OrDefault(res.Session.Role, role.None)}
		if e.perms.ObserveSession(prev, next) {
			e.metrics.Inc(MetricCacheInvalidated)
			e.emitAudit(ctx, AuditCacheInvalidated, true, res.UserID, res.SessionID, nil, map[string]string{"reason": "role_changed"})
		}
	}

	e.metrics.Inc(MetricRefreshSuccess)
	e.emitAudit(ctx, AuditRefreshSuccess, true, res.UserID, res.SessionID, nil, nil)
	return e.lifecycleResult(res.Session, res.AccessToken, res.AccessExpiresAt, res.RefreshToken), nil
}

// RefreshWithin races Refresh against timeout (Config.Session.RefreshTimeout
// when timeout <= 0). On timeout it returns [ErrRefreshTimeout], the session
// is left as it was, and callers continue with the credential they hold.
//
// A refresh that has already reached the hash swap when the timer fires is
// waited for and its result returned, so the caller never keeps a token the
// store has rotated away.
func (e *Engine) RefreshWithin(ctx context.Context, refreshToken string, timeout time.Duration) (*LoginResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if timeout <= 0 {
		timeout = e.config.Session.RefreshTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	const (
		pending int32 = iota
		committing
		abandoned
	)
	var state atomic.Int32
	beforeCommit := func() bool { return state.CompareAndSwap(pending, committing) }

	type outcome struct {
		res *LoginResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.refresh(ctx, refreshToken, beforeCommit)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
	}

	if !state.CompareAndSwap(pending, abandoned) {
		o := <-done
		return o.res, o.err
	}
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, ctx.Err()
	}
	e.metrics.Inc(MetricRefreshTimeout)
	e.log.WithField("timeout", timeout).Warn("refresh timed out")
	e.emitAudit(context.WithoutCancel(ctx), AuditRefreshTimeout, false, "", "", ErrRefreshTimeout, nil)
	return nil, ErrRefreshTimeout
}

// Logout deletes the session named by refreshToken and clears the
// permission cache. Logging out an unknown session succeeds.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}

	res := flows.RunLogout(ctx, refreshToken, e.flows.Logout)
	if res.Err != nil {
		if errors.Is(res.Err, flows.ErrLogoutSecretMismatch) {
			e.emitAudit(ctx, AuditLogout, false, "", res.SessionID, res.Err, nil)
			return ErrRefreshInvalid
		}
		if res.SessionID == "" {
			return ErrRefreshInvalid
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, res.Err)
	}

	e.metrics.Inc(MetricLogout)
	if res.UserID != "" {
		e.InvalidatePermissions(ctx, res.UserID, "logout")
		e.emitAudit(ctx, AuditLogout, true, res.UserID, res.SessionID, nil, nil)
	}
	return nil
}

// LogoutAll deletes every refresh session of userID and reports how many
// were removed.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	n, err := flows.RunLogoutAll(ctx, userID, e.flows.Logout)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	e.metrics.Inc(MetricLogoutAll)
	e.InvalidatePermissions(ctx, userID, "logout_all")
	e.emitAudit(ctx, AuditLogoutAll, true, userID, "", nil, map[string]string{"sessions": fmt.Sprint(n)})
	return n, nil
}

// ActiveSessions lists the refresh session IDs held by userID.
func (e *Engine) ActiveSessions(ctx context.Context, userID string) ([]string, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	return e.sessions.ActiveSessionIDs(ctx, userID)
}

// InvalidatePermissions clears the permission cache (every entry, see
// permcache.Cache.Invalidate) after an identity or directory change.
func (e *Engine) InvalidatePermissions(ctx context.Context, userID, reason string) {
	if e.perms == nil {
		return
	}
	e.perms.Invalidate(userID)
	e.metrics.Inc(MetricCacheInvalidated)
	e.emitAudit(ctx, AuditCacheInvalidated, true, userID, "", nil, map[string]string{"reason": reason})
}

func (e *Engine) lifecycleResult(sess *session.Session, access string, accessExp time.Time, refresh string) *LoginResult {
	return &LoginResult{
		Credential: Credential{
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresAt:    accessExp,
		},
		Session: &Session{
			UserID:    sess.UserID,
			Email:     sess.Email,
			Role:      role.OrDefault(sess.Role, e.config.Resolve.DefaultRole),
			ExpiresAt: accessExp,
		},
		SessionID: sess.SessionID,
	}
}
