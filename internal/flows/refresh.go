package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/portalguard/session"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureDecode
	RefreshFailureRateLimited
	RefreshFailureNextSecret
	RefreshFailureReuse
	RefreshFailureSessionNotFound
	RefreshFailureRotate
	RefreshFailureUserGone
	RefreshFailureIssueAccess
	RefreshFailureEncode
	// RefreshFailureAbandoned means BeforeCommit declined; the session store
	// was not modified.
	RefreshFailureAbandoned
)

// RefreshResult carries either the issued token pair or failure metadata.
type RefreshResult struct {
	Failure   RefreshFailureKind
	Err       error
	SessionID string
	UserID    string
	Session   *session.Session
	// PreviousRole is the stored role when CurrentRole replaced it.
	PreviousRole    string
	AccessToken     string
	AccessExpiresAt time.Time
	RefreshToken    string
}

type RefreshRateLimiter interface {
	CheckRefresh(ctx context.Context, sessionID string) error
}

type RefreshSessionStore interface {
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	RotateRefreshHash(ctx context.Context, sessionID string, providedHash, nextHash [32]byte, role string) (*session.Session, error)
	Delete(ctx context.Context, sessionID string) error
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	DecodeRefreshToken func(string) (string, [32]byte, error)
	NewRefreshSecret   func() ([32]byte, error)
	HashRefreshSecret  func([32]byte) [32]byte
	EncodeRefreshToken func(string, [32]byte) (string, error)
	IssueAccessToken   func(*session.Session) (string, time.Time, error)

	// CurrentRole re-reads the role from the directory so demotions take
	// effect at the next refresh. Optional.
	CurrentRole func(ctx context.Context, userID string) (string, error)
	UserGone    error

	RateLimiter         RefreshRateLimiter
	SessionStore        RefreshSessionStore
	RefreshHashMismatch error
	RedisNil            error
	Warn                func(string, ...any)

	// BeforeCommit runs immediately before the hash swap. Returning false
	// abandons the refresh with the session untouched. Once it returns true
	// the swap runs to completion even if ctx is cancelled.
	BeforeCommit func() bool
}

// RunRefresh rotates the refresh secret and issues a fresh access token.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	sessionID, providedSecret, err := deps.DecodeRefreshToken(refreshToken)
	if err != nil {
		return RefreshResult{Failure: RefreshFailureDecode, Err: err}
	}

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.CheckRefresh(ctx, sessionID); err != nil {
			return RefreshResult{Failure: RefreshFailureRateLimited, Err: err, SessionID: sessionID}
		}
	}

	nextSecret, err := deps.NewRefreshSecret()
	if err != nil {
		return RefreshResult{Failure: RefreshFailureNextSecret, Err: err, SessionID: sessionID}
	}

	// Every slow read happens before the swap, so a caller that gives up
	// never leaves a rotated session behind.
	var storedRole, nextRole string
	if deps.CurrentRole != nil {
		stored, err := deps.SessionStore.Get(ctx, sessionID)
		if err != nil {
			return rotateFailure(err, sessionID, deps)
		}
		storedRole = stored.Role

		current, err := deps.CurrentRole(ctx, stored.UserID)
		switch {
		case err == nil:
			if current != stored.Role {
				nextRole = current
			}
		case deps.UserGone != nil && errors.Is(err, deps.UserGone):
			_ = deps.SessionStore.Delete(context.WithoutCancel(ctx), sessionID)
			return RefreshResult{
				Failure:   RefreshFailureUserGone,
				Err:       err,
				SessionID: sessionID,
				UserID:    stored.UserID,
				Session:   stored,
			}
		default:
			// Directory outage: keep the stored role.
			if deps.Warn != nil {
				deps.Warn("portalguard: role re-read failed, using session role", "user_id", stored.UserID, "error", err)
			}
		}
	}

	if deps.BeforeCommit != nil && !deps.BeforeCommit() {
		return RefreshResult{Failure: RefreshFailureAbandoned, Err: ctx.Err(), SessionID: sessionID}
	}

	sess, err := deps.SessionStore.RotateRefreshHash(
		context.WithoutCancel(ctx),
		sessionID,
		deps.HashRefreshSecret(providedSecret),
		deps.HashRefreshSecret(nextSecret),
		nextRole,
	)
	if err != nil {
		return rotateFailure(err, sessionID, deps)
	}

	var result RefreshResult
	if nextRole != "" && storedRole != nextRole {
		result.PreviousRole = storedRole
	}

	access, exp, err := deps.IssueAccessToken(sess)
	if err != nil {
		return RefreshResult{
			Failure:   RefreshFailureIssueAccess,
			Err:       err,
			SessionID: sess.SessionID,
			UserID:    sess.UserID,
			Session:   sess,
		}
	}

	refresh, err := deps.EncodeRefreshToken(sess.SessionID, nextSecret)
	if err != nil {
		return RefreshResult{
			Failure:   RefreshFailureEncode,
			Err:       err,
			SessionID: sess.SessionID,
			UserID:    sess.UserID,
			Session:   sess,
		}
	}

	result.Failure = RefreshFailureNone
	result.SessionID = sess.SessionID
	result.UserID = sess.UserID
	result.Session = sess
	result.AccessToken = access
	result.AccessExpiresAt = exp
	result.RefreshToken = refresh
	return result
}

func rotateFailure(err error, sessionID string, deps RefreshDeps) RefreshResult {
	switch {
	case deps.RefreshHashMismatch != nil && errors.Is(err, deps.RefreshHashMismatch):
		return RefreshResult{Failure: RefreshFailureReuse, Err: err, SessionID: sessionID}
	case deps.RedisNil != nil && errors.Is(err, deps.RedisNil):
		return RefreshResult{Failure: RefreshFailureSessionNotFound, Err: err, SessionID: sessionID}
	default:
		return RefreshResult{Failure: RefreshFailureRotate, Err: err, SessionID: sessionID}
	}
}
