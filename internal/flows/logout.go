package flows

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/MrEthical07/portalguard/session"
)

// ErrLogoutSecretMismatch is returned when the presented refresh token names a
// live session but carries the wrong secret.
var ErrLogoutSecretMismatch = errors.New("logout secret mismatch")

type LogoutSessionStore interface {
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	Delete(ctx context.Context, sessionID string) error
	DeleteAllForUser(ctx context.Context, userID string) (int, error)
}

// LogoutDeps captures logout flow dependencies.
type LogoutDeps struct {
	DecodeRefreshToken func(string) (string, [32]byte, error)
	HashRefreshSecret  func([32]byte) [32]byte
	SessionStore       LogoutSessionStore
	RedisNil           error
}

// LogoutResult reports which session (and user) a logout removed. Both are
// empty when the session was already gone.
type LogoutResult struct {
	SessionID string
	UserID    string
	Err       error
}

// RunLogout deletes the refresh session named by refreshToken. A missing
// session is not an error.
func RunLogout(ctx context.Context, refreshToken string, deps LogoutDeps) LogoutResult {
	sessionID, secret, err := deps.DecodeRefreshToken(refreshToken)
	if err != nil {
		return LogoutResult{Err: err}
	}

	sess, err := deps.SessionStore.Get(ctx, sessionID)
	if err != nil {
		if deps.RedisNil != nil && errors.Is(err, deps.RedisNil) {
			return LogoutResult{}
		}
		return LogoutResult{SessionID: sessionID, Err: err}
	}

	hash := deps.HashRefreshSecret(secret)
	if subtle.ConstantTimeCompare(hash[:], sess.RefreshHash[:]) != 1 {
		return LogoutResult{SessionID: sessionID, Err: ErrLogoutSecretMismatch}
	}

	return LogoutResult{
		SessionID: sessionID,
		UserID:    sess.UserID,
		Err:       deps.SessionStore.Delete(ctx, sessionID),
	}
}

// RunLogoutAll deletes every refresh session of userID.
func RunLogoutAll(ctx context.Context, userID string, deps LogoutDeps) (int, error) {
	return deps.SessionStore.DeleteAllForUser(ctx, userID)
}
