package flows

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/portalguard/session"
)

// LoginFailureKind classifies login failures for root-level mapping.
type LoginFailureKind int

const (
	LoginFailureNone LoginFailureKind = iota
	LoginFailureRateLimited
	LoginFailureLookup
	LoginFailureUnknownUser
	LoginFailureBadPassword
	LoginFailureVerify
	LoginFailureSessionID
	LoginFailureSecret
	LoginFailurePersist
	LoginFailureIssueAccess
	LoginFailureEncode
)

// LoginUser is the flow-local view of a directory account.
type LoginUser struct {
	UserID       string
	Email        string
	PasswordHash string
	// Role is the raw stored value; the flow normalizes it.
	Role any
}

// LoginResult carries either the issued credential or failure metadata.
type LoginResult struct {
	Failure         LoginFailureKind
	Err             error
	UserID          string
	Session         *session.Session
	AccessToken     string
	AccessExpiresAt time.Time
	RefreshToken    string
}

type LoginRateLimiter interface {
	CheckLogin(ctx context.Context, identifier, ip string) error
	IncrementLogin(ctx context.Context, identifier, ip string) error
	ResetLogin(ctx context.Context, identifier, ip string) error
}

type LoginSessionStore interface {
	Save(ctx context.Context, sess *session.Session, ttl time.Duration) error
}

// LoginDeps captures login flow dependencies.
type LoginDeps struct {
	ClientIP        func(context.Context) string
	Now             func() time.Time
	SessionLifetime time.Duration

	LookupUser     func(ctx context.Context, email string) (LoginUser, error)
	UserNotFound   error
	VerifyPassword func(password, encodedHash string) (bool, error)
	NormalizeRole  func(raw any) string

	NewSessionID       func() (string, error)
	NewRefreshSecret   func() ([32]byte, error)
	HashRefreshSecret  func([32]byte) [32]byte
	EncodeRefreshToken func(string, [32]byte) (string, error)
	IssueAccessToken   func(*session.Session) (string, time.Time, error)

	RateLimiter  LoginRateLimiter
	SessionStore LoginSessionStore
	Warn         func(string, ...any)
}

// RunLogin verifies email and password against the directory, persists a new
// refresh session and issues the access/refresh pair.
func RunLogin(ctx context.Context, email, password string, deps LoginDeps) LoginResult {
	email = strings.TrimSpace(email)
	ip := ""
	if deps.ClientIP != nil {
		ip = deps.ClientIP(ctx)
	}

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.CheckLogin(ctx, email, ip); err != nil {
			return LoginResult{Failure: LoginFailureRateLimited, Err: err}
		}
	}

	user, err := deps.LookupUser(ctx, email)
	if err != nil {
		if deps.UserNotFound != nil && errors.Is(err, deps.UserNotFound) {
			recordLoginFailure(ctx, deps, email, ip)
			return LoginResult{Failure: LoginFailureUnknownUser, Err: err}
		}
		return LoginResult{Failure: LoginFailureLookup, Err: err}
	}

	ok, err := deps.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return LoginResult{Failure: LoginFailureVerify, Err: err, UserID: user.UserID}
	}
	if !ok {
		recordLoginFailure(ctx, deps, email, ip)
		return LoginResult{Failure: LoginFailureBadPassword, UserID: user.UserID}
	}

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.ResetLogin(ctx, email, ip); err != nil && deps.Warn != nil {
			deps.Warn("portalguard: login rate reset failed", "error", err)
		}
	}

	sid, err := deps.NewSessionID()
	if err != nil {
		return LoginResult{Failure: LoginFailureSessionID, Err: err, UserID: user.UserID}
	}
	secret, err := deps.NewRefreshSecret()
	if err != nil {
		return LoginResult{Failure: LoginFailureSecret, Err: err, UserID: user.UserID}
	}

	now := deps.Now()
	sess := &session.Session{
		SessionID:   sid,
		UserID:      user.UserID,
		Email:       user.Email,
		Role:        deps.NormalizeRole(user.Role),
		RefreshHash: deps.HashRefreshSecret(secret),
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(deps.SessionLifetime).Unix(),
	}
	if err := deps.SessionStore.Save(ctx, sess, deps.SessionLifetime); err != nil {
		return LoginResult{Failure: LoginFailurePersist, Err: err, UserID: user.UserID}
	}

	access, exp, err := deps.IssueAccessToken(sess)
	if err != nil {
		return LoginResult{Failure: LoginFailureIssueAccess, Err: err, UserID: user.UserID, Session: sess}
	}
	refresh, err := deps.EncodeRefreshToken(sid, secret)
	if err != nil {
		return LoginResult{Failure: LoginFailureEncode, Err: err, UserID: user.UserID, Session: sess}
	}

	return LoginResult{
		Failure:         LoginFailureNone,
		UserID:          user.UserID,
		Session:         sess,
		AccessToken:     access,
		AccessExpiresAt: exp,
		RefreshToken:    refresh,
	}
}

func recordLoginFailure(ctx context.Context, deps LoginDeps, email, ip string) {
	if deps.RateLimiter == nil {
		return
	}
	if err := deps.RateLimiter.IncrementLogin(ctx, email, ip); err != nil && deps.Warn != nil {
		deps.Warn("portalguard: login rate increment failed", "error", err)
	}
}
