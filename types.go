package portalguard

import (
	"context"
	"net/http"
	"time"

	"github.com/MrEthical07/portalguard/role"
	"github.com/MrEthical07/portalguard/tokenstore"
)

// Credential is the token pair held by a client.
type Credential = tokenstore.Credential

// Session is the identity derived from a verified access token. It is never
// persisted and is recomputed on every resolution.
type Session struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email,omitempty"`
	Role      role.Role `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Equal reports whether both sessions describe the same identity. Two nil
// sessions are equal.
func (s *Session) Equal(o *Session) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.UserID == o.UserID &&
		s.Email == o.Email &&
		s.Role == o.Role &&
		s.ExpiresAt.Equal(o.ExpiresAt)
}

// CacheIdentity implements permcache.Identity.
func (s *Session) CacheIdentity() (string, string) {
	if s == nil {
		return "", ""
	}
	return s.UserID, s.Role.String()
}

// HasRole reports whether the session role is one of roles.
func (s *Session) HasRole(roles ...role.Role) bool {
	if s == nil {
		return false
	}
	for _, r := range roles {
		if s.Role == r {
			return true
		}
	}
	return false
}

// Inspection is the debug-mode view of a token. Session is populated even
// when the token has expired.
type Inspection struct {
	Session   *Session  `json:"session"`
	IsExpired bool      `json:"isExpired"`
	IssuedAt  time.Time `json:"issuedAt,omitempty"`
	TokenID   string    `json:"tokenId,omitempty"`
	Issuer    string    `json:"issuer,omitempty"`
	// RawRole is the role claim exactly as it appeared in the token.
	RawRole any `json:"rawRole,omitempty"`
	// RoleRecognised is false when RawRole did not normalize and the
	// default role was applied.
	RoleRecognised bool `json:"roleRecognised"`
}

// SessionProvider is the one abstraction guards and handlers depend on.
type SessionProvider interface {
	Session(ctx context.Context, r *http.Request) (*Session, error)
}

// SessionProviderFunc adapts a function to [SessionProvider].
type SessionProviderFunc func(ctx context.Context, r *http.Request) (*Session, error)

func (f SessionProviderFunc) Session(ctx context.Context, r *http.Request) (*Session, error) {
	return f(ctx, r)
}

// UserRecord is an account as the login and refresh flows see it. Role is the
// raw stored value; it is normalized on use.
type UserRecord struct {
	UserID       string
	Email        string
	PasswordHash string
	Role         any
}

// UserProvider is the authoritative account source. Implementations return
// an error wrapping [ErrUserNotFound] for unknown users.
type UserProvider interface {
	UserByEmail(ctx context.Context, email string) (UserRecord, error)
	UserByID(ctx context.Context, userID string) (UserRecord, error)
}

// LoginResult is returned by Login and Refresh.
type LoginResult struct {
	Credential Credential
	Session    *Session
	SessionID  string
}
