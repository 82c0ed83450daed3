package session

import "time"

// Session is one persisted refresh session.
type Session struct {
	SessionID string
	UserID    string
	Email     string
	// Role is the canonical role name at issuance time.
	Role string

	RefreshHash [32]byte

	CreatedAt int64
	ExpiresAt int64
}

// Expired reports whether the session lifetime has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.Unix()
}

// Remaining returns the lifetime left at now, never negative.
func (s *Session) Remaining(now time.Time) time.Duration {
	d := time.Unix(s.ExpiresAt, 0).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
