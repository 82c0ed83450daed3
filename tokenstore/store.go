package tokenstore

import (
	"errors"
	"time"
)

// Credential is the token pair issued on login and replaced on refresh.
type Credential struct {
	AccessToken  string    `json:"access_token" yaml:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty" yaml:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at" yaml:"expires_at"`
}

// Empty reports whether no access token is present.
func (c Credential) Empty() bool {
	return c.AccessToken == ""
}

// ErrNotFound is returned by Load when nothing is stored.
var ErrNotFound = errors.New("tokenstore: no credential stored")

// Store persists a single credential.
type Store interface {
	Load() (Credential, error)
	Save(Credential) error
	Clear() error
}
