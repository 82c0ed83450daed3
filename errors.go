package portalguard

import "errors"

var (
	// ErrUnauthenticated is returned when no credential was presented.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrMalformedCredential covers undecodable tokens and bad signatures.
	ErrMalformedCredential = errors.New("malformed credential")
	// ErrCredentialExpired is returned for correctly signed, expired tokens.
	ErrCredentialExpired = errors.New("credential expired")
	// ErrMissingSubject is returned when a token names no user.
	ErrMissingSubject = errors.New("credential has no subject")

	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrLoginRateLimited   = errors.New("login rate limited")

	ErrRefreshInvalid     = errors.New("refresh token invalid")
	ErrRefreshReuse       = errors.New("refresh token reuse detected")
	ErrRefreshRateLimited = errors.New("refresh rate limited")
	// ErrRefreshTimeout is returned by RefreshWithin when the refresh did not
	// finish in time. Callers proceed without a session.
	ErrRefreshTimeout = errors.New("refresh timed out")

	ErrPermissionDenied = errors.New("permission denied")

	ErrSessionCreationFailed = errors.New("session creation failed")
	ErrRedisUnavailable      = errors.New("redis unavailable")
	ErrEngineNotReady        = errors.New("engine not initialized")
)
