package portalguard

import (
	"errors"
	"time"

	"github.com/MrEthical07/portalguard/password"
	"github.com/MrEthical07/portalguard/role"
)

// Config holds every Engine setting. Obtain one from [DefaultConfig] and
// adjust; treat it as immutable once passed to the [Builder].
type Config struct {
	JWT      JWTConfig
	Session  SessionConfig
	Password password.Config
	Security SecurityConfig
	Cache    CacheConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
	Resolve  ResolveConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures access-token signing and verification.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig configures refresh sessions.
type SessionConfig struct {
	RedisPrefix string
	RefreshTTL  time.Duration
	// RefreshTimeout bounds RefreshWithin when the caller passes no timeout.
	RefreshTimeout time.Duration
	// RereadRoleOnRefresh makes Refresh consult the UserProvider so role
	// changes apply at the next rotation.
	RereadRoleOnRefresh bool
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig configures login and refresh throttling.
type SecurityConfig struct {
	EnableIPThrottle        bool
	MaxLoginAttempts        int
	LoginCooldownDuration   time.Duration
	MaxRefreshAttempts      int
	RefreshCooldownDuration time.Duration
}

/*
====================================
CACHE CONFIG
====================================
*/

// CacheConfig configures the permission cache built from the evaluator.
type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

// AuditConfig configures the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// ResolveConfig controls session derivation from claims.
type ResolveConfig struct {
	// DefaultRole applies when the role claim is absent or unrecognised.
	DefaultRole role.Role
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the production defaults. Signing keys are left empty.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix:         "pg",
			RefreshTTL:          7 * 24 * time.Hour,
			RefreshTimeout:      1500 * time.Millisecond,
			RereadRoleOnRefresh: true,
		},
		Password: password.DefaultConfig(),
		Security: SecurityConfig{
			EnableIPThrottle:        true,
			MaxLoginAttempts:        5,
			LoginCooldownDuration:   15 * time.Minute,
			MaxRefreshAttempts:      20,
			RefreshCooldownDuration: time.Minute,
		},
		Cache: CacheConfig{
			TTL:        5 * time.Minute,
			MaxEntries: 10000,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Resolve: ResolveConfig{
			DefaultRole: role.User,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	switch c.JWT.SigningMethod {
	case "ed25519", "hs256":
	default:
		return errors.New("JWT SigningMethod must be ed25519 or hs256")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be within [0, 2m]")
	}
	if c.Session.RefreshTTL <= 0 {
		return errors.New("Session RefreshTTL must be > 0")
	}
	if c.Session.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("Session RefreshTTL must exceed JWT AccessTTL")
	}
	if c.Session.RefreshTimeout <= 0 {
		return errors.New("Session RefreshTimeout must be > 0")
	}
	if c.Security.MaxLoginAttempts < 0 || c.Security.MaxRefreshAttempts < 0 {
		return errors.New("Security attempt limits must be >= 0")
	}
	if c.Security.MaxLoginAttempts > 0 && c.Security.LoginCooldownDuration <= 0 {
		return errors.New("Security LoginCooldownDuration must be > 0 when login throttling is on")
	}
	if c.Security.MaxRefreshAttempts > 0 && c.Security.RefreshCooldownDuration <= 0 {
		return errors.New("Security RefreshCooldownDuration must be > 0 when refresh throttling is on")
	}
	if c.Cache.TTL <= 0 {
		return errors.New("Cache TTL must be > 0")
	}
	if c.Cache.MaxEntries < 0 {
		return errors.New("Cache MaxEntries must be >= 0")
	}
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}
	if !c.Resolve.DefaultRole.Valid() {
		return errors.New("Resolve DefaultRole must be a valid role")
	}
	return nil
}
