package portalguard

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/portalguard/internal"
	"github.com/MrEthical07/portalguard/internal/audit"
	"github.com/MrEthical07/portalguard/internal/flows"
	"github.com/MrEthical07/portalguard/internal/logging"
	"github.com/MrEthical07/portalguard/internal/rate"
	"github.com/MrEthical07/portalguard/jwt"
	"github.com/MrEthical07/portalguard/password"
	"github.com/MrEthical07/portalguard/permcache"
	"github.com/MrEthical07/portalguard/session"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Builder assembles an [Engine]. A Builder is single use.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	users     UserProvider
	evaluator permcache.Evaluator
	auditSink AuditSink
	hasher    password.Hasher
	log       logrus.FieldLogger
	now       func() time.Time

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis enables the credential lifecycle. Without Redis the Engine can
// still resolve and inspect tokens.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.users = up
	return b
}

// WithEvaluator enables the permission cache in front of eval.
func (b *Builder) WithEvaluator(eval permcache.Evaluator) *Builder {
	b.evaluator = eval
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	b.config.Audit.Enabled = sink != nil
	return b
}

// WithPasswordHasher replaces the Argon2id hasher built from Config.Password.
func (b *Builder) WithPasswordHasher(h password.Hasher) *Builder {
	b.hasher = h
	return b
}

func (b *Builder) WithLogger(log logrus.FieldLogger) *Builder {
	b.log = log
	return b
}

// WithClock overrides time for token issuance, expiry checks and the cache.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	log := b.log
	if log == nil {
		log = logging.Discard()
	}
	log = logging.WithComponent(log, "engine")

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:  cfg,
		log:     log,
		jwt:     jm,
		users:   b.users,
		metrics: NewMetrics(cfg.Metrics),
		now:     now,
	}

	if b.hasher != nil {
		engine.hasher = b.hasher
	} else {
		ph, err := password.NewArgon2(cfg.Password)
		if err != nil {
			return nil, err
		}
		engine.hasher = ph
	}

	if b.evaluator != nil {
		engine.perms = permcache.New(
			b.evaluator,
			permcache.WithTTL(cfg.Cache.TTL),
			permcache.WithMaxEntries(cfg.Cache.MaxEntries),
			permcache.WithClock(now),
			permcache.WithLogger(logging.WithComponent(log, "permcache")),
		)
	}

	if cfg.Audit.Enabled {
		engine.audit = audit.NewDispatcher(audit.Config{
			Enabled:    true,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
			Logger:     logging.WithComponent(log, "audit"),
		}, b.auditSink)
	}

	if b.redis != nil {
		engine.sessions = session.NewStore(b.redis, cfg.Session.RedisPrefix).WithClock(now)
		engine.limiter = rate.New(b.redis, rate.Config{
			Prefix:                  cfg.Session.RedisPrefix,
			EnableIPThrottle:        cfg.Security.EnableIPThrottle,
			MaxLoginAttempts:        cfg.Security.MaxLoginAttempts,
			LoginCooldownDuration:   cfg.Security.LoginCooldownDuration,
			MaxRefreshAttempts:      cfg.Security.MaxRefreshAttempts,
			RefreshCooldownDuration: cfg.Security.RefreshCooldownDuration,
		})
		engine.flows = engine.buildFlowDeps()
	}

	b.built = true
	return engine, nil
}

func (e *Engine) buildFlowDeps() flows.Deps {
	warn := func(msg string, kv ...any) {
		e.log.WithFields(kvFields(kv)).Warn(msg)
	}

	deps := flows.Deps{
		Login: flows.LoginDeps{
			ClientIP:        ClientIPFromContext,
			Now:             e.now,
			SessionLifetime: e.config.Session.RefreshTTL,
			LookupUser: func(ctx context.Context, email string) (flows.LoginUser, error) {
				if e.users == nil {
					return flows.LoginUser{}, ErrEngineNotReady
				}
				u, err := e.users.UserByEmail(ctx, email)
				if err != nil {
					return flows.LoginUser{}, err
				}
				return flows.LoginUser{
					UserID:       u.UserID,
					Email:        u.Email,
					PasswordHash: u.PasswordHash,
					Role:         u.Role,
				}, nil
			},
			UserNotFound:       ErrUserNotFound,
			VerifyPassword:     e.hasher.Verify,
			NormalizeRole:      e.normalizeRoleName,
			NewSessionID:       newSessionID,
			NewRefreshSecret:   internal.NewRefreshSecret,
			HashRefreshSecret:  internal.HashRefreshSecret,
			EncodeRefreshToken: internal.EncodeRefreshToken,
			IssueAccessToken:   e.issueForSession,
			RateLimiter:        e.limiter,
			SessionStore:       e.sessions,
			Warn:               warn,
		},
		Refresh: flows.RefreshDeps{
			DecodeRefreshToken:  internal.DecodeRefreshToken,
			NewRefreshSecret:    internal.NewRefreshSecret,
			HashRefreshSecret:   internal.HashRefreshSecret,
			EncodeRefreshToken:  internal.EncodeRefreshToken,
			IssueAccessToken:    e.issueForSession,
			UserGone:            ErrUserNotFound,
			RateLimiter:         e.limiter,
			SessionStore:        e.sessions,
			RefreshHashMismatch: session.ErrRefreshHashMismatch,
			RedisNil:            redis.Nil,
			Warn:                warn,
		},
		Logout: flows.LogoutDeps{
			DecodeRefreshToken: internal.DecodeRefreshToken,
			HashRefreshSecret:  internal.HashRefreshSecret,
			SessionStore:       e.sessions,
			RedisNil:           redis.Nil,
		},
	}
	if e.config.Session.RereadRoleOnRefresh && e.users != nil {
		deps.Refresh.CurrentRole = func(ctx context.Context, userID string) (string, error) {
			u, err := e.users.UserByID(ctx, userID)
			if err != nil {
				return "", err
			}
			return e.normalizeRoleName(u.Role), nil
		}
	}
	return deps
}

func newSessionID() (string, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return "", err
	}
	return sid.String(), nil
}

func kvFields(kv []any) logrus.Fields {
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}
