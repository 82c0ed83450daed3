// Package config loads the portalguard command configuration from a YAML
// file, .env files and PORTALGUARD_* environment variables.
package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/MrEthical07/portalguard"
	"github.com/MrEthical07/portalguard/internal/logging"
	"github.com/MrEthical07/portalguard/password"
	"github.com/MrEthical07/portalguard/role"
	"github.com/MrEthical07/portalguard/tokenstore"
)

// EnvPrefix prefixes every environment override, e.g.
// PORTALGUARD_REDIS_ADDR for redis.addr.
const EnvPrefix = "PORTALGUARD"

// File is the on-disk configuration.
type File struct {
	Server   ServerConfig    `mapstructure:"server" yaml:"server"`
	Redis    RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Database DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Logging  logging.Config  `mapstructure:"logging" yaml:"logging"`
	Auth     AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Security SecurityConfig  `mapstructure:"security" yaml:"security"`
	Password password.Config `mapstructure:"password" yaml:"password"`
	Cache    CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Audit    AuditConfig     `mapstructure:"audit" yaml:"audit"`
	Metrics  MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Client   ClientConfig    `mapstructure:"client" yaml:"client"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	DevMode        bool          `mapstructure:"dev_mode" yaml:"dev_mode"`
	TrustForwarded bool          `mapstructure:"trust_forwarded" yaml:"trust_forwarded"`
	CookieDomain   string        `mapstructure:"cookie_domain" yaml:"cookie_domain"`
	InsecureCookie bool          `mapstructure:"insecure_cookie" yaml:"insecure_cookie"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// RedisConfig selects the session store. Embedded starts an in-process
// miniredis and is meant for development only.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Embedded bool   `mapstructure:"embedded" yaml:"embedded"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// AuthConfig covers token signing and refresh sessions. Keys are read from
// files; HMACSecret is normally supplied through the environment.
type AuthConfig struct {
	SigningMethod       string        `mapstructure:"signing_method" yaml:"signing_method"`
	PrivateKeyFile      string        `mapstructure:"private_key_file" yaml:"private_key_file"`
	PublicKeyFile       string        `mapstructure:"public_key_file" yaml:"public_key_file"`
	HMACSecret          string        `mapstructure:"hmac_secret" yaml:"hmac_secret"`
	Issuer              string        `mapstructure:"issuer" yaml:"issuer"`
	Audience            string        `mapstructure:"audience" yaml:"audience"`
	KeyID               string        `mapstructure:"key_id" yaml:"key_id"`
	AccessTTL           time.Duration `mapstructure:"access_ttl" yaml:"access_ttl"`
	Leeway              time.Duration `mapstructure:"leeway" yaml:"leeway"`
	RefreshTTL          time.Duration `mapstructure:"refresh_ttl" yaml:"refresh_ttl"`
	RefreshTimeout      time.Duration `mapstructure:"refresh_timeout" yaml:"refresh_timeout"`
	RedisPrefix         string        `mapstructure:"redis_prefix" yaml:"redis_prefix"`
	RereadRoleOnRefresh bool          `mapstructure:"reread_role_on_refresh" yaml:"reread_role_on_refresh"`
	DefaultRole         string        `mapstructure:"default_role" yaml:"default_role"`
}

type SecurityConfig struct {
	EnableIPThrottle        bool          `mapstructure:"enable_ip_throttle" yaml:"enable_ip_throttle"`
	MaxLoginAttempts        int           `mapstructure:"max_login_attempts" yaml:"max_login_attempts"`
	LoginCooldownDuration   time.Duration `mapstructure:"login_cooldown" yaml:"login_cooldown"`
	MaxRefreshAttempts      int           `mapstructure:"max_refresh_attempts" yaml:"max_refresh_attempts"`
	RefreshCooldownDuration time.Duration `mapstructure:"refresh_cooldown" yaml:"refresh_cooldown"`
}

type CacheConfig struct {
	TTL        time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxEntries int           `mapstructure:"max_entries" yaml:"max_entries"`
}

// AuditConfig selects the audit sink: "logrus", "json" (to File) or "none".
type AuditConfig struct {
	Sink       string `mapstructure:"sink" yaml:"sink"`
	File       string `mapstructure:"file" yaml:"file"`
	BufferSize int    `mapstructure:"buffer_size" yaml:"buffer_size"`
	DropIfFull bool   `mapstructure:"drop_if_full" yaml:"drop_if_full"`
}

type MetricsConfig struct {
	Enabled           bool   `mapstructure:"enabled" yaml:"enabled"`
	LatencyHistograms bool   `mapstructure:"latency_histograms" yaml:"latency_histograms"`
	Path              string `mapstructure:"path" yaml:"path"`
	// OTel also publishes the counters through an OpenTelemetry MeterProvider.
	OTel bool `mapstructure:"otel" yaml:"otel"`
}

// ClientConfig is used by the CLI credential commands.
type ClientConfig struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	CredentialFile string `mapstructure:"credential_file" yaml:"credential_file"`
}

func setDefaults(v *viper.Viper) {
	def := portalguard.DefaultConfig()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.dev_mode", false)
	v.SetDefault("server.trust_forwarded", false)
	v.SetDefault("server.cookie_domain", "")
	v.SetDefault("server.insecure_cookie", false)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.embedded", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./portalguard.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", false)

	v.SetDefault("auth.signing_method", def.JWT.SigningMethod)
	v.SetDefault("auth.private_key_file", "")
	v.SetDefault("auth.public_key_file", "")
	v.SetDefault("auth.hmac_secret", "")
	v.SetDefault("auth.issuer", "portalguard")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.key_id", "")
	v.SetDefault("auth.access_ttl", def.JWT.AccessTTL)
	v.SetDefault("auth.leeway", def.JWT.Leeway)
	v.SetDefault("auth.refresh_ttl", def.Session.RefreshTTL)
	v.SetDefault("auth.refresh_timeout", def.Session.RefreshTimeout)
	v.SetDefault("auth.redis_prefix", def.Session.RedisPrefix)
	v.SetDefault("auth.reread_role_on_refresh", def.Session.RereadRoleOnRefresh)
	v.SetDefault("auth.default_role", def.Resolve.DefaultRole.String())

	v.SetDefault("security.enable_ip_throttle", def.Security.EnableIPThrottle)
	v.SetDefault("security.max_login_attempts", def.Security.MaxLoginAttempts)
	v.SetDefault("security.login_cooldown", def.Security.LoginCooldownDuration)
	v.SetDefault("security.max_refresh_attempts", def.Security.MaxRefreshAttempts)
	v.SetDefault("security.refresh_cooldown", def.Security.RefreshCooldownDuration)

	v.SetDefault("password.memory_kb", def.Password.Memory)
	v.SetDefault("password.time", def.Password.Time)
	v.SetDefault("password.parallelism", def.Password.Parallelism)
	v.SetDefault("password.salt_length", def.Password.SaltLength)
	v.SetDefault("password.key_length", def.Password.KeyLength)
	v.SetDefault("password.max_password_bytes", def.Password.MaxPasswordBytes)

	v.SetDefault("cache.ttl", def.Cache.TTL)
	v.SetDefault("cache.max_entries", def.Cache.MaxEntries)

	v.SetDefault("audit.sink", "logrus")
	v.SetDefault("audit.file", "")
	v.SetDefault("audit.buffer_size", def.Audit.BufferSize)
	v.SetDefault("audit.drop_if_full", def.Audit.DropIfFull)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.latency_histograms", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.otel", false)

	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.credential_file", tokenstore.DefaultPath())
}

// Load reads path (optional) and applies .env files and environment
// overrides on top of the defaults. Missing .env files are ignored;
// existing environment variables win over .env values.
func Load(path string, envFiles ...string) (*File, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	switch f.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: database.driver must be sqlite or postgres, got %q", f.Database.Driver)
	}
	if _, ok := role.Normalize(f.Auth.DefaultRole); !ok {
		return fmt.Errorf("config: auth.default_role %q is not a known role", f.Auth.DefaultRole)
	}
	switch f.Audit.Sink {
	case "logrus", "none":
	case "json":
		if f.Audit.File == "" {
			return errors.New("config: audit.file is required for the json sink")
		}
	default:
		return fmt.Errorf("config: audit.sink must be logrus, json or none, got %q", f.Audit.Sink)
	}
	return nil
}

// Engine converts f into a portalguard.Config, reading key files. With
// ed25519 and no key files, devMode generates an ephemeral key pair and
// reports it through the second result; otherwise it is an error.
func (f *File) Engine() (portalguard.Config, bool, error) {
	cfg := portalguard.DefaultConfig()

	cfg.JWT.AccessTTL = f.Auth.AccessTTL
	cfg.JWT.SigningMethod = strings.ToLower(strings.TrimSpace(f.Auth.SigningMethod))
	cfg.JWT.Issuer = f.Auth.Issuer
	cfg.JWT.Audience = f.Auth.Audience
	cfg.JWT.Leeway = f.Auth.Leeway
	cfg.JWT.KeyID = f.Auth.KeyID

	cfg.Session.RedisPrefix = f.Auth.RedisPrefix
	cfg.Session.RefreshTTL = f.Auth.RefreshTTL
	cfg.Session.RefreshTimeout = f.Auth.RefreshTimeout
	cfg.Session.RereadRoleOnRefresh = f.Auth.RereadRoleOnRefresh
	cfg.Resolve.DefaultRole = role.OrDefault(f.Auth.DefaultRole, cfg.Resolve.DefaultRole)

	cfg.Password = f.Password
	cfg.Security = portalguard.SecurityConfig{
		EnableIPThrottle:        f.Security.EnableIPThrottle,
		MaxLoginAttempts:        f.Security.MaxLoginAttempts,
		LoginCooldownDuration:   f.Security.LoginCooldownDuration,
		MaxRefreshAttempts:      f.Security.MaxRefreshAttempts,
		RefreshCooldownDuration: f.Security.RefreshCooldownDuration,
	}
	cfg.Cache = portalguard.CacheConfig{TTL: f.Cache.TTL, MaxEntries: f.Cache.MaxEntries}
	cfg.Audit = portalguard.AuditConfig{
		Enabled:    f.Audit.Sink != "none",
		BufferSize: f.Audit.BufferSize,
		DropIfFull: f.Audit.DropIfFull,
	}
	cfg.Metrics = portalguard.MetricsConfig{
		Enabled:                 f.Metrics.Enabled,
		EnableLatencyHistograms: f.Metrics.LatencyHistograms,
	}

	ephemeral := false
	switch cfg.JWT.SigningMethod {
	case "hs256":
		if f.Auth.HMACSecret == "" {
			return cfg, false, errors.New("config: auth.hmac_secret is required for hs256")
		}
		cfg.JWT.PrivateKey = []byte(f.Auth.HMACSecret)
	case "ed25519":
		var err error
		if cfg.JWT.PrivateKey, err = readOptional(f.Auth.PrivateKeyFile); err != nil {
			return cfg, false, err
		}
		if cfg.JWT.PublicKey, err = readOptional(f.Auth.PublicKeyFile); err != nil {
			return cfg, false, err
		}
		if len(cfg.JWT.PrivateKey) == 0 && len(cfg.JWT.PublicKey) == 0 {
			if !f.Server.DevMode {
				return cfg, false, errors.New("config: ed25519 key files are required outside dev mode")
			}
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return cfg, false, fmt.Errorf("config: generate key: %w", err)
			}
			cfg.JWT.PrivateKey, cfg.JWT.PublicKey = priv, pub
			ephemeral = true
		}
	default:
		return cfg, false, fmt.Errorf("config: unsupported signing method %q", f.Auth.SigningMethod)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, ephemeral, fmt.Errorf("config: %w", err)
	}
	return cfg, ephemeral, nil
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read key %s: %w", path, err)
	}
	return b, nil
}
