package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig   `envconfig:"APP"`
	DB    DBConfig    `envconfig:"DB"`
	Redis RedisConfig `envconfig:"REDIS"`
	Cache CacheConfig `envconfig:"CACHE"`
	Auth  AuthConfig  `envconfig:"JWT"`
	RBAC  RBACConfig  `envconfig:"RBAC"`
}

type AppConfig struct {
	Env  string
	Port int `default:"8080"`
}

type DBConfig struct {
	Host     string
	Port     int `default:"5432"`
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for production posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// Pool settings: DB_MAX_OPEN_CONNS, DB_MAX_IDLE_CONNS, DB_CONN_MAX_LIFETIME,
	// DB_CONN_MAX_IDLE_TIME. Zero picks the pool default.
	MaxOpenConns    int           `split_words:"true"`
	MaxIdleConns    int           `split_words:"true"`
	ConnMaxLifetime time.Duration `split_words:"true"`
	ConnMaxIdleTime time.Duration `split_words:"true"`
}

// RedisConfig points at the shared permission cache. An empty Addr means no
// shared cache is configured.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int `default:"0"`
}

type CacheConfig struct {
	// Backend is one of none, memory, redis. Empty picks redis when
	// REDIS_ADDR is set and none otherwise.
	Backend string

	// OpTimeout bounds every cache call; must stay under a second.
	OpTimeout       time.Duration `split_words:"true" default:"150ms"`
	BreakerFailures uint32        `split_words:"true" default:"5"`
	BreakerCooldown time.Duration `split_words:"true" default:"10s"`
	MemoryEntries   int           `split_words:"true" default:"10000"`
}

// AuthConfig is read from JWT_SECRET, JWT_ISSUER, JWT_AUDIENCE, JWT_ACCESS_TTL
// and JWT_REFRESH_TTL.
type AuthConfig struct {
	Secret     string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration `split_words:"true"`
	RefreshTTL time.Duration `split_words:"true"`
}

type RBACConfig struct {
	// PermissionTTL is how long a derived permission set stays cached.
	PermissionTTL     time.Duration `split_words:"true" default:"1h"`
	RoleLookupTimeout time.Duration `split_words:"true" default:"2s"`
	// UniformCaching lets page and API checks use the cached profile too.
	UniformCaching bool `split_words:"true" default:"false"`
	// CatalogPath overrides the catalog compiled into the binary.
	CatalogPath string `split_words:"true"`
}

const (
	CacheBackendNone   = "none"
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, err
	}
	c.App.Env = strings.TrimSpace(c.App.Env)
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills env-dependent defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.DB.MaxOpenConns < 0 || c.DB.MaxIdleConns < 0 {
		errs = append(errs, errors.New("DB_MAX_OPEN_CONNS and DB_MAX_IDLE_CONNS must not be negative"))
	}
	if c.DB.MaxOpenConns > 0 && c.DB.MaxIdleConns > c.DB.MaxOpenConns {
		errs = append(errs, fmt.Errorf("DB_MAX_IDLE_CONNS (%d) must not exceed DB_MAX_OPEN_CONNS (%d)", c.DB.MaxIdleConns, c.DB.MaxOpenConns))
	}

	if c.Cache.Backend == "" {
		if c.Redis.Addr != "" {
			c.Cache.Backend = CacheBackendRedis
		} else {
			c.Cache.Backend = CacheBackendNone
		}
	}
	switch c.Cache.Backend {
	case CacheBackendNone, CacheBackendMemory:
	case CacheBackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when CACHE_BACKEND=redis"))
		}
		if c.IsProduction() && c.Redis.Password == "" {
			errs = append(errs, errors.New("REDIS_PASSWORD is required in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND must be one of none, memory, redis, got %q", c.Cache.Backend))
	}
	if c.Cache.OpTimeout <= 0 {
		c.Cache.OpTimeout = 150 * time.Millisecond
	}
	if c.Cache.OpTimeout >= time.Second {
		errs = append(errs, fmt.Errorf("CACHE_OP_TIMEOUT must be under 1s, got %s", c.Cache.OpTimeout))
	}

	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.Issuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.Audience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.RBAC.PermissionTTL <= 0 {
		c.RBAC.PermissionTTL = time.Hour
	}
	if c.RBAC.RoleLookupTimeout <= 0 {
		c.RBAC.RoleLookupTimeout = 2 * time.Second
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
