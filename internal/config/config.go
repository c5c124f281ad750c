// Package config loads authd settings from defaults, an optional YAML file,
// a .env file and AUTHD_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "AUTHD_"

// MinMasterSecretLength mirrors the key cipher requirement.
const MinMasterSecretLength = 32

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	// TrustedProxies lists addresses or CIDRs whose X-Forwarded-For is honored.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// DatabaseConfig holds the PostgreSQL connection.
type DatabaseConfig struct {
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// RedisConfig enables the revocation cache when URL is set.
type RedisConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

// AuthConfig holds token, key and lockout settings.
type AuthConfig struct {
	Issuer           string        `yaml:"issuer"`
	Audience         string        `yaml:"audience"`
	AccessTTL        time.Duration `yaml:"access_ttl"`
	RefreshTTL       time.Duration `yaml:"refresh_ttl"`
	MasterSecret     string        `yaml:"master_secret"`
	KeyBits          int           `yaml:"key_bits"`
	KeyRetention     time.Duration `yaml:"key_retention"`
	RotateRefresh    bool          `yaml:"rotate_refresh"`
	RevokeOnReplay   bool          `yaml:"revoke_on_replay"`
	LockoutThreshold int           `yaml:"lockout_threshold"`
	LockoutWindow    time.Duration `yaml:"lockout_window"`
	DefaultRole      string        `yaml:"default_role"`
}

// RateLimitConfig throttles authentication endpoints per client IP.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// JobsConfig holds cron schedules. An empty schedule disables the job.
type JobsConfig struct {
	RevocationSweep string `yaml:"revocation_sweep"`
	PurgeExpired    string `yaml:"purge_expired"`
	KeyRotation     string `yaml:"key_rotation"`
}

// AuditConfig tunes the audit sink.
type AuditConfig struct {
	StreamBuffer int           `yaml:"stream_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dev   bool   `yaml:"dev"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestTimeout:  10 * time.Second,
		},
		Redis: RedisConfig{PoolSize: 10},
		Auth: AuthConfig{
			Issuer:           "authd",
			Audience:         "authd-clients",
			AccessTTL:        15 * time.Minute,
			RefreshTTL:       7 * 24 * time.Hour,
			KeyBits:          2048,
			KeyRetention:     24 * time.Hour,
			RevokeOnReplay:   true,
			LockoutThreshold: 5,
			LockoutWindow:    30 * time.Minute,
			DefaultRole:      "user",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     5,
			Burst:   10,
		},
		Jobs: JobsConfig{
			RevocationSweep: "@every 5m",
			PurgeExpired:    "@hourly",
		},
		Audit: AuditConfig{
			StreamBuffer: 64,
			WriteTimeout: 2 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the configuration. path may be empty, in which case
// AUTHD_CONFIG is consulted; a missing .env file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

type envReader struct {
	lookup lookupFunc
	errs   []string
}

func (r *envReader) get(name string) (string, bool) {
	v, ok := r.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.get(name); ok {
		*dst = v
	}
}

func (r *envReader) integer(name string, dst *int) {
	if v, ok := r.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
}

func (r *envReader) float(name string, dst *float64) {
	if v, ok := r.get(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
			return
		}
		*dst = f
	}
}

func (r *envReader) boolean(name string, dst *bool) {
	if v, ok := r.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(name string, dst *time.Duration) {
	if v, ok := r.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
			return
		}
		*dst = d
	}
}

func (r *envReader) list(name string, dst *[]string) {
	if v, ok := r.get(name); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}

func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	r := &envReader{lookup: lookup}

	r.str("HTTP_ADDR", &cfg.Server.Addr)
	r.duration("HTTP_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	r.duration("HTTP_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	r.duration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	r.duration("REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)
	r.list("CORS_ORIGINS", &cfg.Server.CORSOrigins)
	r.list("TRUSTED_PROXIES", &cfg.Server.TrustedProxies)

	r.str("PG_DSN", &cfg.Database.DSN)
	r.boolean("AUTO_MIGRATE", &cfg.Database.AutoMigrate)

	r.str("REDIS_URL", &cfg.Redis.URL)
	r.integer("REDIS_POOL_SIZE", &cfg.Redis.PoolSize)

	r.str("ISSUER", &cfg.Auth.Issuer)
	r.str("AUDIENCE", &cfg.Auth.Audience)
	r.duration("ACCESS_TTL", &cfg.Auth.AccessTTL)
	r.duration("REFRESH_TTL", &cfg.Auth.RefreshTTL)
	r.str("MASTER_SECRET", &cfg.Auth.MasterSecret)
	r.integer("KEY_BITS", &cfg.Auth.KeyBits)
	r.duration("KEY_RETENTION", &cfg.Auth.KeyRetention)
	r.boolean("ROTATE_REFRESH", &cfg.Auth.RotateRefresh)
	r.boolean("REVOKE_ON_REPLAY", &cfg.Auth.RevokeOnReplay)
	r.integer("LOCKOUT_THRESHOLD", &cfg.Auth.LockoutThreshold)
	r.duration("LOCKOUT_WINDOW", &cfg.Auth.LockoutWindow)
	r.str("DEFAULT_ROLE", &cfg.Auth.DefaultRole)

	r.boolean("RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	r.float("RATE_LIMIT_RPS", &cfg.RateLimit.RPS)
	r.integer("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)

	r.str("SWEEP_SCHEDULE", &cfg.Jobs.RevocationSweep)
	r.str("PURGE_SCHEDULE", &cfg.Jobs.PurgeExpired)
	r.str("KEY_ROTATION_SCHEDULE", &cfg.Jobs.KeyRotation)

	r.integer("AUDIT_STREAM_BUFFER", &cfg.Audit.StreamBuffer)
	r.duration("AUDIT_WRITE_TIMEOUT", &cfg.Audit.WriteTimeout)

	r.str("LOG_LEVEL", &cfg.Logging.Level)
	r.boolean("LOG_DEV", &cfg.Logging.Dev)

	if len(r.errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(r.errs, "; "))
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Server.RequestTimeout < 0 {
		errs = append(errs, "server.request_timeout must not be negative")
	}
	for _, p := range c.Server.TrustedProxies {
		if _, err := ParseProxy(p); err != nil {
			errs = append(errs, fmt.Sprintf("server.trusted_proxies: %q is not an address or CIDR", p))
		}
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required (set AUTHD_PG_DSN)")
	}
	if c.Auth.MasterSecret == "" {
		errs = append(errs, "auth.master_secret is required (set AUTHD_MASTER_SECRET)")
	} else if len(c.Auth.MasterSecret) < MinMasterSecretLength {
		errs = append(errs, fmt.Sprintf("auth.master_secret must be at least %d bytes", MinMasterSecretLength))
	}
	if c.Auth.AccessTTL <= 0 {
		errs = append(errs, "auth.access_ttl must be positive")
	}
	if c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		errs = append(errs, "auth.refresh_ttl must exceed auth.access_ttl")
	}
	if c.Auth.KeyRetention < c.Auth.AccessTTL {
		errs = append(errs, "auth.key_retention must be at least auth.access_ttl")
	}
	if c.Auth.KeyBits < 2048 {
		errs = append(errs, "auth.key_bits must be at least 2048")
	}
	if c.Auth.LockoutThreshold < 1 {
		errs = append(errs, "auth.lockout_threshold must be at least 1")
	}
	if c.Auth.LockoutWindow <= 0 {
		errs = append(errs, "auth.lockout_window must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1) {
		errs = append(errs, "rate_limit.rps and rate_limit.burst must be positive when enabled")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not supported", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ParseProxy accepts a single address or a CIDR.
func ParseProxy(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		return p.Masked(), err
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// ProxyPrefixes returns the parsed trusted proxies, skipping invalid entries.
func (s ServerConfig) ProxyPrefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, p := range s.TrustedProxies {
		if prefix, err := ParseProxy(p); err == nil {
			out = append(out, prefix)
		}
	}
	return out
}

// RedisEnabled reports whether the revocation cache is configured.
func (c *Config) RedisEnabled() bool { return c.Redis.URL != "" }
