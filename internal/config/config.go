// Package config loads acelink settings: defaults, then a TOML file, then
// ACELINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/loveace/acelink/pkg/acehttp"
	"github.com/loveace/acelink/pkg/session"
)

// Environment variables.
const (
	EnvConfigDir     = "ACELINK_CONFIG_DIR"
	EnvGatewayURL    = "ACELINK_GATEWAY_URL"
	EnvCASLoginURL   = "ACELINK_CAS_LOGIN_URL"
	EnvServiceDomain = "ACELINK_SERVICE_DOMAIN"
	EnvProxy         = "ACELINK_PROXY"
	EnvTimeout       = "ACELINK_TIMEOUT"
	EnvStoreDriver   = "ACELINK_STORE_DRIVER"
	EnvStoreDSN      = "ACELINK_STORE_DSN"
	EnvUser          = "ACELINK_USER"
	EnvDebug         = "ACELINK_DEBUG"
	EnvVaultKey      = "ACELINK_VAULT_KEY"
)

// FileName is the config file looked up in the config dir.
const FileName = "acelink.toml"

// Config is the contents of acelink.toml after env overrides.
type Config struct {
	// User is the default user id for commands that need one.
	User      string          `toml:"user"`
	Debug     bool            `toml:"debug"`
	Gateway   GatewayConfig   `toml:"gateway"`
	CAS       CASConfig       `toml:"cas"`
	Transport TransportConfig `toml:"transport"`
	Session   SessionConfig   `toml:"session"`
	Store     StoreConfig     `toml:"store"`
	Watch     WatchConfig     `toml:"watch"`

	// Dir is the config directory; it is not read from the file.
	Dir string `toml:"-"`
}

// GatewayConfig locates the VPN gateway (phase 1).
type GatewayConfig struct {
	URL          string `toml:"url" validate:"required,url"`
	SharedSuffix string `toml:"shared_suffix" validate:"omitempty,hostname_rfc1123"`
	// Marker overrides the gateway host:port used for expiry detection.
	Marker string `toml:"marker" validate:"omitempty,hostname_port"`
}

// CASConfig locates the CAS login page (phase 2).
type CASConfig struct {
	LoginURL      string `toml:"login_url" validate:"required,url"`
	ServiceDomain string `toml:"service_domain" validate:"omitempty,url"`
}

// TransportConfig tunes the HTTP transport shared by both phases.
type TransportConfig struct {
	Timeout      string  `toml:"timeout" validate:"required"`
	MaxRedirects int     `toml:"max_redirects" validate:"min=1,max=32"`
	RatePerSec   float64 `toml:"rate_per_sec" validate:"min=0"`
	Burst        int     `toml:"burst" validate:"min=0"`
	Proxy        string  `toml:"proxy" validate:"omitempty,url"`
	UserAgent    string  `toml:"user_agent"`
}

// SessionConfig holds the health window and login retry budget.
type SessionConfig struct {
	HealthWindow  string `toml:"health_window" validate:"required"`
	LoginAttempts int    `toml:"login_attempts" validate:"min=1,max=10"`
}

// StoreConfig selects where session snapshots are persisted.
type StoreConfig struct {
	Driver string `toml:"driver" validate:"oneof=none sqlite redis"`
	// DSN is a file path for sqlite and host:port for redis.
	DSN           string `toml:"dsn"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db" validate:"min=0"`
	TTL           string `toml:"ttl"`
}

// WatchConfig is the cron schedule of the watch command.
type WatchConfig struct {
	Schedule string `toml:"schedule" validate:"required"`
}

// Default returns the built-in configuration. CAS settings have no
// default and must come from the file or the environment.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL: session.DefaultGatewayURL,
		},
		Transport: TransportConfig{
			Timeout:      acehttp.DefaultTimeout.String(),
			MaxRedirects: acehttp.DefaultMaxRedirects,
		},
		Session: SessionConfig{
			HealthWindow:  session.DefaultHealthWindow.String(),
			LoginAttempts: session.DefaultLoginAttempts,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			TTL:    "24h",
		},
		Watch: WatchConfig{
			Schedule: "@every 4m",
		},
	}
}

// DefaultDir returns $ACELINK_CONFIG_DIR or <user config dir>/acelink.
func DefaultDir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return filepath.Abs(dir)
	}
	cdr, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cdr, "acelink"), nil
}

// Load reads path (or <dir>/acelink.toml when path is empty) from fsys,
// applies environment overrides and validates the result. A missing
// default file is not an error; a missing explicit path is.
func Load(fsys afero.Fs, dir, path string) (*Config, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	cfg := Default()
	cfg.Dir = dir

	explicit := path != ""
	if !explicit && dir != "" {
		path = filepath.Join(dir, FileName)
	}
	if path != "" {
		data, err := afero.ReadFile(fsys, path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Store.Driver == "sqlite" && cfg.Store.DSN == "" && dir != "" {
		cfg.Store.DSN = filepath.Join(dir, "sessions.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvGatewayURL); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv(EnvCASLoginURL); v != "" {
		cfg.CAS.LoginURL = v
	}
	if v := os.Getenv(EnvServiceDomain); v != "" {
		cfg.CAS.ServiceDomain = v
	}
	if v := os.Getenv(EnvProxy); v != "" {
		cfg.Transport.Proxy = v
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		cfg.Transport.Timeout = v
	}
	if v := os.Getenv(EnvStoreDriver); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv(EnvStoreDSN); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv(EnvUser); v != "" {
		cfg.User = v
	}
	if v := os.Getenv(EnvDebug); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
}

var validate = validator.New()

// Validate checks struct tags and the duration fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for name, v := range map[string]string{
		"transport.timeout":     c.Transport.Timeout,
		"session.health_window": c.Session.HealthWindow,
		"store.ttl":             c.Store.TTL,
	} {
		if v == "" && name == "store.ttl" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid config: %s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid config: %s must not be negative", name)
		}
	}
	if _, err := cron.ParseStandard(c.Watch.Schedule); err != nil {
		return fmt.Errorf("invalid config: watch.schedule: %w", err)
	}
	if c.Store.Driver == "redis" && c.Store.DSN == "" {
		return errors.New("invalid config: store.dsn is required for redis")
	}
	return nil
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// Timeout returns the per-call transport timeout.
func (c *Config) Timeout() time.Duration { return mustDuration(c.Transport.Timeout) }

// HealthWindow returns the session health window.
func (c *Config) HealthWindow() time.Duration { return mustDuration(c.Session.HealthWindow) }

// StoreTTL returns the snapshot TTL, 0 meaning no expiry.
func (c *Config) StoreTTL() time.Duration { return mustDuration(c.Store.TTL) }

// Limiter returns the outbound rate limiter, or nil when unlimited.
func (c *Config) Limiter() *rate.Limiter {
	if c.Transport.RatePerSec <= 0 {
		return nil
	}
	burst := c.Transport.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.Transport.RatePerSec), burst)
}

// SessionOptions maps the config onto session.Options. The HTTP client,
// logger and hooks are left to the caller.
func (c *Config) SessionOptions() session.Options {
	opts := session.Options{
		GatewayURL:    c.Gateway.URL,
		CASLoginURL:   c.CAS.LoginURL,
		ServiceDomain: c.CAS.ServiceDomain,
		SharedSuffix:  c.Gateway.SharedSuffix,
		Timeout:       c.Timeout(),
		MaxRedirects:  c.Transport.MaxRedirects,
		Limiter:       c.Limiter(),
		UserAgent:     c.Transport.UserAgent,
		LoginAttempts: c.Session.LoginAttempts,
		HealthWindow:  c.HealthWindow(),
	}
	if c.Gateway.Marker != "" {
		m := acehttp.DefaultMarkers()
		m.Gateway = c.Gateway.Marker
		opts.Markers = &m
	}
	return opts
}

// VaultPath is the credential vault file.
func (c *Config) VaultPath() string {
	return filepath.Join(c.Dir, "vault.json")
}
