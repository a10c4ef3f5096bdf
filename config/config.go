// Package config loads process configuration from defaults, an optional
// YAML file, GATEKEEPER_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmcleod/gatekeeper/whitelist"
)

const EnvPrefix = "GATEKEEPER"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBBolt    = "bbolt"
	BackendPostgres = "postgres"
)

type Config struct {
	Listen            string        `mapstructure:"listen"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"`
	RoutesFile        string        `mapstructure:"routes_file"`
	DependencyTimeout time.Duration `mapstructure:"dependency_timeout"`
	TrustedProxies    []string      `mapstructure:"trusted_proxies"`

	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Detection    DetectionConfig    `mapstructure:"detection"`
	Session      SessionConfig      `mapstructure:"session"`
	AdminSession AdminSessionConfig `mapstructure:"admin_session"`
	Events       EventsConfig       `mapstructure:"events"`
	Alerts       AlertsConfig       `mapstructure:"alerts"`
	Whitelist    WhitelistConfig    `mapstructure:"whitelist"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Janitor      JanitorConfig      `mapstructure:"janitor"`
}

type ServerConfig struct {
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	TLSCert           string        `mapstructure:"tls_cert"`
	TLSKey            string        `mapstructure:"tls_key"`
	// Upstream is the storefront the gate proxies to. Empty serves a
	// placeholder handler.
	Upstream string `mapstructure:"upstream"`
}

type StorageConfig struct {
	Backend     string        `mapstructure:"backend"`
	Path        string        `mapstructure:"path"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// PolicyConfig mirrors ratelimit.Policy.
type PolicyConfig struct {
	Window      time.Duration `mapstructure:"window"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	FailClosed  bool          `mapstructure:"fail_closed"`
}

type RateLimitConfig struct {
	Login         PolicyConfig `mapstructure:"login"`
	PasswordReset PolicyConfig `mapstructure:"password_reset"`
	AdminAccess   PolicyConfig `mapstructure:"admin_access"`
	// Shared keeps counters in the storage backend instead of process
	// memory.
	Shared bool `mapstructure:"shared"`
}

type DetectionConfig struct {
	Window            time.Duration `mapstructure:"window"`
	HighThreshold     int           `mapstructure:"high_threshold"`
	CriticalThreshold int           `mapstructure:"critical_threshold"`
}

// SessionConfig covers storefront sessions issued by POST /auth/login.
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type AdminSessionConfig struct {
	// DigestKey is a hex-encoded key for token digests. Processes sharing
	// a store must share it; empty generates one per process.
	DigestKey string `mapstructure:"digest_key"`
}

type EventsConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Retention    time.Duration `mapstructure:"retention"`
}

type AlertsConfig struct {
	WebhookURL        string `mapstructure:"webhook_url"`
	// WebhookAuthHeader is sent verbatim as the Authorization header.
	WebhookAuthHeader string `mapstructure:"webhook_auth_header"`
	NATSURL           string `mapstructure:"nats_url"`
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix"`
}

type WhitelistConfig struct {
	Static   []string      `mapstructure:"static"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type JanitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("routes_file", "")
	v.SetDefault("dependency_timeout", 2*time.Second)
	v.SetDefault("trusted_proxies", []string{})

	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.upstream", "")

	v.SetDefault("storage.backend", BackendBBolt)
	v.SetDefault("storage.path", "./data/gatekeeper.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.timeout", 5*time.Second)

	v.SetDefault("rate_limit.login.window", 15*time.Minute)
	v.SetDefault("rate_limit.login.max_attempts", 5)
	v.SetDefault("rate_limit.login.fail_closed", false)
	v.SetDefault("rate_limit.password_reset.window", time.Hour)
	v.SetDefault("rate_limit.password_reset.max_attempts", 3)
	v.SetDefault("rate_limit.password_reset.fail_closed", false)
	v.SetDefault("rate_limit.admin_access.window", 5*time.Minute)
	v.SetDefault("rate_limit.admin_access.max_attempts", 10)
	v.SetDefault("rate_limit.admin_access.fail_closed", false)
	v.SetDefault("rate_limit.shared", false)

	v.SetDefault("detection.window", time.Hour)
	v.SetDefault("detection.high_threshold", 5)
	v.SetDefault("detection.critical_threshold", 10)

	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("admin_session.digest_key", "")

	v.SetDefault("events.queue_size", 4096)
	v.SetDefault("events.write_timeout", 5*time.Second)
	v.SetDefault("events.retention", 90*24*time.Hour)

	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.webhook_auth_header", "")
	v.SetDefault("alerts.nats_url", "")
	v.SetDefault("alerts.nats_subject_prefix", "gatekeeper.alerts")

	v.SetDefault("whitelist.static", []string{})
	v.SetDefault("whitelist.cache_ttl", 30*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("janitor.interval", time.Minute)
	v.SetDefault("janitor.timeout", 30*time.Second)
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"listen":       "listen",
	"log-level":    "log_level",
	"log-format":   "log_format",
	"routes":       "routes_file",
	"storage":      "storage.backend",
	"data":         "storage.path",
	"postgres-dsn": "storage.postgres_dsn",
	"upstream":     "server.upstream",
	"tls-cert":     "server.tls_cert",
	"tls-key":      "server.tls_key",
}

// Load reads configuration. file may be empty. Flags present in flags
// that were set on the command line override every other source.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory, BackendBBolt:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Storage.Backend == BackendBBolt && c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required for the bbolt backend"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if c.DependencyTimeout <= 0 {
		errs = append(errs, errors.New("dependency_timeout must be positive"))
	}
	if c.Detection.HighThreshold <= 0 || c.Detection.CriticalThreshold < c.Detection.HighThreshold {
		errs = append(errs, errors.New("detection thresholds must satisfy 0 < high <= critical"))
	}
	for name, p := range map[string]PolicyConfig{
		"login":          c.RateLimit.Login,
		"password_reset": c.RateLimit.PasswordReset,
		"admin_access":   c.RateLimit.AdminAccess,
	} {
		if p.Window <= 0 || p.MaxAttempts <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.%s needs a positive window and max_attempts", name))
		}
	}
	for _, cidr := range c.Whitelist.Static {
		if err := whitelist.ValidateCIDR(cidr); err != nil {
			errs = append(errs, fmt.Errorf("whitelist.static: %w", err))
		}
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}
