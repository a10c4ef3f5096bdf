package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, BackendBBolt, cfg.Storage.Backend)
	assert.Equal(t, 2*time.Second, cfg.DependencyTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Login.Window)
	assert.Equal(t, 5, cfg.RateLimit.Login.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.RateLimit.PasswordReset.Window)
	assert.Equal(t, 3, cfg.RateLimit.PasswordReset.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.AdminAccess.Window)
	assert.Equal(t, 10, cfg.RateLimit.AdminAccess.MaxAttempts)
	assert.False(t, cfg.RateLimit.AdminAccess.FailClosed)
	assert.Equal(t, 5, cfg.Detection.HighThreshold)
	assert.Equal(t, 10, cfg.Detection.CriticalThreshold)
	assert.Equal(t, "gatekeeper.alerts", cfg.Alerts.NATSSubjectPrefix)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "gatekeeper.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
listen: ":9000"
log_level: debug
trusted_proxies: [10.0.0.0/8]
rate_limit:
  admin_access:
    fail_closed: true
    window: 10m
storage:
  backend: memory
`), 0o600))

	t.Setenv("GATEKEEPER_DETECTION_HIGH_THRESHOLD", "3")
	t.Setenv("GATEKEEPER_LISTEN", ":9100")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("listen", ":8080", "")
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--log-level=warn"}))

	cfg, err := Load(file, flags)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Listen, "env overrides file")
	assert.Equal(t, "warn", cfg.LogLevel, "flag overrides file")
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.TrustedProxies)
	assert.True(t, cfg.RateLimit.AdminAccess.FailClosed)
	assert.Equal(t, 10*time.Minute, cfg.RateLimit.AdminAccess.Window)
	assert.Equal(t, 10, cfg.RateLimit.AdminAccess.MaxAttempts, "unset keys keep defaults")
	assert.Equal(t, 3, cfg.Detection.HighThreshold)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("", nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }},
		{"bbolt without path", func(c *Config) { c.Storage.Path = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"zero dependency timeout", func(c *Config) { c.DependencyTimeout = 0 }},
		{"zero session ttl", func(c *Config) { c.Session.TTL = 0 }},
		{"inverted thresholds", func(c *Config) { c.Detection.CriticalThreshold = 2 }},
		{"zero attempts", func(c *Config) { c.RateLimit.Login.MaxAttempts = 0 }},
		{"tls cert without key", func(c *Config) { c.Server.TLSCert = "cert.pem" }},
		{"malformed static whitelist", func(c *Config) { c.Whitelist.Static = []string{"10.0.0.0/8", "192.168.1.0/33"} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := *base
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
