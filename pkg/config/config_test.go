package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.RPID)
	assert.Equal(t, "http://localhost:3000", cfg.Server.RPOrigin)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 7, cfg.Session.LifetimeDays)
	assert.Equal(t, "den_session", cfg.Session.CookieName)
	assert.Equal(t, 5, cfg.WebAuthn.ChallengeTTLMinutes)
	assert.Equal(t, 60, cfg.Redirect.TokenTTLSeconds)
	assert.False(t, cfg.WebAuthn.StrictSignCount)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
server:
  port: 8443
  rp_id: den.example.com
  rp_origin: https://den.example.com
  allowed_hosts:
    - fujin:3000
storage:
  type: memory
session:
  lifetime_days: 14
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8443, cfg.Server.Port)
	assert.Equal(t, "den.example.com", cfg.Server.RPID)
	assert.Equal(t, []string{"fujin:3000"}, cfg.Server.AllowedHosts)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, 14, cfg.Session.LifetimeDays)
	// Untouched sections keep defaults
	assert.Equal(t, 5, cfg.WebAuthn.ChallengeTTLMinutes)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DEN_SERVER_PORT", "9000")
	t.Setenv("DEN_STORAGE_TYPE", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Type)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"missing rp_id", func(c *Config) { c.Server.RPID = "" }},
		{"missing rp_origin", func(c *Config) { c.Server.RPOrigin = "" }},
		{"unknown storage", func(c *Config) { c.Storage.Type = "mongodb" }},
		{"sqlite without path", func(c *Config) { c.Storage.SQLite.Path = "" }},
		{"zero session lifetime", func(c *Config) { c.Session.LifetimeDays = 0 }},
		{"empty cookie name", func(c *Config) { c.Session.CookieName = "" }},
		{"zero challenge ttl", func(c *Config) { c.WebAuthn.ChallengeTTLMinutes = 0 }},
		{"zero redirect ttl", func(c *Config) { c.Redirect.TokenTTLSeconds = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
