// Package config loads den's configuration from an optional YAML file with
// DEN_* environment variable overrides.
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server           ServerConfig           `yaml:"server" envconfig:"SERVER"`
	Storage          StorageConfig          `yaml:"storage" envconfig:"STORAGE"`
	Logging          LoggingConfig          `yaml:"logging" envconfig:"LOGGING"`
	Session          SessionConfig          `yaml:"session" envconfig:"SESSION"`
	WebAuthn         WebAuthnConfig         `yaml:"webauthn" envconfig:"WEBAUTHN"`
	Redirect         RedirectConfig         `yaml:"redirect" envconfig:"REDIRECT"`
	ChallengeCleanup ChallengeCleanupConfig `yaml:"challenge_cleanup" envconfig:"CHALLENGE_CLEANUP"`
}

// ServerConfig contains HTTP server and relying-party configuration
type ServerConfig struct {
	Host     string `yaml:"host" envconfig:"HOST"`
	Port     int    `yaml:"port" envconfig:"PORT"`
	RPID     string `yaml:"rp_id" envconfig:"RP_ID"`
	RPOrigin string `yaml:"rp_origin" envconfig:"RP_ORIGIN"`
	RPName   string `yaml:"rp_name" envconfig:"RP_NAME"`
	// AllowedHosts are alternate hosts that may receive a device-redirect
	// session handoff. The rp_origin host is always allowed.
	AllowedHosts []string `yaml:"allowed_hosts" envconfig:"ALLOWED_HOSTS"`
}

// StorageConfig contains storage configuration
type StorageConfig struct {
	Type   string       `yaml:"type" envconfig:"TYPE"` // memory, sqlite
	SQLite SQLiteConfig `yaml:"sqlite" envconfig:"SQLITE"`
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path" envconfig:"DB_PATH"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" envconfig:"FORMAT"` // json, text
}

// SessionConfig contains session token configuration.
// The signing secret is not configured here: it is generated once at first
// startup and persisted by the storage layer.
type SessionConfig struct {
	LifetimeDays int    `yaml:"lifetime_days" envconfig:"LIFETIME_DAYS"`
	CookieName   string `yaml:"cookie_name" envconfig:"COOKIE_NAME"`
}

// WebAuthnConfig contains ceremony policy configuration
type WebAuthnConfig struct {
	ChallengeTTLMinutes int `yaml:"challenge_ttl_minutes" envconfig:"CHALLENGE_TTL_MINUTES"`
	// StrictSignCount rejects assertions whose signature counter did not
	// increase. Off by default: many platform authenticators never
	// increment the counter, which would lock the user out.
	StrictSignCount bool `yaml:"strict_sign_count" envconfig:"STRICT_SIGN_COUNT"`
}

// RedirectConfig contains device-redirect token configuration
type RedirectConfig struct {
	TokenTTLSeconds int `yaml:"token_ttl_seconds" envconfig:"TOKEN_TTL_SECONDS"`
}

// ChallengeCleanupConfig contains the expired-challenge sweeper configuration
type ChallengeCleanupConfig struct {
	Enabled         bool `yaml:"enabled" envconfig:"ENABLED"`
	IntervalSeconds int  `yaml:"interval_seconds" envconfig:"INTERVAL_SECONDS"`
}

// SetDefaults fills in zero values with defaults
func (c *ChallengeCleanupConfig) SetDefaults() {
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 300
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Load from YAML file if provided (overrides defaults)
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, that's ok - we'll use defaults and env vars
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("DEN", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible default values
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     3000,
			RPID:     "localhost",
			RPOrigin: "http://localhost:3000",
			RPName:   "den",
		},
		Storage: StorageConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: "den.db",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Session: SessionConfig{
			LifetimeDays: 7,
			CookieName:   "den_session",
		},
		WebAuthn: WebAuthnConfig{
			ChallengeTTLMinutes: 5,
		},
		Redirect: RedirectConfig{
			TokenTTLSeconds: 60,
		},
		ChallengeCleanup: ChallengeCleanupConfig{
			Enabled:         true,
			IntervalSeconds: 300,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.RPID == "" {
		return fmt.Errorf("rp_id is required")
	}

	if c.Server.RPOrigin == "" {
		return fmt.Errorf("rp_origin is required")
	}

	if c.Storage.Type != "memory" && c.Storage.Type != "sqlite" {
		return fmt.Errorf("invalid storage type: %s (must be memory or sqlite)", c.Storage.Type)
	}

	if c.Storage.Type == "sqlite" && c.Storage.SQLite.Path == "" {
		return fmt.Errorf("sqlite path is required when using sqlite storage")
	}

	if c.Session.LifetimeDays < 1 {
		return fmt.Errorf("invalid session lifetime: %d days", c.Session.LifetimeDays)
	}

	if c.Session.CookieName == "" {
		return fmt.Errorf("session cookie name is required")
	}

	if c.WebAuthn.ChallengeTTLMinutes < 1 {
		return fmt.Errorf("invalid challenge ttl: %d minutes", c.WebAuthn.ChallengeTTLMinutes)
	}

	if c.Redirect.TokenTTLSeconds < 1 {
		return fmt.Errorf("invalid redirect token ttl: %d seconds", c.Redirect.TokenTTLSeconds)
	}

	return nil
}

// Address returns the server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
