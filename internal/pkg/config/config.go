// Package config loads gateway configuration from config.yaml and
// GATEWAY_-prefixed environment variables, the latter taking
// precedence.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	OAuth     OAuthConfig     `koanf:"oauth"`
	Providers ProvidersConfig `koanf:"providers"`
	Import    ImportConfig    `koanf:"import"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type DatabaseConfig struct {
	Driver       string `koanf:"driver"` // sqlite, postgres
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

type SecretsConfig struct {
	// MasterKey is the hex-encoded process-wide encryption key,
	// normally injected as ${GATEWAY_MASTER_KEY}. Never logged.
	MasterKey string `koanf:"master_key"`
}

type OAuthConfig struct {
	TokenURL       string `koanf:"token_url"`
	ClientID       string `koanf:"client_id"`
	Skew           string `koanf:"skew"`            // duration, default 60s
	RefreshTimeout string `koanf:"refresh_timeout"` // duration, default 10s
	SweepInterval  string `koanf:"sweep_interval"`  // duration, empty = no sweep
}

type ProvidersConfig struct {
	DirectAPI       ProviderConfig `koanf:"direct_api"`
	HostedInference ProviderConfig `koanf:"hosted_inference"`
}

type ProviderConfig struct {
	BaseURL string `koanf:"base_url"`
}

type ImportConfig struct {
	// File is an optional credential file imported once at startup.
	File string `koanf:"file"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GATEWAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	defaults := map[string]any{
		"server.port":                         8080,
		"database.driver":                     "sqlite",
		"database.dsn":                        "gateway.db",
		"oauth.skew":                          "60s",
		"oauth.refresh_timeout":               "10s",
		"providers.direct_api.base_url":       "https://api.anthropic.com",
		"providers.hosted_inference.base_url": "https://inference.example.com",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Secrets.MasterKey = substituteEnvVars(cfg.Secrets.MasterKey)
	cfg.Database.DSN = substituteEnvVars(cfg.Database.DSN)

	return &cfg, nil
}

// MasterKey decodes the configured hex key. The codec enforces the
// minimum length.
func (c *Config) MasterKey() ([]byte, error) {
	if c.Secrets.MasterKey == "" {
		return nil, fmt.Errorf("secrets.master_key is required")
	}
	key, err := hex.DecodeString(c.Secrets.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("secrets.master_key is not valid hex")
	}
	return key, nil
}

// Skew returns the parsed refresh lead time.
func (c *Config) Skew() (time.Duration, error) {
	return parseDuration("oauth.skew", c.OAuth.Skew)
}

// RefreshTimeout returns the parsed token endpoint timeout.
func (c *Config) RefreshTimeout() (time.Duration, error) {
	return parseDuration("oauth.refresh_timeout", c.OAuth.RefreshTimeout)
}

// SweepInterval returns the background sweep period, zero when the
// sweep is disabled.
func (c *Config) SweepInterval() (time.Duration, error) {
	if c.OAuth.SweepInterval == "" {
		return 0, nil
	}
	return parseDuration("oauth.sweep_interval", c.OAuth.SweepInterval)
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
