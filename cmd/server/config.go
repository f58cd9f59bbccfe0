// Package main provides the cowork server CLI.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/good-yellow-bee/cowork/internal/assistant"
	"github.com/good-yellow-bee/cowork/internal/logging"
	"github.com/good-yellow-bee/cowork/internal/relay"
)

const (
	envPrefix         = "COWORK_"
	maxConfigFileSize = 1 << 20
	minSecretLength   = 32
)

// Config represents the server configuration.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Database  DatabaseConfig   `koanf:"database"`
	Assistant assistant.Config `koanf:"assistant"`
	Relay     relay.Config     `koanf:"relay"`
	Room      RoomConfig       `koanf:"room"`
	Logging   logging.Config   `koanf:"logging"`
	Verbose   bool             `koanf:"-"` // set via CLI flag
}

// ServerConfig contains HTTP settings.
type ServerConfig struct {
	HTTPAddress    string        `koanf:"http_address"`    // API listen address (default: :8080)
	MetricsAddress string        `koanf:"metrics_address"` // Prometheus listen address, empty disables
	JWTSecretEnv   string        `koanf:"jwt_secret_env"`  // env var holding the HMAC secret
	TokenTTL       time.Duration `koanf:"token_ttl"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
	RateLimit      int           `koanf:"rate_limit"` // requests per minute per user
	RateBurst      int           `koanf:"rate_burst"`
	TLS            TLSConfig     `koanf:"tls"`
}

// TLSConfig contains TLS settings for the HTTP listener.
type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

// DatabaseConfig contains SQLite settings.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// RoomConfig contains live room settings.
type RoomConfig struct {
	PeerBuffer    int           `koanf:"peer_buffer"`
	PingInterval  time.Duration `koanf:"ping_interval"`
	MaxFrameBytes int64         `koanf:"max_frame_bytes"`
}

// LoadConfig loads configuration from an optional YAML file, then applies
// COWORK_ environment overrides (COWORK_SERVER_HTTP_ADDRESS ->
// server.http_address).
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// envKey maps COWORK_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	if parts[0] == "server" && strings.HasPrefix(parts[1], "tls_") {
		return "server.tls." + strings.TrimPrefix(parts[1], "tls_")
	}
	return parts[0] + "." + parts[1]
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for missing config fields.
func (c *Config) setDefaults() {
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = ":8080"
	}
	if c.Server.JWTSecretEnv == "" {
		c.Server.JWTSecretEnv = "COWORK_JWT_SECRET"
	}
	if c.Server.TokenTTL <= 0 {
		c.Server.TokenTTL = 24 * time.Hour
	}
	if c.Server.RateLimit <= 0 {
		c.Server.RateLimit = 300
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = 60
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/cowork.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = logging.DefaultConfig().Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = logging.DefaultConfig().Format
	}
	c.Assistant.SetDefaults()
	c.Relay.SetDefaults()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.HTTPAddress == "" {
		return fmt.Errorf("server.http_address is required")
	}
	if c.Server.MetricsAddress != "" && c.Server.MetricsAddress == c.Server.HTTPAddress {
		return fmt.Errorf("server.metrics_address must differ from server.http_address")
	}
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Room.PeerBuffer < 0 {
		return fmt.Errorf("room.peer_buffer must not be negative")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Assistant.Validate(); err != nil {
		return err
	}
	return nil
}

// JWTSecret reads the signing secret from the configured environment
// variable.
func (c *Config) JWTSecret() ([]byte, error) {
	secret := os.Getenv(c.Server.JWTSecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("%s environment variable is required", c.Server.JWTSecretEnv)
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("%s must be at least %d bytes", c.Server.JWTSecretEnv, minSecretLength)
	}
	return []byte(secret), nil
}
