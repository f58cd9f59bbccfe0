package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/good-yellow-bee/cowork/internal/assistant"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cowork.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddress)
	assert.Equal(t, "COWORK_JWT_SECRET", cfg.Server.JWTSecretEnv)
	assert.Equal(t, 24*time.Hour, cfg.Server.TokenTTL)
	assert.Equal(t, "./data/cowork.db", cfg.Database.Path)
	assert.Equal(t, assistant.ProviderNone, cfg.Assistant.Provider)
	assert.Empty(t, cfg.Assistant.TriggerPrefix)
	assert.Equal(t, "cowork.rooms", cfg.Relay.SubjectPrefix)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  http_address: ":9000"
  metrics_address: ":9100"
  allowed_origins: ["https://app.example.com"]
  tls:
    enabled: true
    cert_file: /etc/cowork/cert.pem
    key_file: /etc/cowork/key.pem
database:
  path: /var/lib/cowork/cowork.db
assistant:
  provider: openai
  model: gpt-4o-mini
  api_key_env: OPENAI_API_KEY
  timeout: 45s
  trigger_prefix: "@ai"
room:
  ping_interval: 15s
logging:
  level: debug
  format: console
`)
	t.Setenv("COWORK_SERVER_HTTP_ADDRESS", ":9001")
	t.Setenv("COWORK_RELAY_URL", "nats://127.0.0.1:4222")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9001", cfg.Server.HTTPAddress, "env overrides file")
	assert.Equal(t, ":9100", cfg.Server.MetricsAddress)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.True(t, cfg.Server.TLS.Enabled)
	assert.Equal(t, "/var/lib/cowork/cowork.db", cfg.Database.Path)
	assert.Equal(t, assistant.ProviderOpenAI, cfg.Assistant.Provider)
	assert.Equal(t, 45*time.Second, cfg.Assistant.Timeout)
	assert.Equal(t, "@ai", cfg.Assistant.TriggerPrefix)
	assert.Equal(t, 15*time.Second, cfg.Room.PingInterval)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Relay.URL)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"tls without cert", func(c *Config) { c.Server.TLS.Enabled = true }},
		{"metrics on api port", func(c *Config) { c.Server.MetricsAddress = c.Server.HTTPAddress }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"unknown provider", func(c *Config) { c.Assistant.Provider = "llama" }},
		{"provider without key", func(c *Config) { c.Assistant.Provider = assistant.ProviderAnthropic }},
		{"negative buffer", func(c *Config) { c.Room.PeerBuffer = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfig_RejectsMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_JWTSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.JWTSecretEnv = "COWORK_TEST_SECRET"

	t.Setenv("COWORK_TEST_SECRET", "")
	_, err := cfg.JWTSecret()
	assert.Error(t, err)

	t.Setenv("COWORK_TEST_SECRET", "short")
	_, err = cfg.JWTSecret()
	assert.Error(t, err)

	t.Setenv("COWORK_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	secret, err := cfg.JWTSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 32)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.http_address", envKey("COWORK_SERVER_HTTP_ADDRESS"))
	assert.Equal(t, "server.tls.cert_file", envKey("COWORK_SERVER_TLS_CERT_FILE"))
	assert.Equal(t, "assistant.trigger_prefix", envKey("COWORK_ASSISTANT_TRIGGER_PREFIX"))
}
