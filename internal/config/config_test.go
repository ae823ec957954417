package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "carechat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("")
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "websocket", cfg.Client.Transport)
	assert.Equal(t, 50, cfg.Client.PageSize)
	assert.Equal(t, 3*time.Second, cfg.Client.TypingTimeout)
	assert.Equal(t, 30*time.Second, cfg.Client.PollInterval)
	assert.Equal(t, time.Second, cfg.Client.InitialBackoff)
	assert.Equal(t, 32*time.Second, cfg.Client.MaxBackoff)
	assert.Equal(t, "memory", cfg.Relay.Backend)
	assert.Equal(t, DevSigningKey, cfg.Relay.SigningKey)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
client:
  page_size: 20
  poll_interval: 10s
  transport: nats
relay:
  backend: redis
`)
	t.Setenv("CARECHAT_CLIENT_PAGE_SIZE", "25")
	t.Setenv("CARECHAT_RELAY_SIGNING_KEY", "from-env-signing-key-long-enough!!")

	cfg, err := load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Client.PageSize, "env wins over file")
	assert.Equal(t, 10*time.Second, cfg.Client.PollInterval)
	assert.Equal(t, "nats", cfg.Client.Transport)
	assert.Equal(t, "redis", cfg.Relay.Backend)
	assert.Equal(t, "from-env-signing-key-long-enough!!", cfg.Relay.SigningKey)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	// untouched keys keep their defaults
	assert.Equal(t, 3*time.Second, cfg.Client.TypingTimeout)
}

func TestLoad_PathFromEnv(t *testing.T) {
	path := writeFile(t, "client:\n  page_size: 7\n")
	t.Setenv(PathEnvVar, path)

	assert.Equal(t, path, findConfigFile())
	cfg, err := load(findConfigFile())
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Client.PageSize)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown transport", map[string]string{"CARECHAT_CLIENT_TRANSPORT": "carrier-pigeon"}},
		{"unknown relay backend", map[string]string{"CARECHAT_RELAY_BACKEND": "kafka"}},
		{"api url scheme", map[string]string{"CARECHAT_CLIENT_API_BASE_URL": "ftp://example.com"}},
		{"ws url scheme", map[string]string{"CARECHAT_CLIENT_WS_URL": "http://example.com/ws"}},
		{"page size too large", map[string]string{"CARECHAT_CLIENT_PAGE_SIZE": "500"}},
		{"backoff range", map[string]string{"CARECHAT_CLIENT_MAX_BACKOFF": "100ms"}},
		{"production without key", map[string]string{"CARECHAT_ENV": "production"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := load("")
			assert.Error(t, err)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "client.api_base_url", envKey("CARECHAT_CLIENT_API_BASE_URL"))
	assert.Equal(t, "env", envKey("CARECHAT_ENV"))
	assert.Equal(t, "nats.url", envKey("CARECHAT_NATS_URL"))
}
