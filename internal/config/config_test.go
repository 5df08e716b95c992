// ABOUTME: Tests for configuration loading, env expansion, and validation
// ABOUTME: Writes temp YAML files and loads them through the real path

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/internal/access"
	"github.com/relaydesk/relaydesk/internal/presence"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
server:
  http_addr: ":8080"
database:
  path: "./relaydesk.db"
auth:
  jwt_secret: "test-secret"
`

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "./relaydesk.db", cfg.Database.Path)
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)

	// Defaults fill in what the file left out.
	assert.Equal(t, access.DefaultLimit, cfg.Widget.RateLimit)
	assert.Equal(t, access.DefaultWindow, cfg.Widget.RateWindow)
	assert.Equal(t, presence.DefaultGrace, cfg.Agents.OfflineGrace)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  http_addr: ":9000"
database:
  path: "/var/lib/relaydesk/db.sqlite"
auth:
  jwt_secret: "secret"
widget:
  rate_limit: 50
  rate_window: "30s"
whatsapp:
  enabled: true
  verify_token: "verify"
  app_secret: "app"
agents:
  offline_grace: "5m"
logging:
  level: "debug"
  format: "json"
metrics:
  enabled: true
  path: "/internal/metrics"
`))
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Widget.RateLimit)
	assert.Equal(t, 30*time.Second, cfg.Widget.RateWindow)
	assert.True(t, cfg.WhatsApp.Enabled)
	assert.Equal(t, "verify", cfg.WhatsApp.VerifyToken)
	assert.Equal(t, 5*time.Minute, cfg.Agents.OfflineGrace)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/internal/metrics", cfg.Metrics.Path)
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("RELAYDESK_TEST_SECRET", "from-env")

	cfg, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./relaydesk.db"
auth:
  jwt_secret: "${RELAYDESK_TEST_SECRET}"
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestUnsetEnvVarFailsValidation(t *testing.T) {
	// ${UNSET} expands to empty, which trips the required-field check.
	_, err := Load(writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./relaydesk.db"
auth:
  jwt_secret: "${RELAYDESK_DEFINITELY_UNSET}"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestInvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
widget:
  rate_window: "not-a-duration"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_window")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing http addr",
			mutate:  func(c *Config) { c.Server.HTTPAddr = "" },
			wantErr: "http_addr",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "missing jwt secret",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "" },
			wantErr: "jwt_secret",
		},
		{
			name: "whatsapp without verify token",
			mutate: func(c *Config) {
				c.WhatsApp.Enabled = true
				c.WhatsApp.VerifyToken = ""
			},
			wantErr: "verify_token",
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.Widget.RateLimit = -1 },
			wantErr: "rate_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Server:   ServerConfig{HTTPAddr: ":8080"},
				Database: DatabaseConfig{Path: "./db"},
				Auth:     AuthConfig{JWTSecret: "s"},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
