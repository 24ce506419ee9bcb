package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xpostd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8000", cfg.Server.Listen)
	assert.Equal(t, 3, cfg.Dispatch.MaxRetries)
	assert.Equal(t, BackendMemory, cfg.Credentials.Backend)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.True(t, cfg.DestinationEnabled(xpost.TikTok))
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "file values over defaults",
			yaml: `
server:
  listen: ":9000"
dispatch:
  max_retries: 5
  call_timeout: 10s
media:
  public_base_url: https://media.example.com
credentials:
  backend: sqlite
  sqlite_path: /var/lib/xpostd.db
destinations:
  enabled: [x, twitter, bluesky]
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":9000", cfg.Server.Listen)
				assert.Equal(t, 5, cfg.Dispatch.MaxRetries)
				assert.Equal(t, 10*time.Second, cfg.Dispatch.CallTimeout)
				assert.Equal(t, 2*time.Minute, cfg.Dispatch.BatchTimeout)
				assert.Equal(t, "https://media.example.com", cfg.Media.PublicBaseURL)
				assert.Equal(t, "/var/lib/xpostd.db", cfg.Credentials.SQLitePath)
				assert.True(t, cfg.DestinationEnabled(xpost.X))
				assert.False(t, cfg.DestinationEnabled(xpost.YouTube))
			},
		},
		{
			name: "interpolation and env overrides",
			yaml: `
server:
  api_key: ${XPOSTD_TEST_KEY}
`,
			env: map[string]string{
				"XPOSTD_TEST_KEY":      "s3cret",
				"XPOSTD_LISTEN":        "0.0.0.0:8080",
				"XPOSTD_OTLP_ENDPOINT": "otel:4318",
				"XPOSTD_MAX_RETRIES":   "1",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "s3cret", cfg.Server.APIKey)
				assert.Equal(t, "0.0.0.0:8080", cfg.Server.Listen)
				assert.True(t, cfg.Telemetry.Enabled)
				assert.Equal(t, "otel:4318", cfg.Telemetry.Endpoint)
				assert.Equal(t, 1, cfg.Dispatch.MaxRetries)
			},
		},
		{
			name:    "unresolved api key",
			yaml:    "server:\n  api_key: ${XPOSTD_TEST_UNSET_KEY}\n",
			wantErr: "${XPOSTD_TEST_UNSET_KEY} is not set",
		},
		{
			name:    "bad env override",
			env:     map[string]string{"XPOSTD_MAX_RETRIES": "many"},
			wantErr: "XPOSTD_MAX_RETRIES",
		},
		{
			name:    "bad backend",
			yaml:    "credentials:\n  backend: etcd\n",
			wantErr: "credentials.backend",
		},
		{
			name:    "redis needs address",
			yaml:    "credentials:\n  backend: redis\n",
			wantErr: "credentials.redis.addr",
		},
		{
			name:    "unknown destination",
			yaml:    "destinations:\n  enabled: [myspace]\n",
			wantErr: `unknown destination "myspace"`,
		},
		{
			name:    "bad log level",
			yaml:    "log:\n  level: loud\n",
			wantErr: "log.level",
		},
		{
			name:    "malformed yaml",
			yaml:    "server: [",
			wantErr: "parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeConfig(t, tt.yaml)
			}
			cfg, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config")
}
