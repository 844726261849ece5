package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/mcp", cfg.Server.HTTPPath)
	assert.Equal(t, "/mcp/ws", cfg.Server.WebSocketPath)
	assert.Equal(t, ModeNone, cfg.Upstream.Mode)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 5*time.Second, cfg.CleanupInterval())
	assert.Equal(t, 1000, cfg.MaxPending())
	assert.Equal(t, 10*1024*1024, cfg.MaxMessageSize())
	assert.True(t, cfg.RevealForbidden())
	assert.Equal(t, []string{"*"}, cfg.Auth.StdioScopes)
	assert.False(t, cfg.AuthEnabled())
	assert.Equal(t, ExporterNone, cfg.Tracing.Exporter)
	assert.Equal(t, "mcp-relay", cfg.Tracing.ServiceName)

	var p Provider = cfg
	assert.NotNil(t, p)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 9090
upstream:
  mode: process
  command: /usr/local/bin/mcp-server
  args: ["--stdio"]
correlation:
  request_timeout: 2s
  max_pending: 10
  id_strategy: uuid
auth:
  reveal_forbidden: false
  api_keys:
    - key: secret-1
      subject: alice
      scopes: ["mcp:tools:*"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, "/usr/local/bin/mcp-server", cfg.Upstream.Command)
	assert.Equal(t, []string{"--stdio"}, cfg.Upstream.Args)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 10, cfg.MaxPending())
	assert.Equal(t, "uuid", cfg.Correlation.IDStrategy)
	assert.False(t, cfg.RevealForbidden())
	require.Len(t, cfg.Auth.APIKeys, 1)
	assert.Equal(t, "alice", cfg.Auth.APIKeys[0].Subject)
	assert.Equal(t, []string{"mcp:tools:*"}, cfg.Auth.APIKeys[0].Scopes)
	assert.True(t, cfg.AuthEnabled())
}

func TestLoadPreservesCase(t *testing.T) {
	path := writeConfig(t, `
upstream:
  mode: process
  command: server
  env:
    ANTHROPIC_API_KEY: "${ANTHROPIC_API_KEY}"
    MixedCase_Var: "x"
auth:
  scope_mappings:
    logging/setLevel: "mcp:logging:configure"
    tools/call: "mcp:tools:execute"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Contains(t, cfg.Upstream.Env, "ANTHROPIC_API_KEY")
	assert.Contains(t, cfg.Upstream.Env, "MixedCase_Var")
	assert.Equal(t, "${ANTHROPIC_API_KEY}", cfg.Upstream.Env["ANTHROPIC_API_KEY"], "upstream env is expanded at launch, not load")
	assert.Equal(t, "mcp:logging:configure", cfg.ScopeMappings()["logging/setLevel"])
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("MCP_RELAY_SERVER_HTTP_PORT", "7070")
	t.Setenv("MCP_RELAY_CORRELATION_MAX_PENDING", "5")
	t.Setenv("MCP_RELAY_AUTH_REVEAL_FORBIDDEN", "false")

	cfg, err := Load(writeConfig(t, "server:\n  http_port: 8080\n"))
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, 5, cfg.MaxPending())
	assert.False(t, cfg.RevealForbidden())
}

func TestLoadExpandsSecretsAndPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("RELAY_TEST_KEY", "from-env")

	cfg, err := Load(writeConfig(t, `
database:
  path: "$XDG_DATA_HOME/mcp-relay/test.db"
auth:
  api_keys:
    - key: "${RELAY_TEST_KEY}"
      subject: svc
`))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".local", "share", "mcp-relay", "test.db"), cfg.Database.Path)
	assert.Equal(t, "from-env", cfg.Auth.APIKeys[0].Key)
}

func TestLoadNonXDGPathUnchanged(t *testing.T) {
	cfg, err := Load(writeConfig(t, "database:\n  path: /absolute/path/db.sqlite\n"))
	require.NoError(t, err)
	assert.Equal(t, "/absolute/path/db.sqlite", cfg.Database.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad mode", "upstream:\n  mode: carrier-pigeon\n", "invalid upstream.mode"},
		{"process without command", "upstream:\n  mode: process\n", "upstream.command is required"},
		{"http without url", "upstream:\n  mode: http\n", "upstream.url is required"},
		{"zero timeout", "correlation:\n  request_timeout: 0s\n", "request_timeout must be positive"},
		{"bad id strategy", "correlation:\n  id_strategy: random\n", "id_strategy"},
		{"empty api key", "auth:\n  api_keys:\n    - subject: bob\n", "auth.api_keys[0].key is empty"},
		{"mapping without scope", "auth:\n  scope_mappings:\n    tools/call: \"\"\n", "has no scope"},
		{"unknown approval op", "security:\n  approval_operations: [explode]\n", "approval_operations"},
		{"unknown exporter", "tracing:\n  exporter: jaeger\n", "invalid tracing.exporter"},
		{"otlp without endpoint", "tracing:\n  exporter: otlp\n  endpoint: \"\"\n", "tracing.endpoint is required"},
		{"sample ratio out of range", "tracing:\n  sample_ratio: 2\n", "sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
upstream:
  mode: http
  url: https://example.test/mcp
  bearer_token: tok
  env:
    SECRET: value
auth:
  api_keys:
    - key: k1
      subject: alice
`))
	require.NoError(t, err)

	red := cfg.Redacted()
	assert.Equal(t, "[redacted]", red.Auth.APIKeys[0].Key)
	assert.Equal(t, "alice", red.Auth.APIKeys[0].Subject)
	assert.Equal(t, "[redacted]", red.Upstream.BearerToken)
	assert.Equal(t, "[redacted]", red.Upstream.Env["SECRET"])
	assert.Equal(t, "k1", cfg.Auth.APIKeys[0].Key, "original is untouched")
}
