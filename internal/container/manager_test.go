package container

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harper/mcp-relay/internal/config"
)

func TestFilterAllowedEnvVars(t *testing.T) {
	m := &Manager{}

	got := m.filterAllowedEnvVars(map[string]string{
		"TERM":              "xterm-256color",
		"LANG":              "en_US.UTF-8",
		"TZ":                "UTC",
		"HOME":              "/home/user",
		"PATH":              "/usr/bin",
		"ANTHROPIC_API_KEY": "sk-ant-...",
	})

	assert.Equal(t, map[string]string{"TERM": "xterm-256color", "LANG": "en_US.UTF-8", "TZ": "UTC"}, got)
}

func TestContainerEnvExpandsConfiguredValues(t *testing.T) {
	t.Setenv("RELAY_CONTAINER_TOKEN", "abc")
	t.Setenv("TERM", "dumb")
	m := &Manager{env: map[string]string{"API_TOKEN": "${RELAY_CONTAINER_TOKEN}", "MODE": "fs"}}

	env := m.containerEnv()
	assert.Contains(t, env, "API_TOKEN=abc")
	assert.Contains(t, env, "MODE=fs")
	assert.Contains(t, env, "TERM=dumb")
	for _, kv := range env {
		assert.False(t, strings.HasPrefix(kv, "RELAY_CONTAINER_TOKEN="), "host secrets are not forwarded")
	}
}

func TestBuildContainerLabels(t *testing.T) {
	labels := (&Manager{}).buildContainerLabels("sess_1234")

	assert.Equal(t, "mcp-relay", labels["managed-by"])
	assert.Equal(t, "sess_1234", labels["session-id"])
	assert.NotEmpty(t, labels["created-at"])
}

func TestSanitizeContainerName(t *testing.T) {
	m := &Manager{}

	tests := map[string]string{
		"simple-session":          "mcp-relay-simple-session",
		"session_with_underscore": "mcp-relay-session_with_underscore",
		"session.with.dots":       "mcp-relay-session-with-dots",
		"SESSION-UPPERCASE":       "mcp-relay-session-uppercase",
	}
	for in, want := range tests {
		assert.Equal(t, want, m.sanitizeContainerName(in), in)
	}
}

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"512k", 512 * 1024, false},
		{"512m", 512 * 1024 * 1024, false},
		{"1.5g", 1536 * 1024 * 1024, false},
		{"2G", 2 * 1024 * 1024 * 1024, false},
		{"10x", 0, true},
		{"lots", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseMemoryLimit(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewManagerWithoutDocker(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping Docker integration test in short mode")
	}

	cfg := config.ContainerConfig{
		Image:      "mcp-relay-test-image-that-does-not-exist:never",
		DockerHost: "unix:///var/run/docker.sock",
	}
	_, err := NewManager(cfg, "/bin/server", nil, nil)
	require.Error(t, err)

	var cerr *ContainerError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, []string{"docker_unavailable", "image_not_found"}, cerr.Type)
}
