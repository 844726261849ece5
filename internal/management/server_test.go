package management

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harper/mcp-relay/internal/authz"
	"github.com/harper/mcp-relay/internal/config"
	"github.com/harper/mcp-relay/internal/db"
	"github.com/harper/mcp-relay/internal/metrics"
	"github.com/harper/mcp-relay/internal/session"
	"github.com/harper/mcp-relay/internal/transport"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{HTTPPort: 8080, ManagementPort: 8082},
		Upstream: config.UpstreamConfig{Mode: config.ModeProcess, Command: "mcp-server", BearerToken: "secret-token"},
		Auth: config.AuthConfig{
			APIKeys: []config.APIKeyConfig{{Key: "super-secret", Subject: "ops", Scopes: []string{"*"}}},
		},
	}
}

func newTestServer(t *testing.T, withDB bool) (*Server, *session.Manager, *db.DB) {
	t.Helper()
	mgr, err := session.NewManager(session.ManagerConfig{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(mgr.CloseAll)

	var database *db.DB
	var store Store
	if withDB {
		database, err = db.Open(filepath.Join(t.TempDir(), "relay.db"))
		require.NoError(t, err)
		t.Cleanup(func() { database.Close() })
		store = database
	}
	return NewServer(testConfig(), mgr, store, metrics.New()), mgr, database
}

func get(t *testing.T, srv http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func attachSession(t *testing.T, mgr *session.Manager, id string) *session.Session {
	t.Helper()
	tr := transport.NewStdio(strings.NewReader(""), &strings.Builder{})
	sess := session.New(tr, session.Config{ID: id, Transport: "stdio"})
	require.NoError(t, mgr.Attach(sess))
	return sess
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	rec := get(t, srv, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, config.ModeProcess, health["upstream_mode"])
	assert.Equal(t, true, health["auth_enabled"])
}

func TestConfigEndpointRedactsSecrets(t *testing.T) {
	srv, _, _ := newTestServer(t, false)

	rec := get(t, srv, "/api/config")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "super-secret")
	assert.NotContains(t, rec.Body.String(), "secret-token")

	var cfg config.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "mcp-server", cfg.Upstream.Command)
	assert.Equal(t, "ops", cfg.Auth.APIKeys[0].Subject)
}

func TestSessionsEndpoint(t *testing.T) {
	srv, mgr, _ := newTestServer(t, false)
	attachSession(t, mgr, "sess_live")

	rec := get(t, srv, "/api/sessions")
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess_live", sessions[0].ID)
	assert.Equal(t, "stdio", sessions[0].Transport)
	assert.True(t, sessions[0].IsActive)

	rec = get(t, srv, "/api/sessions?all=true")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSessionHistory(t *testing.T) {
	srv, _, database := newTestServer(t, true)
	require.NoError(t, database.CreateSession("sess_old", "http", "alice", ""))
	require.NoError(t, database.CloseSession("sess_old"))
	require.NoError(t, database.LogMessage("sess_old", db.DirectionClientToRelay, []byte(`{"jsonrpc":"2.0","id":"a","method":"ping"}`)))

	rec := get(t, srv, "/api/sessions?all=true")
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].IsActive)
	assert.NotNil(t, sessions[0].ClosedAt)

	rec = get(t, srv, "/api/sessions/sess_old/messages")
	require.Equal(t, http.StatusOK, rec.Code)
	var messages []messageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &messages))
	require.Len(t, messages, 1)
	assert.Equal(t, "ping", messages[0].Method)
	assert.JSONEq(t, `"a"`, string(messages[0].RequestID))
}

func TestCloseSessionEndpoint(t *testing.T) {
	srv, mgr, _ := newTestServer(t, false)
	attachSession(t, mgr, "sess_kill")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/sessions/sess_kill", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, mgr.List())

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/sessions/sess_kill", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditEndpoint(t *testing.T) {
	srv, _, database := newTestServer(t, true)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, database.Record(ctx, authz.AuditEvent{ID: "e1", Time: now.Add(-time.Minute), Stage: authz.StageAuthorization, Outcome: authz.OutcomeAllow, Subject: "alice", Method: "tools/list"}))
	require.NoError(t, database.Record(ctx, authz.AuditEvent{ID: "e2", Time: now, Stage: authz.StageAuthorization, Outcome: authz.OutcomeDeny, Subject: "bob", Method: "tools/call", RequiredScope: "mcp:tools:execute"}))

	rec := get(t, srv, "/api/audit?outcome=deny")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []auditResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "bob", events[0].Subject)
	assert.Equal(t, "mcp:tools:execute", events[0].RequiredScope)

	rec = get(t, srv, "/api/audit?limit=1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].ID)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/audit?limit=abc").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, false)

	rec := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
