package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harper/mcp-relay/internal/auth"
	"github.com/harper/mcp-relay/internal/authz"
	"github.com/harper/mcp-relay/internal/correlation"
	"github.com/harper/mcp-relay/internal/jsonrpc"
	"github.com/harper/mcp-relay/internal/session"
	"github.com/harper/mcp-relay/internal/transport"
)

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()

	router := session.NewRouter()
	session.RegisterBuiltins(router, session.ServerInfo{Implementation: session.Implementation{Name: "ws-test", Version: "1"}})
	router.Handle("tools/list", func(context.Context, *jsonrpc.Request) (any, error) {
		return map[string]any{"tools": []any{}}, nil
	})

	guard := authz.NewGuard(authz.GuardConfig{Audit: authz.MultiSink{}, RevealForbidden: true})
	authn := auth.NewAPIKeyAuthenticator([]auth.APIKey{
		{Key: "tools-key", Subject: "tooling", Scopes: []string{"mcp:tools:*"}},
		{Key: "read-key", Subject: "reader", Scopes: []string{"mcp:resources:read"}},
	})

	mgr, err := session.NewManager(session.ManagerConfig{}, nil, nil)
	require.NoError(t, err)

	srv := NewServer(Config{}, mgr, session.NewDispatcher(router, guard, nil), authn, guard)
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(func() {
		mgr.CloseAll()
		httpSrv.Close()
	})
	return httpSrv, mgr
}

func wsURL(httpSrv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(httpSrv.URL, "http")
}

func dial(t *testing.T, httpSrv *httptest.Server, key string) *session.Session {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+key)

	tr, err := transport.DialWebSocket(context.Background(), wsURL(httpSrv), header, 0)
	require.NoError(t, err)

	client := session.New(tr, session.Config{Role: session.RoleClient, Correlation: correlation.Config{DefaultTimeout: 2 * time.Second}})
	go func() { _ = client.Serve(context.Background()) }()
	t.Cleanup(func() { client.Close() })
	return client
}

func TestUpgradeRequiresCredentials(t *testing.T) {
	httpSrv, mgr := newTestServer(t)

	tests := []struct {
		name       string
		header     http.Header
		wantStatus int
	}{
		{"absent", http.Header{}, http.StatusForbidden},
		{"invalid", http.Header{"Authorization": {"Bearer nope"}}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := transport.DialWebSocket(context.Background(), wsURL(httpSrv), tt.header, 0)
			var te *transport.Error
			require.ErrorAs(t, err, &te)
			assert.Equal(t, transport.KindRejected, te.Kind)
			assert.Equal(t, tt.wantStatus, te.Status)
		})
	}
	assert.Empty(t, mgr.List())
}

func TestSessionOverWebSocket(t *testing.T) {
	httpSrv, mgr := newTestServer(t)
	client := dial(t, httpSrv, "tools-key")
	ctx := context.Background()

	result, err := client.Initialize(ctx, session.Implementation{Name: "client", Version: "1"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ws-test", result.ServerInfo.Name)

	raw, err := client.Call(ctx, "tools/list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tools":[]}`, string(raw))

	sessions := mgr.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, "websocket", sessions[0].Transport)
	assert.Equal(t, "tooling", sessions[0].Subject)

	client.Close()
	assert.Eventually(t, func() bool { return len(mgr.List()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestForbiddenOverWebSocket(t *testing.T) {
	httpSrv, _ := newTestServer(t)
	client := dial(t, httpSrv, "read-key")

	_, err := client.Call(context.Background(), "tools/list", nil)
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.Forbidden, rpcErr.Code)
}

func TestUpgradeChallengeAdvertisesMetadata(t *testing.T) {
	mgr, err := session.NewManager(session.ManagerConfig{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(mgr.CloseAll)

	srv := NewServer(Config{MetadataPath: auth.MetadataPath}, mgr, session.NewDispatcher(nil, nil, nil), auth.NewChain(), nil)

	req := httptest.NewRequest(http.MethodGet, "http://relay.example/mcp/ws", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `resource_metadata="http://relay.example/.well-known/oauth-protected-resource"`)
}
