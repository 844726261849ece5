package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcomes struct {
	mu   sync.Mutex
	errs []error
}

func (o *outcomes) RecordAuthentication(_ context.Context, _ *Context, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func rejectionCode(t *testing.T, rec *httptest.ResponseRecorder) int {
	t.Helper()
	var body struct {
		ID    any `json:"id"`
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Nil(t, body.ID)
	return body.Error.Code
}

func TestGate(t *testing.T) {
	rec := &outcomes{}
	gate := &Gate{
		Authenticator: NewAPIKeyAuthenticator([]APIKey{{Key: "k1", Subject: "ci", Scopes: []string{"mcp:*"}}}),
		Recorder:      rec,
	}

	tests := []struct {
		name          string
		key           string
		wantStatus    int
		wantChallenge bool
	}{
		{"accepted", "k1", http.StatusOK, false},
		{"absent", "", http.StatusForbidden, false},
		{"rejected", "nope", http.StatusUnauthorized, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			if tt.key != "" {
				r.Header.Set(APIKeyHeader, tt.key)
			}
			w := httptest.NewRecorder()

			actx, ok := gate.Authenticate(context.Background(), w, r)
			if tt.wantStatus == http.StatusOK {
				require.True(t, ok)
				assert.Equal(t, "ci", actx.Subject)
				assert.Empty(t, w.Body.String())
				return
			}

			require.False(t, ok)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Equal(t, -32001, rejectionCode(t, w))
			if tt.wantChallenge {
				assert.Contains(t, w.Header().Get("WWW-Authenticate"), `Bearer realm="mcp-relay", error="invalid_token"`)
			} else {
				assert.Empty(t, w.Header().Get("WWW-Authenticate"))
			}
		})
	}

	require.Len(t, rec.errs, 3)
	assert.NoError(t, rec.errs[0])
	assert.ErrorIs(t, rec.errs[1], ErrMissingCredentials)
	assert.ErrorIs(t, rec.errs[2], ErrInvalidCredentials)
}

func TestGateChallengeAdvertisesMetadata(t *testing.T) {
	gate := &Gate{MetadataPath: MetadataPath}

	r := httptest.NewRequest(http.MethodPost, "http://relay.example:8080/mcp", nil)
	r.Header.Set("Authorization", "Bearer whatever")
	r.Header.Set("X-Forwarded-Proto", "https")
	w := httptest.NewRecorder()

	_, ok := gate.Authenticate(context.Background(), w, r)
	require.False(t, ok)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"),
		`resource_metadata="https://relay.example:8080/.well-known/oauth-protected-resource"`)
}

func TestResourceMetadata(t *testing.T) {
	meta := NewResourceMetadata(OAuth2Config{
		JWKSURL: "https://auth.example.com/.well-known/jwks.json",
		Issuer:  "https://auth.example.com",
	}, []string{"mcp:tools:execute", "mcp:*", "mcp:tools:execute", ""})

	w := httptest.NewRecorder()
	meta.Handler("/mcp")(w, httptest.NewRequest(http.MethodGet, "http://relay.example"+MetadataPath, nil))

	require.Equal(t, http.StatusOK, w.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "http://relay.example/mcp", doc["resource"])
	assert.Equal(t, []any{"https://auth.example.com"}, doc["authorization_servers"])
	assert.Equal(t, "https://auth.example.com/.well-known/jwks.json", doc["jwks_uri"])
	assert.Equal(t, []any{"header"}, doc["bearer_methods_supported"])
	assert.Equal(t, []any{"mcp:*", "mcp:tools:execute"}, doc["scopes_supported"])

	meta.Resource = "https://api.example.com/mcp"
	w = httptest.NewRecorder()
	meta.Handler("/mcp")(w, httptest.NewRequest(http.MethodGet, MetadataPath, nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "https://api.example.com/mcp", doc["resource"])
}
