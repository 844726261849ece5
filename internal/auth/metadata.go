// ABOUTME: OAuth 2.0 protected resource metadata (RFC 9728)
// ABOUTME: Tells clients which authorization server issues tokens for this relay and which scopes exist

package auth

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/harper/mcp-relay/internal/logger"
)

// MetadataPath is where RFC 9728 clients look for the document.
const MetadataPath = "/.well-known/oauth-protected-resource"

type ResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JWKSURI                string   `json:"jwks_uri,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	SigningAlgorithms      []string `json:"resource_signing_alg_values_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// NewResourceMetadata describes the resource protected by cfg. The audience is the
// resource identifier; when empty each request fills it in from its own origin.
func NewResourceMetadata(cfg OAuth2Config, scopes []string) *ResourceMetadata {
	m := &ResourceMetadata{
		Resource:               cfg.Audience,
		JWKSURI:                cfg.JWKSURL,
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        uniqueSorted(scopes),
		SigningAlgorithms:      []string{"RS256"},
		ResourceName:           Realm,
	}
	if cfg.Issuer != "" {
		m.AuthorizationServers = []string{cfg.Issuer}
	}
	return m
}

// Handler serves the document. resourcePath is appended to the request origin when the
// resource identifier was left empty.
func (m *ResourceMetadata) Handler(resourcePath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc := *m
		if doc.Resource == "" {
			doc.Resource = RequestOrigin(r) + resourcePath
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=3600")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			logger.Debug("error writing resource metadata: %v", err)
		}
	}
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s]; dup || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
