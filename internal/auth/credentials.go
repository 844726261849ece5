// ABOUTME: Credential extraction from HTTP requests
// ABOUTME: Accepts X-API-Key, Authorization: Bearer, and the api_key query parameter

package auth

import (
	"net/http"
	"strings"
)

type CredentialKind int

const (
	NoCredentials CredentialKind = iota
	BearerToken
	APIKeyCredential
)

type Credentials struct {
	Kind  CredentialKind
	Token string
	// Source names where the credential came from, for audit records.
	Source string
}

const (
	APIKeyHeader     = "X-API-Key"
	APIKeyQueryParam = "api_key"
)

// CredentialsFromRequest reads the first credential present. A bearer token may be an
// API key or a JWT; authenticators decide.
func CredentialsFromRequest(r *http.Request) Credentials {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return Credentials{Kind: APIKeyCredential, Token: key, Source: "header:" + APIKeyHeader}
	}

	if authz := r.Header.Get("Authorization"); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return Credentials{Kind: BearerToken, Token: strings.TrimSpace(token), Source: "header:Authorization"}
		}
	}

	if key := r.URL.Query().Get(APIKeyQueryParam); key != "" {
		return Credentials{Kind: APIKeyCredential, Token: key, Source: "query:" + APIKeyQueryParam}
	}

	return Credentials{Kind: NoCredentials}
}

func (c Credentials) Present() bool {
	return c.Kind != NoCredentials && c.Token != ""
}
