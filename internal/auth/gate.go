// ABOUTME: HTTP credential gate shared by the POST endpoint and the WebSocket upgrade
// ABOUTME: Absent credentials get 403; rejected ones get 401 with a Bearer challenge

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	apierrors "github.com/harper/mcp-relay/internal/errors"
	"github.com/harper/mcp-relay/internal/jsonrpc"
	"github.com/harper/mcp-relay/internal/logger"
)

const Realm = "mcp-relay"

// Recorder receives every authentication outcome. *authz.Guard implements it.
type Recorder interface {
	RecordAuthentication(ctx context.Context, actx *Context, err error)
}

type Gate struct {
	Authenticator Authenticator
	Recorder      Recorder
	// MetadataPath is advertised as resource_metadata in 401 challenges when set.
	MetadataPath string
}

// Authenticate reads the request's credentials. When it returns false the rejection,
// status and JSON-RPC body included, has already been written to w.
func (g *Gate) Authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (*Context, bool) {
	creds := CredentialsFromRequest(r)
	if !creds.Present() {
		g.record(ctx, nil, ErrMissingCredentials)
		writeRejection(w, http.StatusForbidden, KindMissing.String())
		return nil, false
	}

	authn := g.Authenticator
	if authn == nil {
		authn = NewChain()
	}
	actx, err := authn.Authenticate(ctx, creds)
	if err != nil {
		g.record(ctx, nil, err)
		reason := KindInvalid.String()
		var aerr *Error
		if errors.As(err, &aerr) {
			reason = aerr.Kind.String()
		}
		w.Header().Set("WWW-Authenticate", g.Challenge(r, reason))
		writeRejection(w, http.StatusUnauthorized, reason)
		return nil, false
	}

	g.record(ctx, actx, nil)
	return actx, true
}

// Challenge builds the RFC 6750 WWW-Authenticate value, with the RFC 9728 metadata hint.
func (g *Gate) Challenge(r *http.Request, reason string) string {
	c := fmt.Sprintf(`Bearer realm=%q, error="invalid_token", error_description=%q`, Realm, reason)
	if g.MetadataPath != "" {
		c += fmt.Sprintf(`, resource_metadata=%q`, RequestOrigin(r)+g.MetadataPath)
	}
	return c
}

func (g *Gate) record(ctx context.Context, actx *Context, err error) {
	if g.Recorder != nil {
		g.Recorder.RecordAuthentication(ctx, actx, err)
	}
}

// RequestOrigin is scheme://host as the client addressed it. X-Forwarded-Proto wins
// over the connection's own TLS state.
func RequestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host
}

func writeRejection(w http.ResponseWriter, status int, reason string) {
	data, err := jsonrpc.Marshal(jsonrpc.NewErrorResponse(nil, apierrors.NewUnauthorizedError(reason)))
	if err != nil {
		logger.Error("failed to encode auth rejection: %v", err)
		http.Error(w, reason, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logger.Debug("error writing auth rejection: %v", err)
	}
}
