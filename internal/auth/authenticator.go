// ABOUTME: Authentication strategies: API keys, OAuth2 bearer tokens, and a chain of both
// ABOUTME: Each strategy turns transport credentials into an auth Context or an unauthorized error

package auth

import (
	"context"
	"crypto/subtle"
)

type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*Context, error)
}

type APIKey struct {
	Key     string
	Subject string
	Scopes  []string
}

type APIKeyAuthenticator struct {
	keys []APIKey
}

func NewAPIKeyAuthenticator(keys []APIKey) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{keys: keys}
}

// Authenticate accepts API keys from any of the three credential forms.
func (a *APIKeyAuthenticator) Authenticate(_ context.Context, creds Credentials) (*Context, error) {
	if !creds.Present() {
		return nil, ErrMissingCredentials
	}

	var match *APIKey
	for i := range a.keys {
		if subtle.ConstantTimeCompare([]byte(a.keys[i].Key), []byte(creds.Token)) == 1 {
			match = &a.keys[i]
		}
	}
	if match == nil {
		return nil, invalid("unknown API key", nil)
	}

	return NewContext(match.Subject, MethodAPIKey, match.Scopes...), nil
}

// Chain tries each authenticator in order and returns the first success. When all fail,
// the most specific failure wins: expired over invalid over missing.
type Chain struct {
	authenticators []Authenticator
}

func NewChain(authenticators ...Authenticator) *Chain {
	return &Chain{authenticators: authenticators}
}

func (c *Chain) Authenticate(ctx context.Context, creds Credentials) (*Context, error) {
	if !creds.Present() {
		return nil, ErrMissingCredentials
	}

	var best *Error
	for _, a := range c.authenticators {
		actx, err := a.Authenticate(ctx, creds)
		if err == nil {
			return actx, nil
		}
		aerr, ok := err.(*Error)
		if !ok {
			aerr = invalid("authentication failed", err)
		}
		if best == nil || aerr.Kind > best.Kind {
			best = aerr
		}
	}

	if best == nil {
		return nil, invalid("no authentication method is configured", nil)
	}
	return nil, best
}

// Static authenticates every caller as the same identity. Used for trusted local peers.
type Static struct {
	Context *Context
}

func (s Static) Authenticate(context.Context, Credentials) (*Context, error) {
	return s.Context, nil
}
