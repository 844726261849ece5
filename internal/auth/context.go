// ABOUTME: Authenticated identity attached to a request or connection
// ABOUTME: Carries subject, granted scopes, and how the caller authenticated

package auth

import (
	"context"
	"sort"
)

type Method string

const (
	MethodOAuth2 Method = "oauth2"
	MethodAPIKey Method = "api_key"
	// MethodLocal identifies a trusted local peer, such as the process on the other end of stdio.
	MethodLocal Method = "local"
)

// Context is read-only once built; it lives as long as the request or connection.
type Context struct {
	Subject string
	Method  Method
	scopes  map[string]struct{}
}

func NewContext(subject string, method Method, scopes ...string) *Context {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return &Context{Subject: subject, Method: method, scopes: set}
}

func (c *Context) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	_, ok := c.scopes[scope]
	return ok
}

// Scopes returns the granted scopes in sorted order.
func (c *Context) Scopes() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.scopes))
	for s := range c.scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type contextKey struct{}

func WithContext(ctx context.Context, actx *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, actx)
}

func FromContext(ctx context.Context) (*Context, bool) {
	actx, ok := ctx.Value(contextKey{}).(*Context)
	return actx, ok && actx != nil
}
