// ABOUTME: Scope policy mapping JSON-RPC method names to required scopes
// ABOUTME: Wildcard ancestors satisfy narrower scopes; unmapped methods need "*" or "mcp:*"

package authz

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harper/mcp-relay/internal/auth"
	"github.com/harper/mcp-relay/internal/jsonrpc"
)

// DefaultScopePrefix namespaces every scope the policy derives.
const DefaultScopePrefix = "mcp"

// DefaultScopeMappings is the MCP method table.
func DefaultScopeMappings() map[string]string {
	return map[string]string{
		"tools/call":            "mcp:tools:execute",
		"tools/list":            "mcp:tools:read",
		"resources/read":        "mcp:resources:read",
		"resources/list":        "mcp:resources:list",
		"resources/subscribe":   "mcp:resources:subscribe",
		"resources/unsubscribe": "mcp:resources:subscribe",
		"prompts/get":           "mcp:prompts:read",
		"prompts/list":          "mcp:prompts:list",
		"logging/setLevel":      "mcp:logging:configure",
		"completion/complete":   "mcp:completion:read",
	}
}

// DefaultPublicMethods need an authenticated caller but no scope.
func DefaultPublicMethods() []string {
	return []string{"initialize", "ping", "notifications/initialized", "notifications/cancelled"}
}

// ForbiddenError means the caller is authenticated but may not invoke Method.
type ForbiddenError struct {
	Subject       string
	Method        string
	RequiredScope string
	Reason        string
}

func (e *ForbiddenError) Error() string {
	if e.RequiredScope != "" {
		return fmt.Sprintf("forbidden: %s may not call %s (requires %s)", e.Subject, e.Method, e.RequiredScope)
	}
	return fmt.Sprintf("forbidden: %s may not call %s: %s", e.Subject, e.Method, e.Reason)
}

type ScopePolicy struct {
	prefix     string
	mappings   map[string]string
	public     map[string]struct{}
	convention bool
}

type PolicyOption func(*ScopePolicy)

// WithConvention derives "<prefix>:<method with / replaced by :>" for unmapped methods
// instead of denying them.
func WithConvention(enabled bool) PolicyOption {
	return func(p *ScopePolicy) {
		p.convention = enabled
	}
}

func WithPublicMethods(methods ...string) PolicyOption {
	return func(p *ScopePolicy) {
		p.public = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			p.public[m] = struct{}{}
		}
	}
}

func WithPrefix(prefix string) PolicyOption {
	return func(p *ScopePolicy) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// NewScopePolicy copies mappings; a nil map means DefaultScopeMappings.
func NewScopePolicy(mappings map[string]string, opts ...PolicyOption) *ScopePolicy {
	if mappings == nil {
		mappings = DefaultScopeMappings()
	}
	p := &ScopePolicy{
		prefix:   DefaultScopePrefix,
		mappings: make(map[string]string, len(mappings)),
	}
	for method, scope := range mappings {
		p.mappings[method] = scope
	}
	WithPublicMethods(DefaultPublicMethods()...)(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RequiredScope returns the scope method needs. public is true for methods that need
// none; ok is false when the policy has no answer, which Authorize treats as a denial.
func (p *ScopePolicy) RequiredScope(method string) (scope string, public bool, ok bool) {
	if _, isPublic := p.public[method]; isPublic {
		return "", true, true
	}
	if scope, mapped := p.mappings[method]; mapped {
		return scope, false, true
	}
	if p.convention && method != "" {
		return p.prefix + ":" + strings.ReplaceAll(method, "/", ":"), false, true
	}
	return "", false, false
}

// Scopes lists every scope the policy can require, plus the wildcards that grant them,
// sorted. It feeds the scopes_supported field of the resource metadata.
func (p *ScopePolicy) Scopes() []string {
	set := map[string]struct{}{p.prefix + ":*": {}}
	for _, scope := range p.mappings {
		set[scope] = struct{}{}
		if i := strings.LastIndex(scope, ":"); i > 0 {
			set[scope[:i]+":*"] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for scope := range set {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

// Authorize checks method against the caller's scopes. method must come from the decoded
// message, never from the request path.
func (p *ScopePolicy) Authorize(actx *auth.Context, method string) error {
	subject := ""
	if actx != nil {
		subject = actx.Subject
	}

	scope, public, ok := p.RequiredScope(method)
	if !ok {
		// Global and namespace wildcards grant every method, mapped or not.
		if actx != nil && method != "" && (actx.HasScope("*") || actx.HasScope(p.prefix+":*")) {
			return nil
		}
		return &ForbiddenError{Subject: subject, Method: method, Reason: "no policy covers this method"}
	}
	if public {
		return nil
	}
	if Satisfies(actx, scope) {
		return nil
	}
	return &ForbiddenError{Subject: subject, Method: method, RequiredScope: scope, Reason: "missing required scope"}
}

// Satisfies reports whether actx holds required or any wildcard ancestor of it:
// "mcp:tools:execute" is granted by itself, "mcp:tools:*", "mcp:*", and "*".
func Satisfies(actx *auth.Context, required string) bool {
	if actx == nil || required == "" {
		return false
	}
	if actx.HasScope(required) || actx.HasScope("*") {
		return true
	}

	parts := strings.Split(required, ":")
	for i := len(parts) - 1; i >= 1; i-- {
		if actx.HasScope(strings.Join(parts[:i], ":") + ":*") {
			return true
		}
	}
	return false
}

// ExtractMethod returns the method of a request or notification. Responses are never
// authorized as actions.
func ExtractMethod(msg jsonrpc.Message) (string, bool) {
	return jsonrpc.MethodOf(msg)
}
