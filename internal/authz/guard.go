// ABOUTME: Guard enforces scope and security policy on every inbound request and notification
// ABOUTME: Produces the JSON-RPC error a denied caller receives and records each decision

package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harper/mcp-relay/internal/auth"
	apierrors "github.com/harper/mcp-relay/internal/errors"
	"github.com/harper/mcp-relay/internal/jsonrpc"
	"github.com/harper/mcp-relay/internal/logger"
	"github.com/harper/mcp-relay/internal/metrics"
)

type GuardConfig struct {
	Policy    *ScopePolicy
	Security  SecurityPolicy
	Resources ResourceExtractor
	Audit     AuditSink
	Metrics   *metrics.Metrics
	// RevealForbidden sends -32003 to callers; when false they see -32601 as if the
	// method did not exist. Audit records keep the real outcome either way.
	RevealForbidden bool
	Now             func() time.Time
}

type Guard struct {
	cfg GuardConfig
}

func NewGuard(cfg GuardConfig) *Guard {
	if cfg.Policy == nil {
		cfg.Policy = NewScopePolicy(nil)
	}
	if cfg.Resources == nil {
		cfg.Resources = DefaultResourceExtractor
	}
	if cfg.Audit == nil {
		cfg.Audit = LogSink{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guard{cfg: cfg}
}

// Check returns nil when msg may proceed. Responses always proceed. A context without an
// authenticated identity is denied with -32001.
func (g *Guard) Check(ctx context.Context, msg jsonrpc.Message) *jsonrpc.Error {
	method, ok := ExtractMethod(msg)
	if !ok {
		return nil
	}

	actx, authenticated := auth.FromContext(ctx)
	if !authenticated || actx == nil {
		g.record(ctx, AuditEvent{Stage: StageAuthentication, Outcome: OutcomeDeny, Method: method, Reason: "no authenticated identity"})
		return apierrors.NewUnauthorizedError("no authenticated identity on this connection")
	}

	base := AuditEvent{Stage: StageAuthorization, Subject: actx.Subject, AuthMethod: actx.Method, Method: method}

	if err := g.cfg.Policy.Authorize(actx, method); err != nil {
		var forbidden *ForbiddenError
		if !errors.As(err, &forbidden) {
			forbidden = &ForbiddenError{Subject: actx.Subject, Method: method, Reason: err.Error()}
		}
		base.Outcome = OutcomeDeny
		base.RequiredScope = forbidden.RequiredScope
		base.Reason = forbidden.Reason
		g.record(ctx, base)
		return g.forbidden(forbidden)
	}

	if g.cfg.Security != nil {
		for _, res := range g.cfg.Resources(method, paramsOf(msg)) {
			decision, reason := g.cfg.Security.Decide(ctx, res.Path, res.Operation)
			if decision == Allow {
				continue
			}
			if reason == "" {
				reason = fmt.Sprintf("%s on %s: %s", res.Operation, res.Path, decision)
			}
			base.Outcome = OutcomeDeny
			base.Resource = res.Path
			base.Reason = reason
			g.record(ctx, base)
			return g.forbidden(&ForbiddenError{Subject: actx.Subject, Method: method, Reason: reason})
		}
	}

	base.Outcome = OutcomeAllow
	g.record(ctx, base)
	return nil
}

func (g *Guard) forbidden(f *ForbiddenError) *jsonrpc.Error {
	if !g.cfg.RevealForbidden {
		return apierrors.NewMethodNotFoundError(f.Method)
	}
	return apierrors.NewForbiddenError(f.Method, f.RequiredScope, f.Reason)
}

// RecordAuthentication audits an authentication outcome decided outside the guard.
func (g *Guard) RecordAuthentication(ctx context.Context, actx *auth.Context, err error) {
	e := AuditEvent{Stage: StageAuthentication, Outcome: OutcomeAllow}
	if actx != nil {
		e.Subject = actx.Subject
		e.AuthMethod = actx.Method
	}
	if err != nil {
		e.Outcome = OutcomeDeny
		e.Reason = err.Error()
	}
	g.record(ctx, e)
}

func (g *Guard) record(ctx context.Context, e AuditEvent) {
	info := ConnInfoFrom(ctx)
	e.ID = uuid.NewString()
	e.Time = g.cfg.Now()
	e.Transport = info.Transport
	e.SessionID = info.SessionID

	g.cfg.Metrics.AuthDecision(string(e.Stage), string(e.Outcome))
	if err := g.cfg.Audit.Record(ctx, e); err != nil {
		logger.Warn("audit sink failed for %s %s: %v", e.Stage, e.Method, err)
	}
}

func paramsOf(msg jsonrpc.Message) json.RawMessage {
	switch m := msg.(type) {
	case *jsonrpc.Request:
		return m.Params
	case *jsonrpc.Notification:
		return m.Params
	}
	return nil
}
