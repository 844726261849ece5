// ABOUTME: Audit events for authentication and authorization decisions
// ABOUTME: Sinks receive every decision; failures to record never change the outcome

package authz

import (
	"context"
	"errors"
	"time"

	"github.com/harper/mcp-relay/internal/auth"
	"github.com/harper/mcp-relay/internal/logger"
)

type Stage string

const (
	StageAuthentication Stage = "authn"
	StageAuthorization  Stage = "authz"
)

type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
)

type AuditEvent struct {
	ID            string
	Time          time.Time
	Stage         Stage
	Outcome       Outcome
	Subject       string
	AuthMethod    auth.Method
	Method        string
	RequiredScope string
	Resource      string
	Reason        string
	Transport     string
	SessionID     string
}

type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// LogSink writes denials at warn and grants at debug.
type LogSink struct{}

func (LogSink) Record(_ context.Context, e AuditEvent) error {
	l := logger.With("stage", e.Stage, "subject", e.Subject, "method", e.Method, "transport", e.Transport)
	if e.Outcome == OutcomeDeny {
		l.Warn("access denied", "reason", e.Reason, "scope", e.RequiredScope, "resource", e.Resource)
		return nil
	}
	if logger.IsVerbose() {
		l.Debug("access granted")
	}
	return nil
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []AuditSink

func (m MultiSink) Record(ctx context.Context, e AuditEvent) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type connKey struct{}

// ConnInfo describes the connection a message arrived on.
type ConnInfo struct {
	Transport string
	SessionID string
}

func WithConnInfo(ctx context.Context, info ConnInfo) context.Context {
	return context.WithValue(ctx, connKey{}, info)
}

func ConnInfoFrom(ctx context.Context) ConnInfo {
	info, _ := ctx.Value(connKey{}).(ConnInfo)
	return info
}
