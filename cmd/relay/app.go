// ABOUTME: Builds the relay from configuration: store, guard, authenticators, upstream
// ABOUTME: Shared by the serve and call commands

package main

import (
	"context"
	"fmt"

	"github.com/harper/mcp-relay/internal/auth"
	"github.com/harper/mcp-relay/internal/authz"
	"github.com/harper/mcp-relay/internal/config"
	"github.com/harper/mcp-relay/internal/correlation"
	"github.com/harper/mcp-relay/internal/db"
	"github.com/harper/mcp-relay/internal/logger"
	"github.com/harper/mcp-relay/internal/management"
	"github.com/harper/mcp-relay/internal/metrics"
	"github.com/harper/mcp-relay/internal/session"
)

type app struct {
	cfg         *config.Config
	metrics     *metrics.Metrics
	database    *db.DB
	store       session.Store
	history     management.Store
	guard       *authz.Guard
	authn       auth.Authenticator
	correlation correlation.Config
	manager     *session.Manager
	dispatcher  *session.Dispatcher
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:         cfg,
		metrics:     metrics.New(),
		correlation: correlationConfig(cfg, cfg.Correlation.IDStrategy),
	}

	sinks := authz.MultiSink{authz.LogSink{}}
	if cfg.Database.Path != "" {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		a.database = database
		a.store = database
		a.history = database
		sinks = append(sinks, database)
	}

	a.guard = newGuard(cfg, a.metrics, sinks)
	a.authn = newAuthenticator(cfg)
	if !cfg.AuthEnabled() {
		logger.Warn("no API keys or OAuth2 issuer configured; HTTP and WebSocket clients will be rejected")
	}

	mgr, err := session.NewManager(managerConfig(cfg), a.store, a.metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.manager = mgr

	info := session.ServerInfo{Implementation: session.Implementation{Name: "mcp-relay", Version: version}}
	var upstream session.Upstream
	if mode := cfg.Upstream.Mode; mode != "" && mode != config.ModeNone {
		sess, result, err := mgr.Connect(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect upstream: %w", err)
		}
		sess.OnClose(func() { logger.Warn("upstream session %s closed; relayed calls will fail", sess.ID) })
		info.Capabilities = result.Capabilities
		info.Instructions = result.Instructions
		upstream = sess
	}

	a.dispatcher = session.NewDispatcher(session.NewRelayRouter(upstream, info), a.guard, a.metrics)
	return a, nil
}

func (a *app) Close() {
	if a.manager != nil {
		a.manager.CloseAll()
	}
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			logger.Warn("failed to close database: %v", err)
		}
	}
}

func correlationConfig(p config.Provider, strategy string) correlation.Config {
	return correlation.Config{
		DefaultTimeout:  p.RequestTimeout(),
		CleanupInterval: p.CleanupInterval(),
		MaxPending:      p.MaxPending(),
		IDStrategy:      correlation.IDStrategy(strategy),
	}
}

func managerConfig(cfg *config.Config) session.ManagerConfig {
	return session.ManagerConfig{
		Upstream:       cfg.Upstream,
		Correlation:    correlationConfig(cfg, cfg.Correlation.IDStrategy),
		MaxMessageSize: cfg.MaxMessageSize(),
		StartupTimeout: cfg.StartupTimeout(),
		ClientInfo:     session.Implementation{Name: "mcp-relay", Version: version},
	}
}

func newScopePolicy(cfg *config.Config) *authz.ScopePolicy {
	opts := []authz.PolicyOption{authz.WithConvention(cfg.Auth.ScopeConvention)}
	if len(cfg.Auth.PublicMethods) > 0 {
		opts = append(opts, authz.WithPublicMethods(cfg.Auth.PublicMethods...))
	}

	var mappings map[string]string
	if len(cfg.ScopeMappings()) > 0 {
		mappings = cfg.ScopeMappings()
	}
	return authz.NewScopePolicy(mappings, opts...)
}

func newGuard(cfg *config.Config, m *metrics.Metrics, sink authz.AuditSink) *authz.Guard {
	gc := authz.GuardConfig{
		Policy:          newScopePolicy(cfg),
		Audit:           sink,
		Metrics:         m,
		RevealForbidden: cfg.RevealForbidden(),
	}
	if len(cfg.Security.AllowedRoots) > 0 {
		approval := make([]authz.Operation, 0, len(cfg.Security.ApprovalOperations))
		for _, op := range cfg.Security.ApprovalOperations {
			approval = append(approval, authz.Operation(op))
		}
		gc.Security = &authz.PathPrefixPolicy{
			Roots:       cfg.Security.AllowedRoots,
			ReadOnly:    cfg.Security.ReadOnly,
			ApprovalOps: approval,
		}
	}
	return authz.NewGuard(gc)
}

// newAuthenticator chains API keys before OAuth2; with neither configured it rejects
// every credential.
func newAuthenticator(cfg *config.Config) auth.Authenticator {
	var chain []auth.Authenticator

	if len(cfg.Auth.APIKeys) > 0 {
		keys := make([]auth.APIKey, 0, len(cfg.Auth.APIKeys))
		for _, k := range cfg.Auth.APIKeys {
			keys = append(keys, auth.APIKey{Key: k.Key, Subject: k.Subject, Scopes: k.Scopes})
		}
		chain = append(chain, auth.NewAPIKeyAuthenticator(keys))
	}

	if o := cfg.Auth.OAuth2; o.JWKSURL != "" {
		chain = append(chain, auth.NewOAuth2Authenticator(auth.OAuth2Config{
			JWKSURL:  o.JWKSURL,
			Issuer:   o.Issuer,
			Audience: o.Audience,
			CacheTTL: o.CacheTTL,
			Leeway:   o.Leeway,
		}, nil))
	}

	return auth.NewChain(chain...)
}

// newResourceMetadata describes the OAuth2 protected resource; nil without an issuer.
func newResourceMetadata(cfg *config.Config) *auth.ResourceMetadata {
	o := cfg.Auth.OAuth2
	if o.JWKSURL == "" {
		return nil
	}
	return auth.NewResourceMetadata(auth.OAuth2Config{
		JWKSURL:  o.JWKSURL,
		Issuer:   o.Issuer,
		Audience: o.Audience,
	}, newScopePolicy(cfg).Scopes())
}
