// ABOUTME: serve subcommand: HTTP, WebSocket and management servers, or a single stdio session
// ABOUTME: Shuts everything down on SIGINT/SIGTERM

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harper/mcp-relay/internal/auth"
	"github.com/harper/mcp-relay/internal/authz"
	relayhttp "github.com/harper/mcp-relay/internal/http"
	"github.com/harper/mcp-relay/internal/logger"
	"github.com/harper/mcp-relay/internal/management"
	"github.com/harper/mcp-relay/internal/session"
	"github.com/harper/mcp-relay/internal/tracing"
	"github.com/harper/mcp-relay/internal/transport"
	relayws "github.com/harper/mcp-relay/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	var stdio bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over HTTP and WebSocket, or over stdin/stdout with --stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries protocol frames in stdio mode.
			logger.SetOutput(os.Stderr)

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tp, err := tracing.NewProvider(ctx, tracing.Options{TracingConfig: cfg.Tracing, ServiceVersion: version})
			if err != nil {
				return err
			}
			shutdownTracing := tracing.Install(tp)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := shutdownTracing(flushCtx); err != nil {
					logger.Warn("failed to flush traces: %v", err)
				}
			}()
			if tp != nil {
				logger.Info("exporting traces via %s", cfg.Tracing.Exporter)
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if stdio {
				return a.serveStdio(ctx)
			}
			return a.serveNetwork(ctx)
		},
	}

	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve a single session on stdin/stdout")
	return cmd
}

// serveStdio treats the local peer as authenticated with the configured stdio scopes.
func (a *app) serveStdio(ctx context.Context) error {
	actx := auth.NewContext("local", auth.MethodLocal, a.cfg.Auth.StdioScopes...)
	tr := transport.NewStdio(os.Stdin, os.Stdout,
		transport.WithName("stdio"),
		transport.WithMaxMessageSize(a.cfg.MaxMessageSize()),
	)

	sess := session.New(tr, session.Config{
		Transport:      "stdio",
		Dispatcher:     a.dispatcher,
		Auth:           actx,
		Correlation:    a.correlation,
		Log:            a.store,
		Metrics:        a.metrics,
		MaxMessageSize: a.cfg.MaxMessageSize(),
	})
	if err := a.manager.Attach(sess); err != nil {
		return err
	}
	a.guard.RecordAuthentication(authz.WithConnInfo(ctx, authz.ConnInfo{Transport: "stdio", SessionID: sess.ID}), actx, nil)

	logger.Info("[%s] serving MCP on stdio", sess.ID)
	return sess.Serve(ctx)
}

func (a *app) serveNetwork(ctx context.Context) error {
	cfg := a.cfg

	meta := newResourceMetadata(cfg)
	var metadataPath string
	if meta != nil {
		metadataPath = auth.MetadataPath
	}

	mcp := relayhttp.NewServer(relayhttp.Config{
		Path:             cfg.Server.HTTPPath,
		MaxMessageSize:   cfg.MaxMessageSize(),
		RateLimit:        cfg.Server.RateLimit,
		RateBurst:        cfg.Server.RateBurst,
		RequestTimeout:   cfg.RequestTimeout(),
		ResourceMetadata: meta,
	}, a.dispatcher, a.authn, a.guard)

	mcp.Handle(cfg.Server.WebSocketPath, relayws.NewServer(relayws.Config{
		MaxMessageSize: cfg.MaxMessageSize(),
		Correlation:    a.correlation,
		Log:            a.store,
		Metrics:        a.metrics,
		MetadataPath:   metadataPath,
	}, a.manager, a.dispatcher, a.authn, a.guard))

	servers := []*http.Server{
		{
			Addr:              net.JoinHostPort(cfg.Server.HTTPHost, strconv.Itoa(cfg.Server.HTTPPort)),
			Handler:           mcp,
			ReadHeaderTimeout: 10 * time.Second,
		},
		{
			Addr:              net.JoinHostPort(cfg.Server.ManagementHost, strconv.Itoa(cfg.Server.ManagementPort)),
			Handler:           management.NewServer(cfg, a.manager, a.history, a.metrics),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	logger.Info("MCP endpoint %s, WebSocket %s, management on port %d",
		cfg.Server.HTTPPath, cfg.Server.WebSocketPath, cfg.Server.ManagementPort)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by Shutdown.
		a.manager.CloseAll()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
