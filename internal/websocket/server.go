// ABOUTME: WebSocket front end: one authenticated MCP session per upgraded connection
// ABOUTME: Credentials are checked on the upgrade request, before any frame is read

package websocket

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/harper/mcp-relay/internal/auth"
	"github.com/harper/mcp-relay/internal/authz"
	"github.com/harper/mcp-relay/internal/correlation"
	"github.com/harper/mcp-relay/internal/logger"
	"github.com/harper/mcp-relay/internal/metrics"
	"github.com/harper/mcp-relay/internal/session"
	"github.com/harper/mcp-relay/internal/transport"
)

const transportName = "websocket"

type Config struct {
	MaxMessageSize int
	Correlation    correlation.Config
	Log            session.MessageLog
	Metrics        *metrics.Metrics
	// MetadataPath is advertised in 401 challenges when the resource metadata is served.
	MetadataPath string
}

type Server struct {
	cfg        Config
	sessionMgr *session.Manager
	dispatcher *session.Dispatcher
	gate       *auth.Gate
	upgrader   websocket.Upgrader
}

func NewServer(cfg Config, mgr *session.Manager, dispatcher *session.Dispatcher, authn auth.Authenticator, recorder auth.Recorder) *Server {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = transport.DefaultMaxMessageSize
	}
	return &Server{
		cfg:        cfg,
		sessionMgr: mgr,
		dispatcher: dispatcher,
		gate:       &auth.Gate{Authenticator: authn, Recorder: recorder, MetadataPath: cfg.MetadataPath},
		// The zero CheckOrigin rejects cross-origin browser upgrades.
		upgrader: websocket.Upgrader{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := authz.WithConnInfo(r.Context(), authz.ConnInfo{Transport: transportName})

	actx, ok := s.gate.Authenticate(ctx, w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("[ws] upgrade failed: %v", err)
		return
	}

	sess := session.New(transport.NewWebSocket(conn, s.cfg.MaxMessageSize), session.Config{
		Transport:      transportName,
		Dispatcher:     s.dispatcher,
		Auth:           actx,
		Correlation:    s.cfg.Correlation,
		Log:            s.cfg.Log,
		Metrics:        s.cfg.Metrics,
		MaxMessageSize: s.cfg.MaxMessageSize,
	})
	if err := s.sessionMgr.Attach(sess); err != nil {
		logger.Error("[ws] failed to register session: %v", err)
		sess.Close()
		return
	}
	logger.Info("[%s] WebSocket client connected (subject: %s)", sess.ID, actx.Subject)

	// The session outlives the hijacked request; shutdown closes it through the manager.
	if err := sess.Serve(context.WithoutCancel(r.Context())); err != nil {
		logger.Debug("[%s] WebSocket session ended: %v", sess.ID, err)
	}
	logger.Info("[%s] WebSocket client disconnected", sess.ID)
}
