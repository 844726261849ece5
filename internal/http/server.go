// ABOUTME: HTTP front end that accepts one JSON-RPC message per POST
// ABOUTME: Authenticates each request, rate limits per subject, and dispatches statelessly

package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/harper/mcp-relay/internal/auth"
	"github.com/harper/mcp-relay/internal/session"
	"github.com/harper/mcp-relay/internal/transport"
)

const DefaultPath = "/mcp"

type Config struct {
	Path           string
	MaxMessageSize int
	// RateLimit is requests per second per subject; zero disables limiting.
	RateLimit      float64
	RateBurst      int
	RequestTimeout time.Duration
	// ResourceMetadata, when set, is served at auth.MetadataPath and advertised in
	// 401 challenges.
	ResourceMetadata *auth.ResourceMetadata
}

type Server struct {
	cfg        Config
	dispatcher *session.Dispatcher
	gate       *auth.Gate
	limiter    *subjectLimiter
	mux        *chi.Mux
}

func NewServer(cfg Config, dispatcher *session.Dispatcher, authn auth.Authenticator, recorder auth.Recorder) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = transport.DefaultMaxMessageSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if authn == nil {
		authn = auth.NewChain()
	}
	gate := &auth.Gate{Authenticator: authn, Recorder: recorder}
	if cfg.ResourceMetadata != nil {
		gate.MetadataPath = auth.MetadataPath
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		gate:       gate,
		limiter:    newSubjectLimiter(cfg.RateLimit, cfg.RateBurst),
		mux:        chi.NewRouter(),
	}

	s.mux.Use(chimiddleware.RequestID)
	s.mux.Use(chimiddleware.Recoverer)
	s.mux.Post(cfg.Path, s.handleMessage)
	if cfg.ResourceMetadata != nil {
		s.mux.Get(auth.MetadataPath, cfg.ResourceMetadata.Handler(cfg.Path))
	}

	return s
}

// Handle mounts h next to the JSON-RPC endpoint, e.g. the WebSocket upgrade path.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
