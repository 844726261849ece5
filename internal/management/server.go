// ABOUTME: Management API for health, configuration, sessions, audit history, and metrics
// ABOUTME: Bound to a separate listener so it never shares the MCP endpoint's exposure

package management

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/harper/mcp-relay/internal/authz"
	"github.com/harper/mcp-relay/internal/config"
	"github.com/harper/mcp-relay/internal/db"
	"github.com/harper/mcp-relay/internal/logger"
	"github.com/harper/mcp-relay/internal/metrics"
	"github.com/harper/mcp-relay/internal/session"
)

// Store serves session and audit history. *db.DB implements it.
type Store interface {
	Ping(ctx context.Context) error
	GetAllSessions() ([]db.Session, error)
	GetSessionMessages(sessionID string) ([]db.Message, error)
	RecentAuditEvents(ctx context.Context, f db.AuditFilter) ([]authz.AuditEvent, error)
}

type Server struct {
	config     *config.Config
	sessionMgr *session.Manager
	db         Store
	metrics    *metrics.Metrics
	mux        *chi.Mux
}

// NewServer builds the router. database may be nil, in which case history endpoints
// answer 503.
func NewServer(cfg *config.Config, mgr *session.Manager, database Store, m *metrics.Metrics) *Server {
	s := &Server{
		config:     cfg,
		sessionMgr: mgr,
		db:         database,
		metrics:    m,
		mux:        chi.NewRouter(),
	}

	s.mux.Use(chimiddleware.Recoverer)

	s.mux.Get("/api/health", s.handleHealth)
	s.mux.Get("/api/config", s.handleConfig)
	s.mux.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.handleSessions)
		r.Delete("/{id}", s.handleCloseSession)
		r.Get("/{id}/messages", s.handleSessionMessages)
	})
	s.mux.Get("/api/audit", s.handleAudit)
	s.mux.Method(http.MethodGet, "/metrics", m.Handler())

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	health := map[string]interface{}{
		"status":          "healthy",
		"upstream_mode":   s.config.Upstream.Mode,
		"active_sessions": len(s.sessionMgr.List()),
		"auth_enabled":    s.config.AuthEnabled(),
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			health["status"] = "degraded"
			health["database"] = err.Error()
		}
	}

	writeJSON(w, status, health)
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Redacted())
}

type sessionResponse struct {
	ID        string  `json:"id"`
	Transport string  `json:"transport"`
	Role      string  `json:"role,omitempty"`
	Subject   string  `json:"subject,omitempty"`
	Upstream  string  `json:"upstream,omitempty"`
	Pending   int     `json:"pending"`
	CreatedAt string  `json:"createdAt"`
	ClosedAt  *string `json:"closedAt,omitempty"`
	IsActive  bool    `json:"isActive"`
}

// handleSessions lists live sessions; ?all=true adds closed ones from the database.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	live := s.sessionMgr.List()
	response := make([]sessionResponse, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, info := range live {
		seen[info.ID] = true
		response = append(response, sessionResponse{
			ID:        info.ID,
			Transport: info.Transport,
			Role:      string(info.Role),
			Subject:   info.Subject,
			Pending:   info.Pending,
			CreatedAt: info.CreatedAt.UTC().Format(time.RFC3339),
			IsActive:  true,
		})
	}

	if r.URL.Query().Get("all") != "true" {
		writeJSON(w, http.StatusOK, response)
		return
	}
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "session history requires the database")
		return
	}

	history, err := s.db.GetAllSessions()
	if err != nil {
		logger.Error("[management] failed to get sessions: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get sessions")
		return
	}
	for _, h := range history {
		if seen[h.ID] {
			continue
		}
		var closedAt *string
		if h.ClosedAt != nil {
			formatted := h.ClosedAt.UTC().Format(time.RFC3339)
			closedAt = &formatted
		}
		response = append(response, sessionResponse{
			ID:        h.ID,
			Transport: h.Transport,
			Subject:   h.Subject,
			Upstream:  h.Upstream,
			CreatedAt: h.CreatedAt.UTC().Format(time.RFC3339),
			ClosedAt:  closedAt,
			IsActive:  false,
		})
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessionMgr.CloseSession(id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("[management] closed session %s", id)
	w.WriteHeader(http.StatusNoContent)
}

type messageResponse struct {
	ID        int64           `json:"id"`
	Direction string          `json:"direction"`
	Type      string          `json:"type"`
	Method    string          `json:"method,omitempty"`
	RequestID json.RawMessage `json:"requestId,omitempty"`
	Raw       string          `json:"raw"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "message history requires the database")
		return
	}

	messages, err := s.db.GetSessionMessages(chi.URLParam(r, "id"))
	if err != nil {
		logger.Error("[management] failed to get messages: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}

	response := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out := messageResponse{
			ID:        m.ID,
			Direction: string(m.Direction),
			Type:      m.MessageType,
			Method:    m.Method,
			Raw:       m.RawMessage,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if m.JSONRPCID != "" {
			out.RequestID = json.RawMessage(m.JSONRPCID)
		}
		response = append(response, out)
	}
	writeJSON(w, http.StatusOK, response)
}

type auditResponse struct {
	ID            string `json:"id"`
	Time          string `json:"time"`
	Stage         string `json:"stage"`
	Outcome       string `json:"outcome"`
	Subject       string `json:"subject,omitempty"`
	AuthMethod    string `json:"authMethod,omitempty"`
	Method        string `json:"method,omitempty"`
	RequiredScope string `json:"requiredScope,omitempty"`
	Resource      string `json:"resource,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Transport     string `json:"transport,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
}

// handleAudit serves recent decisions, filtered by ?subject=, ?outcome= and ?limit=.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "audit history requires the database")
		return
	}

	q := r.URL.Query()
	filter := db.AuditFilter{Subject: q.Get("subject"), Outcome: authz.Outcome(q.Get("outcome"))}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	events, err := s.db.RecentAuditEvents(r.Context(), filter)
	if err != nil {
		logger.Error("[management] failed to query audit events: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to query audit events")
		return
	}

	response := make([]auditResponse, 0, len(events))
	for _, e := range events {
		response = append(response, auditResponse{
			ID:            e.ID,
			Time:          e.Time.UTC().Format(time.RFC3339Nano),
			Stage:         string(e.Stage),
			Outcome:       string(e.Outcome),
			Subject:       e.Subject,
			AuthMethod:    string(e.AuthMethod),
			Method:        e.Method,
			RequiredScope: e.RequiredScope,
			Resource:      e.Resource,
			Reason:        e.Reason,
			Transport:     e.Transport,
			SessionID:     e.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("[management] error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
