// ABOUTME: POST handler translating HTTP requests into guarded JSON-RPC dispatch
// ABOUTME: Maps authentication, size, and parse failures onto HTTP status codes

package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/harper/mcp-relay/internal/auth"
	"github.com/harper/mcp-relay/internal/authz"
	apierrors "github.com/harper/mcp-relay/internal/errors"
	"github.com/harper/mcp-relay/internal/jsonrpc"
	"github.com/harper/mcp-relay/internal/logger"
)

const transportName = "http"

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := authz.WithConnInfo(r.Context(), authz.ConnInfo{
		Transport: transportName,
		SessionID: chimiddleware.GetReqID(r.Context()),
	})

	actx, ok := s.gate.Authenticate(ctx, w, r)
	if !ok {
		return
	}
	ctx = auth.WithContext(ctx, actx)

	if !s.limiter.Allow(actx.Subject) {
		logger.Warn("[http] rate limit exceeded for %s", actx.Subject)
		w.Header().Set("Retry-After", "1")
		writeResponse(w, http.StatusTooManyRequests, jsonrpc.NewErrorResponse(nil, apierrors.NewRateLimitedError(actx.Subject, s.cfg.RateLimit)))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxMessageSize)))
	defer func() { _ = r.Body.Close() }()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg := fmt.Sprintf("message exceeds the %d byte limit", s.cfg.MaxMessageSize)
			writeResponse(w, http.StatusRequestEntityTooLarge, jsonrpc.NewErrorResponse(nil, apierrors.NewInvalidRequestError(msg)))
			return
		}
		writeResponse(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, apierrors.NewInvalidRequestError(fmt.Sprintf("failed to read body: %v", err))))
		return
	}

	msg, rpcErr := jsonrpc.Parse(body)
	if rpcErr != nil {
		if rpcErr.Code == jsonrpc.ParseError {
			writeResponse(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, apierrors.FromProtocol(rpcErr)))
			return
		}
		writeResponse(w, http.StatusOK, jsonrpc.NewErrorResponse(jsonrpc.PeekID(body), apierrors.FromProtocol(rpcErr)))
		return
	}

	switch m := msg.(type) {
	case *jsonrpc.Notification:
		s.dispatcher.Notify(ctx, m)
		w.WriteHeader(http.StatusAccepted)
	case *jsonrpc.Response:
		// Stateless: nothing on this side is waiting for it.
		logger.Debug("[http] ignoring posted response for id %v", m.ID)
		w.WriteHeader(http.StatusAccepted)
	case *jsonrpc.Request:
		ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		writeResponse(w, http.StatusOK, s.dispatcher.Dispatch(ctx, m))
	}
}

func writeResponse(w http.ResponseWriter, status int, resp *jsonrpc.Response) {
	data, err := jsonrpc.Marshal(resp)
	if err != nil {
		logger.Error("[http] failed to encode response: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logger.Debug("[http] error writing response: %v", err)
	}
}
