// ABOUTME: Method router mapping JSON-RPC method names to handlers
// ABOUTME: Unknown methods get -32601; plain Go errors from handlers become -32603

package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	apierrors "github.com/harper/mcp-relay/internal/errors"
	"github.com/harper/mcp-relay/internal/jsonrpc"
	"github.com/harper/mcp-relay/internal/logger"
)

// HandlerFunc answers a request. Returning a *jsonrpc.Error sends it as-is; a
// json.RawMessage result is sent verbatim.
type HandlerFunc func(ctx context.Context, req *jsonrpc.Request) (any, error)

type NotificationFunc func(ctx context.Context, n *jsonrpc.Notification)

type Router struct {
	mu             sync.RWMutex
	handlers       map[string]HandlerFunc
	notifications  map[string]NotificationFunc
	fallback       HandlerFunc
	notifyFallback NotificationFunc
}

func NewRouter() *Router {
	return &Router{
		handlers:      make(map[string]HandlerFunc),
		notifications: make(map[string]NotificationFunc),
	}
}

func (r *Router) Handle(method string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

func (r *Router) HandleNotification(method string, h NotificationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications[method] = h
}

// Fallback handles requests no registered handler matches.
func (r *Router) Fallback(h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

func (r *Router) FallbackNotification(h NotificationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyFallback = h
}

// Methods lists the explicitly registered request methods.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Route runs the handler for req and always returns a response carrying req.ID.
func (r *Router) Route(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	if !ok {
		h = r.fallback
	}
	r.mu.RUnlock()

	id := req.ID
	if h == nil {
		return jsonrpc.NewErrorResponse(&id, apierrors.NewMethodNotFoundError(req.Method))
	}

	result, err := invoke(ctx, h, req)
	if err != nil {
		return jsonrpc.NewErrorResponse(&id, toRPCError(req.Method, err))
	}

	resp, err := jsonrpc.NewResult(id, result)
	if err != nil {
		logger.Error("encode result for %s: %v", req.Method, err)
		return jsonrpc.NewErrorResponse(&id, apierrors.NewInternalError("result could not be encoded"))
	}
	return resp
}

// Deliver runs the notification handler, if any. Notifications never produce a reply.
func (r *Router) Deliver(ctx context.Context, n *jsonrpc.Notification) {
	r.mu.RLock()
	h, ok := r.notifications[n.Method]
	if !ok {
		h = r.notifyFallback
	}
	r.mu.RUnlock()

	if h == nil {
		logger.Debug("no handler for notification %s", n.Method)
		return
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic in notification handler for %s: %v\n%s", n.Method, p, debug.Stack())
		}
	}()
	h(ctx, n)
}

// invoke reports a handler panic as -32603 for that request only.
func invoke(ctx context.Context, h HandlerFunc, req *jsonrpc.Request) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic in handler for %s: %v\n%s", req.Method, p, debug.Stack())
			result = nil
			err = apierrors.NewInternalError(fmt.Sprintf("handler for %s panicked: %v", req.Method, p))
		}
	}()
	return h(ctx, req)
}

// CallError is returned by Session.Call when the call failed locally. RPC is the error
// a relayed caller should see.
type CallError struct {
	RPC *jsonrpc.Error
	Err error
}

func (e *CallError) Error() string { return e.Err.Error() }

func (e *CallError) Unwrap() error { return e.Err }

func toRPCError(method string, err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var callErr *CallError
	if errors.As(err, &callErr) && callErr.RPC != nil {
		return callErr.RPC
	}
	logger.Warn("handler for %s failed: %v", method, err)
	return apierrors.NewInternalError(err.Error())
}
