// ABOUTME: Relay wiring that forwards client traffic to a shared upstream session
// ABOUTME: Upstream ids are minted per call, so client ids never collide upstream

package session

import (
	"context"
	"encoding/json"

	"github.com/harper/mcp-relay/internal/jsonrpc"
	"github.com/harper/mcp-relay/internal/logger"
)

// Upstream is the part of a Session a relay router needs.
type Upstream interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Forward(ctx context.Context, n *jsonrpc.Notification) error
}

// NewRelayRouter answers initialize and ping locally and forwards every other method to
// upstream. The upstream's result or error is returned to the caller unchanged.
func NewRelayRouter(upstream Upstream, info ServerInfo) *Router {
	r := NewRouter()
	RegisterBuiltins(r, info)
	if upstream == nil {
		return r
	}

	r.Fallback(func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		result, err := upstream.Call(ctx, req.Method, req.Params)
		if err != nil {
			return nil, err
		}
		return result, nil
	})

	r.FallbackNotification(func(ctx context.Context, n *jsonrpc.Notification) {
		// The handshake and cancellations belong to the relay's own upstream connection.
		if n.Method == "notifications/initialized" || n.Method == "notifications/cancelled" {
			return
		}
		if err := upstream.Forward(ctx, n); err != nil {
			logger.Warn("failed to forward %s upstream: %v", n.Method, err)
		}
	})
	return r
}
