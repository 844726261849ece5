// ABOUTME: MCP initialize handshake for both roles plus the built-in ping handler
// ABOUTME: Clients call Initialize before anything else; servers answer with their info

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	apierrors "github.com/harper/mcp-relay/internal/errors"
	"github.com/harper/mcp-relay/internal/jsonrpc"
)

// LatestProtocolVersion is offered when the peer asks for a version we do not speak.
const LatestProtocolVersion = "2025-06-18"

var SupportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ClientInfo      Implementation  `json:"clientInfo"`
}

type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      Implementation  `json:"serverInfo"`
	Instructions    string          `json:"instructions,omitempty"`
}

// ServerInfo is what the relay advertises to its own clients.
type ServerInfo struct {
	Implementation
	// Capabilities defaults to an empty object; relays copy the upstream's.
	Capabilities json.RawMessage
	Instructions string
}

// RegisterBuiltins installs initialize and ping on r.
func RegisterBuiltins(r *Router, info ServerInfo) {
	r.Handle("initialize", func(_ context.Context, req *jsonrpc.Request) (any, error) {
		var params InitializeParams
		if len(req.Params) > 0 {
			if err := req.UnmarshalParams(&params); err != nil {
				return nil, apierrors.NewInvalidParamsError("params", "initialize params object", string(req.Params))
			}
		}

		version := params.ProtocolVersion
		if !slices.Contains(SupportedProtocolVersions, version) {
			version = LatestProtocolVersion
		}
		caps := info.Capabilities
		if len(caps) == 0 {
			caps = json.RawMessage(`{}`)
		}
		return InitializeResult{
			ProtocolVersion: version,
			Capabilities:    caps,
			ServerInfo:      info.Implementation,
			Instructions:    info.Instructions,
		}, nil
	})

	r.Handle("ping", func(context.Context, *jsonrpc.Request) (any, error) {
		return struct{}{}, nil
	})
}

// Initialize runs the client side of the handshake: initialize, then
// notifications/initialized. It must precede any other call on the session.
func (s *Session) Initialize(ctx context.Context, client Implementation, timeout time.Duration) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: LatestProtocolVersion,
		Capabilities:    json.RawMessage(`{}`),
		ClientInfo:      client,
	}

	raw, err := s.CallTimeout(ctx, "initialize", params, timeout)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse initialize response: %w", err)
	}
	if result.ProtocolVersion == "" {
		return nil, fmt.Errorf("initialize response missing protocolVersion")
	}

	if err := s.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("failed to send notifications/initialized: %w", err)
	}
	return &result, nil
}
