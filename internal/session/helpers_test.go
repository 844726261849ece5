package session

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/harper/mcp-relay/internal/errors"
	"github.com/harper/mcp-relay/internal/jsonrpc"
	"github.com/harper/mcp-relay/internal/transport"
)

const helperEnv = "MCP_RELAY_HELPER_SERVER"

// TestMain doubles as a tiny MCP server when re-executed by the manager tests.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		runHelperServer()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelperServer() {
	router := testRouter()
	RegisterBuiltins(router, ServerInfo{
		Implementation: Implementation{Name: "helper", Version: "1.0.0"},
		Capabilities:   json.RawMessage(`{"tools":{"listChanged":true}}`),
	})
	sess := New(transport.NewStdio(os.Stdin, os.Stdout), Config{Transport: "stdio", Dispatcher: NewDispatcher(router, nil, nil)})

	router.Handle("test/announce", func(ctx context.Context, _ *jsonrpc.Request) (any, error) {
		return struct{}{}, sess.Notify(ctx, "notifications/tools/list_changed", nil)
	})
	_ = sess.Serve(context.Background())
}

// testRouter serves the methods the session tests rely on.
func testRouter() *Router {
	r := NewRouter()
	r.Handle("tools/call", func(_ context.Context, req *jsonrpc.Request) (any, error) {
		var p struct {
			Arguments struct {
				Text string `json:"text"`
			} `json:"arguments"`
		}
		if err := req.UnmarshalParams(&p); err != nil {
			return nil, apierrors.NewInvalidParamsError("arguments", "object", string(req.Params))
		}
		return map[string]any{"content": []map[string]string{{"type": "text", "text": p.Arguments.Text}}}, nil
	})
	r.Handle("test/slow", func(ctx context.Context, _ *jsonrpc.Request) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	r.Handle("test/fail", func(context.Context, *jsonrpc.Request) (any, error) {
		return nil, &jsonrpc.Error{Code: -32042, Message: "custom failure"}
	})
	return r
}

// pipePair returns two connected stdio transports.
func pipePair(t *testing.T, opts ...transport.StdioOption) (a, b *transport.Stdio) {
	t.Helper()
	aIn, bOut := io.Pipe()
	bIn, aOut := io.Pipe()
	a = transport.NewStdio(aIn, aOut, opts...)
	b = transport.NewStdio(bIn, bOut)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// serve runs s until the test ends.
func serve(t *testing.T, s *Session) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(context.Background())
	}()
	t.Cleanup(func() {
		s.Close()
		<-done
	})
}

// receiveResponse reads one frame from a raw transport and parses it as a response.
func receiveResponse(t *testing.T, tr transport.Transport) *jsonrpc.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := tr.Receive(ctx)
	require.NoError(t, err)
	msg, rpcErr := jsonrpc.Parse(data)
	require.Nil(t, rpcErr, "frame: %s", data)
	resp, ok := msg.(*jsonrpc.Response)
	require.True(t, ok, "expected a response, got %s", data)
	return resp
}
