package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	apierrors "github.com/harper/mcp-relay/internal/errors"
	"github.com/harper/mcp-relay/internal/jsonrpc"
)

type denyMethod string

func (d denyMethod) Check(_ context.Context, msg jsonrpc.Message) *jsonrpc.Error {
	if req, ok := msg.(*jsonrpc.Request); ok && req.Method == string(d) {
		return apierrors.NewForbiddenError(req.Method, "mcp:secret", "missing scope")
	}
	return nil
}

func recordingDispatcher(t *testing.T, guard Guard) (*Dispatcher, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	router := NewRouter()
	router.Handle("echo", func(_ context.Context, req *jsonrpc.Request) (any, error) {
		return req.Params, nil
	})
	return NewDispatcher(router, guard, nil, WithTracerProvider(tp)), rec
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestDispatchSpans(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		wantCode int
		outcome  string
	}{
		{name: "success", method: "echo", outcome: "ok"},
		{name: "unknown method", method: "nope/nothing", wantCode: jsonrpc.MethodNotFound, outcome: "error"},
		{name: "denied", method: "secret", wantCode: jsonrpc.Forbidden, outcome: "denied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, rec := recordingDispatcher(t, denyMethod("secret"))

			resp := d.Dispatch(context.Background(), mustRequest(t, 9, tt.method, map[string]any{"a": 1}))
			require.NotNil(t, resp)

			spans := rec.Ended()
			require.Len(t, spans, 1)
			span := spans[0]
			attrs := spanAttrs(span)

			assert.Equal(t, "jsonrpc "+tt.method, span.Name())
			assert.Equal(t, trace.SpanKindServer, span.SpanKind())
			assert.Equal(t, tt.method, attrs["rpc.method"].AsString())
			assert.Equal(t, "jsonrpc", attrs["rpc.system"].AsString())
			assert.Equal(t, "9", attrs["rpc.jsonrpc.request_id"].AsString())
			assert.Equal(t, tt.outcome, attrs["mcp.outcome"].AsString())

			code, hasCode := attrs["rpc.jsonrpc.error_code"]
			if tt.wantCode == 0 {
				assert.Nil(t, resp.Error)
				assert.False(t, hasCode)
				assert.Equal(t, codes.Unset, span.Status().Code)
				return
			}
			require.NotNil(t, resp.Error)
			require.True(t, hasCode)
			assert.Equal(t, int64(tt.wantCode), code.AsInt64())
			assert.Equal(t, codes.Error, span.Status().Code)
			assert.Equal(t, resp.Error.Message, span.Status().Description)
		})
	}
}

func TestDispatchSpanParentsHandlerContext(t *testing.T) {
	d, rec := recordingDispatcher(t, nil)

	var inner trace.SpanContext
	d.Router().Handle("inspect", func(ctx context.Context, _ *jsonrpc.Request) (any, error) {
		inner = trace.SpanContextFromContext(ctx)
		return "ok", nil
	})
	d.Dispatch(context.Background(), mustRequest(t, 1, "inspect", nil))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.True(t, inner.IsValid())
	assert.Equal(t, spans[0].SpanContext().SpanID(), inner.SpanID())
}
