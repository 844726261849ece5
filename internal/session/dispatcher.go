// ABOUTME: Guarded dispatch of inbound requests and notifications
// ABOUTME: Wraps every request in a trace span and records per-method metrics

package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harper/mcp-relay/internal/jsonrpc"
	"github.com/harper/mcp-relay/internal/logger"
	"github.com/harper/mcp-relay/internal/metrics"
)

const tracerName = "github.com/harper/mcp-relay/internal/session"

// Guard decides whether an inbound message may be dispatched. *authz.Guard implements it.
type Guard interface {
	Check(ctx context.Context, msg jsonrpc.Message) *jsonrpc.Error
}

type Dispatcher struct {
	router  *Router
	guard   Guard
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type DispatcherOption func(*Dispatcher)

// WithTracerProvider replaces the global provider for request spans.
func WithTracerProvider(tp trace.TracerProvider) DispatcherOption {
	return func(d *Dispatcher) {
		if tp != nil {
			d.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewDispatcher builds a dispatcher. A nil guard dispatches everything, which is only
// appropriate for trusted peers such as a launched upstream.
func NewDispatcher(router *Router, guard Guard, m *metrics.Metrics, opts ...DispatcherOption) *Dispatcher {
	if router == nil {
		router = NewRouter()
	}
	d := &Dispatcher{
		router:  router,
		guard:   guard,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Router() *Router { return d.router }

// Dispatch authorizes and routes req. The returned response always carries req.ID.
func (d *Dispatcher) Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "jsonrpc "+req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", req.Method),
			attribute.String("rpc.jsonrpc.request_id", req.ID.String()),
		),
	)
	defer span.End()

	if d.guard != nil {
		if rpcErr := d.guard.Check(ctx, req); rpcErr != nil {
			id := req.ID
			d.finish(span, req.Method, "denied", start, rpcErr)
			return jsonrpc.NewErrorResponse(&id, rpcErr)
		}
	}

	resp := d.router.Route(ctx, req)
	outcome := "ok"
	if resp.Error != nil {
		outcome = "error"
	}
	d.finish(span, req.Method, outcome, start, resp.Error)
	return resp
}

// Notify authorizes and delivers n. A denial is returned for logging only; it is never
// sent to the peer.
func (d *Dispatcher) Notify(ctx context.Context, n *jsonrpc.Notification) *jsonrpc.Error {
	if d.guard != nil {
		if rpcErr := d.guard.Check(ctx, n); rpcErr != nil {
			logger.Warn("dropped notification %s: %s", n.Method, rpcErr.Message)
			d.metrics.ObserveRequest(n.Method, "denied", 0)
			return rpcErr
		}
	}
	d.router.Deliver(ctx, n)
	return nil
}

func (d *Dispatcher) finish(span trace.Span, method, outcome string, start time.Time, rpcErr *jsonrpc.Error) {
	span.SetAttributes(attribute.String("mcp.outcome", outcome))
	if rpcErr != nil {
		span.SetAttributes(
			attribute.Int("rpc.jsonrpc.error_code", rpcErr.Code),
			attribute.String("rpc.jsonrpc.error_message", rpcErr.Message),
		)
		span.SetStatus(codes.Error, rpcErr.Message)
	}
	d.metrics.ObserveRequest(method, outcome, time.Since(start))
}
