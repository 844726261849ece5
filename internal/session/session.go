// ABOUTME: Session binds one transport to a correlation manager, dispatcher, and identity
// ABOUTME: Serves inbound traffic and issues outbound calls over the same connection

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harper/mcp-relay/internal/auth"
	"github.com/harper/mcp-relay/internal/authz"
	"github.com/harper/mcp-relay/internal/correlation"
	"github.com/harper/mcp-relay/internal/db"
	apierrors "github.com/harper/mcp-relay/internal/errors"
	"github.com/harper/mcp-relay/internal/jsonrpc"
	"github.com/harper/mcp-relay/internal/logger"
	"github.com/harper/mcp-relay/internal/metrics"
	"github.com/harper/mcp-relay/internal/transport"
)

// Role says which side of the protocol the peer is on.
type Role string

const (
	// RoleServer faces a client: inbound requests are authorized and dispatched.
	RoleServer Role = "server"
	// RoleClient faces an upstream MCP server that this process calls.
	RoleClient Role = "client"
)

// MessageLog persists raw frames. *db.DB implements it.
type MessageLog interface {
	LogMessage(sessionID string, direction db.MessageDirection, raw []byte) error
}

type Config struct {
	ID          string
	Transport   string
	Role        Role
	Dispatcher  *Dispatcher
	Auth        *auth.Context
	Correlation correlation.Config
	Log         MessageLog
	Metrics     *metrics.Metrics
	// MaxMessageSize is reported in -32600 replies to oversized frames.
	MaxMessageSize int
}

type Session struct {
	ID        string
	Transport string
	Role      Role
	CreatedAt time.Time

	tr         transport.Transport
	pending    *correlation.Manager
	dispatcher *Dispatcher
	actx       *auth.Context
	log        MessageLog
	cfg        Config

	ctx    context.Context
	cancel context.CancelFunc

	handlers sync.WaitGroup
	inflMu   sync.Mutex
	inflight map[jsonrpc.RequestID]context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
	hookMu    sync.Mutex
	onClose   []func()
}

func New(tr transport.Transport, cfg Config) *Session {
	if cfg.ID == "" {
		cfg.ID = "sess_" + uuid.New().String()[:8]
	}
	if cfg.Role == "" {
		cfg.Role = RoleServer
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = NewDispatcher(nil, nil, cfg.Metrics)
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = transport.DefaultMaxMessageSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	if cfg.Auth != nil {
		ctx = auth.WithContext(ctx, cfg.Auth)
	}
	ctx = authz.WithConnInfo(ctx, authz.ConnInfo{Transport: cfg.Transport, SessionID: cfg.ID})

	return &Session{
		ID:         cfg.ID,
		Transport:  cfg.Transport,
		Role:       cfg.Role,
		CreatedAt:  time.Now(),
		tr:         tr,
		pending:    correlation.NewManager(cfg.Correlation, correlation.WithMetrics(cfg.Metrics)),
		dispatcher: cfg.Dispatcher,
		actx:       cfg.Auth,
		log:        cfg.Log,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[jsonrpc.RequestID]context.CancelFunc),
		done:       make(chan struct{}),
	}
}

// Subject is the authenticated peer, or empty for trusted upstreams.
func (s *Session) Subject() string {
	if s.actx == nil {
		return ""
	}
	return s.actx.Subject
}

// Pending reports how many outbound calls await a response.
func (s *Session) Pending() int { return s.pending.Len() }

func (s *Session) Done() <-chan struct{} { return s.done }

// OnClose registers fn to run once after the session closes.
func (s *Session) OnClose(fn func()) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// Serve reads until the transport fails fatally, the session closes, or ctx ends. It
// returns nil when the peer went away cleanly.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer s.handlers.Wait()

	for {
		data, err := s.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.closeWith(ctx.Err())
				return nil
			}

			var te *transport.Error
			if errors.As(err, &te) && te.Kind == transport.KindTooLarge {
				s.reply(jsonrpc.NewErrorResponse(nil, apierrors.NewInvalidRequestError(
					fmt.Sprintf("message exceeds the %d byte limit", s.cfg.MaxMessageSize))))
				continue
			}
			if !transport.IsFatal(err) {
				logger.Warn("[%s] receive: %v", s.ID, err)
				continue
			}

			s.closeWith(err)
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("session %s: %w", s.ID, err)
		}

		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	s.logFrame(s.inboundDirection(), data)

	msg, rpcErr := jsonrpc.Parse(data)
	if rpcErr != nil {
		logger.Debug("[%s] rejected inbound frame: %s", s.ID, rpcErr.Message)
		s.reply(jsonrpc.NewErrorResponse(jsonrpc.PeekID(data), apierrors.FromProtocol(rpcErr)))
		return
	}

	switch m := msg.(type) {
	case *jsonrpc.Response:
		if err := s.pending.Resolve(m); err != nil {
			logger.Warn("[%s] dropped response: %v", s.ID, err)
		}
	case *jsonrpc.Request:
		s.startRequest(m)
	case *jsonrpc.Notification:
		s.handleNotification(m)
	}
}

func (s *Session) startRequest(req *jsonrpc.Request) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.inflMu.Lock()
	if _, busy := s.inflight[req.ID]; busy {
		s.inflMu.Unlock()
		cancel()
		id := req.ID
		s.reply(jsonrpc.NewErrorResponse(&id, apierrors.NewInvalidRequestError(
			fmt.Sprintf("request id %s is already in flight on this connection", req.ID))))
		return
	}
	s.inflight[req.ID] = cancel
	s.inflMu.Unlock()

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		defer func() {
			s.inflMu.Lock()
			delete(s.inflight, req.ID)
			s.inflMu.Unlock()
			cancel()
		}()

		resp := s.dispatcher.Dispatch(ctx, req)
		if ctx.Err() != nil && s.ctx.Err() == nil {
			// Cancelled by the peer; it no longer expects a response.
			logger.Debug("[%s] request %s cancelled by peer", s.ID, req.ID)
			return
		}
		s.reply(resp)
	}()
}

func (s *Session) handleNotification(n *jsonrpc.Notification) {
	if n.Method == "notifications/cancelled" {
		var p struct {
			RequestID jsonrpc.RequestID `json:"requestId"`
		}
		if err := n.UnmarshalParams(&p); err == nil {
			s.inflMu.Lock()
			cancel, ok := s.inflight[p.RequestID]
			s.inflMu.Unlock()
			if ok {
				cancel()
			}
		}
	}
	s.dispatcher.Notify(s.ctx, n)
}

// Call sends a request and waits for its response. A JSON-RPC error from the peer is
// returned as *jsonrpc.Error; local failures are *CallError.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.call(ctx, method, params, 0)
}

// CallTimeout is Call with a per-request deadline instead of the configured default.
func (s *Session) CallTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return s.call(ctx, method, params, timeout)
}

func (s *Session) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := s.pending.NextID()
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	p, err := s.pending.Register(id, timeout)
	if err != nil {
		return nil, s.callError(method, err)
	}

	if err := s.send(ctx, req); err != nil {
		s.pending.Cancel(id)
		if transport.IsFatal(err) {
			return nil, &CallError{RPC: apierrors.NewConnectionClosedError(err.Error()), Err: err}
		}
		return nil, err
	}

	resp, err := s.pending.Await(ctx, p)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.notifyCancelled(id, err)
			return nil, err
		}
		return nil, s.callError(method, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (s *Session) callError(method string, err error) error {
	var timeout *correlation.TimeoutError
	switch {
	case errors.As(err, &timeout):
		return &CallError{RPC: apierrors.NewTimeoutError(method, timeout.After), Err: err}
	case errors.Is(err, correlation.ErrTooManyPending):
		return &CallError{RPC: apierrors.NewTooManyPendingError(s.maxPending()), Err: err}
	case errors.Is(err, correlation.ErrConnectionClosed):
		return &CallError{RPC: apierrors.NewConnectionClosedError(err.Error()), Err: err}
	}
	return err
}

func (s *Session) maxPending() int {
	if s.cfg.Correlation.MaxPending > 0 {
		return s.cfg.Correlation.MaxPending
	}
	return correlation.DefaultMaxPending
}

func (s *Session) notifyCancelled(id jsonrpc.RequestID, cause error) {
	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	params := map[string]any{"requestId": id, "reason": cause.Error()}
	if err := s.Notify(ctx, "notifications/cancelled", params); err != nil {
		logger.Debug("[%s] could not send cancellation for %s: %v", s.ID, id, err)
	}
}

// Notify sends a notification. It never waits for a reply.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.send(ctx, n)
}

// Forward sends an already-built notification, used when relaying.
func (s *Session) Forward(ctx context.Context, n *jsonrpc.Notification) error {
	return s.send(ctx, n)
}

func (s *Session) reply(resp *jsonrpc.Response) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := s.send(ctx, resp); err != nil && !errors.Is(err, transport.ErrClosed) {
		logger.Warn("[%s] failed to send response: %v", s.ID, err)
	}
}

func (s *Session) send(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	s.logFrame(s.outboundDirection(), data)
	return s.tr.Send(ctx, data)
}

func (s *Session) logFrame(dir db.MessageDirection, data []byte) {
	if s.log == nil {
		return
	}
	if err := s.log.LogMessage(s.ID, dir, data); err != nil {
		logger.Warn("[%s] failed to log message: %v", s.ID, err)
	}
}

func (s *Session) inboundDirection() db.MessageDirection {
	if s.Role == RoleClient {
		return db.DirectionUpstreamToRelay
	}
	return db.DirectionClientToRelay
}

func (s *Session) outboundDirection() db.MessageDirection {
	if s.Role == RoleClient {
		return db.DirectionRelayToUpstream
	}
	return db.DirectionRelayToClient
}

// Close fails pending calls with ConnectionClosed, closes the transport, and runs close
// hooks. It is idempotent and does not wait for in-flight handlers.
func (s *Session) Close() error {
	return s.closeWith(nil)
}

func (s *Session) closeWith(cause error) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.pending.Close(cause)
		err = s.tr.Close()
		close(s.done)

		s.hookMu.Lock()
		hooks := s.onClose
		s.onClose = nil
		s.hookMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		logger.Debug("[%s] session closed", s.ID)
	})
	return err
}
