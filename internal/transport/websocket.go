// ABOUTME: WebSocket transport carrying one JSON-RPC message per text frame
// ABOUTME: Wraps a gorilla connection with a single reader and a single writer goroutine

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harper/mcp-relay/internal/logger"
)

const closeGracePeriod = time.Second

type WebSocket struct {
	conn *websocket.Conn

	life    lifecycle
	inbox   chan frame
	writes  chan writeOp
	done    chan struct{}
	loops   sync.WaitGroup
	readErr error

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocket takes ownership of conn.
func NewWebSocket(conn *websocket.Conn, maxMessageSize int) *WebSocket {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	conn.SetReadLimit(int64(maxMessageSize))

	ws := &WebSocket{
		conn:   conn,
		inbox:  make(chan frame, 16),
		writes: make(chan writeOp),
		done:   make(chan struct{}),
	}
	ws.life.store(Connecting)

	ws.loops.Add(2)
	go ws.readLoop()
	go ws.writeLoop()

	ws.life.store(Connected)
	return ws
}

// DialWebSocket connects to a WebSocket endpoint, sending header on the upgrade request.
func DialWebSocket(ctx context.Context, url string, header http.Header, maxMessageSize int) (*WebSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, &Error{Kind: KindRejected, Op: "dial", Status: resp.StatusCode, Err: err}
		}
		return nil, ioError("dial", err)
	}
	return NewWebSocket(conn, maxMessageSize), nil
}

func (ws *WebSocket) State() State {
	return ws.life.load()
}

func (ws *WebSocket) Send(ctx context.Context, data []byte) error {
	if !ws.life.usable() {
		return ErrClosed
	}

	op := writeOp{data: data, result: make(chan error, 1)}
	select {
	case ws.writes <- op:
	case <-ws.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ws.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ws *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	if ws.State() == Closed {
		return nil, ErrClosed
	}

	select {
	case f, ok := <-ws.inbox:
		if !ok {
			return nil, ws.readError()
		}
		return f.data, f.err
	case <-ws.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ws *WebSocket) Close() error {
	ws.closeOnce.Do(func() {
		ws.life.store(Closing)
		close(ws.done)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		ws.closeErr = ws.conn.Close()

		ws.loops.Wait()
		ws.life.store(Closed)
	})
	return ws.closeErr
}

func (ws *WebSocket) readLoop() {
	defer ws.loops.Done()
	defer close(ws.inbox)

	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			// gorilla read errors are permanent.
			ws.readErr = classifyWebSocketError("receive", err)
			logger.Debug("websocket reader finished: %v", err)
			return
		}
		if len(data) == 0 {
			continue
		}

		select {
		case ws.inbox <- frame{data: data}:
		case <-ws.done:
			ws.readErr = ErrClosed
			return
		}
	}
}

// readError is only valid once inbox is closed.
func (ws *WebSocket) readError() error {
	if ws.readErr == nil {
		return ErrClosed
	}
	return ws.readErr
}

func (ws *WebSocket) writeLoop() {
	defer ws.loops.Done()

	for {
		select {
		case op := <-ws.writes:
			var err error
			if werr := ws.conn.WriteMessage(websocket.TextMessage, op.data); werr != nil {
				err = classifyWebSocketError("write", werr)
			}
			op.result <- err
		case <-ws.done:
			return
		}
	}
}

func classifyWebSocketError(op string, err error) *Error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closedError(op, err)
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return &Error{Kind: KindTooLarge, Op: op, Err: fmt.Errorf("peer exceeded read limit: %w", err), fatal: true}
	}
	return fatalIOError(op, err)
}
