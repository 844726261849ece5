// ABOUTME: Transport contract shared by stdio, WebSocket, and HTTP channels
// ABOUTME: Defines lifecycle states and the recoverable vs fatal error taxonomy

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"
)

// DefaultMaxMessageSize bounds a single framed message.
const DefaultMaxMessageSize = 10 * 1024 * 1024

// Transport moves whole framed messages. Send preserves call order on the wire.
// Every operation except Close fails with ErrClosed once the transport is closed.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	State() State
}

type State int32

const (
	Connecting State = iota
	Connected
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type ErrorKind int

const (
	KindIO ErrorKind = iota + 1
	KindClosed
	KindTooLarge
	KindFraming
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindClosed:
		return "closed"
	case KindTooLarge:
		return "too_large"
	case KindFraming:
		return "framing"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

// Error is the error type returned by every transport.
type Error struct {
	Kind ErrorKind
	Op   string
	// Status is the HTTP status for KindRejected errors.
	Status int
	Err    error
	fatal  bool
}

// ErrClosed matches every KindClosed error via errors.Is.
var ErrClosed = &Error{Kind: KindClosed, Op: "transport", Err: errors.New("transport is closed"), fatal: true}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("transport %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t == ErrClosed && e.Kind == KindClosed
}

// Recoverable reports whether the transport is still usable after this error.
func (e *Error) Recoverable() bool { return !e.fatal }

// IsFatal reports whether err means the connection is gone. Context errors are not fatal.
func IsFatal(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *Error
	if errors.As(err, &te) {
		return !te.Recoverable()
	}
	return true
}

func closedError(op string, cause error) *Error {
	return &Error{Kind: KindClosed, Op: op, Err: cause, fatal: true}
}

// ioError classifies a read or write failure. Peer-gone conditions become fatal
// KindClosed errors; anything else stays a recoverable KindIO error.
func ioError(op string, err error) *Error {
	if peerGone(err) {
		return closedError(op, err)
	}
	return &Error{Kind: KindIO, Op: op, Err: err}
}

func fatalIOError(op string, err error) *Error {
	if peerGone(err) {
		return closedError(op, err)
	}
	return &Error{Kind: KindIO, Op: op, Err: err, fatal: true}
}

func peerGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

type lifecycle struct {
	state atomic.Int32
}

func (l *lifecycle) load() State { return State(l.state.Load()) }

func (l *lifecycle) store(s State) { l.state.Store(int32(s)) }

// usable is true until Close begins.
func (l *lifecycle) usable() bool {
	s := l.load()
	return s == Connecting || s == Connected
}

type frame struct {
	data []byte
	err  error
}

type writeOp struct {
	data   []byte
	result chan error
}
