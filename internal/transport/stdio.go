// ABOUTME: Newline-delimited JSON transport over a reader/writer pair
// ABOUTME: One goroutine reads and frames lines, one goroutine owns every write

package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/harper/mcp-relay/internal/logger"
)

var errLineTooLarge = errors.New("line exceeds maximum message size")

type Stdio struct {
	name    string
	r       io.Reader
	w       io.Writer
	closers []io.Closer
	maxSize int

	life    lifecycle
	inbox   chan frame
	writes  chan writeOp
	done    chan struct{}
	writeWG sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	errMu   sync.Mutex
	readErr error
}

type StdioOption func(*Stdio)

func WithMaxMessageSize(n int) StdioOption {
	return func(s *Stdio) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// WithName labels log lines, e.g. with the session id.
func WithName(name string) StdioOption {
	return func(s *Stdio) {
		s.name = name
	}
}

// WithClosers adds resources released by Close, such as a child process's stderr.
func WithClosers(closers ...io.Closer) StdioOption {
	return func(s *Stdio) {
		s.closers = append(s.closers, closers...)
	}
}

// NewStdio starts framing r and writing to w. If r or w implement io.Closer they are
// closed by Close; the writer first, so the peer sees EOF.
func NewStdio(r io.Reader, w io.Writer, opts ...StdioOption) *Stdio {
	s := &Stdio{
		name:    "stdio",
		r:       r,
		w:       w,
		maxSize: DefaultMaxMessageSize,
		inbox:   make(chan frame, 16),
		writes:  make(chan writeOp),
		done:    make(chan struct{}),
	}
	s.life.store(Connecting)

	if c, ok := w.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	if c, ok := r.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	for _, opt := range opts {
		opt(s)
	}

	s.writeWG.Add(1)
	go s.writeLoop()
	go s.readLoop()

	s.life.store(Connected)
	return s
}

func (s *Stdio) State() State {
	return s.life.load()
}

// Send writes data followed by a single newline. data must not contain a raw newline.
func (s *Stdio) Send(ctx context.Context, data []byte) error {
	if !s.life.usable() {
		return ErrClosed
	}

	data = bytes.TrimRight(data, "\r\n")
	if bytes.IndexByte(data, '\n') >= 0 {
		return &Error{Kind: KindFraming, Op: "send", Err: errors.New("message contains a raw newline")}
	}
	if len(data) > s.maxSize {
		return &Error{Kind: KindTooLarge, Op: "send", Err: fmt.Errorf("%d bytes exceeds limit %d", len(data), s.maxSize)}
	}

	line := make([]byte, len(data)+1)
	copy(line, data)
	line[len(data)] = '\n'

	op := writeOp{data: line, result: make(chan error, 1)}
	select {
	case s.writes <- op:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next complete line without its terminator.
func (s *Stdio) Receive(ctx context.Context) ([]byte, error) {
	if s.State() == Closed {
		return nil, ErrClosed
	}

	select {
	case f, ok := <-s.inbox:
		if !ok {
			return nil, s.readError()
		}
		return f.data, f.err
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close is idempotent. The read goroutine exits once the underlying reader unblocks.
func (s *Stdio) Close() error {
	s.closeOnce.Do(func() {
		s.life.store(Closing)
		close(s.done)
		for _, c := range s.closers {
			if err := c.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
		s.writeWG.Wait()
		s.life.store(Closed)
		logger.Debug("[%s] stdio transport closed", s.name)
	})
	return s.closeErr
}

func (s *Stdio) writeLoop() {
	defer s.writeWG.Done()

	for {
		select {
		case op := <-s.writes:
			var err error
			if _, werr := s.w.Write(op.data); werr != nil {
				err = ioError("write", werr)
				logger.Debug("[%s] write failed: %v", s.name, werr)
			}
			op.result <- err
		case <-s.done:
			return
		}
	}
}

func (s *Stdio) readLoop() {
	defer close(s.inbox)

	br := bufio.NewReaderSize(s.r, 64*1024)
	for {
		line, err := s.readLine(br)
		if errors.Is(err, errLineTooLarge) {
			logger.Warn("[%s] dropped oversized message (limit %d bytes)", s.name, s.maxSize)
			if !s.deliver(frame{err: &Error{Kind: KindTooLarge, Op: "receive", Err: err}}) {
				return
			}
			continue
		}

		if len(line) > 0 {
			if !s.deliver(frame{data: line}) {
				return
			}
		}

		if err != nil {
			s.setReadError(fatalIOError("receive", err))
			logger.Debug("[%s] reader finished: %v", s.name, err)
			return
		}
	}
}

func (s *Stdio) deliver(f frame) bool {
	select {
	case s.inbox <- f:
		return true
	case <-s.done:
		return false
	}
}

// readLine buffers until a full line is available, however the reads are split.
// Blank lines come back empty; a final unterminated line is returned with the error.
func (s *Stdio) readLine(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	tooLarge := false

	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLarge {
			if len(buf)+len(chunk) > s.maxSize+2 {
				tooLarge = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if tooLarge {
				return nil, err
			}
			return trimLine(buf), err
		}
		if tooLarge {
			return nil, errLineTooLarge
		}
		return trimLine(buf), nil
	}
}

func trimLine(b []byte) []byte {
	b = bytes.TrimRight(b, "\r\n")
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	return b
}

func (s *Stdio) setReadError(err error) {
	s.errMu.Lock()
	s.readErr = err
	s.errMu.Unlock()
}

func (s *Stdio) readError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.readErr == nil {
		return ErrClosed
	}
	return s.readErr
}
