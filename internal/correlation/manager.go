// ABOUTME: Per-connection request/response correlation with timeouts and cleanup
// ABOUTME: Pending calls resolve by id, expire on deadline, or fail when the connection closes

package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harper/mcp-relay/internal/jsonrpc"
	"github.com/harper/mcp-relay/internal/logger"
	"github.com/harper/mcp-relay/internal/metrics"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultCleanupInterval = 5 * time.Second
	DefaultMaxPending      = 1000
)

var (
	ErrDuplicateID      = errors.New("request id is already pending")
	ErrUnknownID        = errors.New("no pending request with this id")
	ErrTooManyPending   = errors.New("too many pending requests")
	ErrConnectionClosed = errors.New("connection closed")
)

// IDStrategy selects how NextID mints request ids.
type IDStrategy string

const (
	CounterIDs IDStrategy = "counter"
	UUIDIDs    IDStrategy = "uuid"
)

type Config struct {
	DefaultTimeout  time.Duration
	CleanupInterval time.Duration
	MaxPending      int
	IDStrategy      IDStrategy
}

func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  DefaultTimeout,
		CleanupInterval: DefaultCleanupInterval,
		MaxPending:      DefaultMaxPending,
		IDStrategy:      CounterIDs,
	}
}

// TimeoutError is returned to the caller whose request expired.
type TimeoutError struct {
	ID    jsonrpc.RequestID
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.ID, e.After)
}

// Timeout reports true so the error satisfies net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

type outcome struct {
	resp *jsonrpc.Response
	err  error
}

// Pending is the handle for one outstanding request.
type Pending struct {
	ID        jsonrpc.RequestID
	CreatedAt time.Time
	Deadline  time.Time

	timeout time.Duration
	// done has capacity one; whoever removes the entry from the map sends exactly once.
	done chan outcome
}

type Manager struct {
	cfg     Config
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[jsonrpc.RequestID]*Pending
	closed  bool

	counter  atomic.Int64
	stop     chan struct{}
	stopOnce sync.Once
	reaper   sync.WaitGroup
}

type Option func(*Manager)

func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// NewManager creates a manager and starts its reaper. Close must be called to stop it.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.IDStrategy == "" {
		cfg.IDStrategy = CounterIDs
	}

	m := &Manager{
		cfg:     cfg,
		pending: make(map[jsonrpc.RequestID]*Pending),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.reaper.Add(1)
	go m.reap()

	return m
}

// NextID returns an id that no earlier call on this manager has returned.
func (m *Manager) NextID() jsonrpc.RequestID {
	if m.cfg.IDStrategy == UUIDIDs {
		return jsonrpc.StringID(uuid.NewString())
	}
	return jsonrpc.IntID(m.counter.Add(1))
}

// Register starts tracking id. A non-positive timeout uses the configured default.
func (m *Manager) Register(id jsonrpc.RequestID, timeout time.Duration) (*Pending, error) {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrConnectionClosed
	}
	if _, exists := m.pending[id]; exists {
		return nil, fmt.Errorf("register %s: %w", id, ErrDuplicateID)
	}
	if len(m.pending) >= m.cfg.MaxPending {
		return nil, fmt.Errorf("register %s: %w (limit %d)", id, ErrTooManyPending, m.cfg.MaxPending)
	}

	now := time.Now()
	p := &Pending{
		ID:        id,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		timeout:   timeout,
		done:      make(chan outcome, 1),
	}
	m.pending[id] = p
	m.metrics.AddPending(1)

	return p, nil
}

// Resolve delivers resp to the request named by its id.
func (m *Manager) Resolve(resp *jsonrpc.Response) error {
	if resp == nil || resp.ID == nil {
		return ErrUnknownID
	}
	return m.ResolveID(*resp.ID, resp)
}

func (m *Manager) ResolveID(id jsonrpc.RequestID, resp *jsonrpc.Response) error {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("resolve %s: %w", id, ErrUnknownID)
	}

	m.metrics.AddPending(-1)
	p.done <- outcome{resp: resp}
	return nil
}

// Await blocks until the request resolves, its deadline passes, or ctx ends. On deadline
// or cancellation the entry is removed; the peer is not told.
func (m *Manager) Await(ctx context.Context, p *Pending) (*jsonrpc.Response, error) {
	timer := time.NewTimer(time.Until(p.Deadline))
	defer timer.Stop()

	select {
	case o := <-p.done:
		return o.resp, o.err
	case <-timer.C:
		if m.remove(p) {
			m.metrics.CorrelationTimeout()
			return nil, &TimeoutError{ID: p.ID, After: p.timeout}
		}
	case <-ctx.Done():
		if m.remove(p) {
			return nil, ctx.Err()
		}
	}

	// Lost the race to Resolve, the reaper, or Close; their outcome is already buffered.
	o := <-p.done
	return o.resp, o.err
}

// Cancel deregisters id. Anyone still awaiting it receives context.Canceled.
func (m *Manager) Cancel(id jsonrpc.RequestID) bool {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if ok {
		m.metrics.AddPending(-1)
		p.done <- outcome{err: context.Canceled}
	}
	return ok
}

// Len reports how many requests are pending.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close fails every pending request with ErrConnectionClosed and stops the reaper.
// Later registrations fail. Calling Close again is a no-op.
func (m *Manager) Close(cause error) {
	m.stopOnce.Do(func() { close(m.stop) })
	m.reaper.Wait()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	drained := m.pending
	m.pending = make(map[jsonrpc.RequestID]*Pending)
	m.mu.Unlock()

	err := ErrConnectionClosed
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
	}
	for _, p := range drained {
		p.done <- outcome{err: err}
	}
	m.metrics.AddPending(-len(drained))

	if len(drained) > 0 {
		logger.Debug("correlation: failed %d pending requests on close", len(drained))
	}
}

func (m *Manager) remove(p *Pending) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.pending[p.ID]; ok && current == p {
		delete(m.pending, p.ID)
		m.metrics.AddPending(-1)
		return true
	}
	return false
}

func (m *Manager) reap() {
	defer m.reaper.Done()

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.expire(now)
		}
	}
}

func (m *Manager) expire(now time.Time) {
	var expired []*Pending

	m.mu.Lock()
	for id, p := range m.pending {
		if !now.Before(p.Deadline) {
			delete(m.pending, id)
			expired = append(expired, p)
		}
	}
	m.mu.Unlock()

	for _, p := range expired {
		m.metrics.AddPending(-1)
		m.metrics.CorrelationTimeout()
		p.done <- outcome{err: &TimeoutError{ID: p.ID, After: p.timeout}}
		logger.Debug("correlation: reaped expired request %s", p.ID)
	}
}
