// ABOUTME: Session registry plus the launcher for upstream MCP servers
// ABOUTME: Upstreams run as processes, containers, or remote HTTP/WebSocket endpoints

package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harper/mcp-relay/internal/config"
	"github.com/harper/mcp-relay/internal/container"
	"github.com/harper/mcp-relay/internal/correlation"
	apierrors "github.com/harper/mcp-relay/internal/errors"
	"github.com/harper/mcp-relay/internal/jsonrpc"
	"github.com/harper/mcp-relay/internal/logger"
	"github.com/harper/mcp-relay/internal/metrics"
	"github.com/harper/mcp-relay/internal/transport"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoUpstream      = errors.New("no upstream configured")
)

// processGracePeriod is how long a child gets to exit after its stdin closes.
const processGracePeriod = 2 * time.Second

// Store records session lifecycles and their traffic. *db.DB implements it.
type Store interface {
	MessageLog
	CreateSession(sessionID, transport, subject, upstream string) error
	CloseSession(sessionID string) error
}

type ManagerConfig struct {
	Upstream       config.UpstreamConfig
	Correlation    correlation.Config
	MaxMessageSize int
	StartupTimeout time.Duration
	ClientInfo     Implementation
}

// Info is a point-in-time view of a session for listings.
type Info struct {
	ID        string    `json:"id"`
	Transport string    `json:"transport"`
	Role      Role      `json:"role"`
	Subject   string    `json:"subject,omitempty"`
	Pending   int       `json:"pending"`
	CreatedAt time.Time `json:"created_at"`
}

type Manager struct {
	config           ManagerConfig
	store            Store
	metrics          *metrics.Metrics
	containerManager *container.Manager

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager validates the upstream mode; container mode connects to Docker up front.
func NewManager(cfg ManagerConfig, store Store, m *metrics.Metrics) (*Manager, error) {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.ClientInfo.Name == "" {
		cfg.ClientInfo = Implementation{Name: "mcp-relay", Version: "dev"}
	}

	mgr := &Manager{
		config:   cfg,
		store:    store,
		metrics:  m,
		sessions: make(map[string]*Session),
	}

	if cfg.Upstream.Mode == config.ModeContainer {
		cm, err := container.NewManager(cfg.Upstream.Container, cfg.Upstream.Command, cfg.Upstream.Args, cfg.Upstream.Env)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize container manager: %w", err)
		}
		mgr.containerManager = cm
		logger.Info("Container manager initialized (image: %s, command: %s)", cfg.Upstream.Container.Image, cfg.Upstream.Command)
	}

	return mgr, nil
}

func newSessionID() string {
	return "sess_" + uuid.New().String()[:8]
}

// Connect launches the configured upstream, runs the initialize handshake, and
// registers the resulting client-role session.
func (m *Manager) Connect(ctx context.Context) (*Session, *InitializeResult, error) {
	mode := m.config.Upstream.Mode
	if mode == "" || mode == config.ModeNone {
		return nil, nil, ErrNoUpstream
	}

	id := newSessionID()
	start := time.Now()
	logger.Info("[%s] Connecting upstream (mode: %s)", id, mode)

	tr, err := m.openUpstream(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	router := NewRouter()
	router.Handle("ping", func(context.Context, *jsonrpc.Request) (any, error) {
		return struct{}{}, nil
	})
	router.FallbackNotification(func(ctx context.Context, n *jsonrpc.Notification) {
		m.Broadcast(ctx, n)
	})

	sess := New(tr, Config{
		ID:             id,
		Transport:      mode,
		Role:           RoleClient,
		Dispatcher:     NewDispatcher(router, nil, m.metrics),
		Correlation:    m.config.Correlation,
		Log:            m.store,
		Metrics:        m.metrics,
		MaxMessageSize: m.config.MaxMessageSize,
	})
	go func() {
		if err := sess.Serve(context.Background()); err != nil {
			logger.Warn("[%s] upstream connection ended: %v", id, err)
		}
	}()

	initCtx, cancel := context.WithTimeout(ctx, m.config.StartupTimeout)
	defer cancel()
	result, err := sess.Initialize(initCtx, m.config.ClientInfo, m.config.StartupTimeout)
	if err != nil {
		sess.Close()
		rpcErr := apierrors.NewUpstreamConnectionError(m.describeUpstream(), int(time.Since(start).Milliseconds()), err.Error())
		return nil, nil, &CallError{RPC: rpcErr, Err: fmt.Errorf("failed to initialize upstream: %w", err)}
	}

	if err := m.Attach(sess); err != nil {
		sess.Close()
		return nil, nil, err
	}

	logger.Info("[%s] Upstream ready: %s %s (protocol %s)", id, result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion)
	return sess, result, nil
}

func (m *Manager) describeUpstream() string {
	switch m.config.Upstream.Mode {
	case config.ModeHTTP, config.ModeWebSocket:
		return m.config.Upstream.URL
	}
	return m.config.Upstream.Command
}

func (m *Manager) openUpstream(ctx context.Context, id string) (transport.Transport, error) {
	up := m.config.Upstream
	switch up.Mode {
	case config.ModeProcess:
		return m.launchProcess(id)
	case config.ModeContainer:
		comps, err := m.containerManager.Launch(ctx, id)
		if err != nil {
			return nil, err
		}
		go drainStderr(id, comps.Stderr)
		stopper := closerFunc(func() error { return m.containerManager.Stop(id) })
		return transport.NewStdio(comps.Stdout, comps.Stdin,
			transport.WithName(id),
			transport.WithMaxMessageSize(m.config.MaxMessageSize),
			transport.WithClosers(comps.Stderr, stopper),
		), nil
	case config.ModeHTTP:
		opts := []transport.HTTPOption{transport.WithHTTPMaxMessageSize(m.config.MaxMessageSize)}
		if up.BearerToken != "" {
			opts = append(opts, transport.WithBearerToken(up.BearerToken))
		}
		return transport.NewHTTPClient(up.URL, opts...), nil
	case config.ModeWebSocket:
		header := http.Header{}
		if up.BearerToken != "" {
			header.Set("Authorization", "Bearer "+up.BearerToken)
		}
		return transport.DialWebSocket(ctx, up.URL, header, m.config.MaxMessageSize)
	}
	return nil, fmt.Errorf("unsupported upstream mode: %s", up.Mode)
}

func (m *Manager) launchProcess(id string) (transport.Transport, error) {
	up := m.config.Upstream
	procCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(procCtx, up.Command, up.Args...)
	cmd.Env = os.Environ()
	if up.WorkingDir != "" {
		cmd.Dir = up.WorkingDir
		cmd.Env = append(cmd.Env, "PWD="+up.WorkingDir)
	}
	for k, v := range up.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start upstream %s: %w", up.Command, err)
	}
	logger.Debug("[%s] upstream process started (pid %d)", id, cmd.Process.Pid)

	go drainStderr(id, stderr)

	return transport.NewStdio(stdout, stdin,
		transport.WithName(id),
		transport.WithMaxMessageSize(m.config.MaxMessageSize),
		transport.WithClosers(&processCloser{id: id, cmd: cmd, cancel: cancel}),
	), nil
}

type processCloser struct {
	id     string
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// Close waits briefly for the child to exit on its own, then kills it.
func (p *processCloser) Close() error {
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(processGracePeriod):
		logger.Debug("[%s] upstream did not exit, killing it", p.id)
		p.cancel()
		err = <-done
	}
	p.cancel()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return err
	}
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func drainStderr(id string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug("[%s] upstream stderr: %s", id, scanner.Text())
	}
}

// Attach registers sess and records it. The session is forgotten when it closes.
func (m *Manager) Attach(sess *Session) error {
	m.mu.Lock()
	if _, exists := m.sessions[sess.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("session %s already registered", sess.ID)
	}
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	if m.store != nil {
		upstream := ""
		if sess.Role == RoleClient {
			upstream = m.describeUpstream()
		}
		if err := m.store.CreateSession(sess.ID, sess.Transport, sess.Subject(), upstream); err != nil {
			logger.Warn("[%s] failed to log session creation: %v", sess.ID, err)
		}
	}
	m.metrics.AddSessions(1)

	sess.OnClose(func() {
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		m.mu.Unlock()

		m.metrics.AddSessions(-1)
		if m.store != nil {
			if err := m.store.CloseSession(sess.ID); err != nil {
				logger.Warn("[%s] failed to log session closure: %v", sess.ID, err)
			}
		}
	})
	return nil
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, exists := m.sessions[sessionID]
	return sess, exists
}

// List returns every live session, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Info{
			ID:        s.ID,
			Transport: s.Transport,
			Role:      s.Role,
			Subject:   s.Subject(),
			Pending:   s.Pending(),
			CreatedAt: s.CreatedAt,
		})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) CloseSession(sessionID string) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess.Close()
}

// CloseAll closes every session and releases the container manager.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		s.Close()
	}
	if m.containerManager != nil {
		m.containerManager.Close()
	}
}

// Broadcast relays an upstream notification to every client-facing session.
func (m *Manager) Broadcast(ctx context.Context, n *jsonrpc.Notification) {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Role == RoleServer {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range targets {
		if err := s.Forward(ctx, n); err != nil {
			logger.Debug("[%s] could not deliver %s: %v", s.ID, n.Method, err)
		}
	}
}
