// ABOUTME: Docker launcher for upstream MCP servers running in containers
// ABOUTME: Creates, starts, and attaches to a container and hands back its stdio

package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/harper/mcp-relay/internal/config"
	"github.com/harper/mcp-relay/internal/logger"
	"github.com/harper/mcp-relay/internal/runtime"
)

const managedBy = "mcp-relay"

// Components are the stdio handles of a launched container.
type Components struct {
	ContainerID string
	Stdin       io.WriteCloser
	Stdout      io.ReadCloser
	Stderr      io.ReadCloser
}

type Manager struct {
	config       config.ContainerConfig
	command      []string
	env          map[string]string
	dockerClient *client.Client

	mu         sync.Mutex
	containers map[string]string // session id -> container id
}

// NewManager connects to Docker and checks that the configured image exists.
func NewManager(cfg config.ContainerConfig, command string, args []string, env map[string]string) (*Manager, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host := runtime.ResolveHost(cfg.DockerHost); host != "" {
		logger.Debug("using Docker host %s", host)
		opts = append(opts, client.WithHost(host))
	}
	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := dockerClient.Ping(ctx); err != nil {
		dockerClient.Close()
		return nil, NewDockerUnavailableError(err)
	}
	if _, _, err := dockerClient.ImageInspectWithRaw(ctx, cfg.Image); err != nil {
		dockerClient.Close()
		return nil, NewImageNotFoundError(cfg.Image, err)
	}

	return &Manager{
		config:       cfg,
		command:      append([]string{command}, args...),
		env:          env,
		dockerClient: dockerClient,
		containers:   make(map[string]string),
	}, nil
}

// Launch starts a container for sessionID with a per-session workspace mounted.
func (m *Manager) Launch(ctx context.Context, sessionID string) (*Components, error) {
	hostWorkspace := filepath.Join(m.config.WorkspaceHostBase, sessionID)
	if err := os.MkdirAll(hostWorkspace, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	memoryLimit, err := parseMemoryLimit(m.config.MemoryLimit)
	if err != nil {
		return nil, NewInvalidLimitError(m.config.MemoryLimit, err)
	}

	containerConfig := &container.Config{
		Image:      m.config.Image,
		Cmd:        m.command,
		Env:        m.containerEnv(),
		Labels:     m.buildContainerLabels(sessionID),
		WorkingDir: m.config.WorkspaceContainerPath,
		// Tty must stay false so stdout and stderr arrive multiplexed.
		Tty:       false,
		OpenStdin: true,
		StdinOnce: false,
	}
	hostConfig := &container.HostConfig{
		Binds:       []string{fmt.Sprintf("%s:%s", hostWorkspace, m.config.WorkspaceContainerPath)},
		AutoRemove:  m.config.AutoRemove,
		NetworkMode: container.NetworkMode(m.config.NetworkMode),
		Resources: container.Resources{
			Memory:   memoryLimit,
			NanoCPUs: int64(m.config.CPULimit * 1e9),
		},
	}

	resp, err := m.dockerClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, m.sanitizeContainerName(sessionID))
	if err != nil {
		return nil, NewStartFailedError(m.config.Image, err)
	}
	if err := m.dockerClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		m.remove(resp.ID)
		return nil, NewStartFailedError(m.config.Image, err)
	}

	attachResp, err := m.dockerClient.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		m.stop(resp.ID)
		return nil, NewAttachFailedError(err)
	}

	stdout, stderr := demuxStreams(attachResp.Reader)

	m.mu.Lock()
	m.containers[sessionID] = resp.ID
	m.mu.Unlock()

	go m.monitorContainer(resp.ID, sessionID)

	logger.Info("[%s] container %s started from %s", sessionID, shortID(resp.ID), m.config.Image)
	return &Components{
		ContainerID: resp.ID,
		Stdin:       attachResp.Conn,
		Stdout:      stdout,
		Stderr:      stderr,
	}, nil
}

// Stop stops the container launched for sessionID.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	containerID, exists := m.containers[sessionID]
	delete(m.containers, sessionID)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("no container for session %s", sessionID)
	}
	return m.stop(containerID)
}

// Close releases the Docker client.
func (m *Manager) Close() error {
	return m.dockerClient.Close()
}

func (m *Manager) stop(containerID string) error {
	timeout := 10
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout+5)*time.Second)
	defer cancel()

	if err := m.dockerClient.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", shortID(containerID), err)
	}
	return nil
}

func (m *Manager) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.dockerClient.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		logger.Warn("failed to remove container %s: %v", shortID(containerID), err)
	}
}

func (m *Manager) monitorContainer(containerID, sessionID string) {
	ctx := context.Background()
	statusCh, errCh := m.dockerClient.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		logger.Debug("[%s] container wait ended: %v", sessionID, err)
	case status := <-statusCh:
		if status.StatusCode == 0 {
			return
		}
		logs, err := m.dockerClient.ContainerLogs(ctx, containerID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Tail:       "50",
		})
		if err != nil {
			logger.Warn("[%s] container exited with code %d", sessionID, status.StatusCode)
			return
		}
		defer logs.Close()

		var stdout, stderr bytes.Buffer
		_, _ = stdcopy.StdCopy(&stdout, &stderr, logs)
		logger.Warn("[%s] container exited with code %d. Last 50 lines:\nSTDOUT:\n%s\nSTDERR:\n%s",
			sessionID, status.StatusCode, stdout.String(), stderr.String())
	}
}

// allowedHostEnv lists host variables passed through to every container. Anything
// else must be configured explicitly under upstream.env.
var allowedHostEnv = []string{"TERM", "LANG", "LC_ALL", "COLORTERM", "TZ"}

func (m *Manager) filterAllowedEnvVars(vars map[string]string) map[string]string {
	out := make(map[string]string)
	for _, key := range allowedHostEnv {
		if v, ok := vars[key]; ok {
			out[key] = v
		}
	}
	return out
}

func (m *Manager) containerEnv() []string {
	host := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			host[k] = v
		}
	}

	merged := m.filterAllowedEnvVars(host)
	for k, v := range m.env {
		merged[k] = os.ExpandEnv(v)
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func (m *Manager) buildContainerLabels(sessionID string) map[string]string {
	return map[string]string{
		"managed-by": managedBy,
		"session-id": sessionID,
		"created-at": time.Now().UTC().Format(time.RFC3339),
	}
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9_-]+`)

func (m *Manager) sanitizeContainerName(sessionID string) string {
	return managedBy + "-" + invalidNameChars.ReplaceAllString(strings.ToLower(sessionID), "-")
}

func parseMemoryLimit(limit string) (int64, error) {
	if limit == "" {
		return 0, nil
	}

	var value float64
	var unit string
	if _, err := fmt.Sscanf(limit, "%f%s", &value, &unit); err != nil {
		return 0, err
	}

	switch unit {
	case "k", "K":
		return int64(value * 1024), nil
	case "m", "M":
		return int64(value * 1024 * 1024), nil
	case "g", "G":
		return int64(value * 1024 * 1024 * 1024), nil
	default:
		return 0, fmt.Errorf("unknown unit: %s", unit)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
