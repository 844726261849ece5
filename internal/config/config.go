// ABOUTME: Configuration loading and validation for the MCP relay
// ABOUTME: YAML files via viper with MCP_RELAY_* environment overrides and defaults

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/harper/mcp-relay/internal/xdg"
)

const EnvPrefix = "MCP_RELAY"

// Upstream modes.
const (
	ModeNone      = "none"
	ModeProcess   = "process"
	ModeContainer = "container"
	ModeHTTP      = "http"
	ModeWebSocket = "websocket"
)

// Provider is the read-only view the protocol engine needs.
type Provider interface {
	RequestTimeout() time.Duration
	CleanupInterval() time.Duration
	MaxPending() int
	MaxMessageSize() int
	ScopeMappings() map[string]string
	RevealForbidden() bool
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server" json:"server"`
	Upstream    UpstreamConfig    `mapstructure:"upstream" yaml:"upstream" json:"upstream"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database" json:"database"`
	Correlation CorrelationConfig `mapstructure:"correlation" yaml:"correlation" json:"correlation"`
	Transport   TransportConfig   `mapstructure:"transport" yaml:"transport" json:"transport"`
	Auth        AuthConfig        `mapstructure:"auth" yaml:"auth" json:"auth"`
	Security    SecurityConfig    `mapstructure:"security" yaml:"security" json:"security"`
	Tracing     TracingConfig     `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
}

// Trace exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

type TracingConfig struct {
	Exporter string `mapstructure:"exporter" yaml:"exporter" json:"exporter"`
	// Endpoint is the OTLP/HTTP collector host:port.
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure" json:"insecure"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio" json:"sample_ratio"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path" json:"path"`
}

type ServerConfig struct {
	HTTPHost       string `mapstructure:"http_host" yaml:"http_host" json:"http_host"`
	HTTPPort       int    `mapstructure:"http_port" yaml:"http_port" json:"http_port"`
	HTTPPath       string `mapstructure:"http_path" yaml:"http_path" json:"http_path"`
	WebSocketPath  string `mapstructure:"websocket_path" yaml:"websocket_path" json:"websocket_path"`
	ManagementHost string `mapstructure:"management_host" yaml:"management_host" json:"management_host"`
	ManagementPort int    `mapstructure:"management_port" yaml:"management_port" json:"management_port"`
	// RateLimit is requests per second per authenticated subject; zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst" json:"rate_burst"`
}

type UpstreamConfig struct {
	Mode       string            `mapstructure:"mode" yaml:"mode" json:"mode"`
	Command    string            `mapstructure:"command" yaml:"command" json:"command"`
	Args       []string          `mapstructure:"args" yaml:"args" json:"args"`
	Env        map[string]string `mapstructure:"env" yaml:"env" json:"env"`
	WorkingDir string            `mapstructure:"working_dir" yaml:"working_dir" json:"working_dir"`
	// URL is the remote endpoint in http and websocket modes.
	URL                   string          `mapstructure:"url" yaml:"url" json:"url"`
	BearerToken           string          `mapstructure:"bearer_token" yaml:"bearer_token" json:"bearer_token"`
	Container             ContainerConfig `mapstructure:"container" yaml:"container" json:"container"`
	StartupTimeoutSeconds int             `mapstructure:"startup_timeout_seconds" yaml:"startup_timeout_seconds" json:"startup_timeout_seconds"`
}

type ContainerConfig struct {
	Image                  string  `mapstructure:"image" yaml:"image" json:"image"`
	DockerHost             string  `mapstructure:"docker_host" yaml:"docker_host" json:"docker_host"`
	NetworkMode            string  `mapstructure:"network_mode" yaml:"network_mode" json:"network_mode"`
	MemoryLimit            string  `mapstructure:"memory_limit" yaml:"memory_limit" json:"memory_limit"`
	CPULimit               float64 `mapstructure:"cpu_limit" yaml:"cpu_limit" json:"cpu_limit"`
	WorkspaceHostBase      string  `mapstructure:"workspace_host_base" yaml:"workspace_host_base" json:"workspace_host_base"`
	WorkspaceContainerPath string  `mapstructure:"workspace_container_path" yaml:"workspace_container_path" json:"workspace_container_path"`
	AutoRemove             bool    `mapstructure:"auto_remove" yaml:"auto_remove" json:"auto_remove"`
}

type CorrelationConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" json:"request_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval" json:"cleanup_interval"`
	MaxPending      int           `mapstructure:"max_pending" yaml:"max_pending" json:"max_pending"`
	// IDStrategy is "counter" or "uuid".
	IDStrategy string `mapstructure:"id_strategy" yaml:"id_strategy" json:"id_strategy"`
}

type TransportConfig struct {
	MaxMessageSize int `mapstructure:"max_message_size" yaml:"max_message_size" json:"max_message_size"`
}

type APIKeyConfig struct {
	Key     string   `mapstructure:"key" yaml:"key" json:"key"`
	Subject string   `mapstructure:"subject" yaml:"subject" json:"subject"`
	Scopes  []string `mapstructure:"scopes" yaml:"scopes" json:"scopes"`
}

type OAuth2Config struct {
	JWKSURL  string        `mapstructure:"jwks_url" yaml:"jwks_url" json:"jwks_url"`
	Issuer   string        `mapstructure:"issuer" yaml:"issuer" json:"issuer"`
	Audience string        `mapstructure:"audience" yaml:"audience" json:"audience"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl" json:"cache_ttl"`
	Leeway   time.Duration `mapstructure:"leeway" yaml:"leeway" json:"leeway"`
}

type AuthConfig struct {
	APIKeys []APIKeyConfig `mapstructure:"api_keys" yaml:"api_keys" json:"api_keys"`
	OAuth2  OAuth2Config   `mapstructure:"oauth2" yaml:"oauth2" json:"oauth2"`
	// ScopeMappings overrides the built-in method to scope table when non-empty.
	ScopeMappings   map[string]string `mapstructure:"scope_mappings" yaml:"scope_mappings" json:"scope_mappings"`
	PublicMethods   []string          `mapstructure:"public_methods" yaml:"public_methods" json:"public_methods"`
	ScopeConvention bool              `mapstructure:"scope_convention" yaml:"scope_convention" json:"scope_convention"`
	RevealForbidden bool              `mapstructure:"reveal_forbidden" yaml:"reveal_forbidden" json:"reveal_forbidden"`
	// StdioScopes are granted to the local peer on a stdio session.
	StdioScopes []string `mapstructure:"stdio_scopes" yaml:"stdio_scopes" json:"stdio_scopes"`
}

type SecurityConfig struct {
	AllowedRoots       []string `mapstructure:"allowed_roots" yaml:"allowed_roots" json:"allowed_roots"`
	ReadOnly           bool     `mapstructure:"read_only" yaml:"read_only" json:"read_only"`
	ApprovalOperations []string `mapstructure:"approval_operations" yaml:"approval_operations" json:"approval_operations"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_host", "127.0.0.1")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.http_path", "/mcp")
	v.SetDefault("server.websocket_path", "/mcp/ws")
	v.SetDefault("server.management_host", "127.0.0.1")
	v.SetDefault("server.management_port", 8082)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 20)

	v.SetDefault("upstream.mode", ModeNone)
	v.SetDefault("upstream.command", "")
	v.SetDefault("upstream.url", "")
	v.SetDefault("upstream.bearer_token", "")
	v.SetDefault("upstream.working_dir", "")
	v.SetDefault("upstream.startup_timeout_seconds", 10)
	v.SetDefault("upstream.container.image", "")
	v.SetDefault("upstream.container.docker_host", "")
	v.SetDefault("upstream.container.network_mode", "bridge")
	v.SetDefault("upstream.container.memory_limit", "512m")
	v.SetDefault("upstream.container.cpu_limit", 1.0)
	v.SetDefault("upstream.container.workspace_host_base", "$XDG_DATA_HOME/mcp-relay/workspaces")
	v.SetDefault("upstream.container.workspace_container_path", "/workspace")
	v.SetDefault("upstream.container.auto_remove", true)

	v.SetDefault("database.path", "$XDG_DATA_HOME/mcp-relay/relay.db")

	v.SetDefault("correlation.request_timeout", 30*time.Second)
	v.SetDefault("correlation.cleanup_interval", 5*time.Second)
	v.SetDefault("correlation.max_pending", 1000)
	v.SetDefault("correlation.id_strategy", "counter")

	v.SetDefault("transport.max_message_size", 10*1024*1024)

	v.SetDefault("auth.oauth2.jwks_url", "")
	v.SetDefault("auth.oauth2.issuer", "")
	v.SetDefault("auth.oauth2.audience", "")
	v.SetDefault("auth.oauth2.cache_ttl", time.Hour)
	v.SetDefault("auth.oauth2.leeway", 60*time.Second)
	v.SetDefault("auth.scope_convention", false)
	v.SetDefault("auth.reveal_forbidden", true)
	v.SetDefault("auth.stdio_scopes", []string{"*"})

	v.SetDefault("security.read_only", false)

	v.SetDefault("tracing.exporter", ExporterNone)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "mcp-relay")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Load reads path, or only defaults and environment when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Viper lowercases map keys; env var names and method names are case-sensitive.
	if path != "" {
		if err := preserveCase(path, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func preserveCase(path string, cfg *Config) error {
	//nolint:gosec // config file path from validated user input
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var raw struct {
		Upstream struct {
			Env map[string]string `yaml:"env"`
		} `yaml:"upstream"`
		Auth struct {
			ScopeMappings map[string]string `yaml:"scope_mappings"`
		} `yaml:"auth"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if len(raw.Upstream.Env) > 0 {
		cfg.Upstream.Env = raw.Upstream.Env
	}
	if len(raw.Auth.ScopeMappings) > 0 {
		cfg.Auth.ScopeMappings = raw.Auth.ScopeMappings
	}
	return nil
}

func (c *Config) expand() {
	c.Database.Path = xdg.ExpandPath(c.Database.Path)
	c.Upstream.WorkingDir = xdg.ExpandPath(c.Upstream.WorkingDir)
	c.Upstream.Container.WorkspaceHostBase = xdg.ExpandPath(c.Upstream.Container.WorkspaceHostBase)
	c.Upstream.BearerToken = os.ExpandEnv(c.Upstream.BearerToken)
	for i := range c.Auth.APIKeys {
		c.Auth.APIKeys[i].Key = os.ExpandEnv(c.Auth.APIKeys[i].Key)
	}
	for i, root := range c.Security.AllowedRoots {
		c.Security.AllowedRoots[i] = xdg.ExpandPath(root)
	}
	if c.Upstream.Mode == "" {
		c.Upstream.Mode = ModeNone
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = ExporterNone
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Upstream.Mode {
	case ModeNone:
	case ModeProcess:
		if c.Upstream.Command == "" {
			errs = append(errs, errors.New("upstream.command is required in process mode"))
		}
	case ModeContainer:
		if c.Upstream.Command == "" || c.Upstream.Container.Image == "" {
			errs = append(errs, errors.New("upstream.command and upstream.container.image are required in container mode"))
		}
		if c.Upstream.Container.WorkspaceContainerPath == "" {
			errs = append(errs, errors.New("container mode requires upstream.container.workspace_container_path"))
		}
	case ModeHTTP, ModeWebSocket:
		if c.Upstream.URL == "" {
			errs = append(errs, fmt.Errorf("upstream.url is required in %s mode", c.Upstream.Mode))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid upstream.mode: %s (must be none, process, container, http, or websocket)", c.Upstream.Mode))
	}

	if c.Correlation.RequestTimeout <= 0 {
		errs = append(errs, errors.New("correlation.request_timeout must be positive"))
	}
	if c.Correlation.CleanupInterval <= 0 {
		errs = append(errs, errors.New("correlation.cleanup_interval must be positive"))
	}
	if c.Correlation.MaxPending <= 0 {
		errs = append(errs, errors.New("correlation.max_pending must be positive"))
	}
	if s := c.Correlation.IDStrategy; s != "counter" && s != "uuid" {
		errs = append(errs, fmt.Errorf("invalid correlation.id_strategy: %s (must be counter or uuid)", s))
	}
	if c.Transport.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("transport.max_message_size must be positive"))
	}

	for i, k := range c.Auth.APIKeys {
		if k.Key == "" {
			errs = append(errs, fmt.Errorf("auth.api_keys[%d].key is empty", i))
		}
		if k.Subject == "" {
			errs = append(errs, fmt.Errorf("auth.api_keys[%d].subject is empty", i))
		}
	}
	for method, scope := range c.Auth.ScopeMappings {
		if scope == "" {
			errs = append(errs, fmt.Errorf("auth.scope_mappings[%s] has no scope", method))
		}
	}
	switch c.Tracing.Exporter {
	case ExporterNone, ExporterStdout:
	case ExporterOTLP:
		if c.Tracing.Endpoint == "" {
			errs = append(errs, errors.New("tracing.endpoint is required with the otlp exporter"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid tracing.exporter: %s (must be none, stdout, or otlp)", c.Tracing.Exporter))
	}
	if r := c.Tracing.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %v", r))
	}
	for _, op := range c.Security.ApprovalOperations {
		switch op {
		case "read", "write", "list", "create_dir", "delete", "move", "copy":
		default:
			errs = append(errs, fmt.Errorf("unknown security.approval_operations entry: %s", op))
		}
	}

	return errors.Join(errs...)
}

// AuthEnabled is true when any credential source is configured. Without one the HTTP
// and WebSocket listeners refuse every request.
func (c *Config) AuthEnabled() bool {
	return len(c.Auth.APIKeys) > 0 || c.Auth.OAuth2.JWKSURL != ""
}

// Redacted returns a copy safe to show over the management API.
func (c *Config) Redacted() Config {
	out := *c
	out.Auth.APIKeys = make([]APIKeyConfig, len(c.Auth.APIKeys))
	for i, k := range c.Auth.APIKeys {
		k.Key = "[redacted]"
		out.Auth.APIKeys[i] = k
	}
	if out.Upstream.BearerToken != "" {
		out.Upstream.BearerToken = "[redacted]"
	}
	if len(c.Upstream.Env) > 0 {
		out.Upstream.Env = make(map[string]string, len(c.Upstream.Env))
		for k := range c.Upstream.Env {
			out.Upstream.Env[k] = "[redacted]"
		}
	}
	return out
}

func (c *Config) RequestTimeout() time.Duration { return c.Correlation.RequestTimeout }

func (c *Config) CleanupInterval() time.Duration { return c.Correlation.CleanupInterval }

func (c *Config) MaxPending() int { return c.Correlation.MaxPending }

func (c *Config) MaxMessageSize() int { return c.Transport.MaxMessageSize }

func (c *Config) ScopeMappings() map[string]string { return c.Auth.ScopeMappings }

func (c *Config) RevealForbidden() bool { return c.Auth.RevealForbidden }

// StartupTimeout bounds the upstream launch plus initialize handshake.
func (c *Config) StartupTimeout() time.Duration {
	if c.Upstream.StartupTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Upstream.StartupTimeoutSeconds) * time.Second
}
