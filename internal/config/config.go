// ABOUTME: Configuration loading and parsing for fleet-hub
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// minJWTSecretLen is the shortest accepted HMAC secret, in bytes.
const minJWTSecretLen = 32

// Config represents the complete fleet-hub configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth"`
	Agents    AgentsConfig    `yaml:"agents"`
	Observers ObserversConfig `yaml:"observers"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	AgentAddr string `yaml:"agent_addr"` // TCP control channel for agents
	HTTPAddr  string `yaml:"http_addr"`  // observers, REST API, health
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// AuthConfig holds authentication configuration. An empty secret disables
// auth on the HTTP endpoints.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentsConfig holds agent session tuning
type AgentsConfig struct {
	RequestTimeout     time.Duration `yaml:"-"`
	StatusPollInterval time.Duration `yaml:"-"`
	WriteTimeout       time.Duration `yaml:"-"`

	UnhealthyAfter int `yaml:"unhealthy_after"`
	LogCapacity    int `yaml:"log_capacity"`
	OutboundBuffer int `yaml:"outbound_buffer"`
	MaxPending     int `yaml:"max_pending"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw     string `yaml:"request_timeout"`
	StatusPollIntervalRaw string `yaml:"status_poll_interval"`
	WriteTimeoutRaw       string `yaml:"write_timeout"`
}

// ObserversConfig holds observer channel configuration
type ObserversConfig struct {
	BufferSize        int           `yaml:"buffer_size"`
	KeepaliveInterval time.Duration `yaml:"-"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`

	KeepaliveIntervalRaw string `yaml:"keepalive_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every field at its default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AgentAddr: "0.0.0.0:9999",
			HTTPAddr:  "0.0.0.0:8000",
		},
		Tailscale: TailscaleConfig{
			Hostname: "fleet-hub",
		},
		Agents: AgentsConfig{
			RequestTimeout:     10 * time.Second,
			StatusPollInterval: 30 * time.Second,
			WriteTimeout:       10 * time.Second,
			UnhealthyAfter:     3,
			LogCapacity:        50,
			OutboundBuffer:     256,
			MaxPending:         16,
		},
		Observers: ObserversConfig{
			BufferSize:        256,
			KeepaliveInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Fields absent from the file keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes. See Load.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := ExpandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func ExpandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.AgentAddr == "" {
			return fmt.Errorf("server.agent_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLen)
	}

	if c.Agents.RequestTimeout <= 0 {
		return fmt.Errorf("agents.request_timeout must be positive")
	}
	if c.Agents.WriteTimeout <= 0 {
		return fmt.Errorf("agents.write_timeout must be positive")
	}
	if c.Agents.StatusPollInterval < 0 {
		return fmt.Errorf("agents.status_poll_interval must not be negative (0 disables polling)")
	}
	if c.Agents.UnhealthyAfter < 1 {
		return fmt.Errorf("agents.unhealthy_after must be at least 1")
	}
	if c.Agents.LogCapacity < 1 {
		return fmt.Errorf("agents.log_capacity must be at least 1")
	}
	if c.Agents.OutboundBuffer < 1 {
		return fmt.Errorf("agents.outbound_buffer must be at least 1")
	}
	if c.Agents.MaxPending < 1 {
		return fmt.Errorf("agents.max_pending must be at least 1")
	}

	if c.Observers.BufferSize < 1 {
		return fmt.Errorf("observers.buffer_size must be at least 1")
	}
	if c.Observers.KeepaliveInterval <= 0 {
		return fmt.Errorf("observers.keepalive_interval must be positive")
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Logging.Level) {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if !slices.Contains([]string{"text", "json"}, c.Logging.Format) {
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"request_timeout", cfg.Agents.RequestTimeoutRaw, &cfg.Agents.RequestTimeout},
		{"status_poll_interval", cfg.Agents.StatusPollIntervalRaw, &cfg.Agents.StatusPollInterval},
		{"write_timeout", cfg.Agents.WriteTimeoutRaw, &cfg.Agents.WriteTimeout},
		{"keepalive_interval", cfg.Observers.KeepaliveIntervalRaw, &cfg.Observers.KeepaliveInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// Template is the commented starter file written by `fleet-hub init`.
const Template = `# fleet-hub configuration

server:
  agent_addr: "0.0.0.0:9999"   # TCP control channel for agents
  http_addr: "0.0.0.0:8000"    # observers, REST API, health

tailscale:
  enabled: false
  hostname: "fleet-hub"
  auth_key: "${TS_AUTHKEY}"
  state_dir: ""
  ephemeral: false

auth:
  # Leave empty to disable auth on HTTP endpoints. At least 32 bytes.
  jwt_secret: "${FLEET_JWT_SECRET}"

agents:
  request_timeout: "10s"
  status_poll_interval: "30s"  # "0s" disables polling
  unhealthy_after: 3
  log_capacity: 50
  outbound_buffer: 256
  max_pending: 16
  write_timeout: "10s"

observers:
  buffer_size: 256
  keepalive_interval: "30s"
  allowed_origins: []          # empty accepts any origin

logging:
  level: "info"   # debug, info, warn, error
  format: "text"  # text, json
`
