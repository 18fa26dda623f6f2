// ABOUTME: Configuration loading and parsing for mcp-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion, env overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config represents the complete mcp-relay configuration
type Config struct {
	Server    ServerConfig         `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig      `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig       `yaml:"database" toml:"database"`
	Auth      AuthConfig           `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig        `yaml:"logging" toml:"logging"`
	Gateway   GatewayConfig        `yaml:"gateway" toml:"gateway"`
	Manager   ManagerConfig        `yaml:"manager" toml:"manager"`
	Servers   []RemoteServerConfig `yaml:"servers" toml:"servers"`
}

// AuthConfig holds inbound authentication configuration
type AuthConfig struct {
	JWTSecret string         `yaml:"jwt_secret" toml:"jwt_secret"`
	APIKeys   []APIKeyConfig `yaml:"api_keys" toml:"api_keys"`
	Required  bool           `yaml:"required" toml:"required"`
}

// APIKeyConfig names a bcrypt hash of an accepted X-API-Key value
type APIKeyConfig struct {
	Name string `yaml:"name" toml:"name"`
	Hash string `yaml:"hash" toml:"hash"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
}

// ServerConfig holds listen address configuration. An empty GRPCAddr disables the health service.
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds journal database configuration. An empty Path disables the journal.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// GatewayConfig configures the inbound protocol endpoint
type GatewayConfig struct {
	Path              string   `yaml:"path" toml:"path"`
	ExposeRemoteTools bool     `yaml:"expose_remote_tools" toml:"expose_remote_tools"`
	AllowedOrigins    []string `yaml:"allowed_origins" toml:"allowed_origins"`
	ServerName        string   `yaml:"server_name" toml:"server_name"`
}

// ManagerConfig holds defaults applied to every remote server
type ManagerConfig struct {
	PrefixToolNames *bool       `yaml:"prefix_tool_names" toml:"prefix_tool_names"`
	Retry           RetryConfig `yaml:"retry" toml:"retry"`
}

// ShouldPrefix reports the manager-wide prefixing default (true when unset).
func (m ManagerConfig) ShouldPrefix() bool {
	return m.PrefixToolNames == nil || *m.PrefixToolNames
}

// envOverrides are applied after the file is parsed. Unset variables leave the file values alone.
type envOverrides struct {
	HTTPAddr  string `env:"MCP_RELAY_HTTP_ADDR"`
	GRPCAddr  string `env:"MCP_RELAY_GRPC_ADDR"`
	DBPath    string `env:"MCP_RELAY_DB_PATH"`
	LogLevel  string `env:"MCP_RELAY_LOG_LEVEL"`
	JWTSecret string `env:"MCP_RELAY_JWT_SECRET"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration bytes. It is Load without the file read.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyEnvOverrides(cfg *Config) error {
	var ov envOverrides
	if err := envdecode.Decode(&ov); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return err
	}

	if ov.HTTPAddr != "" {
		cfg.Server.HTTPAddr = ov.HTTPAddr
	}
	if ov.GRPCAddr != "" {
		cfg.Server.GRPCAddr = ov.GRPCAddr
	}
	if ov.DBPath != "" {
		cfg.Database.Path = ov.DBPath
	}
	if ov.LogLevel != "" {
		cfg.Logging.Level = ov.LogLevel
	}
	if ov.JWTSecret != "" {
		cfg.Auth.JWTSecret = ov.JWTSecret
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Gateway.Path == "" {
		cfg.Gateway.Path = "/mcp"
	}
	if cfg.Gateway.ServerName == "" {
		cfg.Gateway.ServerName = "mcp-relay"
	}
	cfg.Manager.Retry = cfg.Manager.Retry.WithDefaults()
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale provides the listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	if !strings.HasPrefix(c.Gateway.Path, "/") {
		return fmt.Errorf("gateway.path %q must start with /", c.Gateway.Path)
	}

	for i, k := range c.Auth.APIKeys {
		if k.Name == "" || k.Hash == "" {
			return fmt.Errorf("auth.api_keys[%d] requires name and hash", i)
		}
	}

	return ValidateServers(c.Servers)
}

// ValidateServers checks each server entry plus the cross-entry rules:
// unique names and unique container names.
func ValidateServers(servers []RemoteServerConfig) error {
	names := make(map[string]bool, len(servers))
	containers := make(map[string]string)
	for i := range servers {
		s := &servers[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("servers[%d]: %w", i, err)
		}
		if names[s.Name] {
			return &ValidationError{Server: s.Name, Field: "name", Reason: "duplicate server name"}
		}
		names[s.Name] = true

		if s.Transport == TransportContainer {
			cn := s.ContainerName()
			if owner, ok := containers[cn]; ok {
				return &ValidationError{
					Server: s.Name,
					Field:  "container.container_name",
					Reason: fmt.Sprintf("container %q already used by server %q", cn, owner),
				}
			}
			containers[cn] = s.Name
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if err := cfg.Manager.Retry.parseDurations("manager.retry"); err != nil {
		return err
	}
	for i := range cfg.Servers {
		if err := cfg.Servers[i].ParseDurations(); err != nil {
			return err
		}
	}
	return nil
}

func parseDuration(field, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", field, raw, err)
	}
	*dst = d
	return nil
}
