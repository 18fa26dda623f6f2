// ABOUTME: Per-remote-server configuration: transport kind, launch, container and HTTP parameters.
// ABOUTME: Includes retry policy defaults and the validation rules applied before a connector is built.

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TransportKind selects how a remote server is reached.
type TransportKind string

const (
	TransportPython        TransportKind = "process-python"
	TransportNode          TransportKind = "process-node"
	TransportContainer     TransportKind = "container"
	TransportHTTP          TransportKind = "http"
	TransportStreamingHTTP TransportKind = "streaming-http"
)

// IsHTTP reports whether the kind is one of the HTTP family.
func (k TransportKind) IsHTTP() bool {
	return k == TransportHTTP || k == TransportStreamingHTTP
}

// IsProcess reports whether the kind launches a child process.
func (k TransportKind) IsProcess() bool {
	return k == TransportPython || k == TransportNode
}

// ToolSeparator joins a server name and a tool name in prefixed catalogues.
const ToolSeparator = "__"

// DefaultRequestTimeout applies when a server does not configure one.
const DefaultRequestTimeout = 30 * time.Second

// ValidationError is a configuration error. It is fatal when a server is
// added and is never retried.
type ValidationError struct {
	Server string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Server == "" {
		return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid config for server %q: %s: %s", e.Server, e.Field, e.Reason)
}

// RemoteServerConfig describes one remote tool server. A connector treats it as
// immutable once built from it.
type RemoteServerConfig struct {
	Name      string        `yaml:"name" toml:"name"`
	Transport TransportKind `yaml:"transport" toml:"transport"`

	// process-python / process-node
	Command string            `yaml:"command" toml:"command"`
	Args    []string          `yaml:"args" toml:"args"`
	Env     map[string]string `yaml:"env" toml:"env"`
	WorkDir string            `yaml:"work_dir" toml:"work_dir"`

	// container
	Container *ContainerConfig `yaml:"container" toml:"container"`

	// http / streaming-http
	URL     string            `yaml:"url" toml:"url"`
	Headers map[string]string `yaml:"headers" toml:"headers"`
	Auth    *RemoteAuthConfig `yaml:"auth" toml:"auth"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`

	AutoStart       *bool       `yaml:"auto_start" toml:"auto_start"`
	Enabled         *bool       `yaml:"enabled" toml:"enabled"`
	PrefixToolNames *bool       `yaml:"prefix_tool_names" toml:"prefix_tool_names"`
	IncludeTools    []string    `yaml:"include_tools" toml:"include_tools"`
	ExcludeTools    []string    `yaml:"exclude_tools" toml:"exclude_tools"`
	Retry           RetryConfig `yaml:"retry" toml:"retry"`
}

// ContainerConfig holds the container transport parameters. Args is the
// docker-run style flag list; Command overrides the image command.
type ContainerConfig struct {
	Image          string   `yaml:"image" toml:"image"`
	Args           []string `yaml:"args" toml:"args"`
	Command        []string `yaml:"command" toml:"command"`
	ContainerName  string   `yaml:"container_name" toml:"container_name"`
	ReuseContainer *bool    `yaml:"reuse_container" toml:"reuse_container"`
	RemoveOnExit   *bool    `yaml:"remove_on_exit" toml:"remove_on_exit"`
}

// RemoteAuthConfig describes the credentials sent to an HTTP remote.
// Type is one of bearer, header or basic.
type RemoteAuthConfig struct {
	Type     string `yaml:"type" toml:"type"`
	Token    string `yaml:"token" toml:"token"`
	Header   string `yaml:"header" toml:"header"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

// RetryConfig is the reconnect policy for unexpected disconnects.
type RetryConfig struct {
	Enabled     *bool   `yaml:"enabled" toml:"enabled"`
	MaxAttempts int     `yaml:"max_attempts" toml:"max_attempts"`
	Multiplier  float64 `yaml:"multiplier" toml:"multiplier"`

	InitialDelay time.Duration `yaml:"-" toml:"-"`
	MaxDelay     time.Duration `yaml:"-" toml:"-"`
	ResetAfter   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	InitialDelayRaw string `yaml:"initial_delay" toml:"initial_delay"`
	MaxDelayRaw     string `yaml:"max_delay" toml:"max_delay"`
	ResetAfterRaw   string `yaml:"reset_after" toml:"reset_after"`
}

// Retry defaults
const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMultiplier   = 2.0
	DefaultResetAfter   = 60 * time.Second
)

// IsEnabled reports whether retry is on (true when unset).
func (r RetryConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// WithDefaults fills zero fields with the package defaults.
func (r RetryConfig) WithDefaults() RetryConfig {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = DefaultInitialDelay
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = DefaultMaxDelay
	}
	if r.Multiplier == 0 {
		r.Multiplier = DefaultMultiplier
	}
	if r.ResetAfter == 0 {
		r.ResetAfter = DefaultResetAfter
	}
	return r
}

// Merge overlays the fields set in r onto base.
func (r RetryConfig) Merge(base RetryConfig) RetryConfig {
	out := base
	if r.Enabled != nil {
		out.Enabled = r.Enabled
	}
	if r.MaxAttempts != 0 {
		out.MaxAttempts = r.MaxAttempts
	}
	if r.Multiplier != 0 {
		out.Multiplier = r.Multiplier
	}
	if r.InitialDelay != 0 {
		out.InitialDelay = r.InitialDelay
	}
	if r.MaxDelay != 0 {
		out.MaxDelay = r.MaxDelay
	}
	if r.ResetAfter != 0 {
		out.ResetAfter = r.ResetAfter
	}
	return out
}

func (r *RetryConfig) parseDurations(prefix string) error {
	if err := parseDuration(prefix+".initial_delay", r.InitialDelayRaw, &r.InitialDelay); err != nil {
		return err
	}
	if err := parseDuration(prefix+".max_delay", r.MaxDelayRaw, &r.MaxDelay); err != nil {
		return err
	}
	return parseDuration(prefix+".reset_after", r.ResetAfterRaw, &r.ResetAfter)
}

// ParseDurations converts the raw duration strings of the server entry.
func (s *RemoteServerConfig) ParseDurations() error {
	if err := parseDuration("servers."+s.Name+".timeout", s.TimeoutRaw, &s.Timeout); err != nil {
		return err
	}
	return s.Retry.parseDurations("servers." + s.Name + ".retry")
}

// IsEnabled reports whether the server was not explicitly disabled.
func (s *RemoteServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// AutoStartEnabled reports whether auto-start was not explicitly turned off.
func (s *RemoteServerConfig) AutoStartEnabled() bool {
	return s.AutoStart == nil || *s.AutoStart
}

// ShouldAutoConnect applies the startup rule: HTTP-family servers connect
// unless disabled, process and container servers also need auto_start.
func (s *RemoteServerConfig) ShouldAutoConnect() bool {
	if !s.IsEnabled() {
		return false
	}
	if s.Transport.IsHTTP() {
		return true
	}
	return s.AutoStartEnabled()
}

// ShouldPrefix resolves prefix_tool_names against the manager default.
func (s *RemoteServerConfig) ShouldPrefix(managerDefault bool) bool {
	if s.PrefixToolNames == nil {
		return managerDefault
	}
	return *s.PrefixToolNames
}

// RequestTimeout returns the configured timeout or the default.
func (s *RemoteServerConfig) RequestTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultRequestTimeout
}

// ContainerName returns the configured container name or mcp-relay-<server>.
func (s *RemoteServerConfig) ContainerName() string {
	if s.Container != nil && s.Container.ContainerName != "" {
		return s.Container.ContainerName
	}
	return "mcp-relay-" + s.Name
}

// ReuseEnabled reports whether a matching container may be reused (true when unset).
func (c *ContainerConfig) ReuseEnabled() bool {
	return c == nil || c.ReuseContainer == nil || *c.ReuseContainer
}

// RemoveOnExitEnabled reports whether the container is removed on teardown (true when unset).
func (c *ContainerConfig) RemoveOnExitEnabled() bool {
	return c == nil || c.RemoveOnExit == nil || *c.RemoveOnExit
}

// Validate checks the single-entry rules.
func (s *RemoteServerConfig) Validate() error {
	if s.Name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if strings.Contains(s.Name, ToolSeparator) {
		return &ValidationError{Server: s.Name, Field: "name", Reason: fmt.Sprintf("must not contain %q", ToolSeparator)}
	}
	if strings.ContainsAny(s.Name, " \t\r\n/") {
		return &ValidationError{Server: s.Name, Field: "name", Reason: "must not contain whitespace or slashes"}
	}

	switch s.Transport {
	case TransportPython, TransportNode:
		if s.Command == "" && len(s.Args) == 0 {
			return &ValidationError{Server: s.Name, Field: "command", Reason: "command or args is required for process transports"}
		}
	case TransportContainer:
		if s.Container == nil {
			return &ValidationError{Server: s.Name, Field: "container", Reason: "is required for the container transport"}
		}
		if s.Container.Image == "" && len(s.Container.Args) == 0 {
			return &ValidationError{Server: s.Name, Field: "container.image", Reason: "image or args is required"}
		}
	case TransportHTTP, TransportStreamingHTTP:
		if s.URL == "" {
			return &ValidationError{Server: s.Name, Field: "url", Reason: "is required for HTTP transports"}
		}
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Server: s.Name, Field: "url", Reason: "must be an absolute http(s) URL"}
		}
	case "":
		return &ValidationError{Server: s.Name, Field: "transport", Reason: "is required"}
	default:
		return &ValidationError{Server: s.Name, Field: "transport", Reason: fmt.Sprintf("unknown kind %q", s.Transport)}
	}

	if s.Auth != nil {
		switch s.Auth.Type {
		case "bearer":
			if s.Auth.Token == "" {
				return &ValidationError{Server: s.Name, Field: "auth.token", Reason: "is required for bearer auth"}
			}
		case "header":
			if s.Auth.Header == "" || s.Auth.Token == "" {
				return &ValidationError{Server: s.Name, Field: "auth.header", Reason: "header and token are required for header auth"}
			}
		case "basic":
			if s.Auth.Username == "" {
				return &ValidationError{Server: s.Name, Field: "auth.username", Reason: "is required for basic auth"}
			}
		default:
			return &ValidationError{Server: s.Name, Field: "auth.type", Reason: fmt.Sprintf("unknown auth type %q", s.Auth.Type)}
		}
	}

	if s.Timeout < 0 {
		return &ValidationError{Server: s.Name, Field: "timeout", Reason: "must not be negative"}
	}
	if s.Retry.MaxAttempts < 0 {
		return &ValidationError{Server: s.Name, Field: "retry.max_attempts", Reason: "must not be negative"}
	}
	if s.Retry.Multiplier != 0 && s.Retry.Multiplier < 1 {
		return &ValidationError{Server: s.Name, Field: "retry.multiplier", Reason: "must be at least 1"}
	}

	return nil
}
