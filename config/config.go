// Package config defines the runtime configuration for inapi: the
// client's inventory of hosts and the agent daemon's settings, plus
// helpers for parsing host endpoints.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	inerrors "inapi/internal/errors"
	"inapi/internal/retry"
	"inapi/internal/transport"
)

// Config holds the client-side settings of one inapi invocation.
type Config struct {
	// Defaults apply to every host that leaves a field unset.
	Defaults HostConfig `mapstructure:"defaults" yaml:"defaults"`
	// Hosts are named inventory entries.
	Hosts map[string]HostConfig `mapstructure:"hosts" yaml:"hosts"`
	// Groups name sets of hosts.
	Groups map[string][]string `mapstructure:"groups" yaml:"groups"`

	// ── Execution ────────────────────────────────────────────────────
	Parallel  int           `mapstructure:"parallel" yaml:"parallel"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"` // per operation and host
	ChunkSize int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	Compress  bool          `mapstructure:"compress" yaml:"compress"`

	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`

	// ── Output ───────────────────────────────────────────────────────
	Verbose int  `mapstructure:"verbose" yaml:"verbose"`
	JSON    bool `mapstructure:"json" yaml:"json"`
}

// HostConfig describes how to reach one agent.
type HostConfig struct {
	Name string `mapstructure:"-" yaml:"-"`

	// Address is host, host:port or user@host:port.
	Address        string        `mapstructure:"address" yaml:"address"`
	User           string        `mapstructure:"user" yaml:"user"`
	Port           int           `mapstructure:"port" yaml:"port"`
	KeyPath        string        `mapstructure:"key" yaml:"key"`
	Password       string        `mapstructure:"password" yaml:"password"`
	PromptPassword bool          `mapstructure:"prompt_password" yaml:"prompt_password"`
	UseAgent       bool          `mapstructure:"ssh_agent" yaml:"ssh_agent"`
	StrictHostKey  bool          `mapstructure:"strict_host_key" yaml:"strict_host_key"`
	KnownHosts     string        `mapstructure:"known_hosts" yaml:"known_hosts"`
	Token          string        `mapstructure:"token" yaml:"token"`
	ConnTimeout    time.Duration `mapstructure:"conn_timeout" yaml:"conn_timeout"`
	KeepAlive      time.Duration `mapstructure:"keepalive" yaml:"keepalive"` // negative disables
}

// RetryConfig tunes connection retries.  Requests on an established
// session are never retried.
type RetryConfig struct {
	Attempts        int           `mapstructure:"attempts" yaml:"attempts"`
	InitialDelay    time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	BreakerFailures int           `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerReset    time.Duration `mapstructure:"breaker_reset" yaml:"breaker_reset"`
}

// AgentConfig holds the settings of the agent daemon.
type AgentConfig struct {
	Name           string `mapstructure:"name" yaml:"name"`
	Listen         string `mapstructure:"listen" yaml:"listen"`
	HostKey        string `mapstructure:"host_key" yaml:"host_key"`
	AuthorizedKeys string `mapstructure:"authorized_keys" yaml:"authorized_keys"`
	Password       string `mapstructure:"password" yaml:"password"`
	// TokenSecret enables Hello token verification.
	TokenSecret string `mapstructure:"token_secret" yaml:"token_secret"`
	StageDir    string `mapstructure:"stage_dir" yaml:"stage_dir"`
	// StatusAddr serves /healthz and /metrics when set.
	StatusAddr string `mapstructure:"status_addr" yaml:"status_addr"`
	Verbose    int    `mapstructure:"verbose" yaml:"verbose"`
	JSONLogs   bool   `mapstructure:"json_logs" yaml:"json_logs"`
}

// Default returns a Config populated with the package defaults.
func Default() *Config {
	return &Config{
		Defaults: HostConfig{
			Port:        DefaultAgentPort,
			ConnTimeout: DefaultConnTimeout,
			KeepAlive:   DefaultKeepAlive,
		},
		Parallel:  DefaultParallel,
		Timeout:   DefaultOpTimeout,
		ChunkSize: DefaultChunkSize,
		Retry: RetryConfig{
			Attempts:        DefaultRetryAttempts,
			InitialDelay:    DefaultRetryDelay,
			MaxDelay:        DefaultRetryMaxDelay,
			BreakerFailures: DefaultBreakerFailures,
			BreakerReset:    DefaultBreakerReset,
		},
	}
}

// DefaultAgent returns an AgentConfig populated with the defaults.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{Listen: DefaultAgentListen}
}

// ── Endpoint parser ──────────────────────────────────────────────────

// endpointRe matches [user@]host[:port] with an optional bracketed IPv6
// host.
var endpointRe = regexp.MustCompile(`^(?:([^@]+)@)?(\[[^\]]+\]|[^:\[\]@]+)(?::(\d+))?$`)

// ParseEndpoint extracts user, host, and port from a string such as
// "deploy@web1.example.com:7101".  Port is 0 when absent.
func ParseEndpoint(spec string) (user, host string, port int, err error) {
	m := endpointRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid endpoint %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = strings.TrimSuffix(strings.TrimPrefix(m[2], "["), "]")
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("host is required")
	}
	return user, host, port, nil
}

// ── Host resolution ──────────────────────────────────────────────────

// Merge fills every unset field of h from d.
func (h HostConfig) Merge(d HostConfig) HostConfig {
	if h.User == "" {
		h.User = d.User
	}
	if h.Port == 0 {
		h.Port = d.Port
	}
	if h.KeyPath == "" {
		h.KeyPath = d.KeyPath
	}
	if h.Password == "" {
		h.Password = d.Password
	}
	if h.KnownHosts == "" {
		h.KnownHosts = d.KnownHosts
	}
	if h.Token == "" {
		h.Token = d.Token
	}
	if h.ConnTimeout == 0 {
		h.ConnTimeout = d.ConnTimeout
	}
	if h.KeepAlive == 0 {
		h.KeepAlive = d.KeepAlive
	}
	h.PromptPassword = h.PromptPassword || d.PromptPassword
	h.UseAgent = h.UseAgent || d.UseAgent
	h.StrictHostKey = h.StrictHostKey || d.StrictHostKey
	return h
}

// Host returns the inventory entry name, or an entry parsed from name as
// an endpoint when the inventory has none.  Defaults are merged in.
func (c *Config) Host(name string) (HostConfig, error) {
	h, ok := c.Hosts[name]
	if !ok {
		h = HostConfig{Address: name}
	}
	h.Name = name
	if h.Address == "" {
		h.Address = name
	}

	user, host, port, err := ParseEndpoint(h.Address)
	if err != nil {
		return HostConfig{}, &inerrors.ConfigError{Field: "host", Value: name, Message: err.Error()}
	}
	h.Address = host
	if user != "" && h.User == "" {
		h.User = user
	}
	if port != 0 && h.Port == 0 {
		h.Port = port
	}
	h = h.Merge(c.Defaults)
	if h.User == "" {
		h.User = currentUser()
	}
	if h.Port == 0 {
		h.Port = DefaultAgentPort
	}
	return h, h.Validate()
}

// Resolve expands targets, which may be group names, inventory host
// names or endpoints, into distinct hosts in first-seen order.  The
// group "all" is every inventory host.
func (c *Config) Resolve(targets []string) ([]HostConfig, error) {
	if len(targets) == 0 {
		return nil, &inerrors.ConfigError{
			Field:   "hosts",
			Message: "no target hosts",
			Hint:    "pass --hosts, a group name, or set INAPI_HOSTS",
		}
	}
	var names []string
	seen := make(map[string]bool)
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, t := range targets {
		switch members, ok := c.Groups[t]; {
		case ok:
			for _, m := range members {
				add(m)
			}
		case t == "all" && len(c.Hosts) > 0:
			all := make([]string, 0, len(c.Hosts))
			for n := range c.Hosts {
				all = append(all, n)
			}
			sort.Strings(all)
			for _, n := range all {
				add(n)
			}
		default:
			add(t)
		}
	}

	out := make([]HostConfig, 0, len(names))
	for _, n := range names {
		h, err := c.Host(n)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func currentUser() string {
	for _, k := range []string{"USER", "LOGNAME"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return "root"
}

// ── Adapters ─────────────────────────────────────────────────────────

// SSH returns the transport settings for h.
func (h HostConfig) SSH() *transport.SSHConfig {
	return &transport.SSHConfig{
		User:          h.User,
		Host:          h.Address,
		Port:          h.Port,
		KeyPath:       h.KeyPath,
		Password:      h.Password,
		PromptPass:    h.PromptPassword,
		UseAgent:      h.UseAgent,
		StrictHostKey: h.StrictHostKey,
		KnownHosts:    h.KnownHosts,
		ConnTimeout:   h.ConnTimeout,
		KeepAlive:     h.KeepAlive,
	}
}

// Backoff returns the connect backoff, nil when retries are disabled.
func (r RetryConfig) Backoff() *retry.Backoff {
	if r.Attempts <= 1 {
		return nil
	}
	return &retry.Backoff{
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   2.0,
		MaxAttempts:  r.Attempts,
		Jitter:       true,
	}
}

// Breaker returns the circuit breaker settings, nil when disabled.
func (r RetryConfig) Breaker() *retry.CircuitBreakerConfig {
	if r.BreakerFailures <= 0 {
		return nil
	}
	cfg := retry.DefaultCircuitBreakerConfig()
	cfg.MaxFailures = r.BreakerFailures
	if r.BreakerReset > 0 {
		cfg.ResetTimeout = r.BreakerReset
	}
	return cfg
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Parallel < 1 {
		return &inerrors.ConfigError{Field: "parallel", Value: c.Parallel, Message: "must be at least 1"}
	}
	if c.Timeout < 0 {
		return &inerrors.ConfigError{Field: "timeout", Value: c.Timeout, Message: "must not be negative"}
	}
	if c.ChunkSize < 0 || c.ChunkSize > 4<<20 {
		return &inerrors.ConfigError{
			Field:   "chunk-size",
			Value:   c.ChunkSize,
			Message: "out of range",
			Hint:    "use a value between 4096 and 4194304",
		}
	}
	if c.Retry.Attempts < 0 {
		return &inerrors.ConfigError{Field: "retries", Value: c.Retry.Attempts, Message: "must not be negative"}
	}
	for group, members := range c.Groups {
		if _, clash := c.Hosts[group]; clash {
			return &inerrors.ConfigError{
				Field:   "groups",
				Value:   group,
				Message: "group has the same name as a host",
			}
		}
		if len(members) == 0 {
			return &inerrors.ConfigError{Field: "groups", Value: group, Message: "group is empty"}
		}
	}
	return nil
}

// Validate checks a resolved host.
func (h HostConfig) Validate() error {
	if h.Address == "" {
		return &inerrors.ConfigError{Field: "host", Message: "address is required"}
	}
	if h.Port < 1 || h.Port > 65535 {
		return &inerrors.ConfigError{Field: "port", Value: h.Port, Message: "out of range 1-65535"}
	}
	if h.Password != "" && h.PromptPassword {
		return &inerrors.ConfigError{
			Field:   "password",
			Message: "a password and --ask-password are mutually exclusive",
		}
	}
	return nil
}

// Validate checks the agent settings.
func (a *AgentConfig) Validate() error {
	if a.Listen == "" {
		return &inerrors.ConfigError{Field: "listen", Message: "a listen address is required"}
	}
	if a.AuthorizedKeys == "" && a.Password == "" {
		return &inerrors.ConfigError{
			Field:   "authorized-keys",
			Message: "no client authentication configured",
			Hint:    "pass --authorized-keys or set INAPI_AGENT_PASSWORD",
		}
	}
	if a.StatusAddr != "" && a.StatusAddr == a.Listen {
		return &inerrors.ConfigError{
			Field:   "status-addr",
			Value:   a.StatusAddr,
			Message: "must differ from the SSH listen address",
		}
	}
	return nil
}
