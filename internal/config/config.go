package config

import (
	"path/filepath"
	"time"

	"grimm.is/warden/internal/brand"
)

// Config is the top-level structure for the warden configuration.
type Config struct {
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`
	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"`
	LogJSON  bool   `hcl:"log_json,optional" json:"log_json"`

	Supervisor *SupervisorConfig `hcl:"supervisor,block" json:"supervisor,omitempty"`
	IPC        *IPCConfig        `hcl:"ipc,block" json:"ipc,omitempty"`
	Workflow   *WorkflowConfig   `hcl:"workflow,block" json:"workflow,omitempty"`
	API        *APIConfig        `hcl:"api,block" json:"api,omitempty"`
	Notify     *NotifyConfig     `hcl:"notify,block" json:"notify,omitempty"`

	Processes []ProcessConfig `hcl:"process,block" json:"processes,omitempty"`
}

// SupervisorConfig tunes the process supervisor.
type SupervisorConfig struct {
	CheckInterval      string `hcl:"check_interval,optional" json:"check_interval,omitempty"`
	HeartbeatTimeout   string `hcl:"heartbeat_timeout,optional" json:"heartbeat_timeout,omitempty"`
	StopGracePeriod    string `hcl:"stop_grace_period,optional" json:"stop_grace_period,omitempty"`
	StatsInterval      string `hcl:"stats_interval,optional" json:"stats_interval,omitempty"`
	DefaultMaxRestarts int    `hcl:"default_max_restarts,optional" json:"default_max_restarts,omitempty"`
}

// IPCConfig selects how workflow channels are exposed.
type IPCConfig struct {
	// Transport is "auto" (unix where available), "unix" or "tcp".
	Transport string `hcl:"transport,optional" json:"transport,omitempty"`
	SocketDir string `hcl:"socket_dir,optional" json:"socket_dir,omitempty"`
	PortMin   int    `hcl:"port_min,optional" json:"port_min,omitempty"`
	PortMax   int    `hcl:"port_max,optional" json:"port_max,omitempty"`
}

// WorkflowConfig tunes workflow execution.
type WorkflowConfig struct {
	ProxyTimeout      string `hcl:"proxy_timeout,optional" json:"proxy_timeout,omitempty"`
	HeartbeatInterval string `hcl:"heartbeat_interval,optional" json:"heartbeat_interval,omitempty"`
	LogBufferSize     int    `hcl:"log_buffer_size,optional" json:"log_buffer_size,omitempty"`
}

// APIConfig configures the HTTP status API.
type APIConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled"`
	Listen  string `hcl:"listen,optional" json:"listen,omitempty"`
	// TokenHash is a bcrypt hash of the bearer token clients must present.
	// Empty leaves the API open.
	TokenHash string `hcl:"token_hash,optional" json:"-"`
	// RateLimit is the number of control requests one client may make per
	// minute; negative disables limiting.
	RateLimit int `hcl:"rate_limit,optional" json:"rate_limit,omitempty"`
	// MaxConnections caps concurrently open API connections, websockets
	// included.
	MaxConnections int `hcl:"max_connections,optional" json:"max_connections,omitempty"`

	TLS *APITLSConfig `hcl:"tls,block" json:"tls,omitempty"`
}

// APITLSConfig serves the API over HTTPS.
type APITLSConfig struct {
	// SelfSigned generates and renews a pair in the state directory unless
	// cert_file and key_file name one.
	SelfSigned bool     `hcl:"self_signed,optional" json:"self_signed"`
	CertFile   string   `hcl:"cert_file,optional" json:"cert_file,omitempty"`
	KeyFile    string   `hcl:"key_file,optional" json:"key_file,omitempty"`
	ValidDays  int      `hcl:"valid_days,optional" json:"valid_days,omitempty"`
	Hosts      []string `hcl:"hosts,optional" json:"hosts,omitempty"`
}

// NotifyConfig routes process and workflow alerts to external channels.
type NotifyConfig struct {
	Channels []NotifyChannel `hcl:"channel,block" json:"channels,omitempty"`
}

// NotifyChannel is one alert destination.
type NotifyChannel struct {
	Name string `hcl:"name,label" json:"name"`
	// Type is "webhook", "slack", "discord" or "ntfy".
	Type  string `hcl:"type" json:"type"`
	URL   string `hcl:"url,optional" json:"url,omitempty"`
	Topic string `hcl:"topic,optional" json:"topic,omitempty"`
	// Level is the minimum severity sent: "info", "warning" or "critical".
	Level    string            `hcl:"level,optional" json:"level,omitempty"`
	Events   []string          `hcl:"events,optional" json:"events,omitempty"`
	Headers  map[string]string `hcl:"headers,optional" json:"-"`
	Disabled bool              `hcl:"disabled,optional" json:"disabled,omitempty"`
}

// ProcessConfig is a supervised process definition.
type ProcessConfig struct {
	Name        string            `hcl:"name,label" json:"name"`
	Command     string            `hcl:"command" json:"command"`
	Args        []string          `hcl:"args,optional" json:"args,omitempty"`
	Env         map[string]string `hcl:"env,optional" json:"env,omitempty"`
	Dir         string            `hcl:"dir,optional" json:"dir,omitempty"`
	AutoRestart bool              `hcl:"auto_restart,optional" json:"auto_restart"`
	MaxRestarts int               `hcl:"max_restarts,optional" json:"max_restarts,omitempty"`
	Autostart   bool              `hcl:"autostart,optional" json:"autostart"`

	Backoff *BackoffConfig `hcl:"backoff,block" json:"backoff,omitempty"`
	Limits  *LimitsConfig  `hcl:"limits,block" json:"limits,omitempty"`
}

// BackoffConfig controls auto-restart delays.
type BackoffConfig struct {
	InitialDelay string  `hcl:"initial_delay,optional" json:"initial_delay,omitempty"`
	MaxDelay     string  `hcl:"max_delay,optional" json:"max_delay,omitempty"`
	Multiplier   float64 `hcl:"multiplier,optional" json:"multiplier,omitempty"`
}

// LimitsConfig bounds a process instance.
type LimitsConfig struct {
	MaxRuntime string `hcl:"max_runtime,optional" json:"max_runtime,omitempty"`
}

// Defaults used when a field is left empty.
const (
	DefaultCheckInterval     = 5 * time.Second
	DefaultStopGracePeriod   = 5 * time.Second
	DefaultStatsInterval     = 30 * time.Second
	DefaultMaxRestarts       = 3
	DefaultProxyTimeout      = 30 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultLogBufferSize     = 500
	DefaultPortMin           = 49152
	DefaultPortMax           = 65535
	DefaultAPIListen         = "127.0.0.1:7420"
	DefaultAPIRateLimit      = 60
	DefaultAPIMaxConnections = 128
	DefaultNtfyServer        = "https://ntfy.sh"
	DefaultBackoffInitial    = time.Second
	DefaultBackoffMax        = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// DefaultConfig returns a configuration with every block populated.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = brand.GetStateDir()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Supervisor == nil {
		c.Supervisor = &SupervisorConfig{}
	}
	if c.Supervisor.DefaultMaxRestarts == 0 {
		c.Supervisor.DefaultMaxRestarts = DefaultMaxRestarts
	}
	if c.IPC == nil {
		c.IPC = &IPCConfig{}
	}
	if c.IPC.Transport == "" {
		c.IPC.Transport = "auto"
	}
	if c.IPC.SocketDir == "" {
		c.IPC.SocketDir = brand.GetSocketDir()
	}
	if c.IPC.PortMin == 0 {
		c.IPC.PortMin = DefaultPortMin
	}
	if c.IPC.PortMax == 0 {
		c.IPC.PortMax = DefaultPortMax
	}
	if c.Workflow == nil {
		c.Workflow = &WorkflowConfig{}
	}
	if c.Workflow.LogBufferSize == 0 {
		c.Workflow.LogBufferSize = DefaultLogBufferSize
	}
	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}
	if t := c.API.TLS; t != nil && t.SelfSigned {
		if t.CertFile == "" {
			t.CertFile = filepath.Join(c.StateDir, "tls", "api-cert.pem")
		}
		if t.KeyFile == "" {
			t.KeyFile = filepath.Join(c.StateDir, "tls", "api-key.pem")
		}
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = DefaultAPIRateLimit
	}
	if c.API.MaxConnections == 0 {
		c.API.MaxConnections = DefaultAPIMaxConnections
	}
	if c.Notify == nil {
		c.Notify = &NotifyConfig{}
	}
	for i := range c.Notify.Channels {
		ch := &c.Notify.Channels[i]
		if ch.Level == "" {
			ch.Level = "warning"
		}
		if ch.Type == "ntfy" && ch.URL == "" {
			ch.URL = DefaultNtfyServer
		}
	}
}

// Process returns the named process definition, or nil.
func (c *Config) Process(name string) *ProcessConfig {
	for i := range c.Processes {
		if c.Processes[i].Name == name {
			return &c.Processes[i]
		}
	}
	return nil
}

// CheckIntervalDuration returns the liveness check interval.
func (s *SupervisorConfig) CheckIntervalDuration() time.Duration {
	return durationOr(s.CheckInterval, DefaultCheckInterval)
}

// HeartbeatTimeoutDuration returns the heartbeat timeout; zero disables the check.
func (s *SupervisorConfig) HeartbeatTimeoutDuration() time.Duration {
	return durationOr(s.HeartbeatTimeout, 0)
}

// StopGracePeriodDuration returns how long Stop waits before SIGKILL.
func (s *SupervisorConfig) StopGracePeriodDuration() time.Duration {
	return durationOr(s.StopGracePeriod, DefaultStopGracePeriod)
}

// StatsIntervalDuration returns the process.stats cadence.
func (s *SupervisorConfig) StatsIntervalDuration() time.Duration {
	return durationOr(s.StatsInterval, DefaultStatsInterval)
}

// ProxyTimeoutDuration returns the per-call proxy timeout.
func (w *WorkflowConfig) ProxyTimeoutDuration() time.Duration {
	return durationOr(w.ProxyTimeout, DefaultProxyTimeout)
}

// HeartbeatIntervalDuration returns the executor heartbeat cadence.
func (w *WorkflowConfig) HeartbeatIntervalDuration() time.Duration {
	return durationOr(w.HeartbeatInterval, DefaultHeartbeatInterval)
}

// InitialDelayDuration returns the first restart delay.
func (b *BackoffConfig) InitialDelayDuration() time.Duration {
	if b == nil {
		return DefaultBackoffInitial
	}
	return durationOr(b.InitialDelay, DefaultBackoffInitial)
}

// MaxDelayDuration returns the restart delay ceiling.
func (b *BackoffConfig) MaxDelayDuration() time.Duration {
	if b == nil {
		return DefaultBackoffMax
	}
	return durationOr(b.MaxDelay, DefaultBackoffMax)
}

// MultiplierValue returns the backoff multiplier.
func (b *BackoffConfig) MultiplierValue() float64 {
	if b == nil || b.Multiplier == 0 {
		return DefaultBackoffMultiplier
	}
	return b.Multiplier
}

// MaxRuntimeDuration returns the runtime limit; zero means unlimited.
func (l *LimitsConfig) MaxRuntimeDuration() time.Duration {
	if l == nil {
		return 0
	}
	return durationOr(l.MaxRuntime, 0)
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
