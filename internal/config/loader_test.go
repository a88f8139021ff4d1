package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadHCL_Full(t *testing.T) {
	hcl := `
log_level = "debug"
log_json  = true

supervisor {
  check_interval    = "2s"
  heartbeat_timeout = "20s"
}

ipc {
  transport = "tcp"
  port_min  = 50000
  port_max  = 50100
}

workflow {
  proxy_timeout = "10s"
}

api {
  enabled = true
  listen  = "127.0.0.1:9000"
}

process "worker" {
  command      = "/bin/sleep"
  args         = ["60"]
  env          = { MODE = "batch" }
  auto_restart = true
  max_restarts = 4

  backoff {
    initial_delay = "500ms"
    max_delay     = "10s"
    multiplier    = 3
  }

  limits {
    max_runtime = "1h"
  }
}
`
	cfg, err := LoadHCL([]byte(hcl), "test.hcl")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, 2*time.Second, cfg.Supervisor.CheckIntervalDuration())
	assert.Equal(t, 20*time.Second, cfg.Supervisor.HeartbeatTimeoutDuration())
	assert.Equal(t, DefaultStopGracePeriod, cfg.Supervisor.StopGracePeriodDuration())
	assert.Equal(t, "tcp", cfg.IPC.Transport)
	assert.Equal(t, 50000, cfg.IPC.PortMin)
	assert.Equal(t, 10*time.Second, cfg.Workflow.ProxyTimeoutDuration())
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Workflow.HeartbeatIntervalDuration())
	assert.True(t, cfg.API.Enabled)

	require.Len(t, cfg.Processes, 1)
	p := cfg.Process("worker")
	require.NotNil(t, p)
	assert.Equal(t, []string{"60"}, p.Args)
	assert.Equal(t, "batch", p.Env["MODE"])
	assert.Equal(t, 500*time.Millisecond, p.Backoff.InitialDelayDuration())
	assert.Equal(t, 10*time.Second, p.Backoff.MaxDelayDuration())
	assert.Equal(t, 3.0, p.Backoff.MultiplierValue())
	assert.Equal(t, time.Hour, p.Limits.MaxRuntimeDuration())
	assert.Nil(t, cfg.Process("missing"))
}

func TestLoadHCL_Defaults(t *testing.T) {
	cfg, err := LoadHCL([]byte(`process "p" { command = "true" }`), "test.hcl")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "auto", cfg.IPC.Transport)
	assert.Equal(t, DefaultPortMin, cfg.IPC.PortMin)
	assert.Equal(t, DefaultPortMax, cfg.IPC.PortMax)
	assert.Equal(t, DefaultCheckInterval, cfg.Supervisor.CheckIntervalDuration())
	assert.Equal(t, DefaultMaxRestarts, cfg.Supervisor.DefaultMaxRestarts)

	// nil nested blocks fall back to defaults
	p := cfg.Process("p")
	assert.Equal(t, DefaultBackoffInitial, p.Backoff.InitialDelayDuration())
	assert.Equal(t, DefaultBackoffMultiplier, p.Backoff.MultiplierValue())
	assert.Zero(t, p.Limits.MaxRuntimeDuration())
}

func TestLoadHCL_EnvVariables(t *testing.T) {
	t.Setenv("WARDEN_TEST_STATE", "/tmp/warden-state")

	cfg, err := LoadHCL([]byte(`state_dir = env.WARDEN_TEST_STATE`), "test.hcl")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/warden-state", cfg.StateDir)
}

func TestLoadHCL_Errors(t *testing.T) {
	tests := []struct {
		name string
		hcl  string
		want string
	}{
		{"syntax", `supervisor {`, "parse error"},
		{"unknown attribute", `bogus = 1`, "decode error"},
		{"bad duration", `supervisor { check_interval = "soon" }`, "supervisor.check_interval"},
		{"bad transport", `ipc { transport = "pigeon" }`, "ipc.transport"},
		{"relative socket dir", `ipc { socket_dir = "run/sockets" }`, "ipc.socket_dir"},
		{"bad port range", `ipc {
  port_min = 9000
  port_max = 8000
}`, "ipc.port_min"},
		{"bad process name", `process "web;rm" { command = "true" }`, "dangerous character"},
		{"missing command", `process "x" { command = "" }`, "process.x.command"},
		{"duplicate", "process \"x\" { command = \"a\" }\nprocess \"x\" { command = \"b\" }", "duplicate"},
		{"bad multiplier", `process "x" {
  command = "a"
  backoff { multiplier = 0.5 }
}`, "multiplier"},
		{"bad level", `log_level = "loud"`, "log_level"},
		{"tls without files", `api {
  tls {}
}`, "api.tls"},
		{"plain token", `api { token_hash = "hunter2" }`, "api.token_hash"},
		{"negative max connections", `api { max_connections = -1 }`, "api.max_connections"},
		{"bad channel type", `notify {
  channel "x" {
    type = "carrier-pigeon"
    url  = "https://example.com"
  }
}`, "unknown channel type"},
		{"ntfy without topic", `notify {
  channel "phone" { type = "ntfy" }
}`, "required for ntfy"},
		{"webhook without url", `notify {
  channel "hook" { type = "webhook" }
}`, "notify.channel[hook].url"},
		{"bad channel level", `notify {
  channel "hook" {
    type  = "webhook"
    url   = "https://example.com"
    level = "panic"
  }
}`, "unknown level"},
		{"bad channel event", `notify {
  channel "hook" {
    type   = "webhook"
    url    = "https://example.com"
    events = ["kernel.oops"]
  }
}`, "unknown event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadHCL([]byte(tt.hcl), "test.hcl")
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadHCL_Notify(t *testing.T) {
	cfg, err := LoadHCL([]byte(`
notify {
  channel "ops" {
    type   = "slack"
    url    = "https://hooks.slack.com/services/T000/B000/XXX"
    events = ["process.dead", "workflow.failed"]
  }
  channel "phone" {
    type  = "ntfy"
    topic = "warden-alerts"
    level = "critical"
  }
}
`), "test.hcl")
	require.NoError(t, err)

	require.Len(t, cfg.Notify.Channels, 2)
	ops := cfg.Notify.Channels[0]
	assert.Equal(t, "warning", ops.Level)
	assert.Equal(t, []string{"process.dead", "workflow.failed"}, ops.Events)

	phone := cfg.Notify.Channels[1]
	assert.Equal(t, DefaultNtfyServer, phone.URL)
	assert.Equal(t, "critical", phone.Level)
}

func TestLoadHCL_TokenHash(t *testing.T) {
	// any well-formed bcrypt hash
	const hash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
	cfg, err := LoadHCL([]byte(`api { token_hash = "`+hash+`" }`), "test.hcl")
	require.NoError(t, err)
	assert.Equal(t, hash, cfg.API.TokenHash)
	assert.Equal(t, DefaultAPIRateLimit, cfg.API.RateLimit)
	assert.Equal(t, DefaultAPIMaxConnections, cfg.API.MaxConnections)
}

func TestLoadHCL_SelfSignedTLS(t *testing.T) {
	cfg, err := LoadHCL([]byte(`
state_dir = "/srv/warden"
api {
  tls {
    self_signed = true
    hosts       = ["warden.lan"]
  }
}
`), "test.hcl")
	require.NoError(t, err)
	require.NotNil(t, cfg.API.TLS)
	assert.Equal(t, "/srv/warden/tls/api-cert.pem", cfg.API.TLS.CertFile)
	assert.Equal(t, "/srv/warden/tls/api-key.pem", cfg.API.TLS.KeyFile)
	assert.Equal(t, []string{"warden.lan"}, cfg.API.TLS.Hosts)
}

func TestLoadFileOrDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadFileOrDefault(filepath.Join(dir, "missing.hcl"))
	require.NoError(t, err)
	assert.NotNil(t, cfg.Supervisor)

	path := filepath.Join(dir, "warden.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`log_level = "warn"`), 0644))
	cfg, err = LoadFileOrDefault(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}
