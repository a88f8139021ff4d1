package supervisor

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"time"

	"grimm.is/warden/internal/state"
)

// Backoff controls the delay before an automatic restart.
type Backoff struct {
	InitialDelay time.Duration `json:"initialDelay"`
	MaxDelay     time.Duration `json:"maxDelay"`
	Multiplier   float64       `json:"multiplier"`
}

// Delay returns the wait before the restart that follows the given number of
// consecutive failures: min(initial * multiplier^(failures-1), max).
func (b Backoff) Delay(failures int) time.Duration {
	initial := b.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	if failures < 1 {
		failures = 1
	}

	delay := float64(initial) * math.Pow(mult, float64(failures-1))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Limits bounds a process instance.
type Limits struct {
	MaxRuntime time.Duration `json:"maxRuntime,omitempty"`
}

// Config is the resolved launch configuration of a process.
type Config struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Dir         string            `json:"dir,omitempty"`
	AutoRestart bool              `json:"autoRestart"`
	MaxRestarts int               `json:"maxRestarts"`
	Backoff     Backoff           `json:"backoff"`
	Limits      Limits            `json:"limits"`

	// Stdin is written to the child's standard input, then closed.
	Stdin []byte `json:"stdin,omitempty"`
}

// Definition is a named, reusable process template.
type Definition struct {
	Name   string
	Config Config
}

// ConfigOverrides replaces parts of a definition's config for one spawn.
// Nil fields keep the definition's value; Env is merged key by key.
type ConfigOverrides struct {
	Args        []string
	Env         map[string]string
	Dir         *string
	AutoRestart *bool
	MaxRestarts *int
	Backoff     *Backoff
	Limits      *Limits
	Stdin       []byte
}

// SpawnOptions customizes a single spawn.
type SpawnOptions struct {
	Metadata  map[string]any
	Overrides *ConfigOverrides

	// Channel address recorded on the process record.
	SocketPath string
	TCPPort    int
}

// merge returns a copy of c with o applied.
func (c Config) merge(o *ConfigOverrides) Config {
	out := c
	out.Args = append([]string(nil), c.Args...)
	out.Env = maps.Clone(c.Env)
	if o == nil {
		return out
	}

	if o.Args != nil {
		out.Args = append([]string(nil), o.Args...)
	}
	if len(o.Env) > 0 {
		if out.Env == nil {
			out.Env = make(map[string]string, len(o.Env))
		}
		maps.Copy(out.Env, o.Env)
	}
	if o.Dir != nil {
		out.Dir = *o.Dir
	}
	if o.AutoRestart != nil {
		out.AutoRestart = *o.AutoRestart
	}
	if o.MaxRestarts != nil {
		out.MaxRestarts = *o.MaxRestarts
	}
	if o.Backoff != nil {
		out.Backoff = *o.Backoff
	}
	if o.Limits != nil {
		out.Limits = *o.Limits
	}
	if o.Stdin != nil {
		out.Stdin = o.Stdin
	}
	return out
}

// DecodeConfig returns the resolved config persisted on a record.
func DecodeConfig(rec *state.ProcessRecord) (Config, error) {
	var cfg Config
	if len(rec.Config) == 0 {
		return cfg, fmt.Errorf("process %s has no persisted config", rec.ID)
	}
	if err := json.Unmarshal(rec.Config, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config for %s: %w", rec.ID, err)
	}
	return cfg, nil
}

// Stats is a resource usage sample for one process.
type Stats struct {
	PID        int     `json:"pid"`
	CPUSeconds float64 `json:"cpuSeconds"`
	RSSBytes   uint64  `json:"rssBytes"`
	Threads    int     `json:"threads"`
}
