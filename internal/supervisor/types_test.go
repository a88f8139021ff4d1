package supervisor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/state"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.failures), "failures=%d", tt.failures)
	}
}

func TestBackoff_DelayDefaults(t *testing.T) {
	var b Backoff
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(3))

	flat := Backoff{InitialDelay: 100 * time.Millisecond, Multiplier: 1}
	assert.Equal(t, 100*time.Millisecond, flat.Delay(7))
}

func TestConfig_Merge(t *testing.T) {
	base := Config{
		Command:     "worker",
		Args:        []string{"-v"},
		Env:         map[string]string{"A": "1", "B": "2"},
		AutoRestart: false,
		MaxRestarts: 3,
	}

	dir := "/srv"
	restart := true
	limit := Limits{MaxRuntime: time.Minute}
	got := base.merge(&ConfigOverrides{
		Env:         map[string]string{"B": "override", "C": "3"},
		Dir:         &dir,
		AutoRestart: &restart,
		Limits:      &limit,
		Stdin:       []byte(`{"x":1}`),
	})

	assert.Equal(t, "worker", got.Command)
	assert.Equal(t, []string{"-v"}, got.Args)
	assert.Equal(t, map[string]string{"A": "1", "B": "override", "C": "3"}, got.Env)
	assert.Equal(t, "/srv", got.Dir)
	assert.True(t, got.AutoRestart)
	assert.Equal(t, 3, got.MaxRestarts)
	assert.Equal(t, time.Minute, got.Limits.MaxRuntime)
	assert.Equal(t, `{"x":1}`, string(got.Stdin))

	// The definition itself is untouched.
	assert.Equal(t, "2", base.Env["B"])
	assert.False(t, base.AutoRestart)
}

func TestConfig_MergeNil(t *testing.T) {
	base := Config{Command: "worker", Env: map[string]string{"A": "1"}}
	got := base.merge(nil)
	got.Env["A"] = "changed"
	assert.Equal(t, "1", base.Env["A"])
}

func TestDecodeConfig(t *testing.T) {
	cfg := Config{Command: "worker", AutoRestart: true, MaxRestarts: 2, Backoff: Backoff{InitialDelay: time.Second}}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	got, err := DecodeConfig(&state.ProcessRecord{ID: "proc_1", Config: raw})
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	_, err = DecodeConfig(&state.ProcessRecord{ID: "proc_2"})
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to state.ProcessStatus }{
		{state.StatusSpawning, state.StatusRunning},
		{state.StatusSpawning, state.StatusCrashed},
		{state.StatusRunning, state.StatusStopped},
		{state.StatusRunning, state.StatusCrashed},
		{state.StatusRunning, state.StatusOrphaned},
		{state.StatusOrphaned, state.StatusStopped},
		{state.StatusOrphaned, state.StatusCrashed},
		{state.StatusCrashed, state.StatusDead},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	denied := []struct{ from, to state.ProcessStatus }{
		{state.StatusStopped, state.StatusRunning},
		{state.StatusDead, state.StatusRunning},
		{state.StatusCrashed, state.StatusRunning},
		{state.StatusRunning, state.StatusSpawning},
		{state.StatusRunning, state.StatusDead},
		{state.StatusStopped, state.StatusCrashed},
		{state.StatusSpawning, state.StatusStopped},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}

func TestTransition_Error(t *testing.T) {
	rec := &state.ProcessRecord{ID: "proc_1", Status: state.StatusStopped}
	err := transition(rec, state.StatusRunning)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, state.StatusStopped, rec.Status)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, -1, exitCode(assert.AnError))
}
