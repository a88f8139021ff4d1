// Package health detects a daemon caught in a restart loop.
//
// Every daemon start is recorded in a small state file. A start that comes
// within CrashWindow of the previous one counts as a crash; after
// CrashThreshold consecutive crashes the daemon comes up in safe mode and
// leaves autostart processes alone. A clean shutdown, or staying up for
// StabilityDuration, clears the count.
package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"grimm.is/warden/internal/clock"
)

const (
	// CrashThreshold is the number of consecutive crashes before entering safe mode
	CrashThreshold = 3
	// CrashWindow is how soon after the previous start a new start counts as a crash
	CrashWindow = 5 * time.Minute
	// StabilityDuration is how long the daemon must stay up before the counter resets
	StabilityDuration = 5 * time.Minute
	// StateFileName is the name of the state file
	StateFileName = "crash.state"
)

// CrashState is persisted between daemon starts.
type CrashState struct {
	ConsecutiveCrashes int       `json:"consecutive_crashes"`
	LastStartTime      time.Time `json:"last_start_time"`
}

// CrashTracker manages boot loop detection
type CrashTracker struct {
	stateDir string
	clock    clock.Clock

	mu     sync.Mutex
	state  CrashState
	stable clock.Timer
}

// NewCrashTracker creates a tracker that keeps its state in stateDir. A nil
// clock means wall time.
func NewCrashTracker(stateDir string, clk clock.Clock) *CrashTracker {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &CrashTracker{
		stateDir: stateDir,
		clock:    clk,
	}
}

// CheckCrashLoop records this start and reports whether safe mode should be
// enabled.
func (ct *CrashTracker) CheckCrashLoop() (bool, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if err := os.MkdirAll(ct.stateDir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create state dir: %w", err)
	}

	data, err := os.ReadFile(ct.path())
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &ct.state); err != nil {
			ct.state = CrashState{}
		}
	case !errors.Is(err, os.ErrNotExist):
		return false, fmt.Errorf("failed to read state file: %w", err)
	}

	now := ct.clock.Now()
	if !ct.state.LastStartTime.IsZero() && now.Sub(ct.state.LastStartTime) < CrashWindow {
		ct.state.ConsecutiveCrashes++
	} else {
		ct.state.ConsecutiveCrashes = 1
	}
	ct.state.LastStartTime = now

	if err := ct.save(); err != nil {
		return false, err
	}
	return ct.state.ConsecutiveCrashes >= CrashThreshold, nil
}

// Crashes returns the current consecutive crash count.
func (ct *CrashTracker) Crashes() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.state.ConsecutiveCrashes
}

// StartStabilityTimer resets the count once the daemon has been up for
// StabilityDuration. onStable, if set, runs after the reset.
func (ct *CrashTracker) StartStabilityTimer(onStable func(error)) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.stable != nil {
		ct.stable.Stop()
	}
	ct.stable = ct.clock.AfterFunc(StabilityDuration, func() {
		err := ct.Reset()
		if onStable != nil {
			onStable(err)
		}
	})
}

// Stop cancels a pending stability timer.
func (ct *CrashTracker) Stop() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.stable != nil {
		ct.stable.Stop()
		ct.stable = nil
	}
}

// Reset clears the crash count
func (ct *CrashTracker) Reset() error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.state.ConsecutiveCrashes = 0
	return ct.save()
}

func (ct *CrashTracker) path() string {
	return filepath.Join(ct.stateDir, StateFileName)
}

func (ct *CrashTracker) save() error {
	data, err := json.Marshal(ct.state)
	if err != nil {
		return err
	}
	return os.WriteFile(ct.path(), data, 0o644)
}
