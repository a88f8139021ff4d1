package supervisor

import (
	"fmt"

	"grimm.is/warden/internal/state"
)

// transitions lists the statuses each status may move to.
// spawning -> crashed covers a command that fails to start.
var transitions = map[state.ProcessStatus][]state.ProcessStatus{
	state.StatusSpawning: {state.StatusRunning, state.StatusCrashed},
	state.StatusRunning:  {state.StatusStopped, state.StatusCrashed, state.StatusOrphaned},
	state.StatusOrphaned: {state.StatusStopped, state.StatusCrashed},
	state.StatusCrashed:  {state.StatusDead},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to state.ProcessStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(rec *state.ProcessRecord, to state.ProcessStatus) error {
	if !CanTransition(rec.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, rec.ID, rec.Status, to)
	}
	rec.Status = to
	return nil
}
