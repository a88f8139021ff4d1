package orchestrator

import (
	"encoding/json"
	"errors"
	"maps"
	"time"

	"grimm.is/warden/internal/protocol"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further events change an instance in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Instance is the persisted state of one workflow run.
type Instance struct {
	ID           string                         `json:"id"`
	WorkflowName string                         `json:"workflowName"`
	Status       Status                         `json:"status"`
	CurrentStep  string                         `json:"currentStep,omitempty"`
	Input        json.RawMessage                `json:"input,omitempty"`
	StepResults  map[string]protocol.StepResult `json:"stepResults,omitempty"`
	Output       json.RawMessage                `json:"output,omitempty"`
	Error        string                         `json:"error,omitempty"`
	Progress     float64                        `json:"progress"`
	Metadata     map[string]any                 `json:"metadata,omitempty"`
	ProcessID    string                         `json:"processId,omitempty"`
	ResumeCount  int                            `json:"resumeCount,omitempty"`

	// LastOutput is the output of the most recently completed step; a
	// resumed executor feeds it to the current step.
	LastOutput json.RawMessage `json:"lastOutput,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Clone returns a deep enough copy for callers to keep.
func (i *Instance) Clone() *Instance {
	c := *i
	c.StepResults = maps.Clone(i.StepResults)
	c.Metadata = maps.Clone(i.Metadata)
	return &c
}

// errNoChange tells UpdateJSON callers that the event left the instance as is.
var errNoChange = errors.New("no change")

// apply folds one executor event into the instance. It returns errNoChange
// for events that carry no state, and for any event after a terminal status.
func (i *Instance) apply(msg *protocol.Message, now time.Time) error {
	if i.Status.Terminal() {
		return errNoChange
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = now
	}

	switch msg.Type {
	case protocol.MsgStarted:
		i.Status = StatusRunning
		if msg.Step != "" {
			i.CurrentStep = msg.Step
		}
		if i.StartedAt.IsZero() {
			i.StartedAt = ts
		}

	case protocol.MsgStepStarted:
		i.CurrentStep = msg.Step
		i.result(msg.Step, protocol.StepResult{Status: protocol.StepRunning, Attempts: msg.Attempt})

	case protocol.MsgStepCompleted:
		i.result(msg.Step, protocol.StepResult{
			Status:      protocol.StepCompleted,
			Output:      msg.Output,
			Attempts:    msg.Attempts,
			CompletedAt: ts,
		})
		i.LastOutput = msg.Output
		i.CurrentStep = msg.NextStep

	case protocol.MsgStepFailed:
		i.result(msg.Step, protocol.StepResult{
			Status:   protocol.StepFailed,
			Error:    msg.Error,
			Attempts: msg.Attempts,
		})

	case protocol.MsgProgress:
		i.Progress = msg.Progress

	case protocol.MsgCompleted:
		i.Status = StatusCompleted
		i.Output = msg.Output
		i.Progress = 100
		i.CurrentStep = ""
		i.CompletedAt = ts

	case protocol.MsgFailed:
		i.Status = StatusFailed
		i.Error = msg.Error
		if msg.Step != "" {
			i.CurrentStep = msg.Step
		}
		i.CompletedAt = ts

	default:
		return errNoChange
	}

	i.UpdatedAt = now
	return nil
}

func (i *Instance) result(step string, r protocol.StepResult) {
	if i.StepResults == nil {
		i.StepResults = make(map[string]protocol.StepResult)
	}
	i.StepResults[step] = r
}

// finish moves a non-terminal instance to a terminal status.
func (i *Instance) finish(status Status, errText string, now time.Time) error {
	if i.Status.Terminal() {
		return errNoChange
	}
	i.Status = status
	i.Error = errText
	i.CompletedAt = now
	i.UpdatedAt = now
	return nil
}

// completedResults returns only the results of completed steps.
func (i *Instance) completedResults() map[string]protocol.StepResult {
	out := make(map[string]protocol.StepResult, len(i.StepResults))
	for name, r := range i.StepResults {
		if r.Status == protocol.StepCompleted {
			out[name] = r
		}
	}
	return out
}
