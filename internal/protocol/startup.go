package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepStatus is the outcome recorded for a workflow step.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepResult is the recorded outcome of one step.
type StepResult struct {
	Status      StepStatus      `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	CompletedAt time.Time       `json:"completedAt,omitzero"`
}

// Startup is the JSON blob an executor reads from stdin before doing anything else.
type Startup struct {
	InstanceID   string          `json:"instanceId"`
	WorkflowName string          `json:"workflowName"`
	Input        json.RawMessage `json:"input,omitempty"`
	SocketPath   string          `json:"socketPath,omitempty"`
	TCPPort      int             `json:"tcpPort,omitempty"`

	// ModulePath and DBPath are accepted but unused: workflows are compiled
	// into the binary and all state goes through proxy calls to the daemon.
	ModulePath string `json:"modulePath,omitempty"`
	DBPath     string `json:"dbPath,omitempty"`

	StepResults map[string]StepResult `json:"stepResults,omitempty"`
	CurrentStep string                `json:"currentStep,omitempty"`
	PrevOutput  json.RawMessage       `json:"prevOutput,omitempty"` // output of the last completed step, on resume
	Metadata    map[string]any        `json:"metadata,omitempty"`

	// Tuning passed down from the daemon configuration
	HeartbeatInterval time.Duration `json:"heartbeatInterval,omitempty"`
	ProxyTimeout      time.Duration `json:"proxyTimeout,omitempty"`
	LogLevel          string        `json:"logLevel,omitempty"`
}

// Validate checks the fields the executor cannot run without.
func (s *Startup) Validate() error {
	if s.InstanceID == "" {
		return fmt.Errorf("startup: instanceId is required")
	}
	if s.WorkflowName == "" {
		return fmt.Errorf("startup: workflowName is required")
	}
	if s.SocketPath == "" && s.TCPPort == 0 {
		return fmt.Errorf("startup: socketPath or tcpPort is required")
	}
	return nil
}
