// Package events provides a typed pub/sub event bus for warden.
// Process lifecycle and workflow progress both flow through this hub.
package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the category of event.
type EventType string

const (
	// Process lifecycle events
	EventProcessSpawned   EventType = "process.spawned"
	EventProcessStopped   EventType = "process.stopped"
	EventProcessCrashed   EventType = "process.crashed"
	EventProcessRestarted EventType = "process.restarted"
	EventProcessDead      EventType = "process.dead"
	EventProcessOrphaned  EventType = "process.orphaned"
	EventProcessStats     EventType = "process.stats"

	// Workflow events
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowStep      EventType = "workflow.step"
	EventWorkflowProgress  EventType = "workflow.progress"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowCancelled EventType = "workflow.cancelled"
	EventWorkflowCustom    EventType = "workflow.event" // emitted by workflow code through the events service
)

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "supervisor", "orchestrator", ...
	Data      any       `json:"data"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Type-Specific Payloads
// ──────────────────────────────────────────────────────────────────────────────

// ProcessData is the payload for spawned/stopped/orphaned/dead events.
type ProcessData struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	PID      int            `json:"pid,omitempty"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// ProcessCrashedData is the payload for EventProcessCrashed.
type ProcessCrashedData struct {
	ProcessData
	ExitCode            int `json:"exit_code"`
	ConsecutiveFailures int `json:"consecutive_failures"`
}

// ProcessRestartedData is the payload for EventProcessRestarted.
type ProcessRestartedData struct {
	Name    string `json:"name"`
	OldID   string `json:"old_id"`
	NewID   string `json:"new_id"`
	Attempt int    `json:"attempt"`
}

// ProcessStatsData is the payload for EventProcessStats.
type ProcessStatsData struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	PID        int     `json:"pid"`
	CPUSeconds float64 `json:"cpu_seconds"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Threads    int     `json:"threads"`
}

// WorkflowData is the payload for workflow lifecycle events.
type WorkflowData struct {
	InstanceID   string          `json:"instance_id"`
	WorkflowName string          `json:"workflow_name"`
	Status       string          `json:"status"`
	Step         string          `json:"step,omitempty"`
	Progress     float64         `json:"progress,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// CustomData is the payload for EventWorkflowCustom.
type CustomData struct {
	InstanceID string          `json:"instance_id,omitempty"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data,omitempty"`
}
