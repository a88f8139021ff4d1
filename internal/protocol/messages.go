// Package protocol defines the newline-delimited JSON messages exchanged
// between the orchestrator and isolated workflow executors.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType defines the kind of JSON message
type MessageType string

const (
	// Executor -> Orchestrator: workflow events
	MsgReady         MessageType = "ready"
	MsgStarted       MessageType = "started"
	MsgHeartbeat     MessageType = "heartbeat"
	MsgStepStarted   MessageType = "step.started"
	MsgStepCompleted MessageType = "step.completed"
	MsgStepFailed    MessageType = "step.failed"
	MsgStepPoll      MessageType = "step.poll"
	MsgStepLoop      MessageType = "step.loop"
	MsgProgress      MessageType = "progress"
	MsgCompleted     MessageType = "completed"
	MsgFailed        MessageType = "failed"
	MsgEvent         MessageType = "event" // custom event raised by workflow code
	MsgLog           MessageType = "log"

	// Executor -> Orchestrator: proxy request
	MsgProxyCall MessageType = "proxy.call"

	// Orchestrator -> Executor: proxy response
	MsgProxyResult MessageType = "proxy.result"
	MsgProxyError  MessageType = "proxy.error"
)

// Proxy call targets.
const (
	TargetCore   = "core"
	TargetPlugin = "plugin"
)

// Message is the generic container for all JSONL lines.
// It uses a discriminator field `Type` to determine which fields are set.
type Message struct {
	Type       MessageType `json:"type"`
	InstanceID string      `json:"instanceId,omitempty"`
	Timestamp  time.Time   `json:"timestamp,omitzero"`

	// Proxy fields
	RequestID uint64            `json:"requestId,omitempty"`
	Target    string            `json:"target,omitempty"` // "core" or "plugin"
	Service   string            `json:"service,omitempty"`
	Method    string            `json:"method,omitempty"`
	Args      []json.RawMessage `json:"args,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`

	// Step fields
	Step      string          `json:"step,omitempty"`
	StepType  string          `json:"stepType,omitempty"`
	NextStep  string          `json:"nextStep,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`  // attempt number of the run that produced this message
	Attempts  int             `json:"attempts,omitempty"` // total attempts made, on step.completed/step.failed
	Iteration int             `json:"iteration,omitempty"`
	Done      bool            `json:"done,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Progress  float64         `json:"progress,omitempty"`

	// Custom events and logs
	Name    string          `json:"name,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Level   string          `json:"level,omitempty"`
	Message string          `json:"message,omitempty"`
	Fields  map[string]any  `json:"fields,omitempty"`

	// Error text for proxy.error, step.failed and failed
	Error string `json:"error,omitempty"`
}

// IsProxyCall reports whether m is a proxy request.
func (m *Message) IsProxyCall() bool {
	return m.Type == MsgProxyCall
}

// IsProxyResponse reports whether m answers a proxy request.
func (m *Message) IsProxyResponse() bool {
	return m.Type == MsgProxyResult || m.Type == MsgProxyError
}

// NewProxyCall builds a proxy.call message. Args are JSON-encoded individually.
func NewProxyCall(requestID uint64, target, service, method string, args ...any) (*Message, error) {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		raw[i] = b
	}
	return &Message{
		Type:      MsgProxyCall,
		RequestID: requestID,
		Target:    target,
		Service:   service,
		Method:    method,
		Args:      raw,
	}, nil
}

// NewProxyResult builds the success response for a call.
func NewProxyResult(requestID uint64, result json.RawMessage) *Message {
	if result == nil {
		result = json.RawMessage("null")
	}
	return &Message{Type: MsgProxyResult, RequestID: requestID, Result: result}
}

// NewProxyError builds the failure response for a call.
func NewProxyError(requestID uint64, err error) *Message {
	return &Message{Type: MsgProxyError, RequestID: requestID, Error: err.Error()}
}
