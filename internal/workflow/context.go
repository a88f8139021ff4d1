package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/protocol"
	"grimm.is/warden/internal/proxy"
)

// Snapshot is a read-only view of the instance at the time a step starts.
type Snapshot struct {
	InstanceID   string
	WorkflowName string
	CurrentStep  string
	StepResults  map[string]protocol.StepResult
	Progress     float64
}

// Metadata is instance metadata visible to step code in the executor.
// Changes stay local to the executor process.
type Metadata struct {
	mu sync.RWMutex
	m  map[string]any
}

func newMetadata(seed map[string]any) *Metadata {
	return &Metadata{m: maps.Clone(seed)}
}

// Get returns a metadata value.
func (md *Metadata) Get(key string) (any, bool) {
	md.mu.RLock()
	defer md.mu.RUnlock()
	v, ok := md.m[key]
	return v, ok
}

// Set stores a metadata value.
func (md *Metadata) Set(key string, v any) {
	md.mu.Lock()
	defer md.mu.Unlock()
	if md.m == nil {
		md.m = make(map[string]any)
	}
	md.m[key] = v
}

// All returns a copy of all metadata.
func (md *Metadata) All() map[string]any {
	md.mu.RLock()
	defer md.mu.RUnlock()
	return maps.Clone(md.m)
}

// StepContext is handed to step code.
type StepContext struct {
	ctx context.Context

	Step      string
	Attempt   int
	Iteration int // loop iteration, 0 outside loops

	// Input is the workflow input; Prev is the previous step's output.
	Input json.RawMessage
	Prev  json.RawMessage

	Core     proxy.Core
	Plugins  proxy.Plugins
	Logger   *logging.Logger
	Metadata *Metadata

	steps    map[string]json.RawMessage
	snapshot Snapshot
}

// Context returns the run's context; it is cancelled on workflow timeout.
func (sc *StepContext) Context() context.Context {
	return sc.ctx
}

// Instance returns the instance snapshot.
func (sc *StepContext) Instance() Snapshot {
	return sc.snapshot
}

// StepOutput returns the raw output of a completed step.
func (sc *StepContext) StepOutput(name string) (json.RawMessage, bool) {
	out, ok := sc.steps[name]
	return out, ok
}

// DecodeStep decodes the output of a completed step into v.
func (sc *StepContext) DecodeStep(name string, v any) error {
	out, ok := sc.steps[name]
	if !ok {
		return fmt.Errorf("%w: no output for %q", ErrStepNotFound, name)
	}
	return decode(out, v)
}

// DecodeInput decodes the workflow input into v. Inside a parallel branch
// that is the branch input.
func (sc *StepContext) DecodeInput(v any) error {
	return decode(sc.Input, v)
}

// DecodePrev decodes the previous step's output into v.
func (sc *StepContext) DecodePrev(v any) error {
	return decode(sc.Prev, v)
}
