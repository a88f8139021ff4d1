package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/warden/internal/validation"
)

// Definition is a named workflow.
type Definition struct {
	Name         string
	Description  string
	StartAt      string
	Steps        map[string]Step
	DefaultRetry *RetryPolicy
	Timeout      time.Duration // whole-run deadline, 0 for none
}

// Validate checks the step graph.
func (d *Definition) Validate() error {
	if err := validation.ValidateName(d.Name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return validateSteps(d.StartAt, d.Steps, d.Name)
}

// StepNames returns the top-level step names, sorted.
func (d *Definition) StepNames() []string {
	names := make([]string, 0, len(d.Steps))
	for n := range d.Steps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Registry holds definitions by name.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register validates and adds a definition.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrWorkflowExists, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister is Register for compiled-in definitions; it panics on error.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns a definition by name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	return def, nil
}

// Names returns registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Handle adapts a typed function to a HandlerFunc. The input is decoded
// into In; a null or empty input leaves In at its zero value.
func Handle[In, Out any](fn func(sc *StepContext, in In) (Out, error)) HandlerFunc {
	return func(sc *StepContext, input json.RawMessage) (any, error) {
		var in In
		if err := decode(input, &in); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
		return fn(sc, in)
	}
}

// Map adapts a typed mapper to an InputMapper.
func Map[Prev, In, Out any](fn func(prev Prev, input In) (Out, error)) InputMapper {
	return func(prevRaw, inputRaw json.RawMessage) (any, error) {
		var (
			prev Prev
			in   In
		)
		if err := decode(prevRaw, &prev); err != nil {
			return nil, fmt.Errorf("decode previous output: %w", err)
		}
		if err := decode(inputRaw, &in); err != nil {
			return nil, fmt.Errorf("decode workflow input: %w", err)
		}
		return fn(prev, in)
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func encode(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("null"), nil
		}
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	return b, nil
}
