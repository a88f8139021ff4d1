package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepType discriminates step variants.
type StepType string

const (
	StepTask     StepType = "task"
	StepPass     StepType = "pass"
	StepChoice   StepType = "choice"
	StepParallel StepType = "parallel"
	StepPoll     StepType = "poll"
	StepLoop     StepType = "loop"
)

// Step is one node of a workflow. The concrete types are *TaskStep,
// *PassStep, *ChoiceStep, *ParallelStep, *PollStep and *LoopStep.
type Step interface {
	Type() StepType
	transition() Transition
}

// Transition says where a step goes on success.
type Transition struct {
	Next string
	End  bool
}

func (t Transition) transition() Transition { return t }

// HandlerFunc runs a task. The returned value is JSON-encoded as the step output.
type HandlerFunc func(sc *StepContext, input json.RawMessage) (any, error)

// InputMapper derives a step's input from the previous step's output and the
// workflow input. Steps without one receive the workflow input.
type InputMapper func(prev, workflowInput json.RawMessage) (any, error)

// TaskStep runs Handler.
type TaskStep struct {
	Handler      HandlerFunc
	InputMapper  InputMapper
	InputSchema  string // JSON schema, optional
	OutputSchema string // JSON schema, optional
	Retry        *RetryPolicy
	Transition
}

func (*TaskStep) Type() StepType { return StepTask }

// PassStep outputs Result if set, else the value produced by Transform, else
// the step input unchanged.
type PassStep struct {
	Result    any
	Transform func(sc *StepContext) (any, error)
	Transition
}

func (*PassStep) Type() StepType { return StepPass }

// ChoiceRule selects Next when Condition holds.
type ChoiceRule struct {
	Condition func(sc *StepContext) bool
	Next      string
}

// ChoiceStep moves to the first rule whose condition holds, else Default.
// Its output is its input.
type ChoiceStep struct {
	Choices []ChoiceRule
	Default string
}

func (*ChoiceStep) Type() StepType { return StepChoice }

func (*ChoiceStep) transition() Transition { return Transition{} }

// Branch is a sub-workflow run by a ParallelStep.
type Branch struct {
	Name    string
	StartAt string
	Steps   map[string]Step
}

// ParallelStep runs every branch concurrently on the same input. The output
// is the array of branch outputs in branch order; the first branch error
// fails the step.
type ParallelStep struct {
	Branches    []Branch
	InputMapper InputMapper
	Retry       *RetryPolicy
	Transition
}

func (*ParallelStep) Type() StepType { return StepParallel }

// PollResult is returned by a poll check.
type PollResult struct {
	Done   bool
	Output any
}

// PollStep calls Check every Interval until it reports done. Timeout and
// MaxAttempts bound the polling; zero means unbounded.
type PollStep struct {
	Check       func(sc *StepContext, input json.RawMessage) (PollResult, error)
	InputMapper InputMapper
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
	Retry       *RetryPolicy
	Transition
}

func (*PollStep) Type() StepType { return StepPoll }

// LoopStep runs Body repeatedly, feeding each iteration's output to the next,
// until Until returns true or MaxIterations is reached. The output is the
// last iteration's output.
type LoopStep struct {
	Body          HandlerFunc
	Until         func(output json.RawMessage, iteration int) bool
	InputMapper   InputMapper
	MaxIterations int
	Retry         *RetryPolicy
	Transition
}

func (*LoopStep) Type() StepType { return StepLoop }

// retryOf returns the step's own retry policy, if it has one.
func retryOf(s Step) *RetryPolicy {
	switch st := s.(type) {
	case *TaskStep:
		return st.Retry
	case *ParallelStep:
		return st.Retry
	case *PollStep:
		return st.Retry
	case *LoopStep:
		return st.Retry
	}
	return nil
}

func mapperOf(s Step) InputMapper {
	switch st := s.(type) {
	case *TaskStep:
		return st.InputMapper
	case *ParallelStep:
		return st.InputMapper
	case *PollStep:
		return st.InputMapper
	case *LoopStep:
		return st.InputMapper
	}
	return nil
}

// validateSteps checks a step graph: startAt exists, every step has a valid
// transition and every referenced step exists.
func validateSteps(startAt string, steps map[string]Step, path string) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: %s: no steps", ErrInvalidDefinition, path)
	}
	if _, ok := steps[startAt]; !ok {
		return fmt.Errorf("%w: %s: startAt %q is not a step", ErrInvalidDefinition, path, startAt)
	}

	ref := func(from, to string) error {
		if _, ok := steps[to]; !ok {
			return fmt.Errorf("%w: %s: step %q references unknown step %q", ErrInvalidDefinition, path, from, to)
		}
		return nil
	}

	for name, step := range steps {
		if step == nil {
			return fmt.Errorf("%w: %s: step %q is nil", ErrInvalidDefinition, path, name)
		}

		if c, ok := step.(*ChoiceStep); ok {
			if len(c.Choices) == 0 && c.Default == "" {
				return fmt.Errorf("%w: %s: choice %q has no rules", ErrInvalidDefinition, path, name)
			}
			for i, rule := range c.Choices {
				if rule.Condition == nil {
					return fmt.Errorf("%w: %s: choice %q rule %d has no condition", ErrInvalidDefinition, path, name, i)
				}
				if err := ref(name, rule.Next); err != nil {
					return err
				}
			}
			if c.Default != "" {
				if err := ref(name, c.Default); err != nil {
					return err
				}
			}
			continue
		}

		tr := step.transition()
		switch {
		case tr.End && tr.Next != "":
			return fmt.Errorf("%w: %s: step %q sets both next and end", ErrInvalidDefinition, path, name)
		case !tr.End && tr.Next == "":
			return fmt.Errorf("%w: %s: step %q needs next or end", ErrInvalidDefinition, path, name)
		case tr.Next != "":
			if err := ref(name, tr.Next); err != nil {
				return err
			}
		}

		switch st := step.(type) {
		case *TaskStep:
			if st.Handler == nil {
				return fmt.Errorf("%w: %s: task %q has no handler", ErrInvalidDefinition, path, name)
			}
			for _, schema := range []string{st.InputSchema, st.OutputSchema} {
				if schema == "" {
					continue
				}
				if _, err := compileSchema(schema); err != nil {
					return fmt.Errorf("%w: %s: task %q: %v", ErrInvalidDefinition, path, name, err)
				}
			}
		case *PassStep:
		case *ParallelStep:
			if len(st.Branches) == 0 {
				return fmt.Errorf("%w: %s: parallel %q has no branches", ErrInvalidDefinition, path, name)
			}
			for i, b := range st.Branches {
				bpath := fmt.Sprintf("%s/%s[%d]", path, name, i)
				if b.Name != "" {
					bpath = path + "/" + name + "/" + b.Name
				}
				if err := validateSteps(b.StartAt, b.Steps, bpath); err != nil {
					return err
				}
			}
		case *PollStep:
			if st.Check == nil {
				return fmt.Errorf("%w: %s: poll %q has no check", ErrInvalidDefinition, path, name)
			}
		case *LoopStep:
			if st.Body == nil || st.Until == nil {
				return fmt.Errorf("%w: %s: loop %q needs body and until", ErrInvalidDefinition, path, name)
			}
		default:
			return fmt.Errorf("%w: %s: step %q has unsupported type %T", ErrInvalidDefinition, path, name, step)
		}
	}
	return nil
}
