package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/protocol"
	"grimm.is/warden/internal/proxy"
)

// DefaultMaxIterations bounds a LoopStep without MaxIterations.
const DefaultMaxIterations = 1000

// Emitter delivers workflow events to the orchestrator. *ipc.Conn satisfies it.
type Emitter interface {
	Send(m *protocol.Message) error
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Emitter Emitter
	Caller  proxy.Caller // backs StepContext.Core and Plugins
	Logger  *logging.Logger
	Clock   clock.Clock

	// Sleep waits between retries and poll attempts. Defaults to a
	// context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// RunState is where a run starts from. A fresh run only sets InstanceID and
// Input; a resumed run carries the results recorded so far.
type RunState struct {
	InstanceID  string
	Input       json.RawMessage
	StepResults map[string]protocol.StepResult
	CurrentStep string
	PrevOutput  json.RawMessage
	Metadata    map[string]any
}

// Runner executes one definition.
type Runner struct {
	def     *Definition
	emitter Emitter
	core    proxy.Core
	plugins proxy.Plugins
	logger  *logging.Logger
	clock   clock.Clock
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner for def.
func NewRunner(def *Definition, opts RunnerOptions) *Runner {
	caller := opts.Caller
	if caller == nil {
		caller = noCaller{}
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Runner{
		def:     def,
		emitter: opts.Emitter,
		core:    proxy.NewCore(caller),
		plugins: proxy.NewPlugins(caller),
		logger:  logging.OrDefault(opts.Logger).WithComponent("workflow").WithFields(map[string]any{"workflow": def.Name}),
		clock:   opts.Clock,
		sleep:   opts.Sleep,
	}
}

type noCaller struct{}

func (noCaller) Call(context.Context, string, string, string, ...any) (json.RawMessage, error) {
	return nil, proxy.ErrConnectionClosed
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// frame is the step scope of the top-level workflow or of one parallel branch.
type frame struct {
	instanceID string
	input      json.RawMessage
	meta       *Metadata
	outputs    map[string]json.RawMessage
	emit       bool
	snapshot   func(step string) Snapshot
}

// Run executes the workflow from st and returns the final output. Every
// lifecycle event is sent through the emitter; a send failure aborts the run.
func (r *Runner) Run(ctx context.Context, st RunState) (json.RawMessage, error) {
	if r.def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.def.Timeout)
		defer cancel()
	}

	results := make(map[string]protocol.StepResult, len(r.def.Steps))
	maps.Copy(results, st.StepResults)

	f := &frame{
		instanceID: st.InstanceID,
		input:      st.Input,
		meta:       newMetadata(st.Metadata),
		outputs:    make(map[string]json.RawMessage),
		emit:       true,
	}
	completed := 0
	for name, res := range results {
		if res.Status == protocol.StepCompleted {
			f.outputs[name] = res.Output
			completed++
		}
	}
	total := len(r.def.Steps)
	progress := percent(completed, total)
	f.snapshot = func(step string) Snapshot {
		return Snapshot{
			InstanceID:   st.InstanceID,
			WorkflowName: r.def.Name,
			CurrentStep:  step,
			StepResults:  maps.Clone(results),
			Progress:     progress,
		}
	}

	current := st.CurrentStep
	if current == "" {
		current = r.def.StartAt
	}
	prev := st.PrevOutput
	if current == r.def.StartAt && len(prev) == 0 {
		prev = st.Input
	}

	if err := r.send(f, &protocol.Message{Type: protocol.MsgStarted, Step: current, Input: st.Input}); err != nil {
		return nil, err
	}
	r.logger.Info("workflow started", "instance", st.InstanceID, "step", current)

	for current != "" {
		step, ok := r.def.Steps[current]
		if !ok {
			err := fmt.Errorf("%w: %s", ErrStepNotFound, current)
			_ = r.send(f, &protocol.Message{Type: protocol.MsgFailed, Step: current, Error: err.Error()})
			return nil, err
		}

		results[current] = protocol.StepResult{Status: protocol.StepRunning}
		if err := r.send(f, &protocol.Message{Type: protocol.MsgStepStarted, Step: current, StepType: string(step.Type()), Attempt: 1}); err != nil {
			return nil, err
		}

		out, next, attempts, err := r.runStep(ctx, f, current, step, prev)
		if err != nil {
			results[current] = protocol.StepResult{Status: protocol.StepFailed, Error: err.Error(), Attempts: attempts}
			r.logger.Warn("step failed", "instance", st.InstanceID, "step", current, "attempts", attempts, "error", err)
			_ = r.send(f, &protocol.Message{
				Type: protocol.MsgStepFailed, Step: current, StepType: string(step.Type()),
				Attempts: attempts, Error: err.Error(),
			})
			_ = r.send(f, &protocol.Message{Type: protocol.MsgFailed, Step: current, Error: err.Error()})
			return nil, err
		}

		results[current] = protocol.StepResult{
			Status:      protocol.StepCompleted,
			Output:      out,
			Attempts:    attempts,
			CompletedAt: r.clock.Now(),
		}
		f.outputs[current] = out
		completed++
		progress = percent(completed, total)

		if err := r.send(f, &protocol.Message{
			Type: protocol.MsgStepCompleted, Step: current, StepType: string(step.Type()),
			NextStep: next, Attempts: attempts, Output: out,
		}); err != nil {
			return nil, err
		}
		if err := r.send(f, &protocol.Message{Type: protocol.MsgProgress, Step: current, Progress: progress}); err != nil {
			return nil, err
		}

		prev, current = out, next
	}

	if err := r.send(f, &protocol.Message{Type: protocol.MsgCompleted, Output: prev}); err != nil {
		return nil, err
	}
	r.logger.Info("workflow completed", "instance", st.InstanceID)
	return prev, nil
}

func percent(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	return min(100, float64(done)/float64(total)*100)
}

func (r *Runner) send(f *frame, m *protocol.Message) error {
	if !f.emit || r.emitter == nil {
		return nil
	}
	m.InstanceID = f.instanceID
	if m.Timestamp.IsZero() {
		m.Timestamp = r.clock.Now()
	}
	if err := r.emitter.Send(m); err != nil {
		return fmt.Errorf("emit %s: %w", m.Type, err)
	}
	return nil
}

func (r *Runner) stepContext(ctx context.Context, f *frame, step string, attempt int, prev json.RawMessage) *StepContext {
	return &StepContext{
		ctx:      ctx,
		Step:     step,
		Attempt:  attempt,
		Input:    f.input,
		Prev:     prev,
		Core:     r.core,
		Plugins:  r.plugins,
		Logger:   r.logger.WithFields(map[string]any{"instance": f.instanceID, "step": step}),
		Metadata: f.meta,
		steps:    maps.Clone(f.outputs),
		snapshot: f.snapshot(step),
	}
}

// runStep executes one step with its retry policy and returns its output,
// the next step name ("" at the end) and the number of attempts made.
func (r *Runner) runStep(ctx context.Context, f *frame, name string, step Step, prev json.RawMessage) (json.RawMessage, string, int, error) {
	if c, ok := step.(*ChoiceStep); ok {
		sc := r.stepContext(ctx, f, name, 1, prev)
		for _, rule := range c.Choices {
			if rule.Condition(sc) {
				return prev, rule.Next, 1, nil
			}
		}
		if c.Default != "" {
			return prev, c.Default, 1, nil
		}
		return nil, "", 1, &StepError{Step: name, Attempts: 1, Err: ErrNoChoiceMatched}
	}

	// Without a mapper a step sees the workflow input (the branch input
	// inside a parallel branch), never the previous output.
	input := f.input
	if mapper := mapperOf(step); mapper != nil {
		v, err := mapper(prev, f.input)
		if err == nil {
			input, err = encode(v)
		}
		if err != nil {
			return nil, "", 1, &StepError{Step: name, Attempts: 1, Err: fmt.Errorf("map input: %w", err)}
		}
	}

	policy := retryOf(step)
	if policy == nil {
		policy = r.def.DefaultRetry
	}
	maxAttempts := policy.attempts()

	for attempt := 1; ; attempt++ {
		sc := r.stepContext(ctx, f, name, attempt, prev)
		out, err := r.attempt(sc, f, name, step, input)
		if err == nil {
			return out, step.transition().Next, attempt, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			if !errors.Is(err, ctxErr) {
				err = fmt.Errorf("%w: %v", ctxErr, err)
			}
			return nil, "", attempt, &StepError{Step: name, Attempts: attempt, Err: err}
		}
		if errors.Is(err, ErrValidation) || attempt >= maxAttempts {
			return nil, "", attempt, &StepError{Step: name, Attempts: attempt, Err: err}
		}

		delay := policy.Delay(attempt)
		sc.Logger.Warn("step attempt failed, retrying", "attempt", attempt, "max_attempts", maxAttempts, "delay", delay, "error", err)
		if serr := r.sleep(ctx, delay); serr != nil {
			return nil, "", attempt, &StepError{Step: name, Attempts: attempt, Err: fmt.Errorf("%w: %v", serr, err)}
		}
	}
}

// attempt runs a step once. Panics in step code become errors.
func (r *Runner) attempt(sc *StepContext, f *frame, name string, step Step, input json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in step %q: %v", name, p)
		}
	}()

	switch st := step.(type) {
	case *TaskStep:
		if err := validateJSON(sc.ctx, st.InputSchema, input, "input"); err != nil {
			return nil, err
		}
		v, err := st.Handler(sc, input)
		if err != nil {
			return nil, err
		}
		if out, err = encode(v); err != nil {
			return nil, err
		}
		if err := validateJSON(sc.ctx, st.OutputSchema, out, "output"); err != nil {
			return nil, err
		}
		return out, nil

	case *PassStep:
		switch {
		case st.Result != nil:
			return encode(st.Result)
		case st.Transform != nil:
			v, err := st.Transform(sc)
			if err != nil {
				return nil, err
			}
			return encode(v)
		default:
			return encode(input)
		}

	case *ParallelStep:
		return r.runParallel(sc.ctx, f, name, st, input)

	case *PollStep:
		return r.runPoll(sc, f, name, st, input)

	case *LoopStep:
		return r.runLoop(sc, f, name, st, input)
	}
	return nil, fmt.Errorf("unsupported step type %T", step)
}

func (r *Runner) runParallel(ctx context.Context, parent *frame, name string, st *ParallelStep, input json.RawMessage) (json.RawMessage, error) {
	outs := make([]json.RawMessage, len(st.Branches))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range st.Branches {
		label := b.Name
		if label == "" {
			label = fmt.Sprintf("%s[%d]", name, i)
		}
		g.Go(func() error {
			out, err := r.runBranch(gctx, parent, b, input)
			if err != nil {
				return fmt.Errorf("branch %s: %w", label, err)
			}
			outs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return encode(outs)
}

// runBranch walks a branch's steps without emitting events.
func (r *Runner) runBranch(ctx context.Context, parent *frame, b Branch, input json.RawMessage) (json.RawMessage, error) {
	f := &frame{
		instanceID: parent.instanceID,
		input:      input,
		meta:       parent.meta,
		outputs:    make(map[string]json.RawMessage),
		snapshot:   parent.snapshot,
	}
	prev, current := input, b.StartAt
	for current != "" {
		step, ok := b.Steps[current]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrStepNotFound, current)
		}
		out, next, _, err := r.runStep(ctx, f, current, step, prev)
		if err != nil {
			return nil, err
		}
		f.outputs[current] = out
		prev, current = out, next
	}
	return prev, nil
}

func (r *Runner) runPoll(sc *StepContext, f *frame, name string, st *PollStep, input json.RawMessage) (json.RawMessage, error) {
	start := r.clock.Now()
	for i := 1; ; i++ {
		res, err := st.Check(sc, input)
		if err != nil {
			return nil, err
		}
		if err := r.send(f, &protocol.Message{Type: protocol.MsgStepPoll, Step: name, Attempt: i, Done: res.Done}); err != nil {
			return nil, err
		}
		if res.Done {
			return encode(res.Output)
		}
		if st.MaxAttempts > 0 && i >= st.MaxAttempts {
			return nil, fmt.Errorf("%w after %d attempts", ErrPollExhausted, i)
		}
		if st.Timeout > 0 && r.clock.Since(start)+st.Interval > st.Timeout {
			return nil, fmt.Errorf("%w after %s", ErrPollTimeout, st.Timeout)
		}
		if err := r.sleep(sc.ctx, st.Interval); err != nil {
			return nil, err
		}
	}
}

func (r *Runner) runLoop(sc *StepContext, f *frame, name string, st *LoopStep, input json.RawMessage) (json.RawMessage, error) {
	limit := st.MaxIterations
	if limit <= 0 {
		limit = DefaultMaxIterations
	}

	cur := input
	for it := 1; ; it++ {
		if err := sc.ctx.Err(); err != nil {
			return nil, err
		}
		sc.Iteration = it
		v, err := st.Body(sc, cur)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}
		out, err := encode(v)
		if err != nil {
			return nil, err
		}
		if err := r.send(f, &protocol.Message{Type: protocol.MsgStepLoop, Step: name, Iteration: it, Output: out}); err != nil {
			return nil, err
		}
		if st.Until(out, it) || it >= limit {
			return out, nil
		}
		cur = out
	}
}
