// Package orchestrator runs workflows in isolated executor processes.
//
// For every workflow instance the orchestrator opens an IPC channel, spawns
// an executor through the supervisor, answers the executor's proxy calls
// from its service registry and folds the executor's events into the
// persisted instance record. Instance records are written only here.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/ipc"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
	"grimm.is/warden/internal/protocol"
	"grimm.is/warden/internal/state"
	"grimm.is/warden/internal/supervisor"
	"grimm.is/warden/internal/workflow"
)

// ExecutorDefinition is the supervisor definition executors run under.
const ExecutorDefinition = "workflow-executor"

// ExecutorCommand is the hidden subcommand that turns the binary into an executor.
const ExecutorCommand = "_workflow-executor"

var (
	ErrInstanceNotFound = errors.New("workflow instance not found")
	ErrNotRunning       = errors.New("workflow instance is not running")
	ErrNotResumable     = errors.New("only failed or cancelled instances can be resumed")
	ErrShuttingDown     = errors.New("orchestrator is shutting down")
)

// Store is the persistence the orchestrator needs.
type Store interface {
	KV
	EnsureBucket(name string) error
	GetJSON(bucket, key string, v any) error
	SetJSON(bucket, key string, v any) error
	UpdateJSON(bucket, key string, v any, fn func() error) error
	List(bucket string) (map[string][]byte, error)
}

// Processes is the supervisor surface the orchestrator drives.
type Processes interface {
	Register(def supervisor.Definition) error
	Spawn(ctx context.Context, name string, opts supervisor.SpawnOptions) (string, error)
	Kill(ctx context.Context, id string) (bool, error)
	Heartbeat(id string) error
	CheckLiveness(id string) (bool, error)
}

// Options configures an Orchestrator.
type Options struct {
	Registry   *workflow.Registry
	Processes  Processes
	Store      Store
	Hub        *events.Hub
	Logger     *logging.Logger
	Metrics    *metrics.Registry // optional
	Clock      clock.Clock
	IPC        ipc.Options // handlers are set by the orchestrator
	Executable string      // defaults to os.Executable()
	// ExecutorArgs defaults to []string{ExecutorCommand}.
	ExecutorArgs []string
	ExecutorEnv  map[string]string

	HeartbeatInterval time.Duration
	ProxyTimeout      time.Duration
	LogLevel          string
	LogBufferSize     int

	// ExitGrace is how long a finished executor's channel may still deliver
	// events before the instance is failed. Defaults to one second.
	ExitGrace time.Duration
}

type run struct {
	processID string
	startedAt time.Time
	done      chan struct{}
}

// Orchestrator is the main-process side of workflow execution.
type Orchestrator struct {
	opts     Options
	registry *workflow.Registry
	procs    Processes
	store    Store
	hub      *events.Hub
	logger   *logging.Logger
	clock    clock.Clock
	server   *ipc.Server
	services *Services

	mu     sync.Mutex
	active map[string]*run
	logs   map[string]*logging.RingBuffer
	closed bool

	watch  <-chan events.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator and registers the executor definition with the
// supervisor.
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil || opts.Processes == nil || opts.Store == nil {
		return nil, errors.New("orchestrator: registry, processes and store are required")
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		opts.Executable = exe
	}
	if opts.ExecutorArgs == nil {
		opts.ExecutorArgs = []string{ExecutorCommand}
	}
	if opts.LogBufferSize <= 0 {
		opts.LogBufferSize = 500
	}
	if opts.ExitGrace <= 0 {
		opts.ExitGrace = time.Second
	}

	for _, b := range []string{state.BucketWorkflowInstances, state.BucketCache} {
		if err := opts.Store.EnsureBucket(b); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", b, err)
		}
	}

	logger := logging.OrDefault(opts.Logger).WithComponent("orchestrator")
	o := &Orchestrator{
		opts:     opts,
		registry: opts.Registry,
		procs:    opts.Processes,
		store:    opts.Store,
		hub:      opts.Hub,
		logger:   logger,
		clock:    opts.Clock,
		services: NewServices(opts.Store, opts.Hub, opts.Logger, opts.Metrics),
		active:   make(map[string]*run),
		logs:     make(map[string]*logging.RingBuffer),
	}

	ipcOpts := opts.IPC
	ipcOpts.Logger = opts.Logger
	ipcOpts.ProxyHandler = o.services.Handle
	ipcOpts.EventHandler = o.handleEvent
	ipcOpts.DisconnectHandler = o.handleDisconnect
	o.server = ipc.NewServer(ipcOpts)

	err := o.procs.Register(supervisor.Definition{
		Name: ExecutorDefinition,
		Config: supervisor.Config{
			Command: opts.Executable,
			Args:    opts.ExecutorArgs,
			Env:     opts.ExecutorEnv,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("register executor definition: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	if o.hub != nil {
		o.watch = o.hub.Subscribe(256, events.EventProcessStopped, events.EventProcessCrashed, events.EventProcessDead)
		o.wg.Add(1)
		go o.watchProcesses(ctx)
	}
	return o, nil
}

// Services returns the registry answering proxy calls.
func (o *Orchestrator) Services() *Services {
	return o.services
}

// Server returns the IPC channel server.
func (o *Orchestrator) Server() *ipc.Server {
	return o.server
}

// Registry returns the workflow registry.
func (o *Orchestrator) Registry() *workflow.Registry {
	return o.registry
}

// Start creates an instance of the named workflow and launches its executor.
func (o *Orchestrator) Start(ctx context.Context, name string, input json.RawMessage, metadata map[string]any) (*Instance, error) {
	if _, err := o.registry.Get(name); err != nil {
		return nil, err
	}
	if len(input) == 0 {
		input = json.RawMessage("null")
	}

	now := o.clock.Now()
	inst := &Instance{
		ID:           "wf_" + uuid.New().String(),
		WorkflowName: name,
		Status:       StatusPending,
		Input:        input,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.store.SetJSON(state.BucketWorkflowInstances, inst.ID, inst); err != nil {
		return nil, fmt.Errorf("persist instance: %w", err)
	}
	return o.launch(ctx, inst)
}

// launch opens the channel, spawns the executor and marks the instance running.
func (o *Orchestrator) launch(ctx context.Context, inst *Instance) (*Instance, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	r := &run{startedAt: o.clock.Now(), done: make(chan struct{})}
	o.active[inst.ID] = r
	if _, ok := o.logs[inst.ID]; !ok {
		o.logs[inst.ID] = logging.NewRingBuffer(o.opts.LogBufferSize)
	}
	o.mu.Unlock()

	fail := func(err error) (*Instance, error) {
		o.server.CloseChannel(inst.ID)
		o.complete(inst.ID, StatusFailed, err.Error())
		return nil, err
	}

	addr, err := o.server.CreateChannel(inst.ID)
	if err != nil {
		return fail(fmt.Errorf("create channel: %w", err))
	}
	o.trackChannels()

	startup := protocol.Startup{
		InstanceID:        inst.ID,
		WorkflowName:      inst.WorkflowName,
		Input:             inst.Input,
		SocketPath:        addr.SocketPath,
		TCPPort:           addr.TCPPort,
		Metadata:          inst.Metadata,
		HeartbeatInterval: o.opts.HeartbeatInterval,
		ProxyTimeout:      o.opts.ProxyTimeout,
		LogLevel:          o.opts.LogLevel,
	}
	if inst.ResumeCount > 0 && inst.CurrentStep != "" {
		startup.StepResults = inst.completedResults()
		startup.CurrentStep = inst.CurrentStep
		startup.PrevOutput = inst.LastOutput
	}
	stdin, err := json.Marshal(startup)
	if err != nil {
		return fail(fmt.Errorf("encode startup: %w", err))
	}

	pid, err := o.procs.Spawn(ctx, ExecutorDefinition, supervisor.SpawnOptions{
		Metadata:   map[string]any{"instanceId": inst.ID, "workflow": inst.WorkflowName},
		Overrides:  &supervisor.ConfigOverrides{Stdin: stdin},
		SocketPath: addr.SocketPath,
		TCPPort:    addr.TCPPort,
	})
	if err != nil {
		return fail(fmt.Errorf("spawn executor: %w", err))
	}

	o.mu.Lock()
	r.processID = pid
	o.mu.Unlock()

	var out Instance
	err = o.store.UpdateJSON(state.BucketWorkflowInstances, inst.ID, &out, func() error {
		// A fast executor may already have finished; only the pid is recorded then.
		out.ProcessID = pid
		if out.Status == StatusPending {
			out.Status = StatusRunning
		}
		out.UpdatedAt = o.clock.Now()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update instance: %w", err)
	}

	o.logger.Info("workflow launched", "instance", inst.ID, "workflow", inst.WorkflowName, "process", pid, "address", addr.String())
	return o.Get(inst.ID)
}

// handleEvent applies one executor message. Messages of an instance arrive
// in order on a single goroutine.
func (o *Orchestrator) handleEvent(instanceID string, msg *protocol.Message) {
	switch msg.Type {
	case protocol.MsgReady:
		o.logger.Debug("executor connected", "instance", instanceID)
		return
	case protocol.MsgHeartbeat:
		if pid := o.processID(instanceID); pid != "" {
			if err := o.procs.Heartbeat(pid); err != nil {
				o.logger.Debug("heartbeat not recorded", "instance", instanceID, "error", err)
			}
		}
		return
	case protocol.MsgLog:
		o.recordLog(instanceID, msg)
		return
	case protocol.MsgEvent:
		o.hub.Publish(events.Event{
			Type:   events.EventWorkflowCustom,
			Source: "workflow",
			Data:   events.CustomData{InstanceID: instanceID, Name: msg.Name, Data: msg.Data},
		})
		return
	}

	var inst Instance
	err := o.store.UpdateJSON(state.BucketWorkflowInstances, instanceID, &inst, func() error {
		return inst.apply(msg, o.clock.Now())
	})
	switch {
	case errors.Is(err, errNoChange):
		return
	case err != nil:
		o.logger.Warn("failed to apply workflow event", "instance", instanceID, "type", msg.Type, "error", err)
		return
	}

	data := events.WorkflowData{
		InstanceID:   instanceID,
		WorkflowName: inst.WorkflowName,
		Status:       string(inst.Status),
		Step:         msg.Step,
		Progress:     inst.Progress,
	}
	switch msg.Type {
	case protocol.MsgStarted:
		o.hub.EmitWorkflow(events.EventWorkflowStarted, data)
	case protocol.MsgStepCompleted:
		data.Status = string(protocol.StepCompleted)
		o.hub.EmitWorkflow(events.EventWorkflowStep, data)
	case protocol.MsgStepFailed:
		data.Status = string(protocol.StepFailed)
		data.Error = msg.Error
		o.hub.EmitWorkflow(events.EventWorkflowStep, data)
	case protocol.MsgProgress:
		o.hub.EmitWorkflow(events.EventWorkflowProgress, data)
	case protocol.MsgCompleted:
		data.Output = inst.Output
		o.hub.EmitWorkflow(events.EventWorkflowCompleted, data)
		o.finished(&inst)
	case protocol.MsgFailed:
		data.Error = inst.Error
		o.hub.EmitWorkflow(events.EventWorkflowFailed, data)
		o.finished(&inst)
	}
}

// handleDisconnect fails an instance whose executor went away without
// reporting a terminal status.
func (o *Orchestrator) handleDisconnect(instanceID string) {
	pid := o.processID(instanceID)
	if pid != "" {
		// Let the supervisor notice a dead executor without waiting for its next check.
		if _, err := o.procs.CheckLiveness(pid); err != nil {
			o.logger.Debug("liveness check failed", "instance", instanceID, "error", err)
		}
	}
	o.logger.Warn("executor disconnected", "instance", instanceID, "process", pid)
	o.complete(instanceID, StatusFailed, "executor disconnected")
}

func (o *Orchestrator) watchProcesses(ctx context.Context) {
	defer o.wg.Done()
	defer o.hub.Unsubscribe(o.watch)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-o.watch:
			var id string
			switch d := e.Data.(type) {
			case events.ProcessData:
				id = d.ID
			case events.ProcessCrashedData:
				id = d.ID
			default:
				continue
			}
			if instanceID := o.instanceForProcess(id); instanceID != "" {
				o.clock.AfterFunc(o.opts.ExitGrace, func() {
					o.complete(instanceID, StatusFailed, fmt.Sprintf("executor exited (%s) before reporting a result", e.Type))
				})
			}
		}
	}
}

func (o *Orchestrator) processID(instanceID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.active[instanceID]; ok {
		return r.processID
	}
	return ""
}

func (o *Orchestrator) instanceForProcess(processID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, r := range o.active {
		if r.processID == processID {
			return id
		}
	}
	return ""
}

// complete moves a live instance to a terminal status it did not report itself.
func (o *Orchestrator) complete(instanceID string, status Status, errText string) {
	var inst Instance
	err := o.store.UpdateJSON(state.BucketWorkflowInstances, instanceID, &inst, func() error {
		return inst.finish(status, errText, o.clock.Now())
	})
	if err != nil {
		if !errors.Is(err, errNoChange) && !errors.Is(err, state.ErrNotFound) {
			o.logger.Warn("failed to finish instance", "instance", instanceID, "error", err)
		}
		// Already terminal: still release the run if it is tracked.
		o.release(instanceID, inst.WorkflowName, "")
		return
	}

	typ := events.EventWorkflowFailed
	if status == StatusCancelled {
		typ = events.EventWorkflowCancelled
	}
	o.hub.EmitWorkflow(typ, events.WorkflowData{
		InstanceID:   instanceID,
		WorkflowName: inst.WorkflowName,
		Status:       string(status),
		Step:         inst.CurrentStep,
		Progress:     inst.Progress,
		Error:        errText,
	})
	o.finished(&inst)
}

func (o *Orchestrator) finished(inst *Instance) {
	o.logger.Info("workflow finished", "instance", inst.ID, "workflow", inst.WorkflowName, "status", inst.Status, "error", inst.Error)
	o.release(inst.ID, inst.WorkflowName, inst.Status)
}

// release closes the channel and wakes waiters. status is recorded in metrics
// when set.
func (o *Orchestrator) release(instanceID, workflowName string, status Status) {
	o.mu.Lock()
	r, ok := o.active[instanceID]
	delete(o.active, instanceID)
	o.mu.Unlock()
	if !ok {
		return
	}

	o.server.CloseChannel(instanceID)
	o.trackChannels()
	if o.opts.Metrics != nil && status != "" {
		o.opts.Metrics.RecordWorkflowFinished(workflowName, string(status), o.clock.Since(r.startedAt))
	}
	close(r.done)
}

func (o *Orchestrator) trackChannels() {
	if o.opts.Metrics != nil {
		o.opts.Metrics.IPCChannels.Set(float64(len(o.server.Channels())))
	}
}

func (o *Orchestrator) recordLog(instanceID string, msg *protocol.Message) {
	o.mu.Lock()
	rb, ok := o.logs[instanceID]
	if !ok {
		rb = logging.NewRingBuffer(o.opts.LogBufferSize)
		o.logs[instanceID] = rb
	}
	o.mu.Unlock()

	extra := make(map[string]string, len(msg.Fields))
	for k, v := range msg.Fields {
		extra[k] = fmt.Sprint(v)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = o.clock.Now()
	}
	rb.Add(logging.LogEntry{
		Timestamp: ts,
		Level:     msg.Level,
		Source:    instanceID,
		Message:   msg.Message,
		Extra:     extra,
	})
}

// Logs returns up to n of the most recent executor log lines of an instance;
// n <= 0 returns all buffered lines.
func (o *Orchestrator) Logs(instanceID string, n int) []logging.LogEntry {
	o.mu.Lock()
	rb, ok := o.logs[instanceID]
	o.mu.Unlock()
	if !ok {
		return []logging.LogEntry{}
	}
	if n <= 0 {
		return rb.GetAll()
	}
	return rb.GetLast(n)
}

// Get returns an instance.
func (o *Orchestrator) Get(instanceID string) (*Instance, error) {
	var inst Instance
	if err := o.store.GetJSON(state.BucketWorkflowInstances, instanceID, &inst); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
		}
		return nil, err
	}
	return &inst, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	WorkflowName string
	Statuses     []Status
}

// List returns instances ordered by creation time.
func (o *Orchestrator) List(f Filter) ([]*Instance, error) {
	return ListInstances(o.store, f, o.logger)
}

// ListInstances reads persisted instances straight from a store, so tools
// can inspect a daemon's database without running an orchestrator.
// Unreadable records are logged and skipped.
func ListInstances(store interface {
	List(bucket string) (map[string][]byte, error)
}, f Filter, logger *logging.Logger) ([]*Instance, error) {
	raw, err := store.List(state.BucketWorkflowInstances)
	if err != nil {
		return nil, err
	}
	logger = logging.OrDefault(logger)
	out := make([]*Instance, 0, len(raw))
	for key, b := range raw {
		var inst Instance
		if err := json.Unmarshal(b, &inst); err != nil {
			logger.Warn("skipping unreadable instance", "instance", key, "error", err)
			continue
		}
		if f.WorkflowName != "" && inst.WorkflowName != f.WorkflowName {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, inst.Status) {
			continue
		}
		out = append(out, &inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Wait blocks until the instance reaches a terminal status.
func (o *Orchestrator) Wait(ctx context.Context, instanceID string) (*Instance, error) {
	o.mu.Lock()
	r, ok := o.active[instanceID]
	o.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	inst, err := o.Get(instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.Status.Terminal() {
		return inst, fmt.Errorf("%w: %s is %s", ErrNotRunning, instanceID, inst.Status)
	}
	return inst, nil
}

// Cancel kills the executor of a running instance and marks it cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, instanceID string) (*Instance, error) {
	inst, err := o.Get(instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return inst, fmt.Errorf("%w: %s is %s", ErrNotRunning, instanceID, inst.Status)
	}

	pid := o.processID(instanceID)

	// Mark first so events racing with the kill are ignored.
	o.complete(instanceID, StatusCancelled, "cancelled")
	if pid != "" {
		if _, err := o.procs.Kill(ctx, pid); err != nil {
			o.logger.Warn("failed to kill executor", "instance", instanceID, "process", pid, "error", err)
		}
	}
	o.logger.Info("workflow cancelled", "instance", instanceID, "process", pid)
	return o.Get(instanceID)
}

// Resume re-runs a failed or cancelled instance from the step it stopped at.
// Completed steps are not run again.
func (o *Orchestrator) Resume(ctx context.Context, instanceID string) (*Instance, error) {
	var inst Instance
	err := o.store.UpdateJSON(state.BucketWorkflowInstances, instanceID, &inst, func() error {
		if inst.Status != StatusFailed && inst.Status != StatusCancelled {
			return fmt.Errorf("%w: %s is %s", ErrNotResumable, instanceID, inst.Status)
		}
		inst.Status = StatusPending
		inst.Error = ""
		inst.CompletedAt = time.Time{}
		inst.ProcessID = ""
		inst.ResumeCount++
		inst.UpdatedAt = o.clock.Now()
		return nil
	})
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if err != nil {
		return nil, err
	}
	if _, err := o.registry.Get(inst.WorkflowName); err != nil {
		o.complete(instanceID, StatusFailed, err.Error())
		return nil, err
	}

	o.logger.Info("resuming workflow", "instance", instanceID, "step", inst.CurrentStep, "resume", inst.ResumeCount)
	return o.launch(ctx, &inst)
}

// RecoverInstances fails instances left pending or running by a previous
// daemon and removes stale channel sockets. It returns the recovered ids.
func (o *Orchestrator) RecoverInstances() ([]string, error) {
	stale, err := o.List(Filter{Statuses: []Status{StatusPending, StatusRunning}})
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, inst := range stale {
		if o.processID(inst.ID) != "" {
			continue
		}
		o.complete(inst.ID, StatusFailed, "orchestrator restarted while the workflow was running")
		ids = append(ids, inst.ID)
	}

	if n, err := o.server.CleanOrphanedChannels(o.ActiveIDs()); err != nil {
		o.logger.Warn("failed to clean stale channels", "error", err)
	} else if n > 0 {
		o.logger.Info("removed stale channels", "count", n)
	}
	return ids, nil
}

// ActiveIDs returns the ids of instances with a live executor.
func (o *Orchestrator) ActiveIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown kills running executors, failing their instances, and closes all
// channels.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	running := make(map[string]string, len(o.active))
	for id, r := range o.active {
		running[id] = r.processID
	}
	o.mu.Unlock()

	var errs []error
	for id, pid := range running {
		o.complete(id, StatusFailed, ErrShuttingDown.Error())
		if pid == "" {
			continue
		}
		if _, err := o.procs.Kill(ctx, pid); err != nil {
			errs = append(errs, fmt.Errorf("kill executor of %s: %w", id, err))
		}
	}

	o.cancel()
	o.wg.Wait()
	o.server.Shutdown()
	return errors.Join(errs...)
}
