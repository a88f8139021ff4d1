package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/scheduler"
	"grimm.is/warden/internal/state"
)

// Store is the subset of the state store the supervisor persists records in.
type Store interface {
	InsertProcess(rec *state.ProcessRecord) error
	UpdateProcess(id string, fn func(*state.ProcessRecord) error) (*state.ProcessRecord, error)
	GetProcess(id string) (*state.ProcessRecord, error)
	ListProcesses(f state.ProcessFilter) ([]*state.ProcessRecord, error)
}

// Options configures a Supervisor.
type Options struct {
	CheckInterval      time.Duration // liveness probe period, 0 disables
	HeartbeatTimeout   time.Duration // 0 disables heartbeat enforcement
	StopGracePeriod    time.Duration // SIGTERM -> SIGKILL escalation delay
	StatsInterval      time.Duration // 0 disables stats sampling
	DefaultMaxRestarts int

	Clock  clock.Clock
	Hub    *events.Hub
	Logger *logging.Logger
}

// DefaultOptions returns the daemon defaults.
func DefaultOptions() Options {
	return Options{
		CheckInterval:      5 * time.Second,
		StopGracePeriod:    5 * time.Second,
		StatsInterval:      30 * time.Second,
		DefaultMaxRestarts: 3,
	}
}

// managed is a process the supervisor is currently watching.
type managed struct {
	id   string
	name string
	pid  int
	cfg  Config

	cmd   *exec.Cmd // nil for adopted orphans
	ready chan struct{}
	done  chan struct{}

	// guarded by Supervisor.mu
	requested    bool   // termination asked for by the supervisor
	crashReason  string // set when the supervisor kills a hung process
	runtimeTimer clock.Timer

	stdout *logging.LineWriter
	stderr *logging.LineWriter
}

// Supervisor owns the lifecycle of local child processes.
type Supervisor struct {
	store  Store
	hub    *events.Hub
	clock  clock.Clock
	logger *logging.Logger
	opts   Options
	sched  *scheduler.Scheduler

	mu       sync.Mutex
	defs     map[string]Definition
	procs    map[string]*managed
	restarts map[string]clock.Timer // pending auto-restarts keyed by crashed record id
	closing  bool
}

// New creates a supervisor persisting into store.
func New(store Store, opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.StopGracePeriod <= 0 {
		opts.StopGracePeriod = 5 * time.Second
	}
	if opts.DefaultMaxRestarts <= 0 {
		opts.DefaultMaxRestarts = 3
	}
	logger := logging.OrDefault(opts.Logger).WithComponent("supervisor")

	s := &Supervisor{
		store:    store,
		hub:      opts.Hub,
		clock:    opts.Clock,
		logger:   logger,
		opts:     opts,
		defs:     make(map[string]Definition),
		procs:    make(map[string]*managed),
		restarts: make(map[string]clock.Timer),
	}

	resolution := time.Second
	for _, d := range []time.Duration{opts.CheckInterval, opts.StatsInterval} {
		if d > 0 && d < resolution {
			resolution = d
		}
	}
	s.sched = scheduler.New(logger, scheduler.WithResolution(resolution), scheduler.WithClock(opts.Clock))
	if opts.CheckInterval > 0 {
		_ = s.sched.AddTask(&scheduler.Task{
			ID:          "liveness",
			Name:        "Process liveness",
			Description: "Probe PIDs and enforce heartbeat timeouts",
			Schedule:    scheduler.Every(opts.CheckInterval),
			Func:        s.checkAll,
			Enabled:     true,
			Timeout:     opts.CheckInterval,
		})
	}
	if opts.StatsInterval > 0 {
		_ = s.sched.AddTask(&scheduler.Task{
			ID:          "process-stats",
			Name:        "Process stats",
			Description: "Sample CPU and memory of managed processes",
			Schedule:    scheduler.Every(opts.StatsInterval),
			Func:        s.sampleStats,
			Enabled:     true,
		})
	}
	return s
}

// Start begins periodic liveness checks and stats sampling.
func (s *Supervisor) Start() {
	s.sched.Start()
}

// Scheduler exposes the supervisor's scheduler so callers can register
// related housekeeping tasks.
func (s *Supervisor) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// Register adds or replaces a named definition.
func (s *Supervisor) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("definition name is required")
	}
	if def.Config.Command == "" {
		return fmt.Errorf("definition %q: command is required", def.Name)
	}
	s.mu.Lock()
	s.defs[def.Name] = def
	s.mu.Unlock()
	s.logger.Debug("registered definition", "name", def.Name, "command", def.Config.Command)
	return nil
}

// Definitions returns registered definition names, sorted.
func (s *Supervisor) Definitions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.defs))
	for name := range s.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spawn launches a new instance of a registered definition and returns the
// new record id.
func (s *Supervisor) Spawn(ctx context.Context, name string, opts SpawnOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	def, ok := s.defs[name]
	closing := s.closing
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
	}
	if closing {
		return "", ErrShuttingDown
	}

	cfg := def.Config.merge(opts.Overrides)
	if cfg.AutoRestart && cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = s.opts.DefaultMaxRestarts
	}

	return s.launch(name, cfg, launchParams{
		metadata:   opts.Metadata,
		socketPath: opts.SocketPath,
		tcpPort:    opts.TCPPort,
	})
}

type launchParams struct {
	metadata            map[string]any
	socketPath          string
	tcpPort             int
	restartCount        int
	consecutiveFailures int
}

// launch creates a record and starts the command.
func (s *Supervisor) launch(name string, cfg Config, p launchParams) (string, error) {
	rawCfg, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}

	now := s.clock.Now()
	rec := &state.ProcessRecord{
		ID:                  "proc_" + uuid.NewString(),
		Name:                name,
		SocketPath:          p.socketPath,
		TCPPort:             p.tcpPort,
		Status:              state.StatusSpawning,
		Config:              rawCfg,
		Metadata:            p.metadata,
		CreatedAt:           now,
		RestartCount:        p.restartCount,
		ConsecutiveFailures: p.consecutiveFailures,
	}
	if err := s.store.InsertProcess(rec); err != nil {
		return "", err
	}

	procLog := s.logger.WithFields(map[string]any{"process": name, "id": rec.ID})
	m := &managed{
		id:     rec.ID,
		name:   name,
		cfg:    cfg,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		stdout: logging.NewLineWriter(procLog.WithFields(map[string]any{"stream": "stdout"}), logging.LevelInfo),
		stderr: logging.NewLineWriter(procLog.WithFields(map[string]any{"stream": "stderr"}), logging.LevelInfo),
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = buildEnv(cfg.Env)
	cmd.Stdout = m.stdout
	cmd.Stderr = m.stderr
	if len(cfg.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(cfg.Stdin)
	}
	cmd.WaitDelay = time.Second
	configureCommand(cmd)
	m.cmd = cmd

	if err := cmd.Start(); err != nil {
		startErr := fmt.Errorf("start %s: %w", name, err)
		failed, uerr := s.store.UpdateProcess(rec.ID, func(r *state.ProcessRecord) error {
			if err := transition(r, state.StatusCrashed); err != nil {
				return err
			}
			r.StoppedAt = s.clock.Now()
			r.ConsecutiveFailures++
			r.Error = startErr.Error()
			return nil
		})
		if uerr == nil {
			s.emitCrashed(failed, -1)
		}
		procLog.Error("failed to start process", "error", err)
		return "", startErr
	}
	m.pid = cmd.Process.Pid

	go func() {
		err := cmd.Wait()
		<-m.ready
		s.onExit(m, err)
	}()

	started, err := s.store.UpdateProcess(rec.ID, func(r *state.ProcessRecord) error {
		if err := transition(r, state.StatusRunning); err != nil {
			return err
		}
		r.PID = m.pid
		r.StartedAt = s.clock.Now()
		r.LastHeartbeat = r.StartedAt
		return nil
	})
	if err != nil {
		m.requested = true
		_ = kill(m.pid)
		close(m.ready)
		return "", err
	}

	s.mu.Lock()
	s.procs[m.id] = m
	if cfg.Limits.MaxRuntime > 0 {
		id := m.id
		m.runtimeTimer = s.clock.AfterFunc(cfg.Limits.MaxRuntime, func() {
			s.logger.Info("process exceeded max runtime", "id", id, "max_runtime", cfg.Limits.MaxRuntime)
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopGracePeriod+5*time.Second)
			defer cancel()
			if _, err := s.Stop(ctx, id); err != nil {
				s.logger.Warn("runtime limit stop failed", "id", id, "error", err)
			}
		})
	}
	s.mu.Unlock()
	close(m.ready)

	procLog.Info("process spawned", "pid", m.pid, "command", cfg.Command)
	s.hub.EmitProcess(events.EventProcessSpawned, processData(started))
	return rec.ID, nil
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// onExit runs once cmd.Wait returns for a child the supervisor launched.
func (s *Supervisor) onExit(m *managed, waitErr error) {
	defer close(m.done)
	m.stdout.Flush()
	m.stderr.Flush()

	s.mu.Lock()
	requested := m.requested
	crashReason := m.crashReason
	if !requested {
		s.forgetLocked(m)
	}
	s.mu.Unlock()

	// Stop and Kill finish their own bookkeeping.
	if requested {
		return
	}

	code := exitCode(waitErr)
	if code == 0 && crashReason == "" {
		rec, err := s.store.UpdateProcess(m.id, func(r *state.ProcessRecord) error {
			if err := transition(r, state.StatusStopped); err != nil {
				return err
			}
			r.StoppedAt = s.clock.Now()
			r.ConsecutiveFailures = 0
			return nil
		})
		if err != nil {
			s.logger.Error("failed to record exit", "id", m.id, "error", err)
			return
		}
		s.logger.Info("process exited", "id", m.id, "name", m.name)
		s.hub.EmitProcess(events.EventProcessStopped, processData(rec))
		return
	}

	reason := crashReason
	if reason == "" {
		reason = fmt.Sprintf("exited with code %d", code)
		if waitErr != nil && code < 0 {
			reason = waitErr.Error()
		}
	}
	s.handleCrash(m.id, m.cfg, code, reason)
}

// handleCrash records a crash and applies the restart policy.
func (s *Supervisor) handleCrash(id string, cfg Config, code int, reason string) {
	rec, err := s.store.UpdateProcess(id, func(r *state.ProcessRecord) error {
		if err := transition(r, state.StatusCrashed); err != nil {
			return err
		}
		r.StoppedAt = s.clock.Now()
		r.ConsecutiveFailures++
		r.Error = reason
		return nil
	})
	if err != nil {
		s.logger.Error("failed to record crash", "id", id, "error", err)
		return
	}

	s.logger.Warn("process crashed", "id", id, "name", rec.Name, "exit_code", code,
		"consecutive_failures", rec.ConsecutiveFailures, "error", reason)
	s.emitCrashed(rec, code)

	if !cfg.AutoRestart {
		return
	}
	if rec.ConsecutiveFailures >= cfg.MaxRestarts {
		s.markDead(rec)
		return
	}

	delay := cfg.Backoff.Delay(rec.ConsecutiveFailures)
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.restarts[id] = s.clock.AfterFunc(delay, func() { s.autoRestart(id) })
	s.mu.Unlock()
	s.logger.Info("restart scheduled", "id", id, "delay", delay, "attempt", rec.ConsecutiveFailures)
}

func (s *Supervisor) markDead(rec *state.ProcessRecord) {
	dead, err := s.store.UpdateProcess(rec.ID, func(r *state.ProcessRecord) error {
		return transition(r, state.StatusDead)
	})
	if err != nil {
		s.logger.Error("failed to mark process dead", "id", rec.ID, "error", err)
		return
	}
	s.logger.Error("restart budget exhausted", "id", rec.ID, "name", rec.Name,
		"consecutive_failures", rec.ConsecutiveFailures)
	s.hub.EmitProcess(events.EventProcessDead, processData(dead))
}

// autoRestart replaces a crashed record with a fresh process, carrying its
// metadata and failure count forward.
func (s *Supervisor) autoRestart(oldID string) {
	s.mu.Lock()
	delete(s.restarts, oldID)
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return
	}

	old, err := s.store.GetProcess(oldID)
	if err != nil {
		s.logger.Error("auto-restart: load record", "id", oldID, "error", err)
		return
	}
	cfg, err := DecodeConfig(old)
	if err != nil {
		s.logger.Error("auto-restart: decode config", "id", oldID, "error", err)
		return
	}

	newID, err := s.launch(old.Name, cfg, launchParams{
		metadata:            old.Metadata,
		socketPath:          old.SocketPath,
		tcpPort:             old.TCPPort,
		restartCount:        old.RestartCount + 1,
		consecutiveFailures: old.ConsecutiveFailures,
	})
	if err != nil {
		s.logger.Error("auto-restart failed", "id", oldID, "name", old.Name, "error", err)
		return
	}
	s.hub.EmitProcess(events.EventProcessRestarted, events.ProcessRestartedData{
		Name:    old.Name,
		OldID:   oldID,
		NewID:   newID,
		Attempt: old.ConsecutiveFailures,
	})
}

// Stop terminates a process gracefully: SIGTERM, then SIGKILL after the grace
// period. It returns false when the id is unknown or already stopped.
func (s *Supervisor) Stop(ctx context.Context, id string) (bool, error) {
	return s.terminate(ctx, id, false)
}

// Kill terminates a process immediately with SIGKILL.
func (s *Supervisor) Kill(ctx context.Context, id string) (bool, error) {
	return s.terminate(ctx, id, true)
}

func (s *Supervisor) terminate(ctx context.Context, id string, force bool) (bool, error) {
	s.mu.Lock()
	m, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	m.requested = true
	if m.runtimeTimer != nil {
		m.runtimeTimer.Stop()
	}
	s.mu.Unlock()

	if force {
		s.logger.Info("killing process", "id", id, "pid", m.pid)
		_ = kill(m.pid)
	} else {
		s.logger.Info("stopping process", "id", id, "pid", m.pid)
		_ = terminate(m.pid)
	}

	if err := s.awaitExit(ctx, m, force); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.forgetLocked(m)
	s.mu.Unlock()

	rec, err := s.store.UpdateProcess(id, func(r *state.ProcessRecord) error {
		if err := transition(r, state.StatusStopped); err != nil {
			return err
		}
		r.StoppedAt = s.clock.Now()
		r.ConsecutiveFailures = 0
		return nil
	})
	if err != nil {
		return false, err
	}
	s.hub.EmitProcess(events.EventProcessStopped, processData(rec))
	return true, nil
}

// awaitExit waits for m to exit, escalating to SIGKILL after the grace period.
func (s *Supervisor) awaitExit(ctx context.Context, m *managed, killed bool) error {
	grace := time.NewTimer(s.opts.StopGracePeriod)
	defer grace.Stop()

	var poll <-chan time.Time
	if m.cmd == nil {
		// Orphans are not our children; we can only probe them.
		t := time.NewTicker(50 * time.Millisecond)
		defer t.Stop()
		poll = t.C
	}

	for {
		select {
		case <-m.done:
			return nil
		case <-poll:
			if !processAlive(m.pid) {
				return nil
			}
		case <-grace.C:
			if !killed {
				s.logger.Warn("grace period elapsed, sending SIGKILL", "id", m.id, "pid", m.pid)
				_ = kill(m.pid)
				killed = true
				grace.Reset(s.opts.StopGracePeriod)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// forgetLocked drops m from the watched set. Caller holds s.mu.
func (s *Supervisor) forgetLocked(m *managed) {
	if m.runtimeTimer != nil {
		m.runtimeTimer.Stop()
	}
	if cur, ok := s.procs[m.id]; ok && cur == m {
		delete(s.procs, m.id)
	}
}

// Restart stops a process and spawns a fresh one from the same resolved
// config. The old record stays queryable; consecutive failures reset.
func (s *Supervisor) Restart(ctx context.Context, id string) (string, error) {
	old, err := s.Get(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	_, ok := s.defs[old.Name]
	if t, pending := s.restarts[id]; pending {
		t.Stop()
		delete(s.restarts, id)
	}
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDefinitionNotFound, old.Name)
	}

	if _, err := s.Stop(ctx, id); err != nil {
		return "", err
	}

	cfg, err := DecodeConfig(old)
	if err != nil {
		return "", err
	}
	newID, err := s.launch(old.Name, cfg, launchParams{
		metadata:     old.Metadata,
		socketPath:   old.SocketPath,
		tcpPort:      old.TCPPort,
		restartCount: old.RestartCount + 1,
	})
	if err != nil {
		return "", err
	}
	s.hub.EmitProcess(events.EventProcessRestarted, events.ProcessRestartedData{
		Name:    old.Name,
		OldID:   id,
		NewID:   newID,
		Attempt: old.RestartCount + 1,
	})
	return newID, nil
}

// Get returns a process record by id.
func (s *Supervisor) Get(id string) (*state.ProcessRecord, error) {
	rec, err := s.store.GetProcess(id)
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	return rec, err
}

// GetByName returns every record spawned from a definition, oldest first.
func (s *Supervisor) GetByName(name string) ([]*state.ProcessRecord, error) {
	return s.store.ListProcesses(state.ProcessFilter{Name: name})
}

// GetRunning returns records that are running or adopted orphans.
func (s *Supervisor) GetRunning() ([]*state.ProcessRecord, error) {
	return s.store.ListProcesses(state.ProcessFilter{
		Statuses: []state.ProcessStatus{state.StatusRunning, state.StatusOrphaned},
	})
}

// List returns all records, oldest first.
func (s *Supervisor) List() ([]*state.ProcessRecord, error) {
	return s.store.ListProcesses(state.ProcessFilter{})
}

// Heartbeat refreshes the liveness timestamp of an active process.
func (s *Supervisor) Heartbeat(id string) error {
	_, err := s.store.UpdateProcess(id, func(r *state.ProcessRecord) error {
		if r.Status != state.StatusRunning && r.Status != state.StatusOrphaned {
			return fmt.Errorf("process %s is %s", id, r.Status)
		}
		r.LastHeartbeat = s.clock.Now()
		return nil
	})
	if errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	return err
}

// Stats samples resource usage of a running process.
func (s *Supervisor) Stats(id string) (Stats, error) {
	s.mu.Lock()
	m, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	return collectStats(m.pid)
}

// Shutdown stops periodic tasks, cancels pending restarts and stops every
// child process. Adopted orphans are left running.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for id, t := range s.restarts {
		t.Stop()
		delete(s.restarts, id)
	}
	var ids []string
	for id, m := range s.procs {
		if m.cmd != nil {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	s.sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			_, err := s.Stop(gctx, id)
			return err
		})
	}
	err := g.Wait()
	s.logger.Info("supervisor shut down", "stopped", len(ids))
	return err
}

func (s *Supervisor) emitCrashed(rec *state.ProcessRecord, code int) {
	s.hub.EmitProcess(events.EventProcessCrashed, events.ProcessCrashedData{
		ProcessData:         processData(rec),
		ExitCode:            code,
		ConsecutiveFailures: rec.ConsecutiveFailures,
	})
}

func processData(rec *state.ProcessRecord) events.ProcessData {
	return events.ProcessData{
		ID:       rec.ID,
		Name:     rec.Name,
		PID:      rec.PID,
		Status:   string(rec.Status),
		Metadata: rec.Metadata,
		Error:    rec.Error,
	}
}

// exitCode extracts the exit status from cmd.Wait's error.
// Signalled processes report -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
