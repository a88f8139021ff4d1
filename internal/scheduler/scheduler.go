// Package scheduler provides a task scheduler for periodic background jobs
// such as liveness probes, stats collection and cache purging.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/logging"
)

// TaskFunc is a function that performs a scheduled task.
// It receives a context that will be cancelled if the scheduler stops.
type TaskFunc func(ctx context.Context) error

// Schedule defines when a task should run.
type Schedule interface {
	// Next returns the next time the task should run after the given time.
	Next(after time.Time) time.Time
}

// Task represents a scheduled task.
type Task struct {
	ID          string
	Name        string
	Description string
	Schedule    Schedule
	Func        TaskFunc
	Enabled     bool
	RunOnStart  bool // Run immediately when scheduler starts
	Timeout     time.Duration
}

// TaskStatus represents the current status of a task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	LastRun      time.Time     `json:"last_run,omitzero"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitzero"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
}

// Scheduler manages and runs scheduled tasks.
type Scheduler struct {
	tasks      map[string]*taskEntry
	mu         sync.RWMutex
	logger     *logging.Logger
	clock      clock.Clock
	resolution time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	running    bool
	wg         sync.WaitGroup
}

type taskEntry struct {
	task       *Task
	status     TaskStatus
	nextRun    time.Time
	inFlight   bool
	cancelFunc context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithResolution sets how often due tasks are checked (default 1s).
// Intervals shorter than the resolution are rounded up to it.
func WithResolution(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.resolution = d
		}
	}
}

// WithClock sets the time source used to compute run times.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// New creates a new scheduler.
func New(logger *logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:      make(map[string]*taskEntry),
		logger:     logging.OrDefault(logger).WithComponent("scheduler"),
		clock:      &clock.RealClock{},
		resolution: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTask adds a task to the scheduler.
func (s *Scheduler) AddTask(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Schedule == nil {
		return fmt.Errorf("task schedule is required")
	}
	if task.Func == nil {
		return fmt.Errorf("task function is required")
	}

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	entry := &taskEntry{
		task: task,
		status: TaskStatus{
			ID:          task.ID,
			Name:        task.Name,
			Description: task.Description,
			Enabled:     task.Enabled,
		},
	}

	if task.Enabled {
		entry.nextRun = task.Schedule.Next(s.clock.Now())
		entry.status.NextRun = entry.nextRun
	}

	s.tasks[task.ID] = entry
	if s.running && task.Enabled && task.RunOnStart {
		s.launchLocked(entry)
	}
	s.logger.Debug("task added", "id", task.ID, "name", task.Name)

	return nil
}

// RemoveTask removes a task from the scheduler.
func (s *Scheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return fmt.Errorf("task %s not found", id)
	}

	if entry.cancelFunc != nil {
		entry.cancelFunc()
	}

	delete(s.tasks, id)
	s.logger.Debug("task removed", "id", id)
	return nil
}

// EnableTask enables or disables a task.
func (s *Scheduler) EnableTask(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return fmt.Errorf("task %s not found", id)
	}

	entry.task.Enabled = enabled
	entry.status.Enabled = enabled

	if enabled {
		entry.nextRun = entry.task.Schedule.Next(s.clock.Now())
	} else {
		entry.nextRun = time.Time{}
	}
	entry.status.NextRun = entry.nextRun

	return nil
}

// RunTask runs a task immediately, regardless of schedule.
// It is a no-op if the task is already running or the scheduler is stopped.
func (s *Scheduler) RunTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return fmt.Errorf("task %s not found", id)
	}
	if !s.running {
		return fmt.Errorf("scheduler is not running")
	}

	s.launchLocked(entry)
	return nil
}

// GetStatus returns the status of all tasks, sorted by name.
func (s *Scheduler) GetStatus() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, entry := range s.tasks {
		statuses = append(statuses, entry.status)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})

	return statuses
}

// GetTaskStatus returns the status of a specific task.
func (s *Scheduler) GetTaskStatus(id string) (TaskStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.tasks[id]
	if !exists {
		return TaskStatus{}, false
	}
	return entry.status, true
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	for _, entry := range s.tasks {
		if entry.task.Enabled && entry.task.RunOnStart {
			s.launchLocked(entry)
		}
	}

	s.wg.Add(1)
	go s.run(s.ctx)
	s.logger.Debug("scheduler started", "resolution", s.resolution)
}

// Stop stops the scheduler and waits for running tasks to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug("scheduler stopped")
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAndRunTasks(s.clock.Now())
		}
	}
}

// checkAndRunTasks launches every enabled task that is due and not already running.
func (s *Scheduler) checkAndRunTasks(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	for _, entry := range s.tasks {
		if !entry.task.Enabled || entry.nextRun.IsZero() {
			continue
		}
		if !now.Before(entry.nextRun) {
			s.launchLocked(entry)
		}
	}
}

// launchLocked starts entry in its own goroutine. Caller holds s.mu.
func (s *Scheduler) launchLocked(entry *taskEntry) {
	if entry.inFlight {
		return
	}
	entry.inFlight = true
	entry.status.Running = true

	var ctx context.Context
	var cancel context.CancelFunc
	if entry.task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, entry.task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	entry.cancelFunc = cancel

	s.wg.Add(1)
	go s.executeTask(ctx, cancel, entry)
}

func (s *Scheduler) executeTask(ctx context.Context, cancel context.CancelFunc, entry *taskEntry) {
	defer s.wg.Done()
	defer cancel()

	task := entry.task
	start := s.clock.Now()
	err := task.Func(ctx)
	duration := s.clock.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry.inFlight = false
	entry.cancelFunc = nil
	entry.status.Running = false
	entry.status.LastRun = start
	entry.status.LastDuration = duration
	entry.status.RunCount++
	if err != nil {
		entry.status.LastError = err.Error()
		entry.status.ErrorCount++
		s.logger.Warn("task failed", "id", task.ID, "error", err, "duration", duration)
	} else {
		entry.status.LastError = ""
	}

	if task.Enabled {
		entry.nextRun = task.Schedule.Next(s.clock.Now())
		entry.status.NextRun = entry.nextRun
	}
}
