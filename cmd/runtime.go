package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"grimm.is/warden/internal/brand"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/demo"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/ipc"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
	"grimm.is/warden/internal/orchestrator"
	"grimm.is/warden/internal/state"
	"grimm.is/warden/internal/supervisor"
)

// RuntimeOptions selects how a Runtime is assembled.
type RuntimeOptions struct {
	// InMemory keeps all state in a private database that dies with the process.
	InMemory bool
	// LogOutput overrides where logs go (stderr by default).
	LogOutput io.Writer
	// Metrics enables prometheus recording of workflow and proxy activity.
	Metrics bool
}

// Runtime is a wired supervisor and orchestrator sharing one store and hub.
type Runtime struct {
	Config       *config.Config
	Logger       *logging.Logger
	Store        *state.SQLiteStore
	Hub          *events.Hub
	Metrics      *metrics.Registry
	Supervisor   *supervisor.Supervisor
	Orchestrator *orchestrator.Orchestrator
	Plugins      *demo.Plugins
}

// NewLogger builds the process logger from configuration and installs it as
// the package default.
func NewLogger(cfg *config.Config, out io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = os.Stderr
	}
	logger := logging.New(logging.Config{Level: level, Output: out, JSON: cfg.LogJSON})
	logging.SetDefault(logger)
	return logger, nil
}

// DatabasePath is where the daemon keeps its state for cfg.
func DatabasePath(cfg *config.Config) string {
	return filepath.Join(cfg.StateDir, brand.DatabaseFileName)
}

// NewRuntime opens the store and wires every component. Configured processes
// are registered but not spawned.
func NewRuntime(cfg *config.Config, opts RuntimeOptions) (*Runtime, error) {
	logger, err := NewLogger(cfg, opts.LogOutput)
	if err != nil {
		return nil, err
	}

	dbPath := ":memory:"
	if !opts.InMemory {
		if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		dbPath = DatabasePath(cfg)
	}
	// expired entries are purged by the scheduler instead of the store's own loop
	store, err := state.NewSQLiteStore(state.Options{Path: dbPath, WALMode: true})
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config: cfg,
		Logger: logger,
		Store:  store,
		Hub:    events.NewHub(),
	}
	if opts.Metrics {
		rt.Metrics = metrics.Get()
	}

	rt.Supervisor = supervisor.New(store, supervisor.Options{
		CheckInterval:      cfg.Supervisor.CheckIntervalDuration(),
		HeartbeatTimeout:   cfg.Supervisor.HeartbeatTimeoutDuration(),
		StopGracePeriod:    cfg.Supervisor.StopGracePeriodDuration(),
		StatsInterval:      cfg.Supervisor.StatsIntervalDuration(),
		DefaultMaxRestarts: cfg.Supervisor.DefaultMaxRestarts,
		Hub:                rt.Hub,
		Logger:             logger,
	})

	for _, pc := range cfg.Processes {
		if err := rt.Supervisor.Register(processDefinition(pc)); err != nil {
			store.Close()
			return nil, fmt.Errorf("process %q: %w", pc.Name, err)
		}
	}

	rt.Orchestrator, err = orchestrator.New(orchestrator.Options{
		Registry:  demo.Registry(),
		Processes: rt.Supervisor,
		Store:     store,
		Hub:       rt.Hub,
		Logger:    logger,
		Metrics:   rt.Metrics,
		IPC: ipc.Options{
			SocketDir: cfg.IPC.SocketDir,
			Transport: cfg.IPC.Transport,
			PortMin:   cfg.IPC.PortMin,
			PortMax:   cfg.IPC.PortMax,
		},
		HeartbeatInterval: cfg.Workflow.HeartbeatIntervalDuration(),
		ProxyTimeout:      cfg.Workflow.ProxyTimeoutDuration(),
		LogLevel:          cfg.LogLevel,
		LogBufferSize:     cfg.Workflow.LogBufferSize,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	rt.Plugins = demo.NewPlugins(logger)
	rt.Plugins.Register(rt.Orchestrator.Services())
	return rt, nil
}

// processDefinition maps a configured process onto a supervisor definition.
func processDefinition(pc config.ProcessConfig) supervisor.Definition {
	def := supervisor.Definition{
		Name: pc.Name,
		Config: supervisor.Config{
			Command:     pc.Command,
			Args:        pc.Args,
			Env:         pc.Env,
			Dir:         pc.Dir,
			AutoRestart: pc.AutoRestart,
			MaxRestarts: pc.MaxRestarts,
		},
	}
	if pc.Backoff != nil {
		def.Config.Backoff = supervisor.Backoff{
			InitialDelay: pc.Backoff.InitialDelayDuration(),
			MaxDelay:     pc.Backoff.MaxDelayDuration(),
			Multiplier:   pc.Backoff.MultiplierValue(),
		}
	}
	if pc.Limits != nil {
		def.Config.Limits.MaxRuntime = pc.Limits.MaxRuntimeDuration()
	}
	return def
}

// Close stops workflows first, then processes, then the store.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := rt.Orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	if err := rt.Supervisor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: %w", err))
	}
	if err := rt.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}
