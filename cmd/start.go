package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"grimm.is/warden/internal/api"
	"grimm.is/warden/internal/audit"
	"grimm.is/warden/internal/auth"
	"grimm.is/warden/internal/brand"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/health"
	"grimm.is/warden/internal/metrics"
	"grimm.is/warden/internal/notification"
	"grimm.is/warden/internal/scheduler"
	"grimm.is/warden/internal/stats"
	"grimm.is/warden/internal/supervisor"
	wtls "grimm.is/warden/internal/tls"
)

const (
	auditDatabaseName  = "audit.db"
	auditRetentionDays = 30
	shutdownTimeout    = 30 * time.Second

	// how often the API certificate is re-read and, if self-signed, renewed
	certRefreshInterval = 12 * time.Hour
)

// PIDFile is where a running daemon records its pid.
func PIDFile() string {
	return filepath.Join(brand.GetRunDir(), brand.LowerName+".pid")
}

// RunStart starts the daemon in the background and returns once it has
// survived startup.
func RunStart(configFile string) error {
	// Validate before forking so errors reach the terminal
	if _, err := config.LoadFileOrDefault(configFile); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if pid, ok := runningPID(); ok {
		return fmt.Errorf("process already running (PID: %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	cmd := exec.Command(exe, "start", "-foreground", "-config", configFile)

	logDir := brand.GetLogDir()
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile := filepath.Join(logDir, brand.LowerName+".log")
	logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logF.Close()

	cmd.Stdout = logF
	cmd.Stderr = logF
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	Printer.Printf("Started %s (PID: %d)\n", brand.Name, cmd.Process.Pid)
	Printer.Printf("Logs: %s\n", logFile)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		Printer.Fprintf(os.Stderr, "\nError: Daemon exited immediately.\n")
		if lines := tailLogFile(logFile, 10); len(lines) > 0 {
			Printer.Fprintf(os.Stderr, "Log output:\n")
			for _, line := range lines {
				Printer.Fprintf(os.Stderr, "  %s\n", line)
			}
		}
		if err != nil {
			return fmt.Errorf("daemon failed to start: %w", err)
		}
		return errors.New("daemon exited unexpectedly")
	case <-time.After(500 * time.Millisecond):
		if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
			return fmt.Errorf("daemon died during startup (check logs: %s)", logFile)
		}
		return nil
	}
}

// RunDaemon runs the supervisor, the orchestrator and the API in the
// foreground until SIGINT or SIGTERM.
func RunDaemon(configFile string) error {
	cfg, err := config.LoadFileOrDefault(configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := NewRuntime(cfg, RuntimeOptions{Metrics: true})
	if err != nil {
		return err
	}
	logger := rt.Logger.WithComponent("daemon")
	logger.Info("starting", "version", brand.Version, "state_dir", cfg.StateDir, "socket_dir", cfg.IPC.SocketDir)

	guard := health.NewCrashTracker(cfg.StateDir, nil)
	safeMode, err := guard.CheckCrashLoop()
	if err != nil {
		logger.Warn("crash tracking unavailable", "error", err)
	}
	if safeMode {
		logger.Warn("restart loop detected, entering safe mode", "crashes", guard.Crashes())
	}
	guard.StartStabilityTimer(func(err error) {
		if err != nil {
			logger.Warn("failed to reset crash counter", "error", err)
			return
		}
		logger.Debug("daemon stable, crash counter reset")
	})
	defer guard.Stop()

	if err := writePIDFile(); err != nil {
		logger.Warn("failed to write pid file", "error", err)
	} else {
		defer os.Remove(PIDFile())
	}

	report, err := rt.Supervisor.RecoverOrphans(ctx)
	if err != nil {
		logger.Warn("orphan recovery incomplete", "error", err)
	}
	if report != nil && len(report.Adopted)+len(report.Crashed)+len(report.Stopped) > 0 {
		logger.Info("recovered processes", "adopted", len(report.Adopted), "crashed", len(report.Crashed), "stopped", len(report.Stopped))
	}
	if ids, err := rt.Orchestrator.RecoverInstances(); err != nil {
		logger.Warn("instance recovery failed", "error", err)
	} else if len(ids) > 0 {
		logger.Info("failed interrupted workflows", "count", len(ids))
	}

	auditStore, err := audit.NewStore(filepath.Join(cfg.StateDir, auditDatabaseName), auditRetentionDays, rt.Logger)
	if err != nil {
		rt.Close(context.Background())
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditStore.Close()

	tasks := &scheduler.TaskRegistry{
		PurgeExpired:  rt.Store.PurgeExpired,
		ActiveIDs:     rt.Orchestrator.ActiveIDs,
		CleanChannels: rt.Orchestrator.Server().CleanOrphanedChannels,
		PruneAudit:    auditStore.Prune,
	}
	sched := rt.Supervisor.Scheduler()
	for _, t := range []*scheduler.Task{
		scheduler.NewCachePurgeTask(tasks, 5*time.Minute),
		scheduler.NewChannelCleanupTask(tasks, 10*time.Minute),
		scheduler.NewAuditPruneTask(tasks, 24*time.Hour),
	} {
		if err := sched.AddTask(t); err != nil {
			logger.Warn("failed to schedule task", "task", t.ID, "error", err)
		}
	}
	rt.Supervisor.Start()

	collector := metrics.NewCollector(rt.Metrics, rt.Hub, rt.Logger)
	collector.Start(ctx)
	defer collector.Stop()

	history := stats.NewCollector(rt.Hub)
	history.Start(ctx)
	defer history.Stop()

	notifier := notification.NewDispatcher(cfg.Notify, notification.Options{Logger: rt.Logger})
	notifier.Start(ctx, rt.Hub)
	defer notifier.Stop()

	for _, pc := range cfg.Processes {
		if !pc.Autostart {
			continue
		}
		if safeMode {
			logger.Warn("safe mode: not starting process", "name", pc.Name)
			continue
		}
		id, err := rt.Supervisor.Spawn(ctx, pc.Name, supervisor.SpawnOptions{})
		if err != nil {
			logger.Error("failed to start process", "name", pc.Name, "error", err)
			continue
		}
		logger.Info("started process", "name", pc.Name, "id", id)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Enabled {
		srv, err := newAPIServer(cfg, rt, history, auditStore)
		if err != nil {
			rt.Close(context.Background())
			return err
		}
		ln, err := apiListener(ctx, cfg, rt)
		if err != nil {
			rt.Close(context.Background())
			return err
		}
		g.Go(func() error {
			return srv.Serve(gctx, ln)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	} else if err := guard.Reset(); err != nil {
		logger.Warn("failed to reset crash counter", "error", err)
	}
	return runErr
}

func newAPIServer(cfg *config.Config, rt *Runtime, history *stats.Collector, auditStore *audit.Store) (*api.Server, error) {
	opts := api.ServerOptions{
		Workflows: rt.Orchestrator,
		Processes: rt.Supervisor,
		Stats:     history,
		Audit:     auditStore,
		Hub:       rt.Hub,
		Logger:    rt.Logger,
		Metrics:   rt.Metrics,
		Config:    api.DefaultServerConfig(),
	}
	opts.Config.ControlRateLimit = max(cfg.API.RateLimit, 0)
	if cfg.API.TokenHash != "" {
		v, err := auth.NewVerifier(cfg.API.TokenHash)
		if err != nil {
			return nil, fmt.Errorf("api.token_hash: %w", err)
		}
		opts.Auth = v
	} else if host, _, err := net.SplitHostPort(cfg.API.Listen); err == nil && !isLoopback(host) {
		rt.Logger.Warn("API listens beyond loopback without a token", "listen", cfg.API.Listen)
	}
	return api.NewServer(opts)
}

// apiListener listens on api.listen, wrapped in TLS when api.tls is set.
func apiListener(ctx context.Context, cfg *config.Config, rt *Runtime) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.API.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.API.Listen, err)
	}
	ln = netutil.LimitListener(ln, cfg.API.MaxConnections)
	t := cfg.API.TLS
	if t == nil {
		return ln, nil
	}

	hosts := slices.Clone(t.Hosts)
	if host, _, err := net.SplitHostPort(cfg.API.Listen); err == nil {
		hosts = append(hosts, host)
	}
	mgr, err := wtls.NewManager(wtls.Options{
		CertFile:   t.CertFile,
		KeyFile:    t.KeyFile,
		SelfSigned: t.SelfSigned,
		ValidDays:  t.ValidDays,
		Hosts:      hosts,
		Logger:     rt.Logger,
	})
	if err != nil {
		ln.Close()
		return nil, err
	}
	mgr.StartAutoRenew(ctx, certRefreshInterval)
	rt.Logger.Info("API serving TLS", "cert", t.CertFile, "expires", mgr.NotAfter().Format(time.DateOnly))
	return tls.NewListener(ln, mgr.ServerConfig()), nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writePIDFile() error {
	path := PIDFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// runningPID returns the pid in the pid file when that process is alive.
// A stale pid file is removed.
func runningPID() (int, bool) {
	data, err := os.ReadFile(PIDFile())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && pid > 0 && syscall.Kill(pid, 0) == nil {
		return pid, true
	}
	Printer.Printf("Warning: Removing stale PID file %s\n", PIDFile())
	os.Remove(PIDFile())
	return 0, false
}

// tailLogFile returns the last n lines of a log file
func tailLogFile(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if scanner.Text() == "" {
			continue
		}
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines
}
