package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/warden/internal/audit"
	"grimm.is/warden/internal/auth"
	"grimm.is/warden/internal/brand"
	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
	"grimm.is/warden/internal/orchestrator"
	"grimm.is/warden/internal/ratelimit"
	"grimm.is/warden/internal/state"
	"grimm.is/warden/internal/stats"
	"grimm.is/warden/internal/workflow"
)

// ServerConfig holds HTTP server limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration // Slowloris prevention
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64 // Request body size limit
	ShutdownTimeout   time.Duration

	// Control requests (start, cancel, resume) allowed per client per
	// interval; 0 disables limiting.
	ControlRateLimit    int
	ControlRateInterval time.Duration
}

// DefaultServerConfig returns the default server limits.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16, // 64KB
		MaxBodyBytes:      1 << 20, // 1MB
		ShutdownTimeout:   5 * time.Second,

		ControlRateLimit:    60,
		ControlRateInterval: time.Minute,
	}
}

// Workflows is the orchestrator surface the API drives.
type Workflows interface {
	Start(ctx context.Context, name string, input json.RawMessage, metadata map[string]any) (*orchestrator.Instance, error)
	Get(id string) (*orchestrator.Instance, error)
	List(f orchestrator.Filter) ([]*orchestrator.Instance, error)
	Cancel(ctx context.Context, id string) (*orchestrator.Instance, error)
	Resume(ctx context.Context, id string) (*orchestrator.Instance, error)
	Logs(id string, n int) []logging.LogEntry
	Registry() *workflow.Registry
}

// Processes lists supervised processes.
type Processes interface {
	List() ([]*state.ProcessRecord, error)
	Get(id string) (*state.ProcessRecord, error)
}

// ProcessStats serves recorded resource history.
type ProcessStats interface {
	Series(id string) (stats.Series, bool)
}

// AuditLog records and lists control actions.
type AuditLog interface {
	Write(evt audit.Event) error
	Query(q audit.Query) ([]audit.Event, error)
}

// ServerOptions holds dependencies for the API server
type ServerOptions struct {
	Workflows Workflows
	Processes Processes
	Stats     ProcessStats // optional
	Audit     AuditLog     // optional
	Hub       *events.Hub
	Logger    *logging.Logger
	Metrics   *metrics.Registry // optional
	Auth      *auth.Verifier    // optional; nil leaves the API open
	Clock     clock.Clock
	Config    *ServerConfig
}

// Server handles API requests.
type Server struct {
	workflows Workflows
	processes Processes
	stats     ProcessStats
	audit     AuditLog
	hub       *events.Hub
	logger    *logging.Logger
	metrics   *metrics.Registry
	clock     clock.Clock
	cfg       *ServerConfig
	startTime time.Time
	wsManager *WSManager
	limiter   *ratelimit.Limiter
	auth      *auth.Verifier

	mux *http.ServeMux
}

// NewServer creates a new API server with the provided options
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Workflows == nil || opts.Processes == nil {
		return nil, errors.New("api: workflows and processes are required")
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Config == nil {
		opts.Config = DefaultServerConfig()
	}
	if opts.Config.ControlRateLimit > 0 && opts.Config.ControlRateInterval <= 0 {
		opts.Config.ControlRateInterval = time.Minute
	}
	logger := logging.OrDefault(opts.Logger).WithComponent("api")

	s := &Server{
		workflows: opts.Workflows,
		processes: opts.Processes,
		stats:     opts.Stats,
		audit:     opts.Audit,
		hub:       opts.Hub,
		logger:    logger,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		cfg:       opts.Config,
		startTime: opts.Clock.Now(),
		limiter:   ratelimit.NewLimiter(opts.Clock),
		auth:      opts.Auth,
	}
	if opts.Hub != nil {
		s.wsManager = NewWSManager(opts.Hub, logger)
	}
	s.initRoutes()
	return s, nil
}

func (s *Server) initRoutes() {
	mux := http.NewServeMux()
	s.mux = mux

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	mux.HandleFunc("GET /v1/processes", s.handleListProcesses)
	mux.HandleFunc("GET /v1/processes/{id}", s.handleGetProcess)
	mux.HandleFunc("GET /v1/processes/{id}/stats", s.handleProcessStats)

	mux.HandleFunc("GET /v1/definitions", s.handleListDefinitions)
	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /v1/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("GET /v1/workflows/{id}/logs", s.handleWorkflowLogs)
	mux.HandleFunc("POST /v1/workflows/{name}/start", s.rateLimited(s.handleStartWorkflow))
	mux.HandleFunc("POST /v1/workflows/{id}/cancel", s.rateLimited(s.handleCancelWorkflow))
	mux.HandleFunc("POST /v1/workflows/{id}/resume", s.rateLimited(s.handleResumeWorkflow))

	mux.HandleFunc("GET /v1/audit", s.handleAudit)
	mux.HandleFunc("GET /v1/events", s.handleEventsWS)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.auth != nil {
		h = auth.NewMiddleware(s.auth, s.denyUnauthorized, "/health", "/metrics").RequireToken(h)
	}
	return s.accessLog(h)
}

func (s *Server) denyUnauthorized(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
	s.record(r, "unauthorized", r.URL.Path, http.StatusUnauthorized, nil, map[string]any{"method": r.Method})
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}

	if s.cfg.ControlRateLimit > 0 {
		s.limiter.StartCleanup(ctx, time.Minute, 10*s.cfg.ControlRateInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// Close disconnects websocket clients.
func (s *Server) Close() {
	if s.wsManager != nil {
		s.wsManager.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Uptime    string         `json:"uptime"`
	Processes map[string]int `json:"processes"`
	Workflows map[string]int `json:"workflows"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Status:    "online",
		Version:   brand.Version,
		Uptime:    s.clock.Since(s.startTime).Round(time.Second).String(),
		Processes: map[string]int{},
		Workflows: map[string]int{},
	}

	procs, err := s.processes.List()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	for _, p := range procs {
		resp.Processes[string(p.Status)]++
	}

	insts, err := s.workflows.List(orchestrator.Filter{})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	for _, i := range insts {
		resp.Workflows[string(i.Status)]++
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	procs, err := s.processes.List()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]*state.ProcessRecord, 0, len(procs))
	name := r.URL.Query().Get("name")
	for _, p := range procs {
		if name != "" && p.Name != name {
			continue
		}
		out = append(out, p)
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.processes.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleProcessStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if s.stats == nil {
		WriteError(w, http.StatusServiceUnavailable, "stats collection not enabled")
		return
	}
	if _, err := s.processes.Get(id); err != nil {
		writeDomainError(w, err)
		return
	}
	series, ok := s.stats.Series(id)
	if !ok {
		// Known process without samples yet.
		series = stats.Series{ID: id, CPU: []float64{}, RSS: []float64{}}
	}
	WriteJSON(w, http.StatusOK, series)
}
