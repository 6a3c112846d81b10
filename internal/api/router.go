// Package api exposes the job manager over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"jobengine/internal/core"
	"jobengine/internal/events"
	"jobengine/internal/pipeline"
)

// PoolStatus reports execution pool occupancy.
type PoolStatus interface {
	Slots() int
	RunningCount() int
}

// RunLogs locates execution run logs.
type RunLogs interface {
	RunLogPath(executionID int64) string
}

// JobDefaults are applied to job definitions that leave the corresponding field unset.
type JobDefaults struct {
	Trigger      core.TriggerKind
	Action       string
	HistoryLimit int
}

// Options configures the server.
type Options struct {
	Addr      string
	AuthToken string
	Location  *time.Location
	Defaults  JobDefaults
	// MCP is mounted at /mcp when set.
	MCP http.Handler
	// Gatherer backs /metrics when set.
	Gatherer prometheus.Gatherer
	Logger   *zap.SugaredLogger
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	manager    *core.JobManager
	pool       PoolStatus
	registry   *pipeline.Registry
	logs       RunLogs
	broker     *events.Broker
	opts       Options
	logger     *zap.SugaredLogger
	location   *time.Location
}

// NewServer constructs the HTTP API server.
func NewServer(manager *core.JobManager, pool PoolStatus, registry *pipeline.Registry, logs RunLogs, broker *events.Broker, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Defaults.Trigger == "" {
		opts.Defaults.Trigger = core.TriggerManual
	}
	if opts.Defaults.Action == "" {
		opts.Defaults.Action = "command"
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(RequestLogger(opts.Logger))
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		manager:  manager,
		pool:     pool,
		registry: registry,
		logs:     logs,
		broker:   broker,
		opts:     opts,
		logger:   opts.Logger,
		location: opts.Location,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Infow("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	if s.opts.MCP != nil {
		var mcpHandler http.Handler = s.opts.MCP
		if s.opts.AuthToken != "" {
			mcpHandler = AuthMiddleware(s.opts.AuthToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.opts.AuthToken != "" {
			r.Use(AuthMiddleware(s.opts.AuthToken))
		}

		r.Post("/cron/preview", s.handleCronPreview)
		r.Get("/pool", s.handlePool)
		r.Get("/events", s.handleEvents)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleCreateJob)
			r.Get("/scheduled", s.handleScheduledJobs)

			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Put("/", s.handleUpdateJob)
				r.Delete("/", s.handleDeleteJob)
				r.Post("/run", s.handleRunJob)
				r.Post("/events", s.handleJobEvent)
				r.Get("/executions", s.handleListJobExecutions)
				r.Get("/executions/{state}/count", s.handleCountJobExecutions)
				r.Put("/executions/state", s.handleUpdateJobExecutions)
			})
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Route("/{executionID}", func(r chi.Router) {
				r.Get("/", s.handleGetExecution)
				r.Post("/cancel", s.handleCancelExecution)
				r.Put("/state", s.handleUpdateExecutionState)
				r.Get("/log", s.handleExecutionLog)
			})
		})
	})
}

type poolResponse struct {
	Slots   int `json:"slots"`
	Running int `json:"running"`
	Waiting int `json:"waiting"`
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	waiting, err := s.manager.CountExecutions(r.Context(), core.StateWaiting)
	if err != nil {
		s.writeFailure(w, r, err, "count waiting executions")
		return
	}
	writeJSON(w, http.StatusOK, poolResponse{
		Slots:   s.pool.Slots(),
		Running: s.pool.RunningCount(),
		Waiting: waiting,
	})
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func pageParams(r *http.Request) (int, int) {
	page := parseIntDefault(r.URL.Query().Get("page"), 0)
	size := parseIntDefault(r.URL.Query().Get("size"), 20)
	if page < 0 {
		page = 0
	}
	if size < 0 {
		size = core.Unpaged
	}
	return page, size
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// classify maps manager errors to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrJobNotFound), errors.Is(err, core.ErrExecutionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrInvalidTrigger):
		return http.StatusBadRequest, "invalid_trigger"
	case errors.Is(err, core.ErrJobIDRequired), errors.Is(err, core.ErrExecutionIDRequired),
		errors.Is(err, core.ErrStateRequired):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, core.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, core.ErrEventRejected):
		return http.StatusConflict, "event_rejected"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeFailure reports err. Client errors carry the error text and hints; server errors are
// logged and reported generically.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error, action string) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw(action, "path", r.URL.Path, "error", err)
		writeError(w, status, code, "failed to "+action)
		return
	}
	writeJSON(w, status, map[string]errorBody{"error": {
		Code:    code,
		Message: err.Error(),
		Hint:    errors.FlattenHints(err),
	}})
}
