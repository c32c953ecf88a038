package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kilnml/kiln/internal/compute"
	"github.com/kilnml/kiln/internal/engine"
	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB

	defaultWaitTimeoutS = 60
	maxWaitTimeoutS     = 600
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	store    store.Store
	registry *compute.Registry
	compute  *compute.Manager
	engine   *engine.Engine
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, s store.Store, reg *compute.Registry, mgr *compute.Manager, eng *engine.Engine, logger *slog.Logger) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		store:    s,
		registry: reg,
		compute:  mgr,
		engine:   eng,
		logger:   logger,
		addr:     addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())
	s.router.Get("/v1/provisioners", s.handleListProvisioners)

	s.router.Route("/v1/workspaces", func(r chi.Router) {
		r.Post("/", s.handleRegisterWorkspace)
		r.Get("/", s.handleListWorkspaces)

		r.Route("/{ws}", func(r chi.Router) {
			r.Get("/", s.handleGetWorkspace)
			r.Get("/stats", s.handleGetStats)

			r.Route("/datastores", func(r chi.Router) {
				r.Post("/", s.handleRegisterDatastore)
				r.Get("/", s.handleListDatastores)
				r.Get("/{name}", s.handleGetDatastore)
				r.Delete("/{name}", s.handleDeleteDatastore)
			})

			r.Route("/compute", func(r chi.Router) {
				r.Get("/", s.handleListCompute)
				r.Put("/{name}", s.handleEnsureCompute)
				r.Get("/{name}", s.handleGetCompute)
				r.Get("/{name}/wait", s.handleWaitCompute)
				r.Delete("/{name}", s.handleDeleteCompute)
			})

			r.Route("/pipelines", func(r chi.Router) {
				r.Post("/", s.handleCreatePipeline)
				r.Get("/", s.handleListPipelines)
				r.Get("/{id}", s.handleGetPipeline)
				r.Post("/{id}/publish", s.handlePublishPipeline)
			})

			r.Post("/experiments/{exp}/runs", s.handleSubmitRun)
			r.Get("/runs", s.handleListRuns)
			r.Get("/endpoints", s.handleListEndpoints)
		})
	})

	s.router.Route("/v1/runs/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetRun)
		r.Get("/wait", s.handleWaitRun)
		r.Get("/logs", s.handleStreamLogs)
		r.Get("/logs/history", s.handleGetLogHistory)
		r.Get("/metrics", s.handleListRunMetrics)
		r.Post("/metrics", s.handleReportMetric)
		r.Delete("/", s.handleCancelRun)
	})

	s.router.Route("/v1/endpoints/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetEndpoint)
		r.Post("/", s.handleInvokeEndpoint)
		r.Post("/disable", s.handleDisableEndpoint)
		r.Post("/enable", s.handleEnableEndpoint)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleListProvisioners(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Kinds())
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// workspaceFromPath resolves the {ws} path segment as a workspace ID, falling
// back to the workspace name. On failure it writes the error response and
// returns false.
func (s *Server) workspaceFromPath(w http.ResponseWriter, r *http.Request) (*model.Workspace, bool) {
	ref := chi.URLParam(r, "ws")

	ws, err := s.store.GetWorkspace(r.Context(), ref)
	if errors.Is(err, store.ErrNotFound) {
		ws, err = s.store.GetWorkspaceByName(r.Context(), ref)
	}
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workspace not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("resolve workspace", "ref", ref, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to resolve workspace")
		return nil, false
	}
	return ws, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON decodes a size-limited JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// waitTimeout reads the timeout_s query parameter, clamped to the allowed range.
func waitTimeout(r *http.Request) time.Duration {
	seconds := parseIntQuery(r, "timeout_s", defaultWaitTimeoutS)
	if seconds <= 0 {
		seconds = defaultWaitTimeoutS
	}
	if seconds > maxWaitTimeoutS {
		seconds = maxWaitTimeoutS
	}
	return time.Duration(seconds) * time.Second
}
