package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tkaria/crucible/internal/auth"
	"github.com/tkaria/crucible/internal/dispatch"
	"github.com/tkaria/crucible/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router        *chi.Mux
	store         store.Store
	dispatcher    *dispatch.Dispatcher
	identify      auth.Identifier
	webhookSecret string
	logger        *slog.Logger
	addr          string
}

// NewServer creates and configures a new HTTP server. An empty webhookSecret
// disables signature verification on the worker push endpoints.
func NewServer(addr string, s store.Store, d *dispatch.Dispatcher, ident auth.Identifier, webhookSecret string, logger *slog.Logger) *Server {
	srv := &Server{
		router:        chi.NewRouter(),
		store:         s,
		dispatcher:    d,
		identify:      ident,
		webhookSecret: webhookSecret,
		logger:        logger,
		addr:          addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-Actor-Id", "X-Actor-Admin", "X-Signature"},
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

	s.router.Route("/v1", func(r chi.Router) {
		// Worker push endpoints authenticate by HMAC signature, not actor.
		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/ping", s.handleWebhookPing)
			r.Post("/worker/status", s.handleWorkerStatus)
			r.Post("/worker/metrics", s.handleWorkerMetrics)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.actorMiddleware)

			r.Get("/stats", s.handleGetStats)
			r.Post("/metrics", s.handleIngestMetrics)

			r.Route("/tasks", func(r chi.Router) {
				r.Post("/", s.handleCreateTask)
				r.Get("/", s.handleListTasks)
				r.Get("/{id}", s.handleGetTask)
				r.Patch("/{id}", s.handleUpdateTask)
				r.Delete("/{id}", s.handleDeleteTask)
				r.Post("/{id}/run", s.handleStartRun)
				r.Post("/{id}/cancel", s.handleCancelRun)
				r.Get("/{id}/metrics", s.handleListMetrics)
			})

			r.Route("/reports", func(r chi.Router) {
				r.Get("/compare", s.handleCompareRuns)
				r.Get("/runs/{id}", s.handleRunSummary)
				r.Get("/runs/{id}/export.csv", s.handleExportCSV)
			})
		})
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

// actorMiddleware resolves the caller through the injected identifier and
// places it on the request context.
func (s *Server) actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, err := s.identify.Identify(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), a)))
	})
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
