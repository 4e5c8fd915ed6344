package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/averoa/flowcore/internal/engine"
	"github.com/averoa/flowcore/internal/sla"
	"github.com/averoa/flowcore/internal/store"
	"github.com/averoa/flowcore/internal/validation"
	"github.com/averoa/flowcore/internal/webhook"
)

// actorHeader carries the already-authenticated caller identity, placed by
// the upstream gateway. The core trusts it for audit attribution only.
const actorHeader = "X-Actor-Id"

// Config holds HTTP server settings.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server exposes the core's operations over HTTP for the admin console and
// API gateway.
type Server struct {
	store      store.Store
	validator  *validation.JSONSchemaValidator
	orch       *engine.Orchestrator
	gateway    *sla.Gateway
	webhooks   *webhook.Service
	logger     *slog.Logger
	router     chi.Router
	httpServer *http.Server
}

// New creates a server wiring the given components.
func New(
	cfg Config,
	s store.Store,
	validator *validation.JSONSchemaValidator,
	orch *engine.Orchestrator,
	gateway *sla.Gateway,
	webhooks *webhook.Service,
	logger *slog.Logger,
) *Server {
	srv := &Server{
		store:     s,
		validator: validator,
		orch:      orch,
		gateway:   gateway,
		webhooks:  webhooks,
		logger:    logger,
	}
	srv.router = srv.setupRouter()
	srv.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      srv.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return srv
}

// Router returns the configured router, mainly for tests.
func (s *Server) Router() chi.Router { return s.router }

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", s.handleCreateWorkflow)
			r.Get("/", s.handleListWorkflows)
			r.Get("/{workflowID}", s.handleGetWorkflow)
			r.Patch("/{workflowID}/active", s.handleSetWorkflowActive)
			r.Post("/{workflowID}/runs", s.handleStartRun)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/{runID}", s.handleGetRun)
			r.Post("/{runID}/cancel", s.handleCancelRun)
		})

		r.Post("/run-steps/{runStepID}/approve", s.handleApproveRunStep)

		r.Route("/approvals", func(r chi.Router) {
			r.Post("/", s.handleCreateApproval)
			r.Get("/", s.handleListApprovals)
			r.Get("/analytics", s.handleApprovalAnalytics)
			r.Post("/{approvalID}/decide", s.handleDecideApproval)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", s.handleCreateWebhook)
			r.Post("/{webhookID}/test", s.handleTestWebhook)
			r.Patch("/{webhookID}/active", s.handleSetWebhookActive)
			r.Get("/{webhookID}/stats", s.handleWebhookStats)
			r.Get("/{webhookID}/deliveries", s.handleListDeliveries)
		})

		r.Post("/deliveries/{deliveryID}/retry", s.handleRetryDelivery)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.logger.Info("starting http server", slog.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
