// Package api is the HTTP surface of the orchestrator.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ndrlab/ndr-orchestrator/pkg/logging"
	"github.com/ndrlab/ndr-orchestrator/pkg/prediction"
	"github.com/ndrlab/ndr-orchestrator/pkg/queue"
)

// Handlers serves the prediction and queue routes.
type Handlers struct {
	manager     *queue.Manager
	predictions *prediction.Service
	logger      *slog.Logger
	metrics     http.Handler
}

// Option configures Handlers.
type Option func(*Handlers)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handlers) { h.logger = l }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to the
// default Prometheus registry.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handlers) { h.metrics = m }
}

// NewHandlers creates the route handlers.
func NewHandlers(manager *queue.Manager, predictions *prediction.Service, opts ...Option) *Handlers {
	h := &Handlers{
		manager:     manager,
		predictions: predictions,
		logger:      slog.Default(),
		metrics:     promhttp.Handler(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi router with every route mounted.
func (h *Handlers) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", h.Health)
	r.Handle("/metrics", h.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NoCache)
		h.Register(r)
	})
	return r
}

// Register attaches the /predict, /predictions and /queue routes to r.
func (h *Handlers) Register(r chi.Router) {
	r.Route("/predict", func(r chi.Router) {
		r.Get("/", h.PredictStatus)
		r.Post("/offline", h.PredictOffline)
		r.Get("/job/{jobID}", h.PredictJobStatus)
		r.Post("/online", h.PredictOnline)
		r.Get("/online/status", h.PredictOnlineStatus)
		r.Post("/online/stop", h.PredictOnlineStop)
	})

	r.Route("/predictions", func(r chi.Router) {
		r.Get("/", h.ListPredictions)
		r.Get("/{id}", h.GetPrediction)
		r.Get("/{id}/download", h.artifact(predictionsArtifact))
		r.Get("/{id}/attack", h.artifact(attacksArtifact))
		r.Get("/{id}/attacks", h.artifact(attacksArtifact))
		r.Get("/{id}/normal", h.artifact(normalsArtifact))
		r.Get("/{id}/normals", h.artifact(normalsArtifact))
	})

	r.Route("/queue", func(r chi.Router) {
		r.Get("/stats", h.QueueStats)
		r.Post("/cleanup", h.QueueCleanup)
		r.Post("/{queue}/jobs", h.SubmitJob)
		r.Get("/{queue}/jobs/{jobID}", h.JobStatus)
		r.Delete("/{queue}/jobs/{jobID}", h.CancelJob)
	})
}

// Health reports liveness and broker reachability.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"brokerAvailable": h.manager.IsBrokerAvailable(),
	})
}

// requestID carries chi's request id into the context logger.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Server is the HTTP server.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a server for handler on addr.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
