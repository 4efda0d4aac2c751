// Package api serves the inbound webhook, delivery receipts, health and metrics over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/config"
	"github.com/t77yq/casewatch/internal/ingest"
	"github.com/t77yq/casewatch/internal/model"
	"github.com/t77yq/casewatch/internal/monitor"
)

// Ingester stores a parsed alert group
type Ingester interface {
	IngestAll(ctx context.Context, alerts []ingest.Alert) ([]ingest.IngestResult, error)
}

// Acknowledger applies delivery receipts
type Acknowledger interface {
	Acknowledge(ctx context.Context, trackingID string, ack model.AckType, at time.Time) (*model.Notification, error)
	AcknowledgeExternal(ctx context.Context, ch model.Channel, externalID string, ack model.AckType, at time.Time) (*model.Notification, error)
}

// Pinger checks database connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// HostStatsSource returns the latest host sample, nil when none was taken
type HostStatsSource interface {
	Latest() *monitor.HostStats
}

// Deps are the services behind the handlers. Host may be nil.
type Deps struct {
	Ingester Ingester
	Acks     Acknowledger
	DB       Pinger
	Host     HostStatsSource
}

// Server is the HTTP API server
type Server struct {
	logger *zap.Logger
	cfg    config.HTTPConfig
	deps   Deps
	router *chi.Mux
	server *http.Server
}

// New creates the server and its routes
func New(logger *zap.Logger, cfg config.HTTPConfig, deps Deps) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		logger: logger.Named("api"),
		cfg:    cfg,
		deps:   deps,
	}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(prometheusMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/webhooks/alerts", s.handleAlertWebhook)
		r.Post("/notifications/{trackingID}/receipts", s.handleReceipt)
		r.Post("/providers/{channel}/receipts", s.handleProviderReceipt)
	})

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
