package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"k8s.io/component-base/metrics/legacyregistry"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
	"github.com/elevated-systems/restock-gardener/pkg/restock/scheduler"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

const shutdownTimeout = 10 * time.Second

// HealthSource supplies the health snapshot
type HealthSource interface {
	Snapshot() types.HealthSnapshot
}

// AuditStore is the read side of the results log
type AuditStore interface {
	DecisionsSince(ctx context.Context, key types.Key, since time.Time) ([]types.RestockDecision, error)
	LatestForecast(ctx context.Context, key types.Key) (*types.Forecast, error)
	LatestDecision(ctx context.Context, key types.Key) (*types.RestockDecision, error)
	LatestEvaluation(ctx context.Context, key types.Key) (*types.EvaluationResult, error)
}

// CycleTrigger runs a batch cycle on demand
type CycleTrigger interface {
	Tick(ctx context.Context) (*scheduler.CycleSummary, error)
}

// Server is the operational HTTP API: health, audit queries, manual
// cycle trigger and metrics
type Server struct {
	app     *fiber.App
	addr    string
	health  HealthSource
	audit   AuditStore
	trigger CycleTrigger

	// cycleCtx outlives individual requests so a client disconnect never
	// cancels a cycle it triggered
	cycleCtx context.Context
}

// New creates the API server and registers its routes. trigger may be nil
// to disable manual cycles.
func New(cfg config.ObservabilityConfig, health HealthSource, audit AuditStore, trigger CycleTrigger) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			AppName:               "restockd",
			DisableStartupMessage: true,
		}),
		addr:     cfg.ListenAddr,
		health:   health,
		audit:    audit,
		trigger:  trigger,
		cycleCtx: context.Background(),
	}

	s.app.Use(recover.New())
	s.app.Use(logRequests)

	s.app.Get("/healthz", s.handleHealthz)

	api := s.app.Group("/api/v1")
	api.Get("/health", s.handleHealth)
	api.Get("/decisions", s.handleDecisions)
	api.Get("/forecast/:zone/:item", s.handleForecast)
	api.Post("/cycles", s.handleTriggerCycle)

	if cfg.MetricsEnabled {
		s.app.Get("/metrics", adaptor.HTTPHandler(legacyregistry.Handler()))
	}
	return s
}

// App exposes the underlying fiber app, mainly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.cycleCtx = context.WithoutCancel(ctx)

	errCh := make(chan error, 1)
	go func() {
		klog.InfoS("Starting operational API", "addr", s.addr)
		errCh <- s.app.Listen(s.addr)
	}()

	select {
	case <-ctx.Done():
		klog.InfoS("Shutting down operational API")
		return s.app.ShutdownWithTimeout(shutdownTimeout)
	case err := <-errCh:
		return err
	}
}

func logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	klog.V(4).InfoS("Handled request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration", time.Since(start))
	return err
}
