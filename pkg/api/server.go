package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quarryhq/quarry/pkg/events"
	"github.com/quarryhq/quarry/pkg/log"
	"github.com/quarryhq/quarry/pkg/metrics"
	"github.com/quarryhq/quarry/pkg/storage"
	"github.com/quarryhq/quarry/pkg/types"
)

// Deployer is the deployment-request surface the API drives. Implemented by
// ingest.Ingestor.
type Deployer interface {
	SubmitManual(ctx context.Context, req *types.DeploymentRequest) (*types.Deployment, error)
	HandleWebhook(ctx context.Context, event string, body []byte) ([]*types.Deployment, error)
}

// Lifecycle is the app-level control surface. Implemented by
// orchestrator.Orchestrator.
type Lifecycle interface {
	Cancel(ctx context.Context, deploymentID string) error
	StopApp(ctx context.Context, appID string) error
	RemoveApp(ctx context.Context, appID string) error
}

// BuildReporter receives build-system status callbacks. Implemented by
// build.Runner.
type BuildReporter interface {
	Report(deploymentID string, succeeded bool, imageRef, reason string)
}

// Config holds the HTTP server settings
type Config struct {
	Addr string

	// Token guards /api/v1; empty disables auth. The build callback is
	// guarded by per-deployment tokens instead.
	Token string
}

// Server is the HTTP front of the orchestrator
type Server struct {
	store     storage.Store
	deployer  Deployer
	lifecycle Lifecycle
	builds    BuildReporter
	broker    *events.Broker
	cfg       Config

	httpSrv *http.Server
}

// NewServer creates the API server
func NewServer(store storage.Store, deployer Deployer, lifecycle Lifecycle, builds BuildReporter, broker *events.Broker, cfg Config) *Server {
	return &Server{
		store:     store,
		deployer:  deployer,
		lifecycle: lifecycle,
		builds:    builds,
		broker:    broker,
		cfg:       cfg,
	}
}

// Router assembles the full route tree
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(bodyLimit)

	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/webhooks/git", s.handleWebhook)
	r.Post("/internal/builds/{deployment}/status", s.handleBuildStatus)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(bearerAuth(s.cfg.Token))

		r.Route("/apps", func(r chi.Router) {
			r.Post("/", s.createApp)
			r.Get("/", s.listApps)
			r.Route("/{app}", func(r chi.Router) {
				r.Get("/", s.getApp)
				r.Delete("/", s.deleteApp)
				r.Put("/cd", s.setCD)
				r.Post("/stop", s.stopApp)
				r.Get("/events", s.streamEvents)
				r.Post("/deployments", s.createDeployment)
				r.Get("/deployments", s.listDeployments)
			})
		})

		r.Route("/deployments/{id}", func(r chi.Router) {
			r.Get("/", s.getDeployment)
			r.Post("/cancel", s.cancelDeployment)
		})
	})

	return r
}

// Start runs the HTTP server until the listener fails
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", s.cfg.Addr).Msg("API server listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
