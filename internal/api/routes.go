package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/health"
	"github.com/ctbritt/foundry-vtt-mcp-sub000/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Jobs          JobService
	Providers     ProviderLister
	Signaling     OfferAnswerer
	Sockets       SocketServer
	HealthChecker *health.Checker
	Metrics       *observability.Metrics

	// ArtifactDir is served under /artifacts/ when set.
	ArtifactDir string

	// BaseContext bounds WebSocket sessions; cancel it to drop the peer on
	// shutdown.
	BaseContext context.Context
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg)

	r := chi.NewRouter()

	// Order matters: outermost first.
	r.Use(RecoveryMiddleware())
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware())

	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)

	r.Get("/ws", handler.Socket)
	r.With(ContentTypeMiddleware()).Post("/webrtc-offer", handler.WebRTCOffer)

	r.Route("/v1", func(r chi.Router) {
		r.Use(ContentTypeMiddleware())
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", handler.CreateJob)
			r.Get("/", handler.ListJobs)
			r.Get("/{jobId}", handler.GetJob)
			r.Delete("/{jobId}", handler.DeleteJob)
		})
		r.Get("/providers", handler.ListProviders)
		r.Get("/worker", handler.WorkerStatus)
	})

	if cfg.ArtifactDir != "" {
		r.Handle("/artifacts/*", http.StripPrefix("/artifacts/", http.FileServer(http.Dir(cfg.ArtifactDir))))
	}

	return r
}
