package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"voip-router/internal/config"
)

type Deps struct {
	Config  *config.Config
	Router  Dialplanner
	Status  StatusReader
	DB      Pinger
	Metrics http.Handler
	Limiter *IPRateLimiter
	Logger  *slog.Logger
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")
	cfg := deps.Config

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(LoggingMiddleware(logger))
	r.Use(RecoverMiddleware(logger))

	r.Get("/health", HealthHandler(deps.DB))
	r.Get("/version", VersionHandler())
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	// XML_CURL endpoints
	r.Route("/fs/xml", func(fs chi.Router) {
		fs.Use(XMLCurlBasicAuth(cfg))
		fs.Get("/dialplan", DialplanHandler(deps.Router, logger))
		fs.Post("/dialplan", DialplanHandler(deps.Router, logger))
	})

	// Status APIs
	if deps.Status != nil {
		r.Route("/api/status", func(api chi.Router) {
			api.Use(APIKeyAuth(cfg))
			if deps.Limiter != nil {
				api.Use(RateLimit(deps.Limiter))
			}
			api.Get("/extensions", ExtensionsHandler(deps.Status))
			api.Get("/extensions/{ext}", ExtensionHandler(deps.Status))
			api.Get("/connection", ConnectionHandler(deps.Status))
		})
	}

	return r
}
