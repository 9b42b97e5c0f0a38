// Package httpserver builds sandrunner's chi router: the global
// middleware chain, and the exec/admin/health route groups, wiring
// internal/authgate.Middleware ahead of every non-exempt route.
package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/client-go/kubernetes"

	"github.com/sandrunner/sandrunner/internal/apikey"
	"github.com/sandrunner/sandrunner/internal/authgate"
	"github.com/sandrunner/sandrunner/internal/dispatcher"
	"github.com/sandrunner/sandrunner/internal/kvstore"
	"github.com/sandrunner/sandrunner/internal/metrics"
	"github.com/sandrunner/sandrunner/internal/pool"
	"github.com/sandrunner/sandrunner/internal/sessionfiles"
)

// Server holds the HTTP server's dependencies and its chi router.
type Server struct {
	Router *chi.Mux

	kv          kvstore.Store
	k8s         kubernetes.Interface
	dispatcher  *dispatcher.Dispatcher
	pools       *pool.Manager
	metricsSink *metrics.Sink
	sessions    *sessionfiles.Store
	logger      *slog.Logger

	maxUploadBytes int64
	startedAt      time.Time
}

// Config bundles every dependency NewServer needs.
type Config struct {
	KV             kvstore.Store
	K8s            kubernetes.Interface
	APIKeys        *apikey.Service
	Dispatcher     *dispatcher.Dispatcher
	Pools          *pool.Manager
	MetricsSink    *metrics.Sink
	Sessions       *sessionfiles.Store
	Logger         *slog.Logger
	MasterKey      string
	CORSOrigins    []string
	MaxUploadBytes int64
}

// NewServer builds the router and mounts every route group.
func NewServer(cfg Config) *Server {
	s := &Server{
		Router:         chi.NewRouter(),
		kv:             cfg.KV,
		k8s:            cfg.K8s,
		dispatcher:     cfg.Dispatcher,
		pools:          cfg.Pools,
		metricsSink:    cfg.MetricsSink,
		sessions:       cfg.Sessions,
		logger:         cfg.Logger,
		maxUploadBytes: cfg.MaxUploadBytes,
		startedAt:      time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(RequestLogger(cfg.Logger))
	s.Router.Use(RequestMetrics(cfg.MetricsSink))
	s.Router.Use(chimiddleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "x-api-key", "x-admin-key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Ambient, unauthenticated endpoints.
	s.Router.Get("/health", s.handleHealth)
	s.Router.Get("/health/detailed", s.handleHealthDetailed)
	s.Router.Get("/health/redis", s.handleHealthRedis)
	s.Router.Get("/health/minio", s.handleHealthMinio)
	s.Router.Get("/health/kubernetes", s.handleHealthKubernetes)
	s.Router.Get("/version", s.handleVersion)

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.All()...)
	registry.MustRegister(Collectors()...)
	s.Router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	gate := authgate.New(cfg.APIKeys, cfg.KV, cfg.Logger)

	// Execution API, gated by the auth gate.
	s.Router.Group(func(r chi.Router) {
		r.Use(gate.Middleware)
		r.Post("/exec", s.handleExec)
		r.Post("/upload", s.handleUpload)
		r.Get("/files/{session}", s.handleListFiles)
		r.Get("/download/{session}/{id}", s.handleDownloadFile)
		r.Delete("/files/{session}/{id}", s.handleDeleteFile)
		r.Post("/state/{session}", s.handleSetState)
		r.Get("/state/{session}", s.handleGetState)
	})

	// Admin API, gated by the master key only (not a managed API key).
	s.Router.Route("/admin", func(r chi.Router) {
		r.Use(authgate.RequireMasterKey(cfg.MasterKey))
		apikey.NewHandler(cfg.APIKeys).Routes(r)
		r.Get("/stats", s.handleAdminStats)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}
