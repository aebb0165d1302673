package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"e2ee-sessions/internal/cleanup"
	"e2ee-sessions/internal/decrypt"
	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/httpx"
	"e2ee-sessions/internal/lidmap"
	"e2ee-sessions/internal/migration"
	"e2ee-sessions/internal/observability/logging"
	obsmw "e2ee-sessions/internal/observability/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Mappings interface {
	GetMappedID(ctx context.Context, pn domain.Identity) (domain.Identity, bool, error)
	GetReverseMappedID(ctx context.Context, lid domain.Identity) (domain.Identity, bool, error)
	StoreMappings(ctx context.Context, records []domain.MappingRecord) (lidmap.StoreResult, error)
	Stats() lidmap.Stats
}

type Migrator interface {
	MigrateSessions(ctx context.Context, source, target domain.Identity) (migration.Result, error)
}

type Cleanup interface {
	RunCleanup(ctx context.Context) (cleanup.Stats, error)
	State() cleanup.State
	LastRun() (cleanup.Stats, bool)
}

type Activity interface {
	Enabled() bool
	Pending() int
}

type Decrypter interface {
	DecryptEnvelope(ctx context.Context, env decrypt.Envelope) (decrypt.Message, error)
}

type Deps struct {
	Mappings  Mappings
	Migrator  Migrator
	Cleanup   Cleanup
	Activity  Activity
	Decrypter Decrypter
}

type Options struct {
	Logger      *slog.Logger
	CORSOrigins []string
	// RateLimit is requests per minute per client IP; zero disables it.
	RateLimit int
	// Auth guards the /v1 routes when set.
	Auth    func(http.Handler) http.Handler
	Timeout time.Duration
}

type handler struct {
	Deps
	log *slog.Logger
}

func NewRouter(deps Deps, opts Options) http.Handler {
	h := &handler{Deps: deps, log: logging.Or(opts.Logger).With("component", "http")}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(obsmw.WithRequestAndTrace)
	r.Use(httpx.LogRequests(h.log))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(opts.Timeout))
	if opts.RateLimit > 0 {
		r.Use(httprate.LimitByIP(opts.RateLimit, time.Minute))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsIfSet(opts.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id", "X-Trace-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(obsmw.WithMetrics)
		if opts.Auth != nil {
			r.Use(opts.Auth)
		}
		r.Get("/mappings/lid/{pn}", h.getLID)
		r.Get("/mappings/pn/{lid}", h.getPN)
		r.Post("/mappings", h.storeMappings)
		r.Post("/sessions/migrate", h.migrate)
		r.Post("/cleanup/run", h.runCleanup)
		r.Get("/stats", h.stats)
		r.Post("/envelopes", h.decryptEnvelope)
	})
	return r
}

func originsIfSet(in []string) []string {
	if len(in) == 0 {
		return []string{"*"}
	}
	return in
}
