// HTTP server struct, constructor, and handler wiring. Read-only admin
// endpoints are registered through huma for validated query parameters;
// ingest and requeue are plain chi handlers.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/mario-coppola/reliable-event-processing/internal/config"
	"github.com/mario-coppola/reliable-event-processing/internal/store"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store       *store.Store
	cfg         *config.Config
	rateLimiter *ipRateLimiter // nil when ingest rate limiting is disabled
}

// NewServer creates a Server from the store and config.
func NewServer(s *store.Store, cfg *config.Config) *Server {
	srv := &Server{store: s, cfg: cfg}
	if cfg.IngestRatePerMin > 0 {
		evictTTL := cfg.RateLimitEvictTTL
		if evictTTL == 0 {
			evictTTL = 15 * time.Minute
		}
		srv.rateLimiter = newIPRateLimiter(
			rate.Limit(float64(cfg.IngestRatePerMin)/60),
			cfg.IngestRateBurst,
			evictTTL,
		)
	}
	return srv
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	var db *pgxpool.Pool
	if srv.store != nil {
		db = srv.store.Pool()
	}
	r := chi.NewRouter()

	// Security headers first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, r)
		})
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB body limit: event payloads are small JSON objects.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(db))
	r.Handle("/metrics", promhttp.Handler())

	// ── Ingest ────────────────────────────────────────────────────────────────
	if srv.rateLimiter != nil {
		r.With(srv.ingestRateLimit()).Post("/events/ingest", srv.ingestHandler)
	} else {
		r.Post("/events/ingest", srv.ingestHandler)
	}

	// ── Admin ─────────────────────────────────────────────────────────────────
	adminRouter := chi.NewRouter()
	humaConfig := huma.DefaultConfig("Event Processing Admin API", "0.1.0")
	humaConfig.Info.Description = "Job queue inspection and manual intervention"
	adminAPI := humachi.New(adminRouter, humaConfig)
	registerJobRoutes(adminAPI, srv.store)
	registerInterventionRoutes(adminAPI, srv.store)
	registerEffectRoutes(adminAPI, srv.store)

	// Requeue mutates state and branches on domain errors; plain chi handler.
	adminRouter.Post("/jobs/{id}/requeue", srv.requeueJobHandler)

	r.Mount("/admin", adminRouter)

	return r
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON: encode failed", "error", err)
	}
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		writeJSON(w, statusCode, resp)
	}
}
