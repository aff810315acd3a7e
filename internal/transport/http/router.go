// Package httptransport assembles the HTTP surface: the dashboard feed, the
// submission endpoints and the operational routes.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	feedservice "quotefeed/internal/feed/service"
	"quotefeed/pkg/platform/httputil"
	"quotefeed/pkg/platform/middleware/metadata"
)

const healthTimeout = 2 * time.Second

// FeedStatus reports the state of the change-propagation pipeline.
type FeedStatus interface {
	Status() feedservice.Status
}

// RouteRegistrar adds routes to a router.
type RouteRegistrar interface {
	Register(r chi.Router)
}

// HealthCheck is one dependency probed by /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config holds the handlers mounted by NewRouter. DashboardAuth guards the
// feed routes; nil leaves them open.
type Config struct {
	Feed          http.Handler
	FeedStatus    FeedStatus
	Ingest        RouteRegistrar
	DashboardAuth func(http.Handler) http.Handler
	Metrics       http.Handler
	HealthChecks  []HealthCheck
	IngestTimeout time.Duration
	// ClientHeaders selects the headers trusted to identify ingest clients.
	ClientHeaders metadata.Options
	Logger        *slog.Logger
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	r.Get("/healthz", healthHandler(cfg.HealthChecks, logger))

	r.Group(func(r chi.Router) {
		if cfg.DashboardAuth != nil {
			r.Use(cfg.DashboardAuth)
		}
		if cfg.Feed != nil {
			r.Method(http.MethodGet, "/feed", cfg.Feed)
		}
		if cfg.FeedStatus != nil {
			r.Get("/feed/status", func(w http.ResponseWriter, _ *http.Request) {
				httputil.WriteJSON(w, http.StatusOK, cfg.FeedStatus.Status())
			})
		}
	})

	if cfg.Ingest != nil {
		r.Group(func(r chi.Router) {
			r.Use(metadata.ClientMetadataWith(cfg.ClientHeaders))
			if cfg.IngestTimeout > 0 {
				r.Use(chimw.Timeout(cfg.IngestTimeout))
			}
			cfg.Ingest.Register(r)
		})
	}
	return r
}

func healthHandler(checks []HealthCheck, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				logger.WarnContext(ctx, "health check failed",
					"check", c.Name,
					"request_id", chimw.GetReqID(ctx),
					"error", err,
				)
				resp.Checks[c.Name] = "unavailable"
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[c.Name] = "ok"
		}
		httputil.WriteJSON(w, status, resp)
	}
}
