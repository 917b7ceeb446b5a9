package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"passage/internal/platform/middleware"
)

// HealthChecker reports reachability of a backing dependency.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// RouterConfig carries everything the router mounts besides the auth handler.
type RouterConfig struct {
	Logger         *slog.Logger
	RequestTimeout time.Duration
	// Checks maps a dependency name to its health probe. Nil values are
	// skipped so optional backends (redis) can be wired unconditionally.
	Checks map[string]HealthChecker
}

// NewRouter assembles the full HTTP surface: middleware chain, auth routes,
// health and metrics.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Timeout(timeout))

	h.Register(r)

	r.Get("/healthz", healthHandler(cfg.Checks))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

func healthHandler(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		report := make(map[string]string, len(checks))
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check.Health(r.Context()); err != nil {
				report[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			report[name] = "ok"
		}
		writeJSON(w, status, map[string]any{
			"status": http.StatusText(status),
			"checks": report,
		})
	}
}
