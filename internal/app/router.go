package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gan-shmuel/gan-shmuel/internal/billing"
	"github.com/gan-shmuel/gan-shmuel/internal/containers"
	"github.com/gan-shmuel/gan-shmuel/internal/observability"
	"github.com/gan-shmuel/gan-shmuel/internal/platform/httpx"
	"github.com/gan-shmuel/gan-shmuel/internal/weighing"
	"github.com/gan-shmuel/gan-shmuel/jobs"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	WeighingHandler   *weighing.Handler
	ContainersHandler *containers.Handler
	BillingHandler    *billing.Handler
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
	// Checks are pinged by /health, keyed by component name.
	Checks map[string]Pinger
}

// NewRouter constructs the chi.Router with the default middleware stack.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/health", healthHandler(params.Checks))

	if params.WeighingHandler != nil {
		params.WeighingHandler.MountRoutes(r)
	}
	if params.ContainersHandler != nil {
		params.ContainersHandler.MountRoutes(r)
	}
	if params.BillingHandler != nil {
		params.BillingHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}

func healthHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := map[string]string{"status": "ok"}
		code := http.StatusOK
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check.Ping(ctx); err != nil {
				status[name] = "down"
				status["status"] = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			status[name] = "ok"
		}
		httpx.JSON(w, code, status)
	}
}
