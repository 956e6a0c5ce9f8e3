package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-wms/meridian-wms/internal/allocation"
	"github.com/meridian-wms/meridian-wms/internal/count"
	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/observability"
	"github.com/meridian-wms/meridian-wms/internal/receiving"
	"github.com/meridian-wms/meridian-wms/internal/registry"
	"github.com/meridian-wms/meridian-wms/internal/shipping"
	"github.com/meridian-wms/meridian-wms/internal/wave"
	"github.com/meridian-wms/meridian-wms/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics

	RegistryHandler   *registry.Handler
	AllocationHandler *allocation.Handler
	WaveHandler       *wave.Handler
	LedgerHandler     *ledger.Handler
	ReceivingHandler  *receiving.Handler
	ShippingHandler   *shipping.Handler
	CountHandler      *count.Handler
	JobHandler        *jobs.Handler
}

// NewRouter constructs the chi.Router with Meridian defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		params.RegistryHandler.MountRoutes(r)
		params.AllocationHandler.MountRoutes(r)
		params.WaveHandler.MountRoutes(r)
		params.LedgerHandler.MountRoutes(r)
		params.ReceivingHandler.MountRoutes(r)
		params.ShippingHandler.MountRoutes(r)
		params.CountHandler.MountRoutes(r)
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
