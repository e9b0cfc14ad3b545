package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/fontetax/fontetax/internal/invoicing"
	"github.com/fontetax/fontetax/internal/ledger"
	"github.com/fontetax/fontetax/internal/observability"
	"github.com/fontetax/fontetax/internal/partners"
	"github.com/fontetax/fontetax/internal/withholding"
	"github.com/fontetax/fontetax/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Metrics            *observability.Metrics
	LedgerHandler      *ledger.Handler
	PartnersHandler    *partners.Handler
	InvoicingHandler   *invoicing.Handler
	WithholdingHandler *withholding.Handler
	JobHandler         *jobs.Handler
}

// NewRouter constructs the chi.Router with fontetax defaults.
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

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.LedgerHandler != nil {
		r.Route("/ledger", params.LedgerHandler.MountRoutes)
	}
	if params.PartnersHandler != nil {
		r.Route("/partners", params.PartnersHandler.MountRoutes)
	}
	if params.InvoicingHandler != nil {
		r.Route("/invoices", params.InvoicingHandler.MountRoutes)
	}
	if params.WithholdingHandler != nil {
		r.Route("/withholding", params.WithholdingHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
