package observability

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts convergence-protocol activity for one client process.
type Metrics struct {
	NotificationsApplied *prometheus.CounterVec
	ForeignDropped       prometheus.Counter
	PendingBuffered      prometheus.Counter
	Reconciles           prometheus.Counter
	LegRefreshes         prometheus.Counter
	Polls                prometheus.Counter
	TurnsCompleted       prometheus.Counter
}

// NewMetrics registers the watcher counters with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		NotificationsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oche_notifications_applied_total",
			Help: "Change notifications applied to local state, by entity and op.",
		}, []string{"entity", "op"}),
		ForeignDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "oche_notifications_foreign_dropped_total",
			Help: "Notifications dropped because they belong to another match.",
		}),
		PendingBuffered: factory.NewCounter(prometheus.CounterOpts{
			Name: "oche_notifications_pending_total",
			Help: "Notifications buffered while their parent turn was unknown.",
		}),
		Reconciles: factory.NewCounter(prometheus.CounterOpts{
			Name: "oche_reconciles_total",
			Help: "Targeted per-turn reconcile fetches.",
		}),
		LegRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Name: "oche_leg_refreshes_total",
			Help: "Debounced full leg re-fetches.",
		}),
		Polls: factory.NewCounter(prometheus.CounterOpts{
			Name: "oche_fallback_polls_total",
			Help: "Fallback polling passes while the live channel was down.",
		}),
		TurnsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "oche_turns_completed_total",
			Help: "Turns observed transitioning to complete.",
		}),
	}
}

// NewTestMetrics returns metrics bound to a throwaway registry.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// ServeMetrics exposes /metrics on addr; it blocks until the server stops.
func ServeMetrics(addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Info("metrics listener starting", slog.String("addr", addr))
	return srv.ListenAndServe()
}
