package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service counters on a private registry so tests
// can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	TicksTotal      *prometheus.CounterVec
	ReconnectsTotal *prometheus.CounterVec
	QuotaStopsTotal *prometheus.CounterVec
	SnapshotsTotal  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TicksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trackd_ticks_total",
			Help: "Price ticks received, by vendor.",
		}, []string{"vendor"}),
		ReconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trackd_feed_reconnects_total",
			Help: "Feed reconnect attempts, by vendor.",
		}, []string{"vendor"}),
		QuotaStopsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trackd_feed_quota_stops_total",
			Help: "Feed sessions terminated by a vendor usage limit, by vendor.",
		}, []string{"vendor"}),
		SnapshotsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "trackd_portfolio_snapshots_total",
			Help: "Portfolio snapshots persisted.",
		}),
	}
}

// Handler serves the registry for the /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
