package facade

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sawpanic/marketfeed/internal/stream"
)

// Metrics is the facade's prometheus surface. Each facade owns its own
// registry so side-by-side instances (and tests) never collide.
type Metrics struct {
	Registry *prometheus.Registry

	EventsTotal           *prometheus.CounterVec
	ReconnectsTotal       *prometheus.CounterVec
	FailoversTotal        prometheus.Counter
	RecoveriesTotal       prometheus.Counter
	BackfillRequestsTotal *prometheus.CounterVec
	RateLimitHitsTotal    *prometheus.CounterVec
	ProviderAlertsTotal   *prometheus.CounterVec
	ActiveSubscriptions   *prometheus.GaugeVec
}

func newMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketfeed",
			Name:      "events_total",
			Help:      "Normalized events delivered to sinks.",
		}, []string{"provider", "kind"}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketfeed",
			Name:      "reconnects_total",
			Help:      "Stream reconnect attempts by provider.",
		}, []string{"provider"}),
		FailoversTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketfeed",
			Name:      "failovers_total",
			Help:      "Failovers executed by the controller.",
		}),
		RecoveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketfeed",
			Name:      "recoveries_total",
			Help:      "Primary recoveries executed by the controller.",
		}),
		BackfillRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketfeed",
			Name:      "backfill_requests_total",
			Help:      "Terminal backfill request outcomes by status.",
		}, []string{"status"}),
		RateLimitHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketfeed",
			Name:      "rate_limit_hits_total",
			Help:      "Vendor 429 responses recorded.",
		}, []string{"vendor"}),
		ProviderAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketfeed",
			Name:      "provider_alerts_total",
			Help:      "Registry monitoring alerts by provider.",
		}, []string{"provider"}),
		ActiveSubscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "marketfeed",
			Name:      "active_subscriptions",
			Help:      "Logical subscriptions per provider.",
		}, []string{"provider"}),
	}
	m.Registry.MustRegister(
		m.EventsTotal,
		m.ReconnectsTotal,
		m.FailoversTotal,
		m.RecoveriesTotal,
		m.BackfillRequestsTotal,
		m.RateLimitHitsTotal,
		m.ProviderAlertsTotal,
		m.ActiveSubscriptions,
	)
	return m
}

// countingSinks wraps the caller's sinks with per-provider event counters.
type countingSinks struct {
	next    stream.Sinks
	metrics *Metrics
}

func (c countingSinks) OnTrade(t stream.TradeUpdate) {
	c.metrics.EventsTotal.WithLabelValues(string(t.Provider), "trade").Inc()
	if c.next.Trades != nil {
		c.next.Trades.OnTrade(t)
	}
}

func (c countingSinks) OnQuote(q stream.QuoteUpdate) {
	c.metrics.EventsTotal.WithLabelValues(string(q.Provider), "quote").Inc()
	if c.next.Quotes != nil {
		c.next.Quotes.OnQuote(q)
	}
}

func (c countingSinks) OnDepth(d stream.DepthUpdate) {
	c.metrics.EventsTotal.WithLabelValues(string(d.Provider), "depth").Inc()
	if c.next.Depth != nil {
		c.next.Depth.OnDepth(d)
	}
}
