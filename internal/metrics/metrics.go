package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raggate/raggate/internal/model"
	"github.com/raggate/raggate/internal/store"
)

const namespace = "raggate"

// Metrics owns the Prometheus registry for the process. Token and audit
// gauges are computed from the store at scrape time rather than kept in
// sync on every write.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	AuthFailures        prometheus.Counter
	RateLimited         prometheus.Counter
	UsageUpdateFailures prometheus.Counter
}

// New builds the registry with process collectors plus the request-level
// instruments. Pass the returned Metrics to the middleware and handlers.
func New(s *store.Store, logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Requests rejected with an invalid or missing API key.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected for exceeding a route rate limit.",
		}),
		UsageUpdateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_update_failures_total",
			Help:      "Token usage writes that failed after a successful authentication.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal,
		m.RequestDuration,
		m.AuthFailures,
		m.RateLimited,
		m.UsageUpdateFailures,
		newStoreCollector(s, logger),
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// storeCollector reads token counts and recent audit activity from the
// store on every scrape.
type storeCollector struct {
	store  *store.Store
	logger *slog.Logger

	tokensTotal   *prometheus.Desc
	tokensActive  *prometheus.Desc
	tokensExpired *prometheus.Desc
	tokensRevoked *prometheus.Desc
	auditEvents   *prometheus.Desc
}

func newStoreCollector(s *store.Store, logger *slog.Logger) *storeCollector {
	return &storeCollector{
		store:  s,
		logger: logger,
		tokensTotal: prometheus.NewDesc(
			namespace+"_tokens_total", "Number of token records.", nil, nil),
		tokensActive: prometheus.NewDesc(
			namespace+"_tokens_active", "Tokens neither revoked nor expired.", nil, nil),
		tokensExpired: prometheus.NewDesc(
			namespace+"_tokens_expired", "Tokens past their expiry.", nil, nil),
		tokensRevoked: prometheus.NewDesc(
			namespace+"_tokens_revoked", "Tokens explicitly revoked.", nil, nil),
		auditEvents: prometheus.NewDesc(
			namespace+"_audit_events_24h", "Audit events in the last 24 hours by kind.",
			[]string{"kind"}, nil),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tokensTotal
	ch <- c.tokensActive
	ch <- c.tokensExpired
	ch <- c.tokensRevoked
	ch <- c.auditEvents
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.store.CountTokens(ctx, time.Now())
	if err != nil {
		c.logger.Error("metrics: count tokens", "error", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.tokensTotal, prometheus.GaugeValue, float64(counts.Total))
	ch <- prometheus.MustNewConstMetric(c.tokensActive, prometheus.GaugeValue, float64(counts.Active))
	ch <- prometheus.MustNewConstMetric(c.tokensExpired, prometheus.GaugeValue, float64(counts.Expired))
	ch <- prometheus.MustNewConstMetric(c.tokensRevoked, prometheus.GaugeValue, float64(counts.Revoked))

	since := time.Now().Add(-24 * time.Hour)
	kinds := []model.AuditEventKind{
		model.AuditInvalidKeyAttempt,
		model.AuditRateLimitHit,
		model.AuditUnknownIPUse,
		model.AuditSecurityAlert,
		model.AuditPrune,
	}
	for _, kind := range kinds {
		n, err := c.store.CountAuditEvents(ctx, kind, since)
		if err != nil {
			c.logger.Error("metrics: count audit events", "kind", kind, "error", err)
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.auditEvents, prometheus.GaugeValue, float64(n), string(kind))
	}
}
