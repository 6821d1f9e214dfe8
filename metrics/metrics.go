// Package metrics implements the Metrics & Health surface: request
// counters, latency histograms, breaker-state and credential-health gauges,
// and cache hit-rate counters, exposed at /metrics in real Prometheus
// exposition format.
//
// Grounded on observability/metrics.go's Metrics registry — its
// double-checked-locking get-or-create-per-label-set shape and
// TrackRequest/TrackProviderHealth-style helper methods are kept, but the
// hand-rolled Counter/Gauge/Histogram types and manual text-exposition
// writer are replaced by github.com/prometheus/client_golang's real
// registry and collectors (the teacher's engine claims Prometheus
// compatibility without using the library it's compatible with).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide Prometheus collector registry and the typed
// helper methods every core package reports through.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	cacheHitsTotal  *prometheus.CounterVec
	cacheTierHits   *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	credentialHealth   *prometheus.GaugeVec
	providerHealthy    *prometheus.GaugeVec
	connPoolInFlight   *prometheus.GaugeVec
	seqQueueDepth      *prometheus.GaugeVec
	rateLimitRejected  *prometheus.CounterVec
}

// New builds a Metrics registry with every collector registered. Safe to
// call once per process; callers share the returned *Metrics via
// container.Container.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_requests_total",
			Help: "Total upstream requests by provider, model, endpoint, and status.",
		}, []string{"provider", "model", "endpoint", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fabric_request_duration_ms",
			Help:    "Upstream request duration in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "model", "endpoint"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_tokens_total",
			Help: "Total tokens consumed by provider and model.",
		}, []string{"provider", "model"}),
		cacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_cache_hits_total",
			Help: "Total cache hits by provider and model.",
		}, []string{"provider", "model"}),
		cacheTierHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_cache_tier_hits_total",
			Help: "Cache hits by the tier that served them (memory, kv, disk, semantic).",
		}, []string{"tier"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabric_breaker_state",
			Help: "Circuit breaker state per target: 0=closed, 1=half_open, 2=open.",
		}, []string{"target"}),
		credentialHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabric_credential_health_score",
			Help: "Credential health score (0-100) by provider and credential id.",
		}, []string{"provider", "credential"}),
		providerHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabric_provider_healthy",
			Help: "1 if the provider's last health probe succeeded, else 0.",
		}, []string{"provider"}),
		connPoolInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabric_connpool_in_flight",
			Help: "In-flight requests per connection pool provider set.",
		}, []string{"provider"}),
		seqQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabric_seqqueue_depth",
			Help: "Pending items in a provider's sequential-mode queue.",
		}, []string{"provider"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_rate_limit_rejected_total",
			Help: "Requests rejected by the rate limiter by dimension.",
		}, []string{"dimension"}),
	}

	reg.MustRegister(
		m.requestsTotal, m.requestDuration, m.tokensTotal,
		m.cacheHitsTotal, m.cacheTierHits,
		m.breakerState, m.credentialHealth, m.providerHealthy,
		m.connPoolInFlight, m.seqQueueDepth, m.rateLimitRejected,
	)
	return m
}

// Handler serves /metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TrackRequest records one completed upstream call.
func (m *Metrics) TrackRequest(provider, model, endpoint, status string, latencyMs float64, tokens int64) {
	m.requestsTotal.WithLabelValues(provider, model, endpoint, status).Inc()
	m.requestDuration.WithLabelValues(provider, model, endpoint).Observe(latencyMs)
	m.tokensTotal.WithLabelValues(provider, model).Add(float64(tokens))
}

// TrackCacheHit records a cache hit, attributing it to the tier that served it.
func (m *Metrics) TrackCacheHit(provider, model, tier string) {
	m.cacheHitsTotal.WithLabelValues(provider, model).Inc()
	m.cacheTierHits.WithLabelValues(tier).Inc()
}

// SetBreakerState records a target's current breaker state (0/1/2).
func (m *Metrics) SetBreakerState(target string, state int) {
	m.breakerState.WithLabelValues(target).Set(float64(state))
}

// SetCredentialHealth records a credential's health score.
func (m *Metrics) SetCredentialHealth(provider, credentialID string, score int) {
	m.credentialHealth.WithLabelValues(provider, credentialID).Set(float64(score))
}

// TrackProviderHealth records a provider's last health probe outcome.
func (m *Metrics) TrackProviderHealth(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.providerHealthy.WithLabelValues(provider).Set(v)
}

// SetConnPoolInFlight records a provider's current in-flight connection count.
func (m *Metrics) SetConnPoolInFlight(provider string, n int) {
	m.connPoolInFlight.WithLabelValues(provider).Set(float64(n))
}

// SetSeqQueueDepth records a provider's current sequential-mode queue depth.
func (m *Metrics) SetSeqQueueDepth(provider string, depth int) {
	m.seqQueueDepth.WithLabelValues(provider).Set(float64(depth))
}

// TrackRateLimitRejected records a rejection by the multi-dimensional rate limiter.
func (m *Metrics) TrackRateLimitRejected(dimension string) {
	m.rateLimitRejected.WithLabelValues(dimension).Inc()
}
