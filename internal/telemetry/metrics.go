package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vigia"

// Metrics holds the Prometheus collectors served on /metrics. Each instance
// owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	ScoresTotal         *prometheus.CounterVec
	ScoreDuration       prometheus.Histogram
	StageDuration       *prometheus.HistogramVec
	IndicatorsPerScore  prometheus.Histogram
	TranslationDegraded prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	RateLimited  prometheus.Counter

	ServiceState *prometheus.GaugeVec
	ModelLoaded  prometheus.Gauge

	AuditEvents     *prometheus.CounterVec
	AuditDeliveries *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ScoresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scores_total",
			Help:      "Scoring calls by outcome and risk level.",
		}, []string{"outcome", "risk_level"}),
		ScoreDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "score_duration_seconds",
			Help:      "End to end scoring latency.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of each pipeline stage.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
		}, []string{"stage"}),
		IndicatorsPerScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "indicators_per_score",
			Help:      "Lexical indicators found per scored message.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		}),
		TranslationDegraded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "translation_degraded_total",
			Help:      "Scores computed on untranslated text because translation failed.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		ServiceState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_state",
			Help:      "1 for the current readiness state, 0 otherwise.",
		}, []string{"state"}),
		ModelLoaded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_loaded",
			Help:      "1 when a ready classifier is loaded.",
		}),
		AuditEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Audit events by queue result (enqueued, queue_full, closed).",
		}, []string{"result"}),
		AuditDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_deliveries_total",
			Help:      "Audit event deliveries by sink and result.",
		}, []string{"sink", "result"}),
	}
}

// Handler serves this registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) recordScore(r ScoreRecord) {
	if m == nil {
		return
	}
	m.ScoresTotal.WithLabelValues(r.Outcome, r.RiskLevel).Inc()
	m.ScoreDuration.Observe(r.Duration.Seconds())
	if r.Outcome == "scored" {
		m.IndicatorsPerScore.Observe(float64(r.Indicators))
	}
	if r.TranslationDegraded {
		m.TranslationDegraded.Inc()
	}
}

// ObserveHTTP counts one finished HTTP request.
func (m *Metrics) ObserveHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// SetState marks current as the only active state among all.
func (m *Metrics) SetState(current string, all []string, modelLoaded bool) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.ServiceState.WithLabelValues(s).Set(v)
	}
	if modelLoaded {
		m.ModelLoaded.Set(1)
	} else {
		m.ModelLoaded.Set(0)
	}
}

// InitAuditSinks creates the delivery series for each sink so they read 0
// before the first event.
func (m *Metrics) InitAuditSinks(sinks ...string) {
	if m == nil {
		return
	}
	for _, r := range []string{"enqueued", "queue_full", "closed"} {
		m.AuditEvents.WithLabelValues(r)
	}
	for _, s := range sinks {
		m.AuditDeliveries.WithLabelValues(s, "ok")
		m.AuditDeliveries.WithLabelValues(s, "error")
	}
}

// AuditEnqueued counts an event accepted by the audit queue.
func (m *Metrics) AuditEnqueued() {
	if m == nil {
		return
	}
	m.AuditEvents.WithLabelValues("enqueued").Inc()
}

// AuditDropped counts an event the audit queue refused.
func (m *Metrics) AuditDropped(reason string) {
	if m == nil {
		return
	}
	m.AuditEvents.WithLabelValues(reason).Inc()
}

// AuditDelivered counts one delivery attempt to a sink.
func (m *Metrics) AuditDelivered(sink string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.AuditDeliveries.WithLabelValues(sink, result).Inc()
}
