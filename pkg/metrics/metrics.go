package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	sessionsStarted  prometheus.Counter
	quotaRejections  prometheus.Counter
	sessionsExpired  prometheus.Counter
	heartbeatsTotal  *prometheus.CounterVec
	sosEventsTotal   *prometheus.CounterVec
	escalationsTotal *prometheus.CounterVec
	timersPending    prometheus.Gauge
	agentActions     *prometheus.CounterVec
	broadcastErrors  *prometheus.CounterVec
	rateLimitAllow   *prometheus.CounterVec
	rateLimitDeny    *prometheus.CounterVec
}

// NewMetrics registers on a fresh registry, with Go and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewMetricsWith(reg, reg)
}

func NewMetricsWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,

		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "walkguard_sessions_started_total",
			Help: "Walk With Me sessions started",
		}),
		quotaRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "walkguard_session_quota_rejections_total",
			Help: "Session starts rejected by the daily quota",
		}),
		sessionsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "walkguard_sessions_expired_total",
			Help: "Sessions expired for missing heartbeats",
		}),
		heartbeatsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "walkguard_heartbeats_total",
			Help: "Heartbeats received",
		}, []string{"device_status"}),
		sosEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "walkguard_sos_events_total",
			Help: "SOS events created by risk label",
		}, []string{"risk_label"}),
		escalationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "walkguard_escalations_total",
			Help: "Escalation deliveries by channel, source and result",
		}, []string{"type", "source", "result"}),
		timersPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "walkguard_escalation_timers_pending",
			Help: "Armed escalation timers in this process",
		}),
		agentActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "walkguard_agent_actions_total",
			Help: "Agent console actions by type and outcome",
		}, []string{"action", "outcome"}),
		broadcastErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "walkguard_broadcast_errors_total",
			Help: "Failed broadcast publishes",
		}, []string{"driver"}),
		rateLimitAllow: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_allow_total",
			Help: "Allowed requests by rate limiter",
		}, []string{"route"}),
		rateLimitDeny: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_deny_total",
			Help: "Denied requests by rate limiter",
		}, []string{"route"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.sessionsStarted.Inc()
	}
}

func (m *Metrics) QuotaRejected() {
	if m != nil {
		m.quotaRejections.Inc()
	}
}

func (m *Metrics) SessionsExpired(n int) {
	if m != nil && n > 0 {
		m.sessionsExpired.Add(float64(n))
	}
}

func (m *Metrics) Heartbeat(deviceStatus string) {
	if m != nil {
		m.heartbeatsTotal.WithLabelValues(deviceStatus).Inc()
	}
}

func (m *Metrics) SOSCreated(riskLabel string) {
	if m != nil {
		m.sosEventsTotal.WithLabelValues(riskLabel).Inc()
	}
}

// Escalation result is one of fired, sent, failed, lost
func (m *Metrics) Escalation(kind, source, result string) {
	if m != nil {
		m.escalationsTotal.WithLabelValues(kind, source, result).Inc()
	}
}

func (m *Metrics) TimersPending(n int) {
	if m != nil {
		m.timersPending.Set(float64(n))
	}
}

func (m *Metrics) AgentAction(action, outcome string) {
	if m != nil {
		m.agentActions.WithLabelValues(action, outcome).Inc()
	}
}

func (m *Metrics) BroadcastError(driver string) {
	if m != nil {
		m.broadcastErrors.WithLabelValues(driver).Inc()
	}
}

// OnAllow and OnDeny make *Metrics a rate limiter observer
func (m *Metrics) OnAllow(route, key string) {
	if m != nil {
		m.rateLimitAllow.WithLabelValues(route).Inc()
	}
}

func (m *Metrics) OnDeny(route, key string) {
	if m != nil {
		m.rateLimitDeny.WithLabelValues(route).Inc()
	}
}
