package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can be built without one in tests.
type Metrics struct {
	registry *prometheus.Registry

	CacheResults      *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	SessionStatus     *prometheus.GaugeVec
	PushFrames        *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
	Assignments       *prometheus.CounterVec
	SnapshotFailures  *prometheus.CounterVec
	SendResults       *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		CacheResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wppdesk_cache_results_total",
			Help: "Request cache lookups by result (hit, miss, stale, error)",
		}, []string{"result"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "wppdesk_push_reconnect_attempts_total",
			Help: "Reconnection attempts scheduled after the push channel closed",
		}),
		SessionStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wppdesk_session_status",
			Help: "1 for the current session status, 0 otherwise",
		}, []string{"status"}),
		PushFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wppdesk_push_frames_total",
			Help: "Frames received on the push channel by type",
		}, []string{"type"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wppdesk_notifications_total",
			Help: "Notification decisions by profile and outcome",
		}, []string{"profile", "outcome"}),
		Assignments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wppdesk_assignments_total",
			Help: "Chat assignment requests by terminal outcome",
		}, []string{"outcome"}),
		SnapshotFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wppdesk_snapshot_fetch_failures_total",
			Help: "Failed snapshot page fetches by list",
		}, []string{"list"}),
		SendResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wppdesk_send_results_total",
			Help: "Outgoing message sends by result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CacheResult(result string) {
	if m == nil {
		return
	}
	m.CacheResults.WithLabelValues(result).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// SetStatus marks status as the only active session status.
func (m *Metrics) SetStatus(status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.SessionStatus.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) PushFrame(frameType string) {
	if m == nil {
		return
	}
	m.PushFrames.WithLabelValues(frameType).Inc()
}

func (m *Metrics) Notification(profile, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(profile, outcome).Inc()
}

func (m *Metrics) Assignment(outcome string) {
	if m == nil {
		return
	}
	m.Assignments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SnapshotFailure(list string) {
	if m == nil {
		return
	}
	m.SnapshotFailures.WithLabelValues(list).Inc()
}

func (m *Metrics) SendResult(result string) {
	if m == nil {
		return
	}
	m.SendResults.WithLabelValues(result).Inc()
}
