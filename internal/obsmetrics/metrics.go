// Package obsmetrics exposes reconnection and state-refresh metrics as
// Prometheus collectors, for embedding apps that already run a /metrics
// endpoint (grounded in the promauto/promhttp wiring used elsewhere in the
// retrieved corpus, e.g. kubernaut's context API server).
package obsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helios-starling/starling-go/internal/reconnect"
	"github.com/helios-starling/starling-go/internal/state"
)

// Registry wraps a dedicated *prometheus.Registry with the gauges this
// module reports. Gauges, not counters, are used throughout: both
// reconnect.Metrics and state.Metrics are already cumulative snapshots, and
// Set(total) on every observation is simpler and safer than reconciling
// deltas against a monotonic counter.
type Registry struct {
	reg *prometheus.Registry

	reconnectAttempts   prometheus.Gauge
	reconnectFailures   prometheus.Gauge
	reconnectSuccesses  prometheus.Gauge
	reconnectActive     prometheus.Gauge
	reconnectAvgAttempt prometheus.Gauge

	stateRefreshes    prometheus.Gauge
	stateFailures     prometheus.Gauge
	stateReconnects   prometheus.Gauge
	stateDowntimeSecs prometheus.Gauge
}

// New creates a Registry with all collectors registered under namespace.
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		reconnectAttempts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "reconnect", Name: "attempts_total",
			Help: "Total reconnection attempts made.",
		}),
		reconnectFailures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "reconnect", Name: "failures_total",
			Help: "Total reconnection attempts that failed.",
		}),
		reconnectSuccesses: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "reconnect", Name: "successes_total",
			Help: "Total reconnection attempts that succeeded.",
		}),
		reconnectActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "reconnect", Name: "active",
			Help: "1 if the reconnection controller is currently scheduling, 0 otherwise.",
		}),
		reconnectAvgAttempt: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "reconnect", Name: "avg_attempt_seconds",
			Help: "Average duration of the last 10 successful reconnection attempts.",
		}),
		stateRefreshes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "state", Name: "refreshes_total",
			Help: "Total successful recovery-token refreshes.",
		}),
		stateFailures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "state", Name: "refresh_failures_total",
			Help: "Total failed recovery-token refresh attempts.",
		}),
		stateReconnects: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "state", Name: "reconnections_total",
			Help: "Total reconnections observed by the state manager.",
		}),
		stateDowntimeSecs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "state", Name: "total_downtime_seconds",
			Help: "Cumulative time spent disconnected.",
		}),
	}
}

// Handler returns an http.Handler serving this registry's metrics in the
// Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveReconnect updates the reconnection gauges from a fresh snapshot.
func (r *Registry) ObserveReconnect(m reconnect.Metrics) {
	r.reconnectAttempts.Set(float64(m.TotalAttempts))
	r.reconnectFailures.Set(float64(m.FailedAttempts))
	r.reconnectSuccesses.Set(float64(m.SuccessfulReconnections))
	if m.Active {
		r.reconnectActive.Set(1)
	} else {
		r.reconnectActive.Set(0)
	}
	r.reconnectAvgAttempt.Set(m.AverageAttemptDuration.Seconds())
}

// ObserveState updates the state-refresh gauges from a fresh snapshot.
func (r *Registry) ObserveState(m state.Metrics) {
	r.stateRefreshes.Set(float64(m.Refreshes))
	r.stateFailures.Set(float64(m.RefreshFailures))
	r.stateReconnects.Set(float64(m.Reconnections))
	r.stateDowntimeSecs.Set(m.TotalDowntime.Seconds())
}
