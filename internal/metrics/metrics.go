package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics (registered once).
var (
	TicksProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchpost_ticks_total",
			Help: "Total frames processed by the pipeline",
		},
	)
	ProviderRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchpost_provider_runs_total",
			Help: "Perception provider invocations",
		},
		[]string{"provider"},
	)
	ProviderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchpost_provider_failures_total",
			Help: "Perception provider calls that failed or returned malformed output",
		},
		[]string{"provider"},
	)
	ThreatEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchpost_threat_events_total",
			Help: "Cooldown-gated threat events created",
		},
	)
	PersistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchpost_persistence_failures_total",
			Help: "Evidence or event writes that failed",
		},
		[]string{"operation"},
	)
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchpost_notifications_total",
			Help: "Alert notifications by outcome",
		},
		[]string{"result"},
	)
	AlarmActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchpost_alarm_active",
			Help: "1 while the live alarm is sounding",
		},
	)
	SessionRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchpost_session_running",
			Help: "1 while a surveillance session is running",
		},
	)
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchpost_tick_duration_seconds",
			Help:    "Wall time spent processing one frame",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(TicksProcessed)
	prometheus.MustRegister(ProviderRuns)
	prometheus.MustRegister(ProviderFailures)
	prometheus.MustRegister(ThreatEvents)
	prometheus.MustRegister(PersistenceFailures)
	prometheus.MustRegister(Notifications)
	prometheus.MustRegister(AlarmActive)
	prometheus.MustRegister(SessionRunning)
	prometheus.MustRegister(TickDuration)
}

// Handler serves the default registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.Handler()
}

// BoolGauge sets g to 1 or 0
func BoolGauge(g prometheus.Gauge, on bool) {
	if on {
		g.Set(1)
		return
	}
	g.Set(0)
}
