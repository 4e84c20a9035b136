package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	AppsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_apps_total",
			Help: "Total number of registered applications",
		},
	)

	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_deployments_total",
			Help: "Total number of deployments by status",
		},
		[]string{"status"},
	)

	// Trigger metrics
	TriggersAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_triggers_accepted_total",
			Help: "Total number of accepted deployment triggers by kind",
		},
		[]string{"trigger"},
	)

	TriggersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_triggers_rejected_total",
			Help: "Total number of rejected deployment triggers by reason",
		},
		[]string{"reason"},
	)

	// Lifecycle metrics
	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_deployment_duration_seconds",
			Help:    "Time from queueing to a terminal status in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"outcome"},
	)

	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarry_build_duration_seconds",
			Help:    "Image build duration in seconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		},
	)

	DeploymentsSuperseded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_deployments_superseded_total",
			Help: "Total number of deployments cancelled by a newer request",
		},
	)

	ActiveSwitches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_active_switches_total",
			Help: "Total number of active-deployment pointer updates",
		},
	)

	StaleActivations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_stale_activations_total",
			Help: "Total number of activation attempts rejected by the sequence guard",
		},
	)

	// Rollout metrics
	RolloutPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_rollout_polls_total",
			Help: "Total number of rollout status polls by result",
		},
		[]string{"result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(AppsTotal)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(TriggersAccepted)
	prometheus.MustRegister(TriggersRejected)
	prometheus.MustRegister(DeploymentDuration)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(DeploymentsSuperseded)
	prometheus.MustRegister(ActiveSwitches)
	prometheus.MustRegister(StaleActivations)
	prometheus.MustRegister(RolloutPolls)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(t.Duration().Seconds())
}
