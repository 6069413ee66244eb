// Package metrics exposes the agent's Prometheus metrics, following the
// package-level-vars-plus-init-registration shape and Timer helper used
// throughout the reference metrics package.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miru_agent_sync_attempts_total",
			Help: "Total number of sync cycles attempted, by outcome",
		},
		[]string{"outcome"},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "miru_agent_sync_duration_seconds",
			Help:    "Time taken for one sync cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConfigInstancesDeployed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "miru_agent_config_instances_deployed",
			Help: "Number of config instances currently deployed locally",
		},
	)

	TokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miru_agent_token_refresh_total",
			Help: "Total number of token refresh attempts, by outcome",
		},
		[]string{"outcome"},
	)

	DeployAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miru_agent_deploy_attempts_total",
			Help: "Total number of per-instance deploy/remove attempts, by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	ServerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miru_agent_server_requests_total",
			Help: "Total number of local server requests, by route and status",
		},
		[]string{"route", "status"},
	)

	ServerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "miru_agent_server_request_duration_seconds",
			Help:    "Local server request duration in seconds, by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		SyncAttemptsTotal,
		SyncDuration,
		ConfigInstancesDeployed,
		TokenRefreshTotal,
		DeployAttemptsTotal,
		ServerRequestsTotal,
		ServerRequestDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for a single operation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
