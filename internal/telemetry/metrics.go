package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksScheduled   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduled_tasks_created_total", Help: "Tasks accepted for later execution"}, []string{"service"})
	TaskExecutions   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduled_tasks_executions_total", Help: "Dispatch attempts by outcome"}, []string{"service", "outcome"})
	DispatchLatency  = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "scheduled_tasks_dispatch_seconds", Help: "Upstream dispatch latency", Buckets: prometheus.DefBuckets}, []string{"service"})
	TasksSwept       = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduled_tasks_swept_total", Help: "Tasks failed by the retry-expiry sweep"})
	TasksPurged      = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduled_tasks_purged_total", Help: "Tasks removed by retention"})
	TasksByStatus    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "scheduled_tasks_by_status", Help: "Tasks created today by status, as of the last report"}, []string{"status"})
	TimerRuns        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "runner_timer_runs_total", Help: "Runner timer executions"}, []string{"job", "outcome"})
	TokenRefreshes   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "upstream_token_refreshes_total", Help: "Upstream token issuances"}, []string{"service", "outcome"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksScheduled,
			TaskExecutions,
			DispatchLatency,
			TasksSwept,
			TasksPurged,
			TasksByStatus,
			TimerRuns,
			TokenRefreshes,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
