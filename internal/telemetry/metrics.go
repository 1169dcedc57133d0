package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "genstudio_jobs_submitted_total", Help: "Jobs accepted by the engine"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "genstudio_jobs_completed_total", Help: "Job records moved to completed"})
	JobsFailed        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "genstudio_jobs_failed_total", Help: "Job records moved to error or abandoned"}, []string{"status"})
	EngineRejections  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "genstudio_engine_rejections_total", Help: "Non-2xx answers from the engine"}, []string{"op"})
	ResultPolls       = prometheus.NewCounter(prometheus.CounterOpts{Name: "genstudio_result_polls_total", Help: "Job result lookups"})
	RelayConnections  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "genstudio_relay_connections", Help: "Open event stream relays"})
	RelayEvents       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "genstudio_relay_events_total", Help: "Events forwarded to event stream clients"}, []string{"event"})
	OutputsCached     = prometheus.NewCounter(prometheus.CounterOpts{Name: "genstudio_outputs_cached_total", Help: "Output files written to the local cache"})
	CacheTaskFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "genstudio_cache_task_failures_total", Help: "Cache tasks that failed and will retry"})
	CacheTaskDropped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "genstudio_cache_task_dropped_total", Help: "Cache tasks given up after the last attempt"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "genstudio_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			EngineRejections,
			ResultPolls,
			RelayConnections,
			RelayEvents,
			OutputsCached,
			CacheTaskFailures,
			CacheTaskDropped,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
