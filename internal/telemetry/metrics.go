package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "tts_jobs_enqueued_total", Help: "Jobs accepted into the production queue"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "tts_jobs_completed_total", Help: "Jobs compiled and completed"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "tts_jobs_failed_total", Help: "Jobs that failed during synthesis"})
	JobsCancelled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "tts_jobs_cancelled_total", Help: "Jobs cancelled before reaching review"})
	ChunksSynthesized = prometheus.NewCounter(prometheus.CounterOpts{Name: "tts_chunks_synthesized_total", Help: "Chunk synthesis calls that produced audio"})
	RegenSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "tts_regen_tasks_total", Help: "Regeneration tasks submitted"})
	RegenSuperseded   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tts_regen_superseded_total", Help: "Regeneration results discarded as superseded"})
	RegenFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "tts_regen_failed_total", Help: "Regeneration tasks that failed"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tts_rate_limit_rejects_total", Help: "Generate requests rejected by rate limiter"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tts_queue_depth", Help: "Jobs waiting in the ready list"})
	SynthDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_synth_duration_seconds",
		Help:    "Wall time per chunk synthesis",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			ChunksSynthesized,
			RegenSubmitted,
			RegenSuperseded,
			RegenFailed,
			RateLimitRejects,
			QueueDepthGauge,
			SynthDuration,
		)
	})
	return promhttp.Handler()
}
