// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal            *prometheus.CounterVec
	taskDurationSeconds   *prometheus.HistogramVec
	crawlAttemptsTotal    *prometheus.CounterVec
	crawlBytesTotal       prometheus.Counter
	indexFlushTotal       *prometheus.CounterVec
	indexDroppedDocsTotal prometheus.Counter
	schedulerFiresTotal   *prometheus.CounterVec
	activeWorkers         prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestify_tasks_total",
				Help: "Total pipeline tasks processed, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestify_task_duration_seconds",
				Help:    "Task execution latency, labeled by kind.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"kind"},
		)

		crawlAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestify_crawl_attempts_total",
				Help: "Crawl attempts, labeled by engine and result.",
			},
			[]string{"engine", "result"},
		)

		crawlBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingestify_crawl_bytes_total",
				Help: "Total bytes downloaded by crawler executions.",
			},
		)

		indexFlushTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestify_index_flush_total",
				Help: "Progress-indexer bulk flushes, labeled by result.",
			},
			[]string{"result"},
		)

		indexDroppedDocsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingestify_index_dropped_docs_total",
				Help: "Metric documents dropped due to buffer overflow.",
			},
		)

		schedulerFiresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestify_scheduler_fires_total",
				Help: "Scheduler trigger emissions, labeled by result.",
			},
			[]string{"result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingestify_active_workers",
				Help: "Workers currently processing a task.",
			},
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveTask records one completed task.
func ObserveTask(kind, outcome string, dur time.Duration) {
	Init()
	tasksTotal.WithLabelValues(kind, outcome).Inc()
	taskDurationSeconds.WithLabelValues(kind).Observe(dur.Seconds())
}

// ObserveCrawlAttempt records one retry-engine attempt.
func ObserveCrawlAttempt(engine, result string) {
	Init()
	crawlAttemptsTotal.WithLabelValues(engine, result).Inc()
}

// AddCrawlBytes accumulates downloaded bytes.
func AddCrawlBytes(n int64) {
	Init()
	if n > 0 {
		crawlBytesTotal.Add(float64(n))
	}
}

// ObserveIndexFlush records a bulk flush outcome ("ok" or "error").
func ObserveIndexFlush(result string) {
	Init()
	indexFlushTotal.WithLabelValues(result).Inc()
}

// ObserveIndexDrop counts documents dropped on buffer overflow.
func ObserveIndexDrop(n int) {
	Init()
	if n > 0 {
		indexDroppedDocsTotal.Add(float64(n))
	}
}

// ObserveSchedulerFire records a trigger emission outcome.
func ObserveSchedulerFire(result string) {
	Init()
	schedulerFiresTotal.WithLabelValues(result).Inc()
}

// WorkerStarted marks a worker busy.
func WorkerStarted() {
	Init()
	activeWorkers.Inc()
}

// WorkerDone marks a worker idle.
func WorkerDone() {
	Init()
	activeWorkers.Dec()
}
