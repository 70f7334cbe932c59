// Copyright 2025 James Ross
package obs

import (
    "fmt"
    "net/http"

    "github.com/kcenon/messaging-system-sub004/internal/config"
    "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    JobsProduced = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_produced_total",
        Help: "Total number of jobs produced",
    })
    JobsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_consumed_total",
        Help: "Total number of jobs consumed by workers",
    })
    JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_completed_total",
        Help: "Total number of successfully completed jobs",
    })
    JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_failed_total",
        Help: "Total number of failed jobs",
    })
    JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_retried_total",
        Help: "Total number of job retries",
    })
    JobsDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_dead_letter_total",
        Help: "Total number of jobs moved to dead letter queue",
    })
    JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "job_processing_duration_seconds",
        Help:    "Histogram of job processing durations",
        Buckets: prometheus.DefBuckets,
    })
    QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "queue_length",
        Help: "Current depth of each job queue lane",
    }, []string{"queue"})
    BusMessagesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "bus_messages_published_total",
        Help: "Total number of messages published to the bus, by topic",
    }, []string{"topic"})
    BusMessagesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "bus_messages_delivered_total",
        Help: "Total number of messages delivered to subscribers, by topic",
    }, []string{"topic"})
    BusMessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "bus_messages_dropped_total",
        Help: "Total number of messages dropped by backpressure policy, by topic",
    }, []string{"topic"})
    BusSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "bus_subscribers",
        Help: "Current number of active subscriptions, by topic pattern",
    }, []string{"pattern"})
    AdaptiveQueueMode = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "adaptive_queue_mode",
        Help: "0 mutex, 1 lock_free",
    })
    CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "circuit_breaker_state",
        Help: "0 Closed, 1 HalfOpen, 2 Open",
    })
    CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "circuit_breaker_trips_total",
        Help: "Count of times the circuit breaker transitioned to Open",
    })
    ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "reaper_recovered_total",
        Help: "Total number of stale in-flight jobs requeued by the reaper",
    })
    WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "worker_active",
        Help: "Number of active worker goroutines",
    })
)

func init() {
    prometheus.MustRegister(JobsProduced, JobsConsumed, JobsCompleted, JobsFailed, JobsRetried, JobsDeadLetter, JobProcessingDuration, QueueLength, CircuitBreakerState, CircuitBreakerTrips, ReaperRecovered, WorkerActive, BusMessagesPublished, BusMessagesDelivered, BusMessagesDropped, BusSubscribers, AdaptiveQueueMode)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
    go func() { _ = srv.ListenAndServe() }()
    return srv
}
