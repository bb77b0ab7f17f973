// Copyright 2025 James Ross
package obs

import (
    "github.com/prometheus/client_golang/prometheus"
)

var (
    TasksDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "tasks_dispatched_total",
        Help: "Total number of tasks dispatched by the producer",
    }, []string{"platform"})
    TasksDequeued = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "tasks_dequeued_total",
        Help: "Total number of tasks picked up by workers",
    }, []string{"platform"})
    TasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "tasks_completed_total",
        Help: "Total number of tasks that reached a terminal completed state",
    }, []string{"platform"})
    TasksFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "tasks_failed_total",
        Help: "Total number of tasks that reached a terminal failed state",
    }, []string{"platform"})
    TasksRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "tasks_retried_total",
        Help: "Total number of task requeues after a retryable error",
    }, []string{"platform"})
    TasksDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "tasks_dead_lettered_total",
        Help: "Total number of tasks moved to the failed-job list after exhausting retries",
    }, []string{"platform"})
    TaskProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
        Name:    "task_processing_duration_seconds",
        Help:    "Histogram of end-to-end task processing durations",
        Buckets: prometheus.DefBuckets,
    }, []string{"platform"})
    DimensionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "dimension_failures_total",
        Help: "Total number of per-dimension tagging failures, isolated from task-level retry",
    }, []string{"platform", "dimension"})
    QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "queue_length",
        Help: "Current length of a platform's task queue",
    }, []string{"queue"})
    CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "circuit_breaker_state",
        Help: "0 Closed, 1 HalfOpen, 2 Open",
    }, []string{"platform"})
    CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "circuit_breaker_trips_total",
        Help: "Count of times a platform's circuit breaker transitioned to Open",
    }, []string{"platform"})
    ReaperRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "reaper_recovered_total",
        Help: "Total number of stuck tasks requeued by the reaper",
    }, []string{"platform"})
    RateLimiterThrottled = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "rate_limiter_throttled_total",
        Help: "Total number of model provider calls delayed by the distributed rate limiter",
    })
    WorkerActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "worker_active",
        Help: "Number of active worker goroutines",
    }, []string{"platform"})
    HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "http_requests_total",
        Help: "Total number of ingress HTTP requests by route and status",
    }, []string{"route", "status"})
    HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
        Name:    "http_request_duration_seconds",
        Help:    "Histogram of ingress HTTP request durations",
        Buckets: prometheus.DefBuckets,
    }, []string{"route"})
)

func init() {
    prometheus.MustRegister(
        TasksDispatched, TasksDequeued, TasksCompleted, TasksFailed, TasksRetried, TasksDeadLettered,
        TaskProcessingDuration, DimensionFailures, QueueLength, CircuitBreakerState, CircuitBreakerTrips,
        ReaperRecovered, RateLimiterThrottled, WorkerActive, HTTPRequestsTotal, HTTPRequestDuration,
    )
}
