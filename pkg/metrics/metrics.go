// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"runtime"
	"time"

	"github.com/goodexpert/onzsa-gateway/pkg/breaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message directions.
const (
	Upstream   = "upstream"
	Downstream = "downstream"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Session metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	Rejections         *prometheus.CounterVec
	Disconnects        *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	// Relay metrics
	Messages     *prometheus.CounterVec
	MessageBytes *prometheus.CounterVec

	// Backend metrics
	BackendErrors      *prometheus.CounterVec
	BackendActiveLinks *prometheus.GaugeVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedRequests *prometheus.CounterVec

	// Resource metrics
	GoroutinesActive *prometheus.GaugeVec
	MemoryAllocated  *prometheus.GaugeVec
}

// New registers the gateway metrics with reg. A nil reg uses the default
// Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently open client sessions",
			},
			[]string{"protocol"},
		),
		TotalConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of accepted client sessions",
			},
			[]string{"protocol"},
		),
		Rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Total number of refused upgrade requests",
			},
			[]string{"reason"},
		),
		Disconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "disconnects_total",
				Help:      "Total number of ended sessions by cause",
			},
			[]string{"protocol", "reason"},
		),
		ConnectionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Session duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"protocol"},
		),
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of relayed messages",
			},
			[]string{"protocol", "direction"},
		),
		MessageBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "message_bytes_total",
				Help:      "Total number of relayed payload bytes",
			},
			[]string{"protocol", "direction"},
		),
		BackendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of backend failures",
			},
			[]string{"backend", "error_type"},
		),
		BackendActiveLinks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_active_links",
				Help:      "Number of open backend links",
			},
			[]string{"backend"},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		RateLimitedRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of rate limited upgrade requests",
			},
			[]string{"limiter_type"},
		),
		GoroutinesActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of active goroutines by component",
			},
			[]string{"component"},
		),
		MemoryAllocated: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_allocated_bytes",
				Help:      "Memory allocated in bytes",
			},
			[]string{"type"},
		),
	}
}

// ObserveMessage counts one relayed message.
func (m *Metrics) ObserveMessage(protocol, direction string, size int) {
	m.Messages.WithLabelValues(protocol, direction).Inc()
	m.MessageBytes.WithLabelValues(protocol, direction).Add(float64(size))
}

// ObserveSession records a finished session.
func (m *Metrics) ObserveSession(protocol, reason string, duration time.Duration) {
	m.Disconnects.WithLabelValues(protocol, reason).Inc()
	m.ConnectionDuration.WithLabelValues(protocol).Observe(duration.Seconds())
}

// BreakerStateChanged matches breaker.CircuitBreaker.OnStateChange.
func (m *Metrics) BreakerStateChanged(name string, from, to breaker.State) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	if to == breaker.StateOpen {
		m.CircuitBreakerTrips.WithLabelValues(name).Inc()
	}
}

// ObserveRuntime samples goroutine and memory usage.
func (m *Metrics) ObserveRuntime() {
	m.GoroutinesActive.WithLabelValues("all").Set(float64(runtime.NumGoroutine()))

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	m.MemoryAllocated.WithLabelValues("heap").Set(float64(stats.HeapAlloc))
	m.MemoryAllocated.WithLabelValues("sys").Set(float64(stats.Sys))
}
