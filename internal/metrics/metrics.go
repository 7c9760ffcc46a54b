// Package metrics exposes sqlmediator's Prometheus collector: backend
// liveness/load, pool occupancy, query timings, and auth/injection
// counters. Generalized from the teacher's per-tenant gauge/counter vecs
// to per-backend and per-personality label sets.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for sqlmediator.
type Collector struct {
	Registry *prometheus.Registry

	backendUp        *prometheus.GaugeVec
	connectedClients *prometheus.GaugeVec
	poolIdle         *prometheus.GaugeVec
	poolActive       *prometheus.GaugeVec
	poolWaiting      *prometheus.GaugeVec
	poolExhausted    *prometheus.CounterVec

	queryDuration *prometheus.HistogramVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	connectionsTotal *prometheus.CounterVec
	authFailures     *prometheus.CounterVec
	injectionsTotal  *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g. in tests, or across a config reload)
// since each call creates an independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		backendUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlmediator_backend_up",
				Help: "Backend liveness (1=up, 0=down)",
			},
			[]string{"backend", "role"},
		),
		connectedClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlmediator_backend_connected_clients",
				Help: "Connections currently attached to a backend",
			},
			[]string{"backend"},
		),
		poolIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlmediator_pool_idle",
				Help: "Idle pooled backend endpoints",
			},
			[]string{"backend"},
		),
		poolActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlmediator_pool_active",
				Help: "Pooled backend endpoints currently on loan",
			},
			[]string{"backend"},
		),
		poolWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlmediator_pool_waiting",
				Help: "Goroutines waiting on a pool Acquire",
			},
			[]string{"backend"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlmediator_pool_exhausted_total",
				Help: "Times a pool Acquire timed out waiting for a backend endpoint",
			},
			[]string{"backend"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlmediator_query_duration_seconds",
				Help:    "Duration of a client command from READ_QUERY to completion",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"backend", "personality"},
		),
		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlmediator_health_check_duration_seconds",
				Help:    "Duration of backend liveness probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"backend", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlmediator_health_check_errors_total",
				Help: "Backend liveness probe errors by type",
			},
			[]string{"backend", "error_type"},
		),
		connectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlmediator_connections_total",
				Help: "Accepted client connections by listener personality",
			},
			[]string{"personality"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlmediator_auth_failures_total",
				Help: "Authentication failures by reason",
			},
			[]string{"reason"},
		),
		injectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlmediator_injections_total",
				Help: "Script-issued injected queries by disposition",
			},
			[]string{"disposition"},
		),
	}

	reg.MustRegister(
		c.backendUp,
		c.connectedClients,
		c.poolIdle,
		c.poolActive,
		c.poolWaiting,
		c.poolExhausted,
		c.queryDuration,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.connectionsTotal,
		c.authFailures,
		c.injectionsTotal,
	)

	return c
}

// SetBackendUp records a backend's liveness.
func (c *Collector) SetBackendUp(backend, role string, up bool) {
	val := 0.0
	if up {
		val = 1.0
	}
	c.backendUp.WithLabelValues(backend, role).Set(val)
}

// SetConnectedClients records a backend's connected-client count.
func (c *Collector) SetConnectedClients(backend string, n int64) {
	c.connectedClients.WithLabelValues(backend).Set(float64(n))
}

// UpdatePoolStats updates the pool gauge metrics for one backend key.
func (c *Collector) UpdatePoolStats(backend string, idle, active, waiting int) {
	c.poolIdle.WithLabelValues(backend).Set(float64(idle))
	c.poolActive.WithLabelValues(backend).Set(float64(active))
	c.poolWaiting.WithLabelValues(backend).Set(float64(waiting))
}

// PoolExhausted increments the pool-exhausted counter for a backend.
func (c *Collector) PoolExhausted(backend string) {
	c.poolExhausted.WithLabelValues(backend).Inc()
}

// QueryDuration observes one client command's end-to-end duration.
func (c *Collector) QueryDuration(backend, personality string, d time.Duration) {
	c.queryDuration.WithLabelValues(backend, personality).Observe(d.Seconds())
}

// HealthCheckCompleted records a liveness probe's duration and result.
func (c *Collector) HealthCheckCompleted(backend string, d time.Duration, healthy bool) {
	status := "up"
	if !healthy {
		status = "down"
	}
	c.healthCheckDuration.WithLabelValues(backend, status).Observe(d.Seconds())
}

// HealthCheckError records a liveness probe error by type.
func (c *Collector) HealthCheckError(backend, errorType string) {
	c.healthCheckErrors.WithLabelValues(backend, errorType).Inc()
}

// ConnectionAccepted increments the accepted-connections counter for a
// listener personality ("proxy" or "master").
func (c *Collector) ConnectionAccepted(personality string) {
	c.connectionsTotal.WithLabelValues(personality).Inc()
}

// AuthFailure increments the auth-failure counter by reason ("bad_scramble",
// "pool_mismatch", "master_credentials").
func (c *Collector) AuthFailure(reason string) {
	c.authFailures.WithLabelValues(reason).Inc()
}

// Injection increments the injection counter by disposition ("suppress" or
// "forward").
func (c *Collector) Injection(disposition string) {
	c.injectionsTotal.WithLabelValues(disposition).Inc()
}

// RemoveBackend removes all metrics for a backend that has been dropped on
// a config reload.
func (c *Collector) RemoveBackend(backend string) {
	c.backendUp.DeletePartialMatch(prometheus.Labels{"backend": backend})
	c.connectedClients.DeleteLabelValues(backend)
	c.poolIdle.DeleteLabelValues(backend)
	c.poolActive.DeleteLabelValues(backend)
	c.poolWaiting.DeleteLabelValues(backend)
	c.poolExhausted.DeleteLabelValues(backend)
	c.queryDuration.DeletePartialMatch(prometheus.Labels{"backend": backend})
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"backend": backend})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"backend": backend})
}
