// Package metrics exposes Prometheus metrics for the session orchestrator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const defaultNamespace = "session_orchestrator"

// Collector owns its own registry. A nil *Collector is valid and records nothing,
// so components can be built without metrics in tests.
type Collector struct {
	logger   zerolog.Logger
	registry *prometheus.Registry

	sessionsCreated     *prometheus.CounterVec
	initDuration        *prometheus.HistogramVec
	initFailures        *prometheus.CounterVec
	healthChecks        *prometheus.CounterVec
	evictions           prometheus.Counter
	cleanups            *prometheus.CounterVec
	liveConnections     prometheus.Gauge
	portAllocationFails *prometheus.CounterVec
	activityTransitions *prometheus.CounterVec
	eventsPublished     *prometheus.CounterVec
}

func NewCollector(logger zerolog.Logger, namespace string) *Collector {
	if namespace == "" {
		namespace = defaultNamespace
	}

	c := &Collector{
		logger:   logger.With().Str("component", "metrics_collector").Logger(),
		registry: prometheus.NewRegistry(),
	}

	c.sessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Session create requests by outcome (created, reused, in_progress)",
		},
		[]string{"outcome"},
	)
	c.initDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_init_duration_seconds",
			Help:      "Time from row insert to the end of asynchronous initialization",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"result"},
	)
	c.initFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_init_failures_total",
			Help:      "Initialization failures by stage",
		},
		[]string{"stage"},
	)
	c.healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_health_checks_total",
			Help:      "Registry health probes by result",
		},
		[]string{"result"},
	)
	c.evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registry_evictions_total",
		Help:      "Registry entries evicted after confirmed container failure",
	})
	c.cleanups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanups_total",
			Help:      "Session cleanups by reason and result",
		},
		[]string{"reason", "result"},
	)
	c.liveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_client_connections",
		Help:      "Client connections currently tracked by this instance",
	})
	c.portAllocationFails = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_allocation_failures_total",
			Help:      "Port allocations that failed after retries",
		},
		[]string{"field"},
	)
	c.activityTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_transitions_total",
			Help:      "Activity level changes applied by the activity manager",
		},
		[]string{"level"},
	)
	c.eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Session events delivered to sinks by result",
		},
		[]string{"sink", "result"},
	)

	c.registry.MustRegister(
		c.sessionsCreated,
		c.initDuration,
		c.initFailures,
		c.healthChecks,
		c.evictions,
		c.cleanups,
		c.liveConnections,
		c.portAllocationFails,
		c.activityTransitions,
		c.eventsPublished,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c.logger.Info().Str("namespace", namespace).Msg("Metrics collector initialized")
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog:      nil,
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (c *Collector) SessionCreate(outcome string) {
	if c == nil {
		return
	}
	c.sessionsCreated.WithLabelValues(outcome).Inc()
}

func (c *Collector) InitFinished(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.initDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (c *Collector) InitFailed(stage string) {
	if c == nil {
		return
	}
	c.initFailures.WithLabelValues(stage).Inc()
}

func (c *Collector) HealthCheck(result string) {
	if c == nil {
		return
	}
	c.healthChecks.WithLabelValues(result).Inc()
}

func (c *Collector) Eviction() {
	if c == nil {
		return
	}
	c.evictions.Inc()
}

func (c *Collector) Cleanup(reason string, err error) {
	if c == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.cleanups.WithLabelValues(reason, result).Inc()
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.liveConnections.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.liveConnections.Dec()
}

func (c *Collector) PortAllocationFailed(field string) {
	if c == nil {
		return
	}
	c.portAllocationFails.WithLabelValues(field).Inc()
}

func (c *Collector) ActivityTransition(level string) {
	if c == nil {
		return
	}
	c.activityTransitions.WithLabelValues(level).Inc()
}

func (c *Collector) EventPublished(sink string, err error) {
	if c == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.eventsPublished.WithLabelValues(sink, result).Inc()
}
