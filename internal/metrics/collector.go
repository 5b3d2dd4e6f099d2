// Package metrics exposes Prometheus metrics for consolidation passes,
// sleep cycles and the HTTP boundary.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector owns a private registry. A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	passesTotal  *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	consolidated *prometheus.CounterVec
	adjustments  *prometheus.CounterVec
	sleepCycles  *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers all metrics under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		passesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_passes_total",
			Help:      "Consolidation passes by pass and status",
		}, []string{"pass", "status"}),
		passDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consolidation_pass_duration_seconds",
			Help:      "Consolidation pass duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"pass"}),
		consolidated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_consolidated_total",
			Help:      "Memories consolidated by pass",
		}, []string{"pass"}),
		adjustments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "importance_adjustments_total",
			Help:      "Episode importance adjustments by pass",
		}, []string{"pass"}),
		sleepCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sleep_cycles_total",
			Help:      "Logged sleep cycles by type and processing outcome",
		}, []string{"type", "processed"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// ObservePass records one consolidation pass.
func (c *Collector) ObservePass(pass string, d time.Duration, consolidated, adjustments int, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.passesTotal.WithLabelValues(pass, status).Inc()
	c.passDuration.WithLabelValues(pass).Observe(d.Seconds())
	c.consolidated.WithLabelValues(pass).Add(float64(consolidated))
	c.adjustments.WithLabelValues(pass).Add(float64(adjustments))
}

// ObserveSleepCycle records one logged sleep cycle.
func (c *Collector) ObserveSleepCycle(sleepType string, processed bool) {
	if c == nil {
		return
	}
	c.sleepCycles.WithLabelValues(sleepType, strconv.FormatBool(processed)).Inc()
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}
