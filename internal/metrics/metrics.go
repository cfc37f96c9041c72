// Package metrics exposes Prometheus collectors on a private registry.
// All recorder methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "towerbot"

// Metrics holds the bot's collectors
type Metrics struct {
	registry *prometheus.Registry

	decisions         *prometheus.CounterVec
	membershipLookups *prometheus.CounterVec
	linkOutcomes      *prometheus.CounterVec
	updates           *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them with a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_decisions_total",
			Help:      "Authorization gate outcomes by decision and reason",
		}, []string{"decision", "reason"}),
		membershipLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_lookups_total",
			Help:      "getChatMember lookups by result",
		}, []string{"result"}), // result: member|not_member|error
		linkOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_flow_total",
			Help:      "Identity link attempts by stage and outcome",
		}, []string{"stage", "outcome"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Webhook updates by kind and status",
		}, []string{"kind", "status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "update_queue_depth",
			Help:      "Updates waiting for a dispatcher worker",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions,
		m.membershipLookups,
		m.linkOutcomes,
		m.updates,
		m.queueDepth,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format for the private registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDecision counts one gate decision
func (m *Metrics) ObserveDecision(decision, reason string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision, reason).Inc()
}

// ObserveMembershipLookup counts one getChatMember result
func (m *Metrics) ObserveMembershipLookup(result string) {
	if m == nil {
		return
	}
	m.membershipLookups.WithLabelValues(result).Inc()
}

// ObserveLink counts a link flow step
func (m *Metrics) ObserveLink(stage, outcome string) {
	if m == nil {
		return
	}
	m.linkOutcomes.WithLabelValues(stage, outcome).Inc()
}

// ObserveUpdate counts a webhook update
func (m *Metrics) ObserveUpdate(kind, status string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(kind, status).Inc()
}

// SetQueueDepth records the dispatcher backlog
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
