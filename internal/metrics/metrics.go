// Package metrics holds the Prometheus collectors shared by the order workflow and the HTTP layer.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Workflow records RED metrics per order use case. A nil *Workflow records nothing.
type Workflow struct {
	requests *prometheus.CounterVec   // usecase_requests_total{use_case,outcome}
	duration *prometheus.HistogramVec // usecase_duration_seconds{use_case}
}

func NewWorkflow(reg prometheus.Registerer) *Workflow {
	w := &Workflow{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usecase_requests_total",
			Help: "Order use case executions by outcome.",
		}, []string{"use_case", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usecase_duration_seconds",
			Help:    "Order use case latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"use_case"}),
	}
	reg.MustRegister(w.requests, w.duration)
	return w
}

func (w *Workflow) Observe(useCase, outcome string, elapsed time.Duration) {
	if w == nil {
		return
	}
	w.requests.WithLabelValues(useCase, outcome).Inc()
	w.duration.WithLabelValues(useCase).Observe(elapsed.Seconds())
}

// HTTP records request counts and latency per chi route pattern.
type HTTP struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTP(reg prometheus.Registerer) *HTTP {
	h := &HTTP{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(h.requests, h.duration)
	return h
}

func (h *HTTP) Observe(method, route string, code int, elapsed time.Duration) {
	if h == nil {
		return
	}
	h.requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	h.duration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Projector counts consumed order events by type and result.
type Projector struct {
	events *prometheus.CounterVec
}

func NewProjector(reg prometheus.Registerer) *Projector {
	p := &Projector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "projector_events_total",
			Help: "Order events handled by the status projector.",
		}, []string{"event_type", "result"}),
	}
	reg.MustRegister(p.events)
	return p
}

func (p *Projector) Observe(eventType, result string) {
	if p == nil {
		return
	}
	p.events.WithLabelValues(eventType, result).Inc()
}
