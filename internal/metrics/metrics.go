// Package metrics holds the Prometheus collectors for the server. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gsplit"

// Result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultEmpty = "empty"
)

type Metrics struct {
	Registry *prometheus.Registry

	detections     *prometheus.CounterVec
	scorings       *prometheus.CounterVec
	scoringLatency prometheus.Histogram
	transitions    *prometheus.CounterVec
	pints          prometheus.Counter
	backendSync    *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_calls_total",
			Help:      "Detection API calls by result.",
		}, []string{"result"}),
		scorings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_calls_total",
			Help:      "Scoring API calls by result.",
		}, []string{"result"}),
		scoringLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scoring_duration_seconds",
			Help:      "Scoring API latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16},
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_transitions_total",
			Help:      "Capture state transitions by target state.",
		}, []string{"state"}),
		pints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pints_recorded_total",
			Help:      "Pints saved to the local log.",
		}),
		backendSync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_sync_total",
			Help:      "Pub backend submissions by operation and result.",
		}, []string{"op", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.detections, m.scorings, m.scoringLatency, m.transitions,
		m.pints, m.backendSync, m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) ObserveDetection(result string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveScoring(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.scorings.WithLabelValues(result).Inc()
	m.scoringLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) PintRecorded() {
	if m == nil {
		return
	}
	m.pints.Inc()
}

func (m *Metrics) ObserveSync(op, result string) {
	if m == nil {
		return
	}
	m.backendSync.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveRequest(method string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
