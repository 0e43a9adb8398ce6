// Package metrics exposes Prometheus counters and gauges for the watch
// engine.
//
// # Metric catalogue
//
//	logwatch_lines_read_total           – counter: complete lines read from tracked files
//	logwatch_lines_dispatched_total     – counter: lines taken off the queue
//	logwatch_handler_matches_total      – counter: handler predicate matches, by handler
//	logwatch_action_errors_total        – counter: action invocations that failed, by handler
//	logwatch_open_errors_total          – counter: files that could not be opened for tailing
//	logwatch_read_errors_total          – counter: poll cycles that failed with a read error
//	logwatch_truncations_total          – counter: files observed shrinking below the read cursor
//	logwatch_tracked_files              – gauge:   entries in the file handle table
//	logwatch_queue_depth                – gauge:   lines buffered in the line queue
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "logwatch"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	linesRead       prometheus.Counter
	linesDispatched prometheus.Counter
	handlerMatches  *prometheus.CounterVec
	actionErrors    *prometheus.CounterVec
	openErrors      prometheus.Counter
	readErrors      prometheus.Counter
	truncations     prometheus.Counter
	trackedFiles    prometheus.Gauge
	queueDepth      prometheus.Gauge
}

// New allocates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		linesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_read_total",
			Help:      "Complete lines read from tracked files.",
		}),
		linesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_dispatched_total",
			Help:      "Lines taken off the line queue.",
		}),
		handlerMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_matches_total",
			Help:      "Lines matched by a handler predicate.",
		}, []string{"handler"}),
		actionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_errors_total",
			Help:      "Handler action invocations that returned an error or panicked.",
		}, []string{"handler"}),
		openErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "open_errors_total",
			Help:      "Files that could not be opened for tailing.",
		}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Poll cycles that failed with a read error.",
		}),
		truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncations_total",
			Help:      "Files observed shrinking below the read cursor.",
		}),
		trackedFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_files",
			Help:      "Entries in the file handle table.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Lines buffered in the line queue.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.linesRead,
		m.linesDispatched,
		m.handlerMatches,
		m.actionErrors,
		m.openErrors,
		m.readErrors,
		m.truncations,
		m.trackedFiles,
		m.queueDepth,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LineRead() {
	if m != nil {
		m.linesRead.Inc()
	}
}

func (m *Metrics) LineDispatched() {
	if m != nil {
		m.linesDispatched.Inc()
	}
}

func (m *Metrics) HandlerMatched(handler string) {
	if m != nil {
		m.handlerMatches.WithLabelValues(handler).Inc()
	}
}

func (m *Metrics) ActionFailed(handler string) {
	if m != nil {
		m.actionErrors.WithLabelValues(handler).Inc()
	}
}

func (m *Metrics) OpenFailed() {
	if m != nil {
		m.openErrors.Inc()
	}
}

func (m *Metrics) ReadFailed() {
	if m != nil {
		m.readErrors.Inc()
	}
}

func (m *Metrics) Truncated() {
	if m != nil {
		m.truncations.Inc()
	}
}

// SetTracked records the current size of the file handle table.
func (m *Metrics) SetTracked(n int) {
	if m != nil {
		m.trackedFiles.Set(float64(n))
	}
}

// SetQueueDepth records the current number of buffered lines.
func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}
