package core

import (
	"bytes"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"

	"github.com/searchktools/fast-reactor/core/http"
)

const metricsNamespace = "fastreactor"

// Metrics holds the reactor's Prometheus collectors. Each Metrics owns its
// registry so several engines can live in one process.
//
// Metrics:
//   - fastreactor_connections_accepted_total
//   - fastreactor_connections_closed_total
//   - fastreactor_connections_timed_out_total: idle evictions
//   - fastreactor_connections_rejected_total: over MaxConnections
//   - fastreactor_accept_errors_total
//   - fastreactor_dispatch_conflicts_total: readiness delivered to a connection already in service
//   - fastreactor_connections_open
//   - fastreactor_requests_total{code}: by status class
//   - fastreactor_framing_errors_total{code}
//   - fastreactor_handler_duration_seconds
//   - fastreactor_bytes_read_total / fastreactor_bytes_written_total
type Metrics struct {
	registry *prometheus.Registry

	ConnsAccepted prometheus.Counter
	ConnsClosed   prometheus.Counter
	ConnsTimedOut prometheus.Counter
	ConnsRejected prometheus.Counter
	AcceptErrors  prometheus.Counter
	ConnsOpen     prometheus.Gauge

	DispatchConflicts prometheus.Counter

	Requests      *prometheus.CounterVec
	FramingErrors *prometheus.CounterVec
	HandlerTime   prometheus.Histogram

	BytesRead    prometheus.Counter
	BytesWritten prometheus.Counter
}

// NewMetrics creates the collectors and registers them, together with the
// Go runtime and process collectors, on a fresh registry.
func NewMetrics() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		registry:      prometheus.NewRegistry(),
		ConnsAccepted: counter("connections_accepted_total", "Connections accepted."),
		ConnsClosed:   counter("connections_closed_total", "Connections closed for any reason."),
		ConnsTimedOut: counter("connections_timed_out_total", "Connections evicted by the idle timer."),
		ConnsRejected: counter("connections_rejected_total", "Connections closed on accept because of the connection limit."),
		AcceptErrors:  counter("accept_errors_total", "accept(2) failures other than EAGAIN."),
		ConnsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_open",
			Help:      "Connections currently registered.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests answered, by status class.",
		}, []string{"code"}),
		FramingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "framing_errors_total",
			Help:      "Requests rejected before routing, by status code.",
		}, []string{"code"}),
		HandlerTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in the middleware chain and handler.",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .1, .5, 1},
		}),
		BytesRead:    counter("bytes_read_total", "Bytes read from client sockets."),
		BytesWritten: counter("bytes_written_total", "Bytes written to client sockets."),
	}

	m.DispatchConflicts = counter("dispatch_conflicts_total",
		"Readiness events dropped because another worker held the connection.")

	m.registry.MustRegister(
		m.ConnsAccepted, m.ConnsClosed, m.ConnsTimedOut, m.ConnsRejected,
		m.AcceptErrors, m.ConnsOpen, m.DispatchConflicts, m.Requests, m.FramingErrors,
		m.HandlerTime, m.BytesRead, m.BytesWritten,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeRequest(code int, took time.Duration) {
	m.Requests.WithLabelValues(statusClass(code)).Inc()
	m.HandlerTime.Observe(took.Seconds())
}

// Handler renders the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.HandlerFunc {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)

	return func(req *http.Request, resp *http.Response) {
		families, err := m.registry.Gather()
		if err != nil {
			resp.String(500, "gather metrics: "+err.Error())
			return
		}

		var out bytes.Buffer
		enc := expfmt.NewEncoder(&out, format)
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				resp.String(500, "encode metrics: "+err.Error())
				return
			}
		}
		resp.Bytes(200, string(format), out.Bytes())
	}
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
