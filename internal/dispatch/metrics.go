package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the host-side Prometheus instrumentation (SPEC_FULL.md's
// Prometheus wiring). A nil *Metrics is valid and every method becomes a
// no-op, so tests can construct a Dispatcher without a registry.
type Metrics struct {
	requestsTotal  *prometheus.CounterVec
	activeStreams  prometheus.Gauge
	tokensStreamed prometheus.Counter
}

// NewMetrics registers the dispatcher's instrumentation with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mlxhost_requests_total",
			Help: "Dispatcher requests by envelope type and result.",
		}, []string{"type", "result"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mlxhost_active_streams",
			Help: "Currently in-flight inference.stream and inference.generate requests.",
		}),
		tokensStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mlxhost_tokens_streamed_total",
			Help: "Total streamed chunks emitted across all requests.",
		}),
	}
	reg.MustRegister(m.requestsTotal, m.activeStreams, m.tokensStreamed)
	return m
}

func (m *Metrics) request(typ, result string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(typ, result).Inc()
}

func (m *Metrics) streamStarted() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *Metrics) streamEnded() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}

func (m *Metrics) token() {
	if m == nil {
		return
	}
	m.tokensStreamed.Inc()
}
