// ABOUTME: Prometheus collectors for the ingestion pipeline, dispatcher, flow engine and fan-out
// ABOUTME: Collectors live on a private registry exposed through Handler

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/inbox-gateway/internal/fanout"
	"github.com/2389/inbox-gateway/internal/message"
)

const namespace = "inbox"

// Metrics holds the gateway's collectors.
type Metrics struct {
	reg *prometheus.Registry

	events      *prometheus.CounterVec
	sends       *prometheus.CounterVec
	sendLatency *prometheus.HistogramVec
	flowSteps   *prometheus.CounterVec
	fanout      *prometheus.CounterVec
}

// New creates and registers the collectors, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound channel events by channel, kind and outcome.",
		}, []string{"channel", "kind", "outcome"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_sends_total",
			Help:      "Outbound sends by channel and result.",
		}, []string{"channel", "result"}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbound_send_seconds",
			Help:      "Channel adapter send latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"channel"}),
		flowSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_steps_total",
			Help:      "Flow engine steps by outcome.",
		}, []string{"outcome"}),
		fanout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_events_total",
			Help:      "Realtime events by kind and delivery result.",
		}, []string{"kind", "result"}),
	}
	m.reg.MustRegister(
		m.events, m.sends, m.sendLatency, m.flowSteps, m.fanout,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterConnections exposes the live realtime connection count.
func (m *Metrics) RegisterConnections(count func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realtime_connections",
		Help:      "Live realtime client connections.",
	}, func() float64 { return float64(count()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveEvent counts one inbound event.
func (m *Metrics) ObserveEvent(channel message.Kind, kind, outcome string) {
	m.events.WithLabelValues(string(channel), kind, outcome).Inc()
}

// ObserveSend records one adapter send.
func (m *Metrics) ObserveSend(kind message.Kind, ok bool, elapsed time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.sends.WithLabelValues(string(kind), result).Inc()
	m.sendLatency.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// ObserveStep counts one flow step.
func (m *Metrics) ObserveStep(outcome string) {
	m.flowSteps.WithLabelValues(outcome).Inc()
}

// ObserveFanout counts delivered and dropped realtime frames.
func (m *Metrics) ObserveFanout(kind fanout.Kind, delivered, dropped int) {
	if delivered > 0 {
		m.fanout.WithLabelValues(string(kind), "delivered").Add(float64(delivered))
	}
	if dropped > 0 {
		m.fanout.WithLabelValues(string(kind), "dropped").Add(float64(dropped))
	}
}
