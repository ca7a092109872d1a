package sim

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "bwesim"

// Metrics holds the collectors a scenario updates while it runs. Each
// scenario registers them on its own registry, so concurrent scenarios never
// share series.
type Metrics struct {
	registry *prometheus.Registry

	virtualTime    prometheus.Gauge
	filterPackets  *prometheus.CounterVec
	filterBytes    *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	counterKbps    *prometheus.GaugeVec
	estimateKbps   *prometheus.GaugeVec
	targetKbps     *prometheus.GaugeVec
	packetDelay    *prometheus.HistogramVec
	feedbackEvents *prometheus.CounterVec
}

func newMetrics(scenario string) *Metrics {
	labels := prometheus.Labels{"scenario": scenario}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		virtualTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "virtual_time_seconds",
			Help:        "Virtual time elapsed since scenario start.",
			ConstLabels: labels,
		}),
		filterPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "filter_packets_total",
			Help:        "Packets handled by an uplink filter, by outcome.",
			ConstLabels: labels,
		}, []string{"filter", "outcome"}),
		filterBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "filter_bytes_total",
			Help:        "Bytes handled by an uplink filter, by outcome.",
			ConstLabels: labels,
		}, []string{"filter", "outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "filter_queue_packets",
			Help:        "Packets held by an uplink filter at the end of the last step.",
			ConstLabels: labels,
		}, []string{"filter"}),
		counterKbps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "rate_counter_kbps",
			Help:        "Last throughput sample of a rate counter filter.",
			ConstLabels: labels,
		}, []string{"counter"}),
		estimateKbps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "receiver_estimate_kbps",
			Help:        "Latest bandwidth estimate produced for a flow.",
			ConstLabels: labels,
		}, []string{"flow"}),
		targetKbps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "sender_target_kbps",
			Help:        "Current target bitrate of a sender.",
			ConstLabels: labels,
		}, []string{"flow"}),
		packetDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "packet_delay_ms",
			Help:        "One-way delay of packets delivered to a receiver.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"flow"}),
		feedbackEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "feedback_messages_total",
			Help:        "Feedback messages delivered to senders, by kind.",
			ConstLabels: labels,
		}, []string{"flow", "kind"}),
	}
	m.registry.MustRegister(
		m.virtualTime,
		m.filterPackets,
		m.filterBytes,
		m.queueDepth,
		m.counterKbps,
		m.estimateKbps,
		m.targetKbps,
		m.packetDelay,
		m.feedbackEvents,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) forwarded(filter string, size int) {
	m.filterPackets.WithLabelValues(filter, "forwarded").Inc()
	m.filterBytes.WithLabelValues(filter, "forwarded").Add(float64(size))
}

func (m *Metrics) dropped(filter string, size int) {
	m.filterPackets.WithLabelValues(filter, "dropped").Inc()
	m.filterBytes.WithLabelValues(filter, "dropped").Add(float64(size))
}

func flowLabel(flow FlowID) string {
	return strconv.Itoa(int(flow))
}
