// Package metrics exposes the gateway's Prometheus instrumentation and
// periodic system gauges (spec component J). Metrics are observability
// only — nothing in the gateway reads a metric back to make an admission
// or backpressure decision.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/gauge/histogram the gateway records.
type Metrics struct {
	ConnectionsOpen      prometheus.Gauge
	ConnectionsTotal     prometheus.Counter
	ConnectionsClosed    *prometheus.CounterVec // by close_code
	MessagesReceived     prometheus.Counter
	MessagesSent         prometheus.Counter
	BytesReceived        prometheus.Counter
	BytesSent            prometheus.Counter
	EnvelopeErrors       *prometheus.CounterVec // by code
	RequestDuration      *prometheus.HistogramVec // by topic, action
	RequestsInFlight     prometheus.Gauge
	SubscriptionsByTopic *prometheus.GaugeVec
	SlowConsumerDrops    prometheus.Counter
	OfflineMessagesStored   prometheus.Counter
	OfflineMessagesReplayed prometheus.Counter

	CPUPercent    prometheus.Gauge
	MemoryPercent prometheus.Gauge
	Goroutines    prometheus.Gauge
}

// New registers every metric against reg (pass prometheus.NewRegistry() in
// tests to avoid colliding with the global default registry across cases).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_open",
			Help: "Number of currently open WebSocket connections.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total WebSocket connections accepted since start.",
		}),
		ConnectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_connections_closed_total",
			Help: "Total WebSocket connections closed, by close code.",
		}, []string{"close_code"}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_received_total",
			Help: "Total inbound text frames received, before rate limiting and decoding.",
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_sent_total",
			Help: "Total outbound envelopes written to the wire.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bytes_received_total",
			Help: "Total inbound bytes read from client connections.",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bytes_sent_total",
			Help: "Total outbound bytes written to client connections.",
		}),
		EnvelopeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_envelope_errors_total",
			Help: "Total outbound ERROR envelopes, by wire error code.",
		}, []string{"code"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "REQUEST handler latency by topic and action.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic", "action"}),
		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_requests_in_flight",
			Help: "Number of REQUEST envelopes awaiting a handler reply.",
		}),
		SubscriptionsByTopic: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_subscriptions",
			Help: "Current subscriber count, by topic.",
		}, []string{"topic"}),
		SlowConsumerDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_slow_consumer_disconnects_total",
			Help: "Total connections closed for a persistently full outbound queue.",
		}),
		OfflineMessagesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_offline_messages_stored_total",
			Help: "Total directed messages persisted to the offline queue.",
		}),
		OfflineMessagesReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_offline_messages_replayed_total",
			Help: "Total offline messages replayed to a reconnecting principal.",
		}),
		CPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_process_cpu_percent",
			Help: "Process CPU utilization sampled from gopsutil.",
		}),
		MemoryPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_process_memory_percent",
			Help: "Process resident memory utilization sampled from gopsutil.",
		}),
		Goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_goroutines",
			Help: "Current goroutine count.",
		}),
	}
}
