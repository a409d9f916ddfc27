package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the server's Prometheus collectors. A single instance is
// created at startup and threaded through the components that record into it.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal  prometheus.Counter
	ConnectionsFailed prometheus.Counter
	CurrentConns      prometheus.Gauge

	MessagesReceived prometheus.Counter
	MessagesSent     prometheus.Counter
	BytesReceived    prometheus.Counter
	BytesSent        prometheus.Counter
	BatchesFlushed   prometheus.Counter

	RejectedFrames    *prometheus.CounterVec
	RateLimitedFrames prometheus.Counter
	LagDrops          prometheus.Counter

	ActiveBuses     prometheus.GaugeFunc
	PresenceEntries prometheus.GaugeFunc

	StoreAppendSeconds prometheus.Histogram

	SystemEventsIngested prometheus.Counter
	CPUPercent           prometheus.Gauge
}

// GaugeSources supplies the live values behind the GaugeFunc collectors.
type GaugeSources struct {
	ActiveBuses     func() int
	PresenceEntries func() int
}

func New(src GaugeSources) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Total WebSocket connections accepted.",
		}),
		ConnectionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_failed_total",
			Help: "Connections rejected or failed during upgrade.",
		}),
		CurrentConns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_current",
			Help: "Currently open WebSocket connections.",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_received_total",
			Help: "Inbound frames read from clients.",
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages delivered to clients inside data batches.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_bytes_received_total",
			Help: "Bytes read from clients.",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_bytes_sent_total",
			Help: "Bytes written to clients.",
		}),
		BatchesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_batches_flushed_total",
			Help: "Outbound data batches flushed to sockets.",
		}),
		RejectedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_rejected_frames_total",
			Help: "Inbound frames rejected by the ingress pipeline.",
		}, []string{"reason"}),
		RateLimitedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_rate_limited_frames_total",
			Help: "Frames delayed by the per-connection rate limiter.",
		}),
		LagDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_lag_drops_total",
			Help: "Bus subscriptions dropped for lagging.",
		}),
		StoreAppendSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_store_append_seconds",
			Help:    "Latency of durable message appends.",
			Buckets: prometheus.DefBuckets,
		}),
		SystemEventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_system_events_ingested_total",
			Help: "System announcements consumed from the event stream.",
		}),
		CPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_cpu_percent",
			Help: "Host CPU usage sampled by the admission guard.",
		}),
	}

	if src.ActiveBuses != nil {
		m.ActiveBuses = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chat_active_buses",
			Help: "Broadcast buses currently alive.",
		}, func() float64 { return float64(src.ActiveBuses()) })
	}
	if src.PresenceEntries != nil {
		m.PresenceEntries = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chat_presence_entries",
			Help: "Control sinks registered in the presence registry.",
		}, func() float64 { return float64(src.PresenceEntries()) })
	}
	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
