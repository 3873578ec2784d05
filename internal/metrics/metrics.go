package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "errcatcher"

// Delivery paths for Transport.Sent.
const (
	PathDirect = "direct"
	PathDrain  = "drain"
)

// Transport holds the delivery metrics of one transport.
type Transport struct {
	Sent              *prometheus.CounterVec
	Queued            prometheus.Counter
	Dropped           prometheus.Counter
	Rejected          *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	Disconnects       prometheus.Counter
	QueueDepth        prometheus.Gauge
	Phase             prometheus.Gauge
}

// NewTransport creates transport metrics and registers them with reg.
// A nil reg leaves the metrics unregistered.
func NewTransport(reg prometheus.Registerer) *Transport {
	m := &Transport{
		Sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_sent_total",
			Help:      "Messages handed to an open channel, by delivery path",
		}, []string{"path"}),
		Queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_queued_total",
			Help:      "Messages placed in the outbound queue",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_dropped_total",
			Help:      "Queued messages evicted because the queue was full",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_rejected_total",
			Help:      "Messages permanently abandoned, by reason",
		}, []string{"reason"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts started",
		}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "unexpected_disconnects_total",
			Help:      "Open channels closed without a caller-initiated shutdown",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "queue_depth",
			Help:      "Messages currently waiting in the outbound queue",
		}),
		Phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "phase",
			Help:      "Reconnection controller phase (0=idle 1=connecting 2=open 3=reconnecting 4=permanently_closed 5=shutdown)",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Sent,
			m.Queued,
			m.Dropped,
			m.Rejected,
			m.ReconnectAttempts,
			m.Disconnects,
			m.QueueDepth,
			m.Phase,
		)
	}

	return m
}

// Collector holds the ingest metrics of the reference collector.
type Collector struct {
	Connections   prometheus.Gauge
	Frames        prometheus.Counter
	InvalidFrames prometheus.Counter
	Dropped       prometheus.Counter
	Written       prometheus.Counter
	WriteErrors   prometheus.Counter
	BufferDepth   prometheus.Gauge
}

// NewCollector creates collector metrics and registers them with reg.
// A nil reg leaves the metrics unregistered.
func NewCollector(reg prometheus.Registerer) *Collector {
	m := &Collector{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "connections",
			Help:      "Currently connected catchers",
		}),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "frames_received_total",
			Help:      "Message frames received from catchers",
		}),
		InvalidFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "invalid_frames_total",
			Help:      "Frames that did not decode as an event",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "events_dropped_total",
			Help:      "Received events evicted from a full ingest buffer",
		}),
		Written: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "events_written_total",
			Help:      "Events inserted into the database",
		}),
		WriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "write_errors_total",
			Help:      "Failed batch inserts",
		}),
		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "buffer_depth",
			Help:      "Events waiting to be written",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Connections,
			m.Frames,
			m.InvalidFrames,
			m.Dropped,
			m.Written,
			m.WriteErrors,
			m.BufferDepth,
		)
	}

	return m
}
