package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wavecraft"

// TransportMetrics covers one transport instance.
type TransportMetrics struct {
	Connected         prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	MessagesSent      prometheus.Counter
	MessagesReceived  prometheus.Counter
}

// NewTransportMetrics creates and registers transport metrics. Returns
// nil when registry is nil so callers can treat metrics as optional.
func NewTransportMetrics(registry *MetricsRegistry, componentName string) *TransportMetrics {
	if registry == nil {
		return nil
	}

	m := &TransportMetrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "connected",
			Help:        "Whether the transport is currently connected (0/1)",
			ConstLabels: prometheus.Labels{"component": componentName},
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "reconnect_attempts_total",
			Help:        "Total reconnection attempts",
			ConstLabels: prometheus.Labels{"component": componentName},
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "messages_sent_total",
			Help:        "Total messages sent over the transport",
			ConstLabels: prometheus.Labels{"component": componentName},
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "messages_received_total",
			Help:        "Total messages received over the transport",
			ConstLabels: prometheus.Labels{"component": componentName},
		}),
	}

	_ = registry.Register(componentName, "connected", m.Connected)
	_ = registry.Register(componentName, "reconnect_attempts", m.ReconnectAttempts)
	_ = registry.Register(componentName, "messages_sent", m.MessagesSent)
	_ = registry.Register(componentName, "messages_received", m.MessagesReceived)

	return m
}

// BusMetrics covers the message bus request/event flow.
type BusMetrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestTimeouts  prometheus.Counter
	PendingRequests  prometheus.Gauge
	EventsDispatched *prometheus.CounterVec
	RequestDuration  prometheus.Histogram
}

// NewBusMetrics creates and registers bus metrics.
func NewBusMetrics(registry *MetricsRegistry, componentName string) *BusMetrics {
	if registry == nil {
		return nil
	}

	m := &BusMetrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "bus",
			Name:        "requests_total",
			Help:        "Total requests by method and outcome",
			ConstLabels: prometheus.Labels{"component": componentName},
		}, []string{"method", "outcome"}),
		RequestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "bus",
			Name:        "request_timeouts_total",
			Help:        "Total request deadline expiries",
			ConstLabels: prometheus.Labels{"component": componentName},
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "bus",
			Name:        "pending_requests",
			Help:        "Requests currently awaiting a response",
			ConstLabels: prometheus.Labels{"component": componentName},
		}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "bus",
			Name:        "events_dispatched_total",
			Help:        "Total events dispatched to listeners",
			ConstLabels: prometheus.Labels{"component": componentName},
		}, []string{"event"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "bus",
			Name:        "request_duration_seconds",
			Help:        "Request/response round-trip duration",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			ConstLabels: prometheus.Labels{"component": componentName},
		}),
	}

	_ = registry.Register(componentName, "requests_total", m.RequestsTotal)
	_ = registry.Register(componentName, "request_timeouts", m.RequestTimeouts)
	_ = registry.Register(componentName, "pending_requests", m.PendingRequests)
	_ = registry.Register(componentName, "events_dispatched", m.EventsDispatched)
	_ = registry.Register(componentName, "request_duration", m.RequestDuration)

	return m
}

// MeterMetrics covers the metering pipeline.
type MeterMetrics struct {
	FramesProduced prometheus.Counter
	FramesDrained  prometheus.Counter
	FramesSkipped  prometheus.Counter
}

// NewMeterMetrics creates and registers metering metrics.
func NewMeterMetrics(registry *MetricsRegistry, componentName string) *MeterMetrics {
	if registry == nil {
		return nil
	}

	m := &MeterMetrics{
		FramesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "meter",
			Name:        "frames_produced_total",
			Help:        "Meter frames written by the real-time producer",
			ConstLabels: prometheus.Labels{"component": componentName},
		}),
		FramesDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "meter",
			Name:        "frames_drained_total",
			Help:        "Meter frames delivered to the consumer",
			ConstLabels: prometheus.Labels{"component": componentName},
		}),
		FramesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "meter",
			Name:        "frames_skipped_total",
			Help:        "Meter frames overwritten before the consumer drained them",
			ConstLabels: prometheus.Labels{"component": componentName},
		}),
	}

	_ = registry.Register(componentName, "frames_produced", m.FramesProduced)
	_ = registry.Register(componentName, "frames_drained", m.FramesDrained)
	_ = registry.Register(componentName, "frames_skipped", m.FramesSkipped)

	return m
}
