// Package metrics owns bankline's Prometheus collectors.
//
// Collectors live on a private registry so tests and multiple clients in one
// process do not collide. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bankline"

// Metrics groups every collector the client exports.
type Metrics struct {
	registry *prometheus.Registry

	dispatchRequests *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	renewals         *prometheus.CounterVec

	channelState      prometheus.Gauge
	channelReconnects prometheus.Counter
	channelFrames     *prometheus.CounterVec
	channelHeartbeats prometheus.Counter

	eventsDropped *prometheus.CounterVec
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		dispatchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "requests_total",
				Help:      "Dispatched API requests by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "request_duration_seconds",
				Help:      "Duration of one dispatched request including renewal and retry.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		renewals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "renewals_total",
				Help:      "Credential renewal exchanges by result.",
			},
			[]string{"result"},
		),

		channelState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "state",
			Help:      "Current notification channel state (0=disconnected,1=connecting,2=open,3=closing,4=reconnecting).",
		}),
		channelReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnection attempts scheduled after abnormal closure.",
		}),
		channelFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "frames_received_total",
				Help:      "Inbound channel frames by type.",
			},
			[]string{"type"},
		),
		channelHeartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "heartbeats_sent_total",
			Help:      "Ping frames written to an open channel.",
		}),

		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events dropped because a subscriber queue was full.",
			},
			[]string{"subscriber"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatchRequests,
		m.dispatchDuration,
		m.renewals,
		m.channelState,
		m.channelReconnects,
		m.channelFrames,
		m.channelHeartbeats,
		m.eventsDropped,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveDispatch records one logical request.
func (m *Metrics) ObserveDispatch(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchRequests.WithLabelValues(method, outcome).Inc()
	m.dispatchDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveRenewal records one renewal exchange.
func (m *Metrics) ObserveRenewal(result string) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(result).Inc()
}

// SetChannelState records the channel state ordinal.
func (m *Metrics) SetChannelState(state int) {
	if m == nil {
		return
	}
	m.channelState.Set(float64(state))
}

// IncReconnect records a scheduled reconnection.
func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.channelReconnects.Inc()
}

// IncFrame records an inbound frame.
func (m *Metrics) IncFrame(typ string) {
	if m == nil {
		return
	}
	m.channelFrames.WithLabelValues(typ).Inc()
}

// IncHeartbeat records a ping written to the channel.
func (m *Metrics) IncHeartbeat() {
	if m == nil {
		return
	}
	m.channelHeartbeats.Inc()
}

// IncDropped records an event dropped for a slow subscriber.
func (m *Metrics) IncDropped(subscriber string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(subscriber).Inc()
}
