// Package metrics holds the Prometheus collectors of the server.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meet"

type Metrics struct {
	Rooms    prometheus.Gauge
	Sessions prometheus.Gauge
	Tracks   *prometheus.GaugeVec
	Bindings *prometheus.GaugeVec

	PacketsForwarded  *prometheus.CounterVec
	PacketsDropped    *prometheus.CounterVec
	KeyframeRequests  *prometheus.CounterVec
	SignalMessages    *prometheus.CounterVec
	SignalErrors      *prometheus.CounterVec
	PersistenceDrops  prometheus.Counter
	NegotiationErrors *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rooms", Help: "Rooms currently held by the registry.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions", Help: "Joined signaling sessions.",
		}),
		Tracks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sfu", Name: "tracks", Help: "Publisher tracks being relayed.",
		}, []string{"kind"}),
		Bindings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sfu", Name: "bindings", Help: "Subscriber bindings being fed.",
		}, []string{"kind"}),
		PacketsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sfu", Name: "packets_forwarded_total", Help: "RTP packets written to subscribers.",
		}, []string{"kind"}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sfu", Name: "packets_dropped_total", Help: "RTP packets not delivered to a subscriber.",
		}, []string{"kind", "reason"}),
		KeyframeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sfu", Name: "keyframe_requests_total", Help: "PLI/FIR sent upstream to publishers.",
		}, []string{"source"}),
		SignalMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signal", Name: "messages_total", Help: "Signaling messages received by type.",
		}, []string{"type"}),
		SignalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signal", Name: "errors_total", Help: "Signaling error replies by code.",
		}, []string{"code"}),
		PersistenceDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "events_dropped_total", Help: "Persistence events dropped on a full queue.",
		}),
		NegotiationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rtc", Name: "negotiation_errors_total", Help: "Failed negotiations by direction.",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Rooms, m.Sessions, m.Tracks, m.Bindings,
			m.PacketsForwarded, m.PacketsDropped, m.KeyframeRequests,
			m.SignalMessages, m.SignalErrors, m.PersistenceDrops, m.NegotiationErrors,
		)
	}
	return m
}

func (m *Metrics) RoomsChanged(delta float64) {
	if m == nil {
		return
	}
	m.Rooms.Add(delta)
}

func (m *Metrics) SessionsChanged(delta float64) {
	if m == nil {
		return
	}
	m.Sessions.Add(delta)
}

func (m *Metrics) TracksChanged(kind string, delta float64) {
	if m == nil {
		return
	}
	m.Tracks.WithLabelValues(kind).Add(delta)
}

func (m *Metrics) BindingsChanged(kind string, delta float64) {
	if m == nil {
		return
	}
	m.Bindings.WithLabelValues(kind).Add(delta)
}

func (m *Metrics) Forwarded(kind string) {
	if m == nil {
		return
	}
	m.PacketsForwarded.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dropped(kind, reason string) {
	if m == nil {
		return
	}
	m.PacketsDropped.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) KeyframeRequested(source string) {
	if m == nil {
		return
	}
	m.KeyframeRequests.WithLabelValues(source).Inc()
}

func (m *Metrics) SignalMessage(typ string) {
	if m == nil {
		return
	}
	m.SignalMessages.WithLabelValues(typ).Inc()
}

func (m *Metrics) SignalError(code string) {
	if m == nil {
		return
	}
	m.SignalErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) PersistenceDropped() {
	if m == nil {
		return
	}
	m.PersistenceDrops.Inc()
}

func (m *Metrics) NegotiationFailed(direction string) {
	if m == nil {
		return
	}
	m.NegotiationErrors.WithLabelValues(direction).Inc()
}
