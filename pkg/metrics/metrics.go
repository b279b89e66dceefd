// Package metrics exposes the relay's Prometheus collectors.
//
// All methods are safe on a nil *Relay so components can be used without a
// registry (tests, embedded use).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ai_relay"

// Drop reasons.
const (
	DropQueueOverflow = "queue_overflow"
	DropNoPeer        = "no_peer"
	DropMalformed     = "malformed"
	DropEncode        = "encode"
	DropDecode        = "decode"
	DropSend          = "send"
	DropStale         = "stale"
)

// Directions for frame counters.
const (
	DirectionToPeer      = "to_peer"
	DirectionToTelephony = "to_telephony"
)

// Relay holds the collectors for one relay process.
type Relay struct {
	datagrams   prometheus.Counter
	readErrors  prometheus.Counter
	frames      *prometheus.CounterVec
	drops       *prometheus.CounterVec
	queueDepth  prometheus.Gauge
	peerState   *prometheus.GaugeVec
	negotiation prometheus.Histogram
	events      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Relay {
	m := &Relay{
		datagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "UDP datagrams received from the telephony platform.",
		}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_read_errors_total",
			Help:      "Transient UDP socket read errors.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Audio frames forwarded, by direction.",
		}, []string{"direction"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Audio units dropped, by reason.",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Chunks waiting between the UDP listener and the peer.",
		}),
		peerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_state",
			Help:      "1 for the current peer session state, 0 otherwise.",
		}, []string{"state"}),
		negotiation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_seconds",
			Help:      "Duration of the SDP offer/answer exchange.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sideband_events_total",
			Help:      "Realtime server events observed on the sideband connection.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.datagrams, m.readErrors, m.frames, m.drops,
			m.queueDepth, m.peerState, m.negotiation, m.events)
	}
	return m
}

// Handler serves the registry in Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// DatagramReceived counts one datagram read from the telephony socket.
func (m *Relay) DatagramReceived() {
	if m == nil {
		return
	}
	m.datagrams.Inc()
}

// ReadError counts a failed socket read.
func (m *Relay) ReadError() {
	if m == nil {
		return
	}
	m.readErrors.Inc()
}

// Frame counts one frame relayed in direction.
func (m *Relay) Frame(direction string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction).Inc()
}

// Drop counts one discarded chunk or frame.
func (m *Relay) Drop(reason string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(reason).Inc()
}

// DropN counts n discarded chunks at once.
func (m *Relay) DropN(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.drops.WithLabelValues(reason).Add(float64(n))
}

// QueueDepth records the current outbound queue length.
func (m *Relay) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// PeerState marks state as current and clears every state in all.
func (m *Relay) PeerState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.peerState.WithLabelValues(s).Set(0)
	}
	m.peerState.WithLabelValues(state).Set(1)
}

// NegotiationSeconds observes the duration of an offer/answer exchange.
func (m *Relay) NegotiationSeconds(s float64) {
	if m == nil {
		return
	}
	m.negotiation.Observe(s)
}

// SidebandEvent counts one realtime server event by type.
func (m *Relay) SidebandEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}
