// Package lispmetrics exposes the control plane's Prometheus metrics.
package lispmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "golispd"
	subsystem = "lisp"
)

// Label names for control-plane metrics.
const (
	labelPeer      = "peer"
	labelMsgType   = "msg_type"
	labelFromState = "from_state"
	labelToState   = "to_state"
)

// -------------------------------------------------------------------------
// Collector — control-plane metrics
// -------------------------------------------------------------------------

// Collector holds all control-plane Prometheus metrics.
//
// Designed for mapping-system monitoring: cache gauges track resolution
// state, message counters track control traffic per peer, probe and
// locator counters feed reachability alerting, and auth failure counters
// flag misconfigured or hostile registrars.
type Collector struct {
	// MapCacheEntries tracks the number of map-cache entries (positive
	// and negative).
	MapCacheEntries prometheus.Gauge

	// MessagesSent counts control messages transmitted, by type and peer.
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts control messages received, by type and peer.
	MessagesReceived *prometheus.CounterVec

	// MessagesDropped counts inbound packets dropped (parse failures,
	// unknown nonce, no role handler), by peer.
	MessagesDropped *prometheus.CounterVec

	// NegativeRepliesSent counts Negative Map-Replies emitted for
	// unknown EIDs.
	NegativeRepliesSent prometheus.Counter

	// AuthFailures counts HMAC verification failures per peer.
	AuthFailures *prometheus.CounterVec

	// SMRsSent counts Solicit-Map-Requests emitted after local mapping
	// changes.
	SMRsSent prometheus.Counter

	// ProbesSent counts RLOC-probe Map-Requests transmitted.
	ProbesSent prometheus.Counter

	// ProbeTimeouts counts probes that exhausted their retry budget.
	ProbeTimeouts prometheus.Counter

	// LocatorTransitions counts locator reachability transitions,
	// labeled with the old and new state for precise alerting (Up->Down).
	LocatorTransitions *prometheus.CounterVec

	// PendingRequests tracks outstanding nonces.
	PendingRequests prometheus.Gauge
}

// NewCollector creates a Collector with all metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
//
// All metrics carry the "golispd_lisp_" prefix (namespace_subsystem).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.MapCacheEntries,
		c.MessagesSent,
		c.MessagesReceived,
		c.MessagesDropped,
		c.NegativeRepliesSent,
		c.AuthFailures,
		c.SMRsSent,
		c.ProbesSent,
		c.ProbeTimeouts,
		c.LocatorTransitions,
		c.PendingRequests,
	)

	return c
}

// newMetrics creates all metric vectors without registering them.
func newMetrics() *Collector {
	msgLabels := []string{labelMsgType, labelPeer}
	peerLabels := []string{labelPeer}
	transitionLabels := []string{labelFromState, labelToState}

	return &Collector{
		MapCacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "map_cache_entries",
			Help:      "Number of map-cache entries, including negative entries.",
		}),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Total LISP control messages transmitted.",
		}, msgLabels),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Total LISP control messages received.",
		}, msgLabels),

		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_dropped_total",
			Help:      "Total inbound packets dropped due to parse or dispatch failures.",
		}, peerLabels),

		NegativeRepliesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "negative_replies_sent_total",
			Help:      "Total Negative Map-Replies sent for unknown EIDs.",
		}),

		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total HMAC verification failures on received messages.",
		}, peerLabels),

		SMRsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "smrs_sent_total",
			Help:      "Total Solicit-Map-Requests sent after local mapping changes.",
		}),

		ProbesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rloc_probes_sent_total",
			Help:      "Total RLOC-probe Map-Requests sent.",
		}),

		ProbeTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rloc_probe_timeouts_total",
			Help:      "Total RLOC probes that exhausted their retry budget.",
		}),

		LocatorTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "locator_transitions_total",
			Help:      "Total locator reachability state transitions.",
		}, transitionLabels),

		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_requests",
			Help:      "Outstanding request nonces awaiting replies.",
		}),
	}
}
