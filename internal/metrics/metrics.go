// Package metrics holds the client counters. A nil *Metrics is valid and
// records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "wc"

type Metrics struct {
	published     prometheus.Counter
	received      *prometheus.CounterVec
	duplicates    prometheus.Counter
	reconnects    prometheus.Counter
	expirations   prometheus.Counter
	subscriptions prometheus.Gauge
}

// New creates the client metrics and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relayer",
			Name:      "published_messages_total",
			Help:      "Number of messages published to the relay",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relayer",
			Name:      "received_messages_total",
			Help:      "Number of messages received from the relay, by kind",
		}, []string{"kind"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relayer",
			Name:      "duplicate_messages_total",
			Help:      "Number of relay retransmissions dropped by the message tracker",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "reconnects_total",
			Help:      "Number of transport reconnections",
		}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expirer",
			Name:      "expired_total",
			Help:      "Number of expired targets",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "active_subscriptions",
			Help:      "Number of active topic subscriptions",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.published, m.received, m.duplicates, m.reconnects, m.expirations, m.subscriptions)
	}
	return m
}

func (m *Metrics) MessagePublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}

// MessageReceived counts one inbound message; kind is "request" or "response".
func (m *Metrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(kind).Inc()
}

func (m *Metrics) DuplicateDropped() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) Expired() {
	if m == nil {
		return
	}
	m.expirations.Inc()
}

func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}
