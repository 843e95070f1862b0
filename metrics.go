package sioengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	sessionsConnected prometheus.Gauge
	packetsSent       prometheus.Counter
	packetsReceived   prometheus.Counter
	pubsubPublished   prometheus.Counter
	pubsubReceived    prometheus.Counter
	pubsubDropped     prometheus.Counter
	brokerReconnects  prometheus.Counter
}

// NewMetrics registers the engine metrics with the given registry. A nil
// registry uses the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		sessionsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sioengine",
			Name:      "sessions_connected",
			Help:      "Number of namespace sessions currently connected",
		}),
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sioengine",
			Name:      "packets_sent_total",
			Help:      "Total packets handed to the session transport",
		}),
		packetsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sioengine",
			Name:      "packets_received_total",
			Help:      "Total inbound packets dispatched",
		}),
		pubsubPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sioengine",
			Name:      "pubsub_published_total",
			Help:      "Total messages published to the broker channel",
		}),
		pubsubReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sioengine",
			Name:      "pubsub_received_total",
			Help:      "Total messages received from the broker channel",
		}),
		pubsubDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sioengine",
			Name:      "pubsub_dropped_total",
			Help:      "Broker messages discarded because no decoder accepted them",
		}),
		brokerReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sioengine",
			Name:      "broker_reconnects_total",
			Help:      "Times the broker listener had to reconnect",
		}),
	}
}

func (m *Metrics) sessionConnected() {
	if m != nil {
		m.sessionsConnected.Inc()
	}
}

func (m *Metrics) sessionDisconnected() {
	if m != nil {
		m.sessionsConnected.Dec()
	}
}

func (m *Metrics) packetSent() {
	if m != nil {
		m.packetsSent.Inc()
	}
}

func (m *Metrics) packetReceived() {
	if m != nil {
		m.packetsReceived.Inc()
	}
}

func (m *Metrics) published() {
	if m != nil {
		m.pubsubPublished.Inc()
	}
}

func (m *Metrics) received() {
	if m != nil {
		m.pubsubReceived.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.pubsubDropped.Inc()
	}
}

func (m *Metrics) reconnected() {
	if m != nil {
		m.brokerReconnects.Inc()
	}
}
