package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reasons a message was not delivered.
const (
	DropNoRoom       = "no_room"
	DropNoRecipients = "no_recipients"
	DropNoTarget     = "no_target"
	DropBufferFull   = "buffer_full"
)

// Relay holds the Prometheus collectors of the signaling relay.
type Relay struct {
	MessagesRelayed *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
	InvalidMessages *prometheus.CounterVec
	Connections     prometheus.Gauge
	Rooms           prometheus.Gauge
}

// NewRelay creates the relay collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		MessagesRelayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaling_messages_relayed_total",
				Help: "The total number of messages delivered to a client",
			},
			[]string{"event"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaling_messages_dropped_total",
				Help: "The total number of messages that could not be delivered",
			},
			[]string{"event", "reason"},
		),
		InvalidMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signaling_invalid_messages_total",
				Help: "The total number of inbound messages rejected at the boundary",
			},
			[]string{"event"},
		),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_connections",
			Help: "Currently connected clients",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_rooms",
			Help: "Rooms with at least one member",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.MessagesRelayed, m.MessagesDropped, m.InvalidMessages, m.Connections, m.Rooms)
	}
	return m
}
