package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Relay outcomes.
const (
	OutcomeLive     = "live"
	OutcomeOffline  = "offline"
	OutcomeRemote   = "remote"
	OutcomeRejected = "rejected"
)

type Metrics struct {
	Connections    prometheus.Gauge
	OnlineUsers    prometheus.Gauge
	Relayed        *prometheus.CounterVec
	TypingEvents   prometheus.Counter
	HistoryAppends *prometheus.CounterVec
	DroppedFrames  prometheus.Counter
}

// New registers the chat collectors on reg. Pass prometheus.NewRegistry() in
// tests so repeated construction does not collide on the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "connections",
			Help:      "Open websocket connections on this instance.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "online_users",
			Help:      "Identities currently registered in the presence registry.",
		}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "relayed_messages_total",
			Help:      "message:send events processed, by delivery outcome.",
		}, []string{"outcome"}),
		TypingEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "typing_events_total",
			Help:      "typing:start and typing:stop events broadcast.",
		}),
		HistoryAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "history_appends_total",
			Help:      "Durable message writes, by result.",
		}, []string{"result"}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "dropped_frames_total",
			Help:      "Outbound frames dropped because a client send buffer was full.",
		}),
	}
	reg.MustRegister(m.Connections, m.OnlineUsers, m.Relayed, m.TypingEvents, m.HistoryAppends, m.DroppedFrames)
	return m
}
