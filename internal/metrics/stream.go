package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(streamConnectedGauge, streamSubscriptionsGauge, streamReconnectsTotal, streamMessagesTotal)
}

var streamConnectedGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "spyglass_stream_connected",
		Help: "1 while the market-data stream session is connected, 0 otherwise.",
	},
)

var streamSubscriptionsGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "spyglass_stream_subscriptions",
		Help: "Symbols currently subscribed on the market-data stream.",
	},
)

var streamReconnectsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "spyglass_stream_reconnects_total",
		Help: "Reconnect attempts, labeled by result (success/failure/exhausted).",
	},
	[]string{"result"},
)

var streamMessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "spyglass_stream_messages_total",
		Help: "Inbound stream frames, labeled by message type (unknown types included).",
	},
	[]string{"type"},
)

// SetStreamConnected flips the stream connectivity gauge.
func SetStreamConnected(connected bool) {
	if connected {
		streamConnectedGauge.Set(1)
	} else {
		streamConnectedGauge.Set(0)
	}
}

// SetStreamSubscriptions records the size of the subscription set.
func SetStreamSubscriptions(n int) {
	streamSubscriptionsGauge.Set(float64(n))
}

// IncStreamReconnect records one reconnect attempt outcome.
func IncStreamReconnect(result string) {
	streamReconnectsTotal.WithLabelValues(norm(result)).Inc()
}

// IncStreamMessage records one inbound frame.
func IncStreamMessage(messageType string) {
	streamMessagesTotal.WithLabelValues(norm(messageType)).Inc()
}
