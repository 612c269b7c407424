package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(notificationsTotal, cacheRequestsTotal) }

var notificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "spyglass_notifications_total",
		Help: "Notifications delivered, labeled by sink and kind.",
	},
	[]string{"sink", "kind"},
)

var cacheRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "spyglass_cache_requests_total",
		Help: "Response-cache lookups, labeled by result (hit/miss/expired).",
	},
	[]string{"result"},
)

// IncNotification records one delivered notification.
func IncNotification(sink, kind string) {
	notificationsTotal.WithLabelValues(norm(sink), norm(kind)).Inc()
}

// IncCacheRequest records one response-cache lookup.
func IncCacheRequest(result string) {
	cacheRequestsTotal.WithLabelValues(norm(result)).Inc()
}
