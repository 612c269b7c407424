package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(boundaryTripsTotal, boundaryResetsTotal, operationRetriesTotal, operationOutcomesTotal)
}

var boundaryTripsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "spyglass_boundary_trips_total",
		Help: "Failure-isolation boundary trips, labeled by boundary scope and error kind.",
	},
	[]string{"scope", "kind"},
)

var boundaryResetsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "spyglass_boundary_resets_total",
		Help: "Boundary resets, labeled by reason (retry/reset_keys/auto).",
	},
	[]string{"reason"},
)

var operationRetriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "spyglass_operation_retries_total",
		Help: "Retries scheduled for supervised operations, labeled by error kind.",
	},
	[]string{"operation", "kind"},
)

var operationOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "spyglass_operation_outcomes_total",
		Help: "Terminal outcomes of supervised operations (recovered/failed/exhausted).",
	},
	[]string{"operation", "outcome"},
)

// IncBoundaryTrip records one boundary trip.
func IncBoundaryTrip(scope, kind string) {
	boundaryTripsTotal.WithLabelValues(norm(scope), norm(kind)).Inc()
}

// IncBoundaryReset records one boundary reset.
func IncBoundaryReset(reason string) {
	boundaryResetsTotal.WithLabelValues(norm(reason)).Inc()
}

// IncOperationRetry records one scheduled retry.
func IncOperationRetry(operation, kind string) {
	operationRetriesTotal.WithLabelValues(norm(operation), norm(kind)).Inc()
}

// IncOperationOutcome records the terminal outcome of a supervised operation.
func IncOperationOutcome(operation, outcome string) {
	operationOutcomesTotal.WithLabelValues(norm(operation), norm(outcome)).Inc()
}
