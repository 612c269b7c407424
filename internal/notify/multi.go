package notify

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// Multi fans a notification out to several sinks. A failing sink never
// blocks the others; failures are collected and logged.
type Multi struct {
	sinks []Sink
	log   zerolog.Logger
}

// NewMulti creates a fan-out sink over the given sinks.
func NewMulti(log zerolog.Logger, sinks ...Sink) *Multi {
	return &Multi{
		sinks: sinks,
		log:   log.With().Str("component", "notify_multi").Logger(),
	}
}

// Notify delivers to every sink. Returns an error summarizing any failures;
// partial delivery is not rolled back.
func (m *Multi) Notify(ctx context.Context, n Notification) error {
	var failures []string
	for _, sink := range m.sinks {
		if err := sink.Notify(ctx, n); err != nil {
			m.log.Warn().Err(err).Str("notification_id", n.ID).Msg("Notification sink failed")
			failures = append(failures, err.Error())
		}
	}

	if len(failures) > 0 {
		return &DeliveryError{Failures: failures}
	}
	return nil
}

// DeliveryError reports partial or total delivery failure across sinks.
type DeliveryError struct {
	Failures []string
}

func (e *DeliveryError) Error() string {
	return "notification delivery failed: " + strings.Join(e.Failures, "; ")
}
