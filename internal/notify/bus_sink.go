package notify

import (
	"context"

	"github.com/aristath/spyglass/internal/events"
	"github.com/aristath/spyglass/internal/metrics"
)

// BusSink publishes notifications on the event bus so connected dashboard
// clients receive them over the SSE stream as toasts.
type BusSink struct {
	events *events.Manager
}

// NewBusSink creates an event-bus notification sink.
func NewBusSink(manager *events.Manager) *BusSink {
	return &BusSink{events: manager}
}

// Notify emits a NotificationCreated event.
func (s *BusSink) Notify(ctx context.Context, n Notification) error {
	s.events.EmitTyped("notify", &events.NotificationEventData{
		ID:      n.ID,
		Kind:    string(n.Kind),
		Title:   n.Title,
		Message: n.Message,
	})
	metrics.IncNotification("bus", string(n.Kind))
	return nil
}
