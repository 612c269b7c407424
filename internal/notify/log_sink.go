package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/metrics"
)

// LogSink writes notifications to the structured log. Always configured so
// a notification is never silently lost even with no other sink wired.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a log-backed notification sink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "notifications").Logger()}
}

// Notify logs the notification at a level matching its kind.
func (s *LogSink) Notify(ctx context.Context, n Notification) error {
	event := s.log.Info()
	switch n.Kind {
	case KindError:
		event = s.log.Error()
	case KindWarning:
		event = s.log.Warn()
	}

	event.
		Str("notification_id", n.ID).
		Str("title", n.Title).
		Msg(n.Message)

	metrics.IncNotification("log", string(n.Kind))
	return nil
}
