package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/events"
	"github.com/aristath/spyglass/pkg/logger"
)

// sseHeartbeatInterval keeps idle connections alive through proxies.
const sseHeartbeatInterval = 30 * time.Second

// dashboardEventTypes is everything the dashboard can usefully render.
var dashboardEventTypes = []events.EventType{
	events.ErrorOccurred,
	events.BoundaryTripped,
	events.BoundaryReset,
	events.OperationRetrying,
	events.OperationFailed,
	events.OperationRecovered,
	events.JobSubmitted,
	events.JobProgress,
	events.JobCompleted,
	events.JobFailed,
	events.JobCancelled,
	events.StreamStatusChanged,
	events.QuoteUpdated,
	events.NotificationCreated,
	events.SystemStatusChanged,
	events.CacheCleared,
}

// EventsStreamHandler streams bus events to dashboard clients over SSE.
type EventsStreamHandler struct {
	eventBus *events.Bus
	log      zerolog.Logger
}

// NewEventsStreamHandler creates the SSE stream handler.
func NewEventsStreamHandler(eventBus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		eventBus: eventBus,
		log:      logger.Component(log, "events_stream"),
	}
}

// ServeHTTP handles GET /api/events/stream requests (SSE).
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Optional comma-separated type filter: ?types=JOB_PROGRESS,QUOTE_UPDATED
	typesFilter := r.URL.Query().Get("types")
	var allowedTypes map[events.EventType]bool
	if typesFilter != "" {
		allowedTypes = make(map[events.EventType]bool)
		for _, t := range strings.Split(typesFilter, ",") {
			allowedTypes[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	h.log.Info().Str("types_filter", typesFilter).Msg("Client connected to event stream")

	// Buffered so a slow client cannot stall the bus; full means drop.
	eventChan := make(chan *events.Event, 100)

	eventHandler := func(event *events.Event) {
		select {
		case eventChan <- event:
		default:
			h.log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event channel full, dropping event")
		}
	}

	// Subscribe to the requested types and keep the unsubscribe closures;
	// leaking them would pin every disconnected client's handler forever.
	subscribed := dashboardEventTypes
	if allowedTypes != nil {
		subscribed = make([]events.EventType, 0, len(allowedTypes))
		for eventType := range allowedTypes {
			subscribed = append(subscribed, eventType)
		}
	}

	unsubscribes := make([]func(), 0, len(subscribed))
	for _, eventType := range subscribed {
		unsubscribes = append(unsubscribes, h.eventBus.Subscribe(eventType, eventHandler))
	}
	defer func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}()

	done := r.Context().Done()

	fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(map[string]interface{}{
		"type":    "connected",
		"message": "Connected to event stream",
	}))
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			eventJSON := h.encodeEvent(map[string]interface{}{
				"type":      string(event.Type),
				"module":    event.Module,
				"timestamp": event.Timestamp.Format(time.RFC3339),
				"data":      event.Data,
			})

			fmt.Fprintf(w, "data: %s\n\n", eventJSON)
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

// encodeEvent encodes an event map to JSON string.
func (h *EventsStreamHandler) encodeEvent(event map[string]interface{}) string {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return `{"error":"failed to encode event"}`
	}
	return string(data)
}
