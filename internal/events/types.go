// Package events provides event management functionality.
package events

import (
	"encoding/json"
	"time"
)

// EventType represents different event types
type EventType string

const (
	ErrorOccurred EventType = "ERROR_OCCURRED"

	// Failure isolation boundary lifecycle
	BoundaryTripped EventType = "BOUNDARY_TRIPPED"
	BoundaryReset   EventType = "BOUNDARY_RESET"

	// Supervised async operation lifecycle
	OperationRetrying  EventType = "OPERATION_RETRYING"
	OperationFailed    EventType = "OPERATION_FAILED"
	OperationRecovered EventType = "OPERATION_RECOVERED"

	// Backtest job lifecycle
	JobSubmitted EventType = "JOB_SUBMITTED"
	JobProgress  EventType = "JOB_PROGRESS"
	JobCompleted EventType = "JOB_COMPLETED"
	JobFailed    EventType = "JOB_FAILED"
	JobCancelled EventType = "JOB_CANCELLED"

	// Live market-data stream
	StreamStatusChanged EventType = "STREAM_STATUS_CHANGED"
	QuoteUpdated        EventType = "QUOTE_UPDATED"

	// Operator-facing surfaces
	NotificationCreated EventType = "NOTIFICATION_CREATED"
	SystemStatusChanged EventType = "SYSTEM_STATUS_CHANGED"
	CacheCleared        EventType = "CACHE_CLEARED"
)

// Event represents a system event. Data carries the JSON-shaped payload;
// GetTypedData recovers the typed form when one is registered for the type.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data"`
}

// GetTypedData attempts to convert the Data map to typed EventData.
// Returns nil when the event type has no registered payload shape or the
// conversion fails.
func (e *Event) GetTypedData() EventData {
	if e.Data == nil {
		return nil
	}

	switch e.Type {
	case BoundaryTripped:
		var data BoundaryTrippedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case BoundaryReset:
		var data BoundaryResetData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case OperationRetrying, OperationFailed, OperationRecovered:
		var data OperationStatusData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case JobSubmitted, JobProgress, JobCompleted, JobFailed, JobCancelled:
		var data JobStatusData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case StreamStatusChanged:
		var data StreamStatusData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case QuoteUpdated:
		var data QuoteUpdateData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case NotificationCreated:
		var data NotificationEventData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case SystemStatusChanged:
		var data SystemStatusChangedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case CacheCleared:
		var data CacheClearedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case ErrorOccurred:
		var data ErrorEventData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	}

	return nil
}

// convertMapToStruct converts a map[string]interface{} to a struct
func convertMapToStruct(m map[string]interface{}, v interface{}) error {
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonBytes, v)
}
