package events

import "time"

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// BoundaryTrippedData contains data for BoundaryTripped events
type BoundaryTrippedData struct {
	Boundary     string `json:"boundary"`
	Scope        string `json:"scope"`
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	ErrorID      string `json:"error_id"`
	FailureCount int    `json:"failure_count"`
}

// EventType returns the event type for BoundaryTrippedData
func (d *BoundaryTrippedData) EventType() EventType {
	return BoundaryTripped
}

// BoundaryResetData contains data for BoundaryReset events
type BoundaryResetData struct {
	Boundary string `json:"boundary"`
	Reason   string `json:"reason"` // "retry", "reset_keys", "auto"
}

// EventType returns the event type for BoundaryResetData
func (d *BoundaryResetData) EventType() EventType {
	return BoundaryReset
}

// OperationStatusData contains data for supervised operation lifecycle events
type OperationStatusData struct {
	Operation string `json:"operation"`
	Status    string `json:"status"` // "retrying", "failed", "recovered"
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable"`
	Attempt   int    `json:"attempt"`
	NextDelay int64  `json:"next_delay_ms,omitempty"`
}

// EventType returns the event type for OperationStatusData
// Note: The actual event type is determined by the Status field
func (d *OperationStatusData) EventType() EventType {
	switch d.Status {
	case "retrying":
		return OperationRetrying
	case "recovered":
		return OperationRecovered
	default:
		return OperationFailed
	}
}

// JobStatusData contains data for backtest job lifecycle events
type JobStatusData struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"` // "submitted", "progress", "completed", "failed", "cancelled"
	Progress  float64   `json:"progress,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Duration  float64   `json:"duration,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType returns the event type for JobStatusData
// Note: The actual event type is determined by the Status field
func (d *JobStatusData) EventType() EventType {
	switch d.Status {
	case "progress":
		return JobProgress
	case "completed":
		return JobCompleted
	case "failed":
		return JobFailed
	case "cancelled":
		return JobCancelled
	default:
		return JobSubmitted
	}
}

// StreamStatusData contains data for StreamStatusChanged events
type StreamStatusData struct {
	State         string `json:"state"` // "disconnected", "connecting", "connected", "error"
	Attempt       int    `json:"attempt,omitempty"`
	Subscriptions int    `json:"subscriptions"`
	Timestamp     string `json:"timestamp"`
}

// EventType returns the event type for StreamStatusData
func (d *StreamStatusData) EventType() EventType {
	return StreamStatusChanged
}

// QuoteUpdateData contains data for QuoteUpdated events
type QuoteUpdateData struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Change    float64 `json:"change,omitempty"`
	Timestamp string  `json:"timestamp"`
}

// EventType returns the event type for QuoteUpdateData
func (d *QuoteUpdateData) EventType() EventType {
	return QuoteUpdated
}

// NotificationEventData contains data for NotificationCreated events
type NotificationEventData struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"` // "info", "warning", "error"
	Title   string `json:"title"`
	Message string `json:"message"`
}

// EventType returns the event type for NotificationEventData
func (d *NotificationEventData) EventType() EventType {
	return NotificationCreated
}

// SystemStatusChangedData contains data for SystemStatusChanged events
type SystemStatusChangedData struct {
	Status    string `json:"status,omitempty"`
	Timestamp string `json:"timestamp"`
}

// EventType returns the event type for SystemStatusChangedData
func (d *SystemStatusChangedData) EventType() EventType {
	return SystemStatusChanged
}

// CacheClearedData contains data for CacheCleared events
type CacheClearedData struct {
	Scope   string `json:"scope"`
	Entries int    `json:"entries"`
}

// EventType returns the event type for CacheClearedData
func (d *CacheClearedData) EventType() EventType {
	return CacheCleared
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}
