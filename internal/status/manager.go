// Package status holds the process-wide system state surfaced to the
// dashboard: the global error slot, stream connectivity and job counters.
package status

import (
	"sync"
	"time"

	"github.com/aristath/spyglass/internal/events"
	"github.com/aristath/spyglass/internal/reliability"
	"github.com/rs/zerolog"
)

// GlobalError is the one escalated error shown process-wide, if any.
type GlobalError struct {
	ErrorID   string    `json:"error_id"`
	Kind      string    `json:"kind"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the complete system status served to clients.
type Snapshot struct {
	Status        string       `json:"status"` // "ok" or "degraded"
	GlobalError   *GlobalError `json:"global_error,omitempty"`
	StreamState   string       `json:"stream_state"`
	Subscriptions int          `json:"subscriptions"`
	ActiveJobs    int          `json:"active_jobs"`
	StartedAt     time.Time    `json:"started_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Manager handles thread-safe system status state. Page- and global-scope
// boundaries escalate into it through the reliability.ErrorSlot interface.
type Manager struct {
	log    zerolog.Logger
	events *events.Manager

	mu            sync.RWMutex
	globalError   *GlobalError
	streamState   string
	subscriptions int
	activeJobs    int
	startedAt     time.Time
	updatedAt     time.Time
}

// NewManager creates a status manager. The event manager may be nil.
func NewManager(eventManager *events.Manager, log zerolog.Logger) *Manager {
	now := time.Now()
	return &Manager{
		log:         log.With().Str("component", "status").Logger(),
		events:      eventManager,
		streamState: "disconnected",
		startedAt:   now,
		updatedAt:   now,
	}
}

// Subscribe wires the manager to the event bus so stream state stays
// current without the stream manager knowing about this package.
func (m *Manager) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.StreamStatusChanged, func(event *events.Event) {
		data, ok := event.GetTypedData().(*events.StreamStatusData)
		if !ok {
			return
		}
		m.SetStreamState(data.State, data.Subscriptions)
	})
}

// SetError records an escalated failure in the global error slot.
// The latest escalation wins.
func (m *Manager) SetError(rec reliability.TripRecord, kind reliability.Kind) {
	m.mu.Lock()
	before := m.statusLocked()
	m.globalError = &GlobalError{
		ErrorID:   rec.ErrorID,
		Kind:      string(kind),
		Level:     rec.Level,
		Message:   rec.Message,
		Timestamp: rec.Timestamp,
	}
	m.updatedAt = time.Now()
	after := m.statusLocked()
	m.mu.Unlock()

	m.log.Warn().
		Str("error_id", rec.ErrorID).
		Str("kind", string(kind)).
		Str("message", rec.Message).
		Msg("Global error set")

	if before != after {
		m.emitStatus(after)
	}
}

// ClearError empties the slot. A non-empty errorID only clears the matching
// error, so an older boundary's reset cannot wipe a newer escalation; an
// empty id clears unconditionally.
func (m *Manager) ClearError(errorID string) {
	m.mu.Lock()
	if m.globalError == nil || (errorID != "" && m.globalError.ErrorID != errorID) {
		m.mu.Unlock()
		return
	}
	before := m.statusLocked()
	m.globalError = nil
	m.updatedAt = time.Now()
	after := m.statusLocked()
	m.mu.Unlock()

	m.log.Info().Str("error_id", errorID).Msg("Global error cleared")

	if before != after {
		m.emitStatus(after)
	}
}

// SetStreamState records the feed connection state and subscription count.
func (m *Manager) SetStreamState(state string, subscriptions int) {
	m.mu.Lock()
	before := m.statusLocked()
	changed := m.streamState != state
	m.streamState = state
	m.subscriptions = subscriptions
	m.updatedAt = time.Now()
	after := m.statusLocked()
	m.mu.Unlock()

	if changed {
		m.log.Debug().
			Str("state", state).
			Int("subscriptions", subscriptions).
			Msg("Stream state updated")
	}
	if before != after {
		m.emitStatus(after)
	}
}

// SetActiveJobs records the number of jobs currently being tracked.
func (m *Manager) SetActiveJobs(n int) {
	m.mu.Lock()
	m.activeJobs = n
	m.updatedAt = time.Now()
	m.mu.Unlock()
}

// GlobalError returns a copy of the current escalated error, if any.
func (m *Manager) GlobalError() (GlobalError, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.globalError == nil {
		return GlobalError{}, false
	}
	return *m.globalError, true
}

// Snapshot returns the complete system status (thread-safe copy).
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Status:        m.statusLocked(),
		StreamState:   m.streamState,
		Subscriptions: m.subscriptions,
		ActiveJobs:    m.activeJobs,
		StartedAt:     m.startedAt,
		UpdatedAt:     m.updatedAt,
	}
	if m.globalError != nil {
		e := *m.globalError
		snap.GlobalError = &e
	}
	return snap
}

// statusLocked derives the overall status. Caller holds mu.
func (m *Manager) statusLocked() string {
	if m.globalError != nil || m.streamState == "error" {
		return "degraded"
	}
	return "ok"
}

// emitStatus publishes the derived status flip.
func (m *Manager) emitStatus(status string) {
	if m.events == nil {
		return
	}
	m.events.EmitTyped("status", &events.SystemStatusChangedData{
		Status:    status,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}
