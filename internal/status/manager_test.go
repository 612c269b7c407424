package status

import (
	"sync"
	"testing"
	"time"

	"github.com/aristath/spyglass/internal/events"
	"github.com/aristath/spyglass/internal/reliability"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func newTestManager(t *testing.T) (*Manager, *events.Bus, *statusRecorder) {
	t.Helper()

	bus := events.NewBus(zerolog.Nop())
	rec := &statusRecorder{}
	bus.Subscribe(events.SystemStatusChanged, func(event *events.Event) {
		if data, ok := event.GetTypedData().(*events.SystemStatusChangedData); ok {
			rec.mu.Lock()
			rec.statuses = append(rec.statuses, data.Status)
			rec.mu.Unlock()
		}
	})

	return NewManager(events.NewManager(bus, zerolog.Nop()), zerolog.Nop()), bus, rec
}

func (r *statusRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func tripRecord(id, message string) reliability.TripRecord {
	return reliability.TripRecord{
		Level:     "error",
		Message:   message,
		Timestamp: time.Now(),
		ErrorID:   id,
	}
}

func TestSetErrorDegradesStatus(t *testing.T) {
	m, _, rec := newTestManager(t)

	m.SetError(tripRecord("e-1", "backtests unavailable"), reliability.KindAPI)

	snap := m.Snapshot()
	assert.Equal(t, "degraded", snap.Status)
	require.NotNil(t, snap.GlobalError)
	assert.Equal(t, "e-1", snap.GlobalError.ErrorID)
	assert.Equal(t, "api", snap.GlobalError.Kind)
	assert.Equal(t, "backtests unavailable", snap.GlobalError.Message)

	assert.Equal(t, []string{"degraded"}, rec.all())
}

func TestClearErrorRequiresMatchingID(t *testing.T) {
	m, _, rec := newTestManager(t)

	m.SetError(tripRecord("e-1", "boom"), reliability.KindNetwork)

	// a stale boundary reset must not wipe a newer escalation
	m.ClearError("e-0")
	_, ok := m.GlobalError()
	assert.True(t, ok)
	assert.Equal(t, "degraded", m.Snapshot().Status)

	m.ClearError("e-1")
	_, ok = m.GlobalError()
	assert.False(t, ok)
	assert.Equal(t, "ok", m.Snapshot().Status)

	assert.Equal(t, []string{"degraded", "ok"}, rec.all())
}

func TestClearErrorEmptyIDClearsUnconditionally(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.SetError(tripRecord("e-2", "boom"), reliability.KindUnknown)
	m.ClearError("")

	_, ok := m.GlobalError()
	assert.False(t, ok)
}

func TestClearErrorOnEmptySlotIsNoOp(t *testing.T) {
	m, _, rec := newTestManager(t)

	m.ClearError("e-9")

	assert.Equal(t, "ok", m.Snapshot().Status)
	assert.Empty(t, rec.all())
}

func TestLatestEscalationWins(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.SetError(tripRecord("e-1", "first"), reliability.KindNetwork)
	m.SetError(tripRecord("e-2", "second"), reliability.KindAPI)

	err, ok := m.GlobalError()
	require.True(t, ok)
	assert.Equal(t, "e-2", err.ErrorID)

	// clearing the superseded error changes nothing
	m.ClearError("e-1")
	err, ok = m.GlobalError()
	require.True(t, ok)
	assert.Equal(t, "e-2", err.ErrorID)
}

func TestStreamErrorStateDegrades(t *testing.T) {
	m, _, rec := newTestManager(t)

	m.SetStreamState("error", 0)
	assert.Equal(t, "degraded", m.Snapshot().Status)

	m.SetStreamState("connected", 3)
	snap := m.Snapshot()
	assert.Equal(t, "ok", snap.Status)
	assert.Equal(t, "connected", snap.StreamState)
	assert.Equal(t, 3, snap.Subscriptions)

	assert.Equal(t, []string{"degraded", "ok"}, rec.all())
}

func TestSubscribeTracksStreamEvents(t *testing.T) {
	m, bus, _ := newTestManager(t)
	m.Subscribe(bus)

	manager := events.NewManager(bus, zerolog.Nop())
	manager.EmitTyped("stream", &events.StreamStatusData{
		State:         "connected",
		Subscriptions: 2,
		Timestamp:     time.Now().Format(time.RFC3339),
	})

	snap := m.Snapshot()
	assert.Equal(t, "connected", snap.StreamState)
	assert.Equal(t, 2, snap.Subscriptions)
}

func TestSetActiveJobs(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.SetActiveJobs(4)
	assert.Equal(t, 4, m.Snapshot().ActiveJobs)
}
