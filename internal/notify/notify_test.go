package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/spyglass/internal/events"
)

type recordingSink struct {
	got []Notification
	err error
}

func (r *recordingSink) Notify(ctx context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestNewAssignsIDAndTimestamp(t *testing.T) {
	n := NewError("Stream lost", "reconnect attempts exhausted")

	assert.NotEmpty(t, n.ID)
	assert.Equal(t, KindError, n.Kind)
	assert.False(t, n.CreatedAt.IsZero())
}

func TestMultiDeliversToAllSinks(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	multi := NewMulti(zerolog.Nop(), a, b)

	err := multi.Notify(context.Background(), NewInfo("Job done", "backtest completed"))
	require.NoError(t, err)

	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
}

func TestMultiFailingSinkDoesNotBlockOthers(t *testing.T) {
	a := &recordingSink{err: errors.New("telegram down")}
	b := &recordingSink{}
	multi := NewMulti(zerolog.Nop(), a, b)

	err := multi.Notify(context.Background(), NewWarning("Degraded", "api slow"))
	require.Error(t, err)

	var delivery *DeliveryError
	require.ErrorAs(t, err, &delivery)
	assert.Len(t, delivery.Failures, 1)
	assert.Len(t, b.got, 1, "second sink must still receive the notification")
}

func TestBusSinkEmitsEvent(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	manager := events.NewManager(bus, zerolog.Nop())

	var received *events.Event
	bus.Subscribe(events.NotificationCreated, func(event *events.Event) {
		received = event
	})

	sink := NewBusSink(manager)
	n := NewError("Upstream failure", "backtest service unreachable")
	require.NoError(t, sink.Notify(context.Background(), n))

	require.NotNil(t, received)
	assert.Equal(t, n.ID, received.Data["id"])
	assert.Equal(t, "error", received.Data["kind"])
}

func TestLogSinkNeverFails(t *testing.T) {
	sink := NewLogSink(zerolog.Nop())
	assert.NoError(t, sink.Notify(context.Background(), NewInfo("hello", "world")))
}
