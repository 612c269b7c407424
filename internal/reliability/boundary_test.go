package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/spyglass/internal/events"
)

type fakeStore struct {
	mu   sync.Mutex
	recs []TripRecord
	err  error
}

func (f *fakeStore) SaveTrip(ctx context.Context, rec TripRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return f.err
}

func (f *fakeStore) records() []TripRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TripRecord(nil), f.recs...)
}

type fakeReporter struct {
	mu   sync.Mutex
	recs []TripRecord
}

func (f *fakeReporter) Report(ctx context.Context, rec TripRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeReporter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

type fakeSlot struct {
	mu      sync.Mutex
	set     []TripRecord
	cleared []string
}

func (f *fakeSlot) SetError(rec TripRecord, kind Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = append(f.set, rec)
}

func (f *fakeSlot) ClearError(errorID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, errorID)
}

func newTestBoundary(t *testing.T, opts BoundaryOptions) (*Boundary, *fakeStore, *fakeReporter, *fakeSlot) {
	t.Helper()

	store := &fakeStore{}
	reporter := &fakeReporter{}
	slot := &fakeSlot{}
	bus := events.NewBus(zerolog.Nop())

	b := NewBoundary(opts, BoundaryDeps{
		Log:      zerolog.Nop(),
		Events:   events.NewManager(bus, zerolog.Nop()),
		Store:    store,
		Reporter: reporter,
		Slot:     slot,
	})
	return b, store, reporter, slot
}

func TestBoundaryStartsHealthy(t *testing.T) {
	b, _, _, _ := newTestBoundary(t, BoundaryOptions{Name: "widget", AutoResetAfter: AutoResetDisabled})

	assert.True(t, b.Healthy())
	assert.Nil(t, b.Err())

	err := b.Run(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	assert.True(t, b.Healthy())
}

func TestBoundaryTripsOnError(t *testing.T) {
	b, store, _, _ := newTestBoundary(t, BoundaryOptions{Name: "widget", DevMode: true, AutoResetAfter: AutoResetDisabled})

	err := b.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	require.Error(t, err)

	assert.Equal(t, StateFailed, b.State())
	require.NotNil(t, b.Err())
	assert.Equal(t, KindNetwork, b.Err().Kind)
	assert.Equal(t, 1, b.FailureCount())

	recs := store.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "component", recs[0].Level)
	assert.Equal(t, "connection refused", recs[0].Message)
	assert.NotEmpty(t, recs[0].ErrorID)
	assert.False(t, recs[0].Timestamp.IsZero())
}

func TestBoundaryShortCircuitsWhileFailed(t *testing.T) {
	b, _, _, _ := newTestBoundary(t, BoundaryOptions{Name: "widget", DevMode: true, AutoResetAfter: AutoResetDisabled})

	_ = b.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("boom one")
	})

	executed := false
	err := b.Run(context.Background(), func(ctx context.Context) error {
		executed = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, executed, "guarded work must not run while failed")
	assert.Equal(t, 1, b.FailureCount(), "short-circuit is not a new trip")
}

func TestBoundaryRetryHeals(t *testing.T) {
	b, _, _, _ := newTestBoundary(t, BoundaryOptions{Name: "widget", DevMode: true, AutoResetAfter: AutoResetDisabled})

	_ = b.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})
	require.Equal(t, StateFailed, b.State())

	b.Retry()

	assert.True(t, b.Healthy())
	assert.Nil(t, b.Err())

	err := b.Run(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestBoundaryRecoversPanic(t *testing.T) {
	b, _, _, _ := newTestBoundary(t, BoundaryOptions{Name: "widget", DevMode: true, AutoResetAfter: AutoResetDisabled})

	var err error
	require.NotPanics(t, func() {
		err = b.Run(context.Background(), func(ctx context.Context) error {
			panic("render exploded")
		})
	})

	require.Error(t, err)
	assert.Equal(t, StateFailed, b.State())
	assert.Contains(t, err.Error(), "render exploded")
}

func TestBoundaryResetKeysChangeHeals(t *testing.T) {
	b, _, _, _ := newTestBoundary(t, BoundaryOptions{Name: "widget", DevMode: true, AutoResetAfter: AutoResetDisabled})

	b.SetResetKeys("AAPL", "1d")
	_ = b.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})
	require.Equal(t, StateFailed, b.State())

	// Same keys: stays failed.
	b.SetResetKeys("AAPL", "1d")
	assert.Equal(t, StateFailed, b.State())

	// Changed keys: auto-reset.
	b.SetResetKeys("TSLA", "1d")
	assert.True(t, b.Healthy())
}

func TestBoundaryAutoReset(t *testing.T) {
	b, _, _, _ := newTestBoundary(t, BoundaryOptions{Name: "widget", DevMode: true, AutoResetAfter: 30 * time.Millisecond})

	_ = b.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})
	require.Equal(t, StateFailed, b.State())

	assert.Eventually(t, b.Healthy, 2*time.Second, 10*time.Millisecond)
}

func TestBoundaryComponentScopeDefaultsAutoResetOn(t *testing.T) {
	b := NewBoundary(BoundaryOptions{Name: "widget"}, BoundaryDeps{Log: zerolog.Nop()})
	assert.Equal(t, DefaultAutoReset, b.opts.AutoResetAfter)

	page := NewBoundary(BoundaryOptions{Name: "page", Scope: ScopePage}, BoundaryDeps{Log: zerolog.Nop()})
	assert.Equal(t, time.Duration(0), page.opts.AutoResetAfter)

	off := NewBoundary(BoundaryOptions{Name: "widget", AutoResetAfter: AutoResetDisabled}, BoundaryDeps{Log: zerolog.Nop()})
	assert.Equal(t, time.Duration(0), off.opts.AutoResetAfter)
}

func TestBoundaryPageScopeEscalates(t *testing.T) {
	b, _, _, slot := newTestBoundary(t, BoundaryOptions{Name: "dashboard", Scope: ScopePage, DevMode: true})

	_ = b.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})

	slot.mu.Lock()
	defer slot.mu.Unlock()
	require.Len(t, slot.set, 1)
	assert.Equal(t, "page", slot.set[0].Level)
}

func TestBoundaryComponentScopeStaysLocal(t *testing.T) {
	b, _, _, slot := newTestBoundary(t, BoundaryOptions{Name: "widget", DevMode: true, AutoResetAfter: AutoResetDisabled})

	_ = b.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})

	slot.mu.Lock()
	defer slot.mu.Unlock()
	assert.Empty(t, slot.set)
}

func TestBoundaryRetryClearsEscalatedError(t *testing.T) {
	b, _, _, slot := newTestBoundary(t, BoundaryOptions{Name: "dashboard", Scope: ScopeGlobal, DevMode: true})

	_ = b.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})
	b.Retry()

	slot.mu.Lock()
	defer slot.mu.Unlock()
	require.Len(t, slot.set, 1)
	require.Len(t, slot.cleared, 1)
	assert.Equal(t, slot.set[0].ErrorID, slot.cleared[0])
}

func TestBoundaryDevModeSuppressesReporting(t *testing.T) {
	dev, _, devReporter, _ := newTestBoundary(t, BoundaryOptions{Name: "widget", DevMode: true, AutoResetAfter: AutoResetDisabled})
	_ = dev.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})

	prod, _, prodReporter, _ := newTestBoundary(t, BoundaryOptions{Name: "widget", AutoResetAfter: AutoResetDisabled})
	_ = prod.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})

	assert.Eventually(t, func() bool { return prodReporter.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, devReporter.count())
}

func TestBoundaryPersistFailureDoesNotPropagate(t *testing.T) {
	store := &fakeStore{err: errors.New("disk full")}
	b := NewBoundary(
		BoundaryOptions{Name: "widget", DevMode: true, AutoResetAfter: AutoResetDisabled},
		BoundaryDeps{Log: zerolog.Nop(), Store: store},
	)

	err := b.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})

	// The guarded error surfaces; the persistence failure stays internal.
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestBoundaryFallback(t *testing.T) {
	fallbackCalls := 0
	b := NewBoundary(
		BoundaryOptions{
			Name:           "widget",
			DevMode:        true,
			AutoResetAfter: AutoResetDisabled,
			Fallback: func(ctx context.Context, err *ClassifiedError) error {
				fallbackCalls++
				return nil
			},
		},
		BoundaryDeps{Log: zerolog.Nop()},
	)

	// Trip consults the fallback; its nil result becomes Run's result.
	err := b.Run(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, fallbackCalls)
	assert.Equal(t, StateFailed, b.State())

	// While failed, Run keeps serving the fallback.
	err = b.Run(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, 2, fallbackCalls)
}

func TestBoundaryTripCallback(t *testing.T) {
	var gotRec TripRecord
	var gotErr *ClassifiedError
	resetReason := ""

	b := NewBoundary(
		BoundaryOptions{
			Name:           "widget",
			DevMode:        true,
			AutoResetAfter: AutoResetDisabled,
			OnTrip: func(rec TripRecord, err *ClassifiedError) {
				gotRec = rec
				gotErr = err
			},
			OnReset: func(reason string) { resetReason = reason },
		},
		BoundaryDeps{Log: zerolog.Nop()},
	)

	_ = b.Run(context.Background(), func(ctx context.Context) error {
		return context.DeadlineExceeded
	})

	require.NotNil(t, gotErr)
	assert.Equal(t, KindTimeout, gotErr.Kind)
	assert.NotEmpty(t, gotRec.ErrorID)

	b.Retry()
	assert.Equal(t, "retry", resetReason)
}
