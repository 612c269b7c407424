package reliability

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/events"
	"github.com/aristath/spyglass/internal/metrics"
)

// Scope is the blast radius a boundary protects.
type Scope string

const (
	// ScopeComponent isolates a single dashboard component. Trips stay local.
	ScopeComponent Scope = "component"
	// ScopePage isolates a full page. Trips escalate to the global error slot.
	ScopePage Scope = "page"
	// ScopeGlobal is the outermost boundary. Trips escalate to the global error slot.
	ScopeGlobal Scope = "global"
)

// State is the boundary's lifecycle state.
type State string

const (
	StateHealthy State = "healthy"
	StateFailed  State = "failed"
)

// DefaultAutoReset is the auto-reset delay applied to component-scope
// boundaries that do not configure one.
const DefaultAutoReset = 10 * time.Second

// AutoResetDisabled turns auto-reset off explicitly, overriding the
// component-scope default.
const AutoResetDisabled = -1 * time.Second

// TripRecord is the persisted trace of a boundary trip.
type TripRecord struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	ErrorID   string    `json:"errorId"`
}

// TripStore persists trip records for post-mortem inspection. Writes are
// best-effort: the boundary logs failures and carries on.
type TripStore interface {
	SaveTrip(ctx context.Context, rec TripRecord) error
}

// Reporter ships trip records to remote error collection.
type Reporter interface {
	Report(ctx context.Context, rec TripRecord) error
}

// ErrorSlot receives escalated errors from page- and global-scope
// boundaries. The process exposes exactly one.
type ErrorSlot interface {
	SetError(rec TripRecord, kind Kind)
	ClearError(errorID string)
}

// BoundaryOptions configures a failure-isolation boundary.
type BoundaryOptions struct {
	// Name identifies the protected component in logs, events and metrics.
	Name string

	// Scope defaults to ScopeComponent.
	Scope Scope

	// AutoResetAfter heals a failed boundary without an explicit Retry.
	// Zero means "use the scope default": DefaultAutoReset for component
	// scope, disabled otherwise. Set AutoResetDisabled to force off.
	AutoResetAfter time.Duration

	// Fallback substitutes the guarded work while the boundary is failed,
	// e.g. serving cached data. Its error (or nil) becomes Run's result;
	// the boundary stays failed either way.
	Fallback func(ctx context.Context, err *ClassifiedError) error

	// OnTrip is invoked after the boundary trips, outside the lock.
	OnTrip func(rec TripRecord, err *ClassifiedError)

	// OnReset is invoked after the boundary heals, outside the lock.
	OnReset func(reason string)

	// DevMode suppresses remote error reporting.
	DevMode bool
}

// BoundaryDeps are the collaborators a boundary publishes through.
// Everything but Log is optional.
type BoundaryDeps struct {
	Log      zerolog.Logger
	Events   *events.Manager
	Store    TripStore
	Reporter Reporter
	Slot     ErrorSlot
}

// Boundary guards a named component. While healthy it executes guarded
// work; once tripped it short-circuits until reset by Retry, changed reset
// keys, or the auto-reset timer.
type Boundary struct {
	opts BoundaryOptions
	deps BoundaryDeps
	log  zerolog.Logger

	mu           sync.Mutex
	state        State
	lastErr      *ClassifiedError
	lastErrorID  string
	failureCount int
	resetKeys    []interface{}
	resetTimer   *time.Timer
}

// NewBoundary creates a healthy boundary.
func NewBoundary(opts BoundaryOptions, deps BoundaryDeps) *Boundary {
	if opts.Scope == "" {
		opts.Scope = ScopeComponent
	}
	if opts.AutoResetAfter == 0 && opts.Scope == ScopeComponent {
		opts.AutoResetAfter = DefaultAutoReset
	}
	if opts.AutoResetAfter < 0 {
		opts.AutoResetAfter = 0
	}

	return &Boundary{
		opts:  opts,
		deps:  deps,
		log:   deps.Log.With().Str("component", "boundary").Str("boundary", opts.Name).Logger(),
		state: StateHealthy,
	}
}

// Run executes fn under the boundary's protection. A failed boundary
// short-circuits and returns the stored error without executing fn.
// Panics inside fn are recovered and treated as errors.
func (b *Boundary) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.state == StateFailed {
		stored := b.lastErr
		b.mu.Unlock()
		if b.opts.Fallback != nil {
			return b.opts.Fallback(ctx, stored)
		}
		return stored
	}
	b.mu.Unlock()

	err := runProtected(ctx, fn)
	if err == nil {
		return nil
	}

	classified := b.trip(ctx, err)
	if b.opts.Fallback != nil {
		return b.opts.Fallback(ctx, classified)
	}
	return classified
}

// runProtected invokes fn converting panics into errors.
func runProtected(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// trip records the failure and transitions to failed.
func (b *Boundary) trip(ctx context.Context, cause error) *ClassifiedError {
	classified := Classify(cause)
	errorID := uuid.New().String()

	rec := TripRecord{
		Level:     string(b.opts.Scope),
		Message:   classified.Message,
		Timestamp: time.Now(),
		ErrorID:   errorID,
	}

	b.mu.Lock()
	b.state = StateFailed
	b.lastErr = classified
	b.lastErrorID = errorID
	b.failureCount++
	count := b.failureCount
	b.scheduleAutoResetLocked()
	b.mu.Unlock()

	b.log.Error().
		Str("kind", string(classified.Kind)).
		Str("error_id", errorID).
		Int("failure_count", count).
		Msg(classified.Message)

	metrics.IncBoundaryTrip(string(b.opts.Scope), string(classified.Kind))

	if b.deps.Events != nil {
		b.deps.Events.EmitTyped("reliability", &events.BoundaryTrippedData{
			Boundary:     b.opts.Name,
			Scope:        string(b.opts.Scope),
			Kind:         string(classified.Kind),
			Message:      classified.Message,
			ErrorID:      errorID,
			FailureCount: count,
		})
	}

	// Page and global failures surface process-wide.
	if b.opts.Scope != ScopeComponent && b.deps.Slot != nil {
		b.deps.Slot.SetError(rec, classified.Kind)
	}

	b.persist(ctx, rec)
	b.report(rec)

	if b.opts.OnTrip != nil {
		b.opts.OnTrip(rec, classified)
	}

	return classified
}

// persist writes the trip record, best-effort.
func (b *Boundary) persist(ctx context.Context, rec TripRecord) {
	if b.deps.Store == nil {
		return
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := b.deps.Store.SaveTrip(saveCtx, rec); err != nil {
		b.log.Warn().Err(err).Str("error_id", rec.ErrorID).Msg("Failed to persist trip record")
	}
}

// report ships the record to remote collection, fire-and-forget.
// Dev mode keeps local failures local.
func (b *Boundary) report(rec TripRecord) {
	if b.deps.Reporter == nil || b.opts.DevMode {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := b.deps.Reporter.Report(ctx, rec); err != nil {
			b.log.Warn().Err(err).Str("error_id", rec.ErrorID).Msg("Failed to report trip record")
		}
	}()
}

// scheduleAutoResetLocked arms the auto-reset timer. Caller holds b.mu.
func (b *Boundary) scheduleAutoResetLocked() {
	if b.opts.AutoResetAfter <= 0 {
		return
	}
	if b.resetTimer != nil {
		b.resetTimer.Stop()
	}
	b.resetTimer = time.AfterFunc(b.opts.AutoResetAfter, func() {
		b.reset("auto")
	})
}

// Retry explicitly heals the boundary so guarded work executes again.
func (b *Boundary) Retry() {
	b.reset("retry")
}

// SetResetKeys updates the boundary's reset keys. When the key set changes
// while the boundary is failed, the boundary heals automatically: the
// caller is signalling that the inputs which caused the failure are gone.
func (b *Boundary) SetResetKeys(keys ...interface{}) {
	b.mu.Lock()
	changed := !keysEqual(b.resetKeys, keys)
	b.resetKeys = keys
	failed := b.state == StateFailed
	b.mu.Unlock()

	if changed && failed {
		b.reset("reset_keys")
	}
}

// reset transitions back to healthy if currently failed.
func (b *Boundary) reset(reason string) {
	b.mu.Lock()
	if b.state != StateFailed {
		b.mu.Unlock()
		return
	}
	b.state = StateHealthy
	b.lastErr = nil
	errorID := b.lastErrorID
	b.lastErrorID = ""
	if b.resetTimer != nil {
		b.resetTimer.Stop()
		b.resetTimer = nil
	}
	b.mu.Unlock()

	b.log.Info().Str("reason", reason).Msg("Boundary reset")
	metrics.IncBoundaryReset(reason)

	if b.deps.Events != nil {
		b.deps.Events.EmitTyped("reliability", &events.BoundaryResetData{
			Boundary: b.opts.Name,
			Reason:   reason,
		})
	}

	if b.opts.Scope != ScopeComponent && b.deps.Slot != nil && errorID != "" {
		b.deps.Slot.ClearError(errorID)
	}

	if b.opts.OnReset != nil {
		b.opts.OnReset(reason)
	}
}

// State returns the current lifecycle state.
func (b *Boundary) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Healthy reports whether guarded work would execute.
func (b *Boundary) Healthy() bool {
	return b.State() == StateHealthy
}

// Err returns the stored classified error, nil while healthy.
func (b *Boundary) Err() *ClassifiedError {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// FailureCount returns the cumulative number of trips.
func (b *Boundary) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// keysEqual compares reset key sets element-wise.
func keysEqual(a, b []interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}
