package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/events"
	"github.com/aristath/spyglass/internal/metrics"
	"github.com/aristath/spyglass/internal/notify"
)

// CacheResetter drops cached query results so a retry re-reads fresh data
// instead of replaying the stale state that just failed.
type CacheResetter interface {
	Reset(ctx context.Context) error
}

// RetryPolicy configures a supervised operation.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// RetryDelay is the base delay; the n-th retry waits RetryDelay * 2^n
	// (n counted from zero). Defaults to one second.
	RetryDelay time.Duration

	// Isolate suppresses user-facing notifications for this operation.
	Isolate bool

	// ResetCaches invokes the cache-reset hook before each retry.
	ResetCaches bool

	// OnError observes every failed attempt, including the final one.
	OnError func(err *ClassifiedError, attempt int)
}

// DefaultRetryPolicy returns the standard policy: three retries starting
// at a one second delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// OperationError is the terminal error of a supervised operation.
type OperationError struct {
	Operation string
	Attempts  int
	Exhausted bool
	Cause     *ClassifiedError
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %s", e.Operation, e.Attempts, e.Cause.Message)
}

// Unwrap returns the classified cause.
func (e *OperationError) Unwrap() error {
	return e.Cause
}

// CanRetry reports whether another supervised run could help: false once
// the retry budget is spent or the cause is not retryable.
func (e *OperationError) CanRetry() bool {
	return e.Cause != nil && e.Cause.Retryable && !e.Exhausted
}

// Supervisor runs asynchronous upstream operations with retry, cache-reset
// and notification policy. It also listens for unhandled failures published
// on the event bus and applies the same policy to them.
type Supervisor struct {
	log    zerolog.Logger
	events *events.Manager
	sink   notify.Sink
	caches CacheResetter

	mu           sync.Mutex
	recent       map[string]time.Time
	dedupeWindow time.Duration
	unsubscribe  func()
}

// NewSupervisor creates a supervisor. The sink and cache resetter are
// optional; without a sink failures are only logged and published.
func NewSupervisor(log zerolog.Logger, manager *events.Manager, sink notify.Sink, caches CacheResetter) *Supervisor {
	return &Supervisor{
		log:          log.With().Str("component", "supervisor").Logger(),
		events:       manager,
		sink:         sink,
		caches:       caches,
		recent:       make(map[string]time.Time),
		dedupeWindow: 5 * time.Second,
	}
}

// Do runs fn under the default retry policy.
func (s *Supervisor) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return s.DoWithPolicy(ctx, name, DefaultRetryPolicy(), fn)
}

// DoWithPolicy runs fn, retrying classified-retryable failures with
// exponential backoff until success, a non-retryable failure, or an
// exhausted retry budget. The returned error is always an *OperationError.
func (s *Supervisor) DoWithPolicy(ctx context.Context, name string, policy RetryPolicy, fn func(ctx context.Context) error) error {
	if policy.RetryDelay <= 0 {
		policy.RetryDelay = time.Second
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}

	for attempt := 0; ; attempt++ {
		err := runProtected(ctx, fn)
		if err == nil {
			if attempt > 0 {
				s.recovered(name, attempt)
			}
			return nil
		}

		classified := Classify(err)
		if policy.OnError != nil {
			policy.OnError(classified, attempt+1)
		}

		exhausted := attempt >= policy.MaxRetries
		if !classified.Retryable || exhausted {
			return s.finalize(ctx, name, classified, attempt+1, exhausted && classified.Retryable, policy)
		}

		delay := policy.RetryDelay << uint(attempt)

		s.log.Warn().
			Str("operation", name).
			Str("kind", string(classified.Kind)).
			Int("attempt", attempt+1).
			Dur("next_delay", delay).
			Msg("Operation failed, retrying")

		metrics.IncOperationRetry(name, string(classified.Kind))
		if s.events != nil {
			s.events.EmitTyped("reliability", &events.OperationStatusData{
				Operation: name,
				Status:    "retrying",
				Kind:      string(classified.Kind),
				Message:   classified.Message,
				Retryable: true,
				Attempt:   attempt + 1,
				NextDelay: delay.Milliseconds(),
			})
		}

		if policy.ResetCaches && s.caches != nil {
			if cerr := s.caches.Reset(ctx); cerr != nil {
				s.log.Warn().Err(cerr).Str("operation", name).Msg("Cache reset before retry failed")
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.finalize(ctx, name, Classify(ctx.Err()), attempt+1, false, policy)
		case <-timer.C:
		}
	}
}

// recovered records a success that needed at least one retry.
func (s *Supervisor) recovered(name string, retries int) {
	s.log.Info().
		Str("operation", name).
		Int("retries", retries).
		Msg("Operation recovered")

	metrics.IncOperationOutcome(name, "recovered")
	if s.events != nil {
		s.events.EmitTyped("reliability", &events.OperationStatusData{
			Operation: name,
			Status:    "recovered",
			Attempt:   retries,
		})
	}
}

// finalize records a terminal failure and applies the notification policy.
func (s *Supervisor) finalize(ctx context.Context, name string, classified *ClassifiedError, attempts int, exhausted bool, policy RetryPolicy) error {
	opErr := &OperationError{
		Operation: name,
		Attempts:  attempts,
		Exhausted: exhausted,
		Cause:     classified,
	}

	s.log.Error().
		Str("operation", name).
		Str("kind", string(classified.Kind)).
		Int("attempts", attempts).
		Bool("exhausted", exhausted).
		Msg(classified.Message)

	outcome := "failed"
	if exhausted {
		outcome = "exhausted"
	}
	metrics.IncOperationOutcome(name, outcome)

	if s.events != nil {
		s.events.EmitTyped("reliability", &events.OperationStatusData{
			Operation: name,
			Status:    "failed",
			Kind:      string(classified.Kind),
			Message:   classified.Message,
			Retryable: classified.Retryable,
			Attempt:   attempts,
		})
	}

	if !policy.Isolate {
		s.maybeNotify(ctx, classified)
	}

	return opErr
}

// shouldNotify applies the notification policy: users hear about outages
// (network failures, upstream 5xx), never about their own bad input.
func shouldNotify(c *ClassifiedError) bool {
	return c.Kind == KindNetwork || (c.Kind == KindAPI && c.Status >= 500)
}

// maybeNotify delivers a user-facing notification unless it is a duplicate
// within the dedupe window.
func (s *Supervisor) maybeNotify(ctx context.Context, classified *ClassifiedError) {
	if s.sink == nil || !shouldNotify(classified) {
		return
	}
	if s.isDuplicate(classified) {
		return
	}

	title := "Service error"
	if classified.Kind == KindNetwork {
		title = "Connection problem"
	}

	if err := s.sink.Notify(ctx, notify.NewError(title, classified.Message)); err != nil {
		s.log.Warn().Err(err).Msg("Failed to deliver failure notification")
	}
}

// isDuplicate tracks recently notified failures so an error storm produces
// one notification, not hundreds.
func (s *Supervisor) isDuplicate(c *ClassifiedError) bool {
	key := string(c.Kind) + "|" + c.Message
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.recent[key]; ok && now.Sub(last) < s.dedupeWindow {
		return true
	}
	s.recent[key] = now

	for k, ts := range s.recent {
		if now.Sub(ts) > s.dedupeWindow {
			delete(s.recent, k)
		}
	}
	return false
}

// Start subscribes to unhandled failures on the event bus. Any component
// that hits an error nobody consumes publishes an ErrorOccurred event; the
// supervisor classifies and notifies exactly as it does for its own
// operations.
func (s *Supervisor) Start() {
	if s.events == nil {
		return
	}

	s.unsubscribe = s.events.Bus().Subscribe(events.ErrorOccurred, func(event *events.Event) {
		data, _ := event.GetTypedData().(*events.ErrorEventData)
		if data == nil {
			return
		}
		s.handleUnhandled(event.Module, data)
	})

	s.log.Info().Msg("Listening for unhandled failures")
}

// Stop removes the unhandled-failure subscription.
func (s *Supervisor) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// handleUnhandled applies classification and notification policy to a
// failure that reached the bus without an owner.
func (s *Supervisor) handleUnhandled(module string, data *events.ErrorEventData) {
	classified := Classify(errors.New(data.Error))

	s.log.Warn().
		Str("module", module).
		Str("kind", string(classified.Kind)).
		Msg("Unhandled failure")

	metrics.IncOperationOutcome(module, "unhandled")

	if s.sink == nil || !shouldNotify(classified) || s.isDuplicate(classified) {
		return
	}

	// Delivery happens off the emitter's goroutine; a slow sink must not
	// stall the bus.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		title := "Service error"
		if classified.Kind == KindNetwork {
			title = "Connection problem"
		}
		if err := s.sink.Notify(ctx, notify.NewError(title, classified.Message)); err != nil {
			s.log.Warn().Err(err).Msg("Failed to deliver unhandled-failure notification")
		}
	}()
}
