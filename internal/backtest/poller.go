package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/spyglass/internal/metrics"
)

const (
	// DefaultPollInterval is the wait between consecutive status queries.
	DefaultPollInterval = 2 * time.Second
	// DefaultMaxAttempts caps how many status queries one poll makes.
	// 150 queries at the default interval is five minutes of waiting.
	DefaultMaxAttempts = 150
)

// ErrJobCancelled marks a job that reached CANCELLED while being polled.
// Callers distinguish it from failure with errors.Is.
var ErrJobCancelled = errors.New("job cancelled")

// ErrPollTimeout marks a poll that exhausted its attempt budget with the job
// still in flight.
var ErrPollTimeout = errors.New("job polling timed out")

// JobFailedError reports a job the service itself marked FAILED, as opposed
// to a failure reaching the service.
type JobFailedError struct {
	JobID  string
	Reason string
}

func (e *JobFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("backtest job %s failed: %s", e.JobID, e.Reason)
	}
	return fmt.Sprintf("backtest job %s failed", e.JobID)
}

// JobQuerier is the slice of the client the poller needs.
type JobQuerier interface {
	GetJob(ctx context.Context, jobID string) (*Job, error)
}

// PollOptions tunes one polling run. Zero values take the defaults above.
type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
	// OnProgress is invoked with every observed job state, terminal ones
	// included.
	OnProgress func(*Job)
}

// Poll queries a job until it reaches a terminal status or the attempt
// budget runs out. The first query is made immediately.
//
// COMPLETED returns the final job. FAILED returns an error carrying the
// job's own error message when it has one. CANCELLED returns an error
// matching ErrJobCancelled. A query error is returned as-is without further
// polling; retry decisions belong to the caller's supervisor, not here.
func Poll(ctx context.Context, querier JobQuerier, jobID string, opts PollOptions) (*Job, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}

	for attempt := 1; ; attempt++ {
		metrics.IncJobPoll()
		job, err := querier.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}

		if opts.OnProgress != nil {
			opts.OnProgress(job)
		}

		switch job.Status {
		case StatusCompleted:
			return job, nil
		case StatusFailed:
			return nil, &JobFailedError{JobID: jobID, Reason: job.Error}
		case StatusCancelled:
			return nil, fmt.Errorf("backtest job %s: %w", jobID, ErrJobCancelled)
		}

		if attempt >= opts.MaxAttempts {
			return nil, fmt.Errorf("backtest job %s: %w after %d queries", jobID, ErrPollTimeout, attempt)
		}

		timer := time.NewTimer(opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
