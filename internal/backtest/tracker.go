package backtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/events"
	"github.com/aristath/spyglass/internal/metrics"
	"github.com/aristath/spyglass/internal/reliability"
)

// TrackerConfig tunes job tracking.
type TrackerConfig struct {
	// Poll carries the interval and attempt budget for each tracked job.
	// OnProgress is owned by the tracker and must be left nil.
	Poll PollOptions
	// ClampProgress keeps emitted progress monotone per job even when the
	// service reports a lower figure than before.
	ClampProgress bool
	// ProgressMinGap is the minimum spacing between progress events for one
	// job.
	ProgressMinGap time.Duration
	// OnActiveCount observes every change to the number of tracked jobs.
	// It is called outside the tracker's lock.
	OnActiveCount func(n int)
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Poll:           PollOptions{Interval: DefaultPollInterval, MaxAttempts: DefaultMaxAttempts},
		ClampProgress:  true,
		ProgressMinGap: 100 * time.Millisecond,
	}
}

// Tracker owns the lifecycle of submitted backtest jobs: submit through the
// supervisor, poll to completion, publish progress on the bus, archive the
// outcome. In-flight jobs are snapshotted so a restart resumes them instead
// of orphaning them.
type Tracker struct {
	client     *Client
	supervisor *reliability.Supervisor
	resume     *ResumeStore
	archive    *Archive
	events     *events.Manager
	cfg        TrackerConfig
	log        zerolog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewTracker(
	client *Client,
	supervisor *reliability.Supervisor,
	resume *ResumeStore,
	archive *Archive,
	eventManager *events.Manager,
	cfg TrackerConfig,
	log zerolog.Logger,
) *Tracker {
	if cfg.Poll.Interval <= 0 {
		cfg.Poll.Interval = DefaultPollInterval
	}
	if cfg.Poll.MaxAttempts <= 0 {
		cfg.Poll.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ProgressMinGap <= 0 {
		cfg.ProgressMinGap = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		client:     client,
		supervisor: supervisor,
		resume:     resume,
		archive:    archive,
		events:     eventManager,
		cfg:        cfg,
		log:        log.With().Str("component", "job_tracker").Logger(),
		active:     make(map[string]context.CancelFunc),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Submit sends a backtest to the service and starts tracking it. The submit
// call itself runs under the supervisor, so transient failures are retried
// before the caller hears about them.
func (t *Tracker) Submit(ctx context.Context, req JobRequest) (*Job, error) {
	var job *Job
	err := t.supervisor.Do(ctx, "backtest_submit", func(ctx context.Context) error {
		var submitErr error
		job, submitErr = t.client.SubmitJob(ctx, req)
		return submitErr
	})
	if err != nil {
		return nil, err
	}

	submittedAt := time.Now().UTC()
	strategy := job.Strategy
	if strategy == "" {
		strategy = req.Strategy
	}

	if err := t.resume.Save(Snapshot{
		JobID:       job.ID,
		Strategy:    strategy,
		SubmittedAt: submittedAt,
		Status:      job.Status,
	}); err != nil {
		t.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to snapshot submitted job")
	}

	t.events.EmitTyped("backtest", &events.JobStatusData{
		JobID:     job.ID,
		Status:    "submitted",
		Timestamp: submittedAt,
	})

	t.startTracking(job.ID, strategy, submittedAt)
	return job, nil
}

// Cancel asks the service to cancel a job. The tracking goroutine observes
// the CANCELLED status on its next poll and finishes up from there.
func (t *Tracker) Cancel(ctx context.Context, jobID string) error {
	return t.supervisor.Do(ctx, "backtest_cancel", func(ctx context.Context) error {
		return t.client.CancelJob(ctx, jobID)
	})
}

// Resume picks up tracking for every snapshotted job. Call once at startup.
func (t *Tracker) Resume() {
	snapshots, err := t.resume.All()
	if err != nil {
		t.log.Error().Err(err).Msg("Failed to load resume snapshots")
		return
	}
	for _, snap := range snapshots {
		t.log.Info().
			Str("job_id", snap.JobID).
			Str("strategy", snap.Strategy).
			Float64("progress", snap.Progress).
			Msg("Resuming job tracking")
		t.startTracking(snap.JobID, snap.Strategy, snap.SubmittedAt)
	}
}

// ActiveJobs returns the ids of jobs currently being tracked.
func (t *Tracker) ActiveJobs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	return ids
}

// Stop halts all tracking goroutines. Snapshots of in-flight jobs are kept
// so the next start resumes them.
func (t *Tracker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.log.Info().Msg("Job tracker stopped")
}

func (t *Tracker) startTracking(jobID, strategy string, submittedAt time.Time) {
	t.mu.Lock()
	if _, exists := t.active[jobID]; exists {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(t.baseCtx)
	t.active[jobID] = cancel
	count := len(t.active)
	t.mu.Unlock()
	t.reportActive(count)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			cancel()
			t.mu.Lock()
			delete(t.active, jobID)
			count := len(t.active)
			t.mu.Unlock()
			t.reportActive(count)
		}()
		t.track(ctx, jobID, strategy, submittedAt)
	}()
}

func (t *Tracker) reportActive(n int) {
	if t.cfg.OnActiveCount != nil {
		t.cfg.OnActiveCount(n)
	}
}

func (t *Tracker) track(ctx context.Context, jobID, strategy string, submittedAt time.Time) {
	state := &progressState{}
	opts := t.cfg.Poll
	opts.OnProgress = func(job *Job) {
		t.observeProgress(jobID, strategy, submittedAt, job, state)
	}

	_, err := Poll(ctx, t.client, jobID, opts)
	finishedAt := time.Now().UTC()
	duration := finishedAt.Sub(submittedAt)

	switch {
	case err == nil:
		t.finishCompleted(ctx, jobID, strategy, submittedAt, finishedAt, duration)

	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// Shutdown, not an outcome. The snapshot stays for the next start.
		t.log.Debug().Str("job_id", jobID).Msg("Tracking interrupted")

	case errors.Is(err, ErrJobCancelled):
		t.finishTerminal(jobID, strategy, StatusCancelled, "", submittedAt, finishedAt, duration)
		t.emitOutcome(jobID, "cancelled", "", duration)
		metrics.IncJob("cancelled")

	default:
		var failed *JobFailedError
		if errors.As(err, &failed) {
			t.finishTerminal(jobID, strategy, StatusFailed, failed.Reason, submittedAt, finishedAt, duration)
			t.emitOutcome(jobID, "failed", err.Error(), duration)
			metrics.IncJob("failed")
			return
		}

		// Poll timeout or a query error. The job's upstream state is
		// unknown, so the snapshot stays and the next start re-polls it.
		outcome := "failed"
		if errors.Is(err, ErrPollTimeout) {
			outcome = "timeout"
		}
		t.log.Error().Err(err).Str("job_id", jobID).Msg("Job tracking lost the service")
		t.emitOutcome(jobID, "failed", err.Error(), duration)
		metrics.IncJob(outcome)
	}
}

func (t *Tracker) finishCompleted(ctx context.Context, jobID, strategy string, submittedAt, finishedAt time.Time, duration time.Duration) {
	// Result fetch is best-effort; the job is archived either way.
	fetchCtx, cancelFetch := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancelFetch()

	result, err := t.client.GetResult(fetchCtx, jobID)
	if err != nil {
		t.log.Warn().Err(err).Str("job_id", jobID).Msg("Completed job result unavailable")
	}

	t.archiveEntry(ArchiveEntry{
		JobID:       jobID,
		Strategy:    strategy,
		Status:      StatusCompleted,
		Result:      result,
		SubmittedAt: submittedAt,
		FinishedAt:  finishedAt,
		Duration:    duration,
	})
	t.dropSnapshot(jobID)

	t.log.Info().
		Str("job_id", jobID).
		Str("strategy", strategy).
		Dur("duration", duration).
		Msg("Backtest job completed")
	t.emitOutcome(jobID, "completed", "", duration)
	metrics.IncJob("completed")
	metrics.ObserveJobDuration(duration.Seconds())
}

func (t *Tracker) finishTerminal(jobID, strategy string, status JobStatus, reason string, submittedAt, finishedAt time.Time, duration time.Duration) {
	t.archiveEntry(ArchiveEntry{
		JobID:       jobID,
		Strategy:    strategy,
		Status:      status,
		Error:       reason,
		SubmittedAt: submittedAt,
		FinishedAt:  finishedAt,
		Duration:    duration,
	})
	t.dropSnapshot(jobID)

	t.log.Info().
		Str("job_id", jobID).
		Str("status", string(status)).
		Dur("duration", duration).
		Msg("Backtest job finished")
}

func (t *Tracker) archiveEntry(entry ArchiveEntry) {
	if err := t.archive.Save(entry); err != nil {
		t.log.Error().Err(err).Str("job_id", entry.JobID).Msg("Failed to archive job")
	}
}

func (t *Tracker) dropSnapshot(jobID string) {
	if err := t.resume.Delete(jobID); err != nil {
		t.log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to delete resume snapshot")
	}
}

func (t *Tracker) emitOutcome(jobID, status, errMsg string, duration time.Duration) {
	t.events.EmitTyped("backtest", &events.JobStatusData{
		JobID:     jobID,
		Status:    status,
		Error:     errMsg,
		Duration:  duration.Seconds(),
		Timestamp: time.Now().UTC(),
	})
}

type progressState struct {
	mu          sync.Mutex
	highwater   float64
	lastEmit    time.Time
	lastStatus  JobStatus
	hasObserved bool
}

// observeProgress runs on every poll observation. It snapshots the raw state
// for resume, then emits a progress event subject to clamping and the
// minimum gap. Terminal observations are left to the tracking epilogue.
func (t *Tracker) observeProgress(jobID, strategy string, submittedAt time.Time, job *Job, state *progressState) {
	if job.Status.Terminal() {
		return
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	emitted := job.Progress
	if t.cfg.ClampProgress && emitted < state.highwater {
		emitted = state.highwater
	}
	if emitted > state.highwater {
		state.highwater = emitted
	}

	statusChanged := !state.hasObserved || job.Status != state.lastStatus
	state.lastStatus = job.Status
	state.hasObserved = true

	if err := t.resume.Save(Snapshot{
		JobID:       jobID,
		Strategy:    strategy,
		SubmittedAt: submittedAt,
		Status:      job.Status,
		Progress:    job.Progress,
	}); err != nil {
		t.log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to update resume snapshot")
	}

	now := time.Now()
	if !statusChanged && now.Sub(state.lastEmit) < t.cfg.ProgressMinGap {
		return
	}
	state.lastEmit = now

	t.events.EmitTyped("backtest", &events.JobStatusData{
		JobID:     jobID,
		Status:    "progress",
		Progress:  emitted,
		Message:   job.Message,
		Timestamp: now.UTC(),
	})
}
