package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a unit of scheduled work. Implementations should be safe to run
// repeatedly and should return an error instead of panicking; the scheduler
// recovers panics but treats them as job failures.
type Job interface {
	Run() error
	Name() string
}

// Scheduler wraps the cron runner and gives every registered job uniform
// logging, timing and panic recovery.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start launches the cron runner in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish, up to the
// deadline carried by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.log.Info().Msg("Stopping scheduler")
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.log.Info().Msg("Scheduler stopped")
	case <-ctx.Done():
		s.log.Warn().Msg("Scheduler stop timed out with jobs still running")
	}
}

// AddJob registers a job under the given cron spec (with seconds field).
func (s *Scheduler) AddJob(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.runJob(job)
	})
	if err != nil {
		s.log.Error().Err(err).Str("job", job.Name()).Str("spec", spec).Msg("Failed to schedule job")
		return err
	}
	s.log.Info().Str("job", job.Name()).Str("spec", spec).Msg("Job scheduled")
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) {
	s.runJob(job)
}

func (s *Scheduler) runJob(job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("job", job.Name()).Msg("Job panicked")
		}
	}()

	start := time.Now()
	s.log.Debug().Str("job", job.Name()).Msg("Job starting")

	if err := job.Run(); err != nil {
		s.log.Error().Err(err).Str("job", job.Name()).Dur("elapsed", time.Since(start)).Msg("Job failed")
		return
	}
	s.log.Debug().Str("job", job.Name()).Dur("elapsed", time.Since(start)).Msg("Job finished")
}
