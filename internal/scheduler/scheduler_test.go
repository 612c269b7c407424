package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testJob struct {
	name string
	runs atomic.Int32
	err  error
	fn   func()
}

func (j *testJob) Name() string { return j.name }

func (j *testJob) Run() error {
	j.runs.Add(1)
	if j.fn != nil {
		j.fn()
	}
	return j.err
}

func TestRunNowExecutesJob(t *testing.T) {
	s := New(zerolog.Nop())
	job := &testJob{name: "once"}

	s.RunNow(job)

	assert.Equal(t, int32(1), job.runs.Load())
}

func TestRunNowRecoversPanic(t *testing.T) {
	s := New(zerolog.Nop())
	job := &testJob{name: "explosive", fn: func() { panic("boom") }}

	assert.NotPanics(t, func() { s.RunNow(job) })
	assert.Equal(t, int32(1), job.runs.Load())
}

func TestRunNowForwardsNothingOnError(t *testing.T) {
	s := New(zerolog.Nop())
	job := &testJob{name: "failing", err: errors.New("out of disk")}

	// Errors are logged, not propagated; a failing job must not affect the
	// scheduler.
	s.RunNow(job)
	s.RunNow(job)

	assert.Equal(t, int32(2), job.runs.Load())
}

func TestAddJobRejectsBadSpec(t *testing.T) {
	s := New(zerolog.Nop())
	job := &testJob{name: "misconfigured"}

	err := s.AddJob("not a cron spec", job)

	assert.Error(t, err)
}

func TestScheduledJobRuns(t *testing.T) {
	s := New(zerolog.Nop())
	job := &testJob{name: "ticker"}

	require.NoError(t, s.AddJob("* * * * * *", job))
	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	assert.Eventually(t, func() bool {
		return job.runs.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond)
}
