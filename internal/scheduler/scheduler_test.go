package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	warnings atomic.Int32
	breaches atomic.Int32
}

func (c *countingSweeper) SweepWarnings(context.Context, time.Time) (int, error) {
	c.warnings.Add(1)
	return 0, nil
}

func (c *countingSweeper) SweepBreaches(context.Context, time.Time) (int, error) {
	c.breaches.Add(1)
	return 0, nil
}

type countingDelays struct{ calls atomic.Int32 }

func (c *countingDelays) CompleteDueDelays(context.Context, time.Time, int) error {
	c.calls.Add(1)
	return nil
}

type countingRetries struct{ calls atomic.Int32 }

func (c *countingRetries) RetryDue(context.Context, time.Time, int) error {
	c.calls.Add(1)
	return nil
}

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, *countingSweeper, *countingDelays, *countingRetries) {
	t.Helper()
	sweeper := &countingSweeper{}
	delays := &countingDelays{}
	retries := &countingRetries{}
	s, err := NewScheduler(sweeper, delays, retries, slog.New(slog.DiscardHandler), opts)
	require.NoError(t, err)
	return s, sweeper, delays, retries
}

func TestNewSchedulerRejectsBadCron(t *testing.T) {
	_, err := NewScheduler(&countingSweeper{}, &countingDelays{}, &countingRetries{},
		slog.New(slog.DiscardHandler), Options{WarningCron: "not a cron"})
	require.Error(t, err)

	_, err = NewScheduler(&countingSweeper{}, &countingDelays{}, &countingRetries{},
		slog.New(slog.DiscardHandler), Options{BreachCron: "61 * * * *"})
	require.Error(t, err)
}

func TestTickRunsPollJobsEveryTime(t *testing.T) {
	s, _, delays, retries := newTestScheduler(t, Options{})

	ctx := context.Background()
	s.tick(ctx)
	s.tick(ctx)
	s.tick(ctx)

	assert.EqualValues(t, 3, delays.calls.Load())
	assert.EqualValues(t, 3, retries.calls.Load())
}

func TestTickRunsCronJobsWhenDue(t *testing.T) {
	s, sweeper, _, _ := newTestScheduler(t, Options{})

	ctx := context.Background()
	s.tick(ctx)
	// Cron jobs start with nextRun in the future, so a fresh scheduler's
	// first ticks do not sweep.
	assert.EqualValues(t, 0, sweeper.warnings.Load())
	assert.EqualValues(t, 0, sweeper.breaches.Load())

	// Force both schedules due.
	past := time.Now().UTC().Add(-time.Minute)
	for _, j := range s.jobs {
		if j.schedule != nil {
			j.nextRun = past
		}
	}
	s.tick(ctx)
	assert.EqualValues(t, 1, sweeper.warnings.Load())
	assert.EqualValues(t, 1, sweeper.breaches.Load())

	// nextRun advanced past now, so the following tick skips them again.
	s.tick(ctx)
	assert.EqualValues(t, 1, sweeper.warnings.Load())
	assert.EqualValues(t, 1, sweeper.breaches.Load())
}

func TestInflightDedup(t *testing.T) {
	s, _, delays, _ := newTestScheduler(t, Options{})

	require.True(t, s.tryAcquire("due_delay_steps"))
	s.tick(context.Background())
	// The held job was skipped, the other poll job still ran.
	assert.EqualValues(t, 0, delays.calls.Load())

	s.release("due_delay_steps")
	s.tick(context.Background())
	assert.EqualValues(t, 1, delays.calls.Load())
}

func TestStartAndStop(t *testing.T) {
	s, _, delays, _ := newTestScheduler(t, Options{PollInterval: 10 * time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	// The loop runs an immediate tick on start.
	assert.Eventually(t, func() bool { return delays.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	// Stopping twice is a no-op.
	require.NoError(t, s.Stop())

	// Restart works after a clean stop.
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}
