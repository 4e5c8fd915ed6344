package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper is the SLA gateway surface the scheduler drives.
type Sweeper interface {
	SweepWarnings(ctx context.Context, now time.Time) (int, error)
	SweepBreaches(ctx context.Context, now time.Time) (int, error)
}

// DelayCompleter resumes runs whose delay steps have expired.
// Satisfied by the orchestrator (avoids import cycle).
type DelayCompleter interface {
	CompleteDueDelays(ctx context.Context, now time.Time, limit int) error
}

// RetryRunner retries webhook deliveries whose backoff has elapsed.
// Satisfied by the webhook dispatcher.
type RetryRunner interface {
	RetryDue(ctx context.Context, now time.Time, limit int) error
}

// Options tunes scheduler timing. The cron expressions are policy knobs;
// the sweep contracts do not change when they do.
type Options struct {
	// PollInterval is the ticker period for the due-delay and due-retry
	// pollers. Zero means 15s.
	PollInterval time.Duration

	// WarningCron / BreachCron schedule the SLA sweeps.
	// Defaults: warnings every 30 minutes, breaches every 15.
	WarningCron string
	BreachCron  string

	// BatchLimit caps how many due records one tick picks up.
	BatchLimit int
}

// job is one named unit of periodic work. Cron jobs fire when their
// schedule comes due; poll jobs fire every tick.
type job struct {
	name     string
	schedule cron.Schedule // nil for poll jobs
	nextRun  time.Time
	fn       func(ctx context.Context, now time.Time) error
}

// Scheduler drives the time-based continuations: SLA sweeps on cron
// schedules, and due-delay/due-retry pollers every tick. All work is
// idempotent by construction, so overlapping or repeated invocations for
// the same window are harmless; an in-flight set still dedups so a slow
// sweep is not stacked on itself.
type Scheduler struct {
	jobs   []*job
	logger *slog.Logger
	opts   Options

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler wires the standard job set.
func NewScheduler(sweeper Sweeper, delays DelayCompleter, retries RetryRunner, logger *slog.Logger, opts Options) (*Scheduler, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.WarningCron == "" {
		opts.WarningCron = "*/30 * * * *"
	}
	if opts.BreachCron == "" {
		opts.BreachCron = "*/15 * * * *"
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 100
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	warningSchedule, err := parser.Parse(opts.WarningCron)
	if err != nil {
		return nil, fmt.Errorf("parse warning cron %q: %w", opts.WarningCron, err)
	}
	breachSchedule, err := parser.Parse(opts.BreachCron)
	if err != nil {
		return nil, fmt.Errorf("parse breach cron %q: %w", opts.BreachCron, err)
	}

	now := time.Now().UTC()
	s := &Scheduler{
		logger:   logger,
		opts:     opts,
		inflight: make(map[string]struct{}),
	}

	s.jobs = []*job{
		{
			name:     "sla_warning_sweep",
			schedule: warningSchedule,
			nextRun:  warningSchedule.Next(now),
			fn: func(ctx context.Context, now time.Time) error {
				_, err := sweeper.SweepWarnings(ctx, now)
				return err
			},
		},
		{
			name:     "sla_breach_sweep",
			schedule: breachSchedule,
			nextRun:  breachSchedule.Next(now),
			fn: func(ctx context.Context, now time.Time) error {
				_, err := sweeper.SweepBreaches(ctx, now)
				return err
			},
		},
		{
			name: "due_delay_steps",
			fn: func(ctx context.Context, now time.Time) error {
				return delays.CompleteDueDelays(ctx, now, opts.BatchLimit)
			},
		},
		{
			name: "due_webhook_retries",
			fn: func(ctx context.Context, now time.Time) error {
				return retries.RetryDue(ctx, now, opts.BatchLimit)
			},
		},
	}

	return s, nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started",
		slog.Duration("poll_interval", s.opts.PollInterval),
		slog.String("warning_cron", s.opts.WarningCron),
		slog.String("breach_cron", s.opts.BreachCron))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every poll job, plus any cron job that has come due.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, j := range s.jobs {
		if j.schedule != nil {
			if now.Before(j.nextRun) {
				continue
			}
			j.nextRun = j.schedule.Next(now)
		}
		if !s.tryAcquire(j.name) {
			continue // previous invocation still running
		}
		if err := j.fn(ctx, now); err != nil {
			s.logger.Error("scheduled job failed",
				slog.String("job", j.name),
				slog.String("error", err.Error()))
		}
		s.release(j.name)
	}
}

// tryAcquire marks the job in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
