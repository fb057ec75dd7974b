package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one scheduled invocation. A returned error aborts that run only.
type Job func(ctx context.Context) error

// SchedulerConfig holds configuration for a Scheduler.
type SchedulerConfig struct {
	// Name identifies the job in logs.
	Name string
	// Interval between runs (default: 5s).
	Interval time.Duration
}

// Scheduler runs a job on a fixed interval. Runs never overlap: a run that
// outlasts the interval delays the next one.
type Scheduler struct {
	config SchedulerConfig
	job    Job
	logger *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewScheduler(job Job, config SchedulerConfig, logger *zap.Logger) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.Name == "" {
		config.Name = "job"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		config: config,
		job:    job,
		logger: logger.With(zap.String("job", config.Name)),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the job immediately and then on every interval. It blocks until
// Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.done)

	s.logger.Info("scheduler started", zap.Duration("interval", s.config.Interval))

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.run(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping due to context cancellation")
			return
		case <-s.stopCh:
			s.logger.Info("scheduler stopping due to stop signal")
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

// Stop signals the scheduler to stop and waits for the in-flight run. It must
// only be called after Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled run panicked", zap.Error(fmt.Errorf("%v", r)))
		}
	}()

	if err := s.job(ctx); err != nil {
		s.logger.Error("scheduled run aborted", zap.Error(err))
	}
}
