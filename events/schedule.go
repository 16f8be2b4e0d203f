package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs background jobs on cron specs. A job still running when its
// next tick arrives skips that tick.
type Scheduler struct {
	ctx    context.Context
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler creates a scheduler whose jobs run with ctx.
func NewScheduler(ctx context.Context, logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		ctx:    ctx,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Add registers fn under name on spec, e.g. "@every 30s".
func (s *Scheduler) Add(spec, name string, fn func(context.Context) error) error {
	if _, err := s.cron.AddFunc(spec, s.job(name, fn)); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.logger.Info("Job scheduled", "job", name, "spec", spec)
	return nil
}

func (s *Scheduler) job(name string, fn func(context.Context) error) func() {
	return func() {
		start := time.Now()
		if err := fn(s.ctx); err != nil {
			s.logger.Warn("Scheduled job failed", "job", name, "duration", time.Since(start), "error", err)
			return
		}
		s.logger.Debug("Scheduled job finished", "job", name, "duration", time.Since(start))
	}
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for scheduled jobs", "error", ctx.Err())
	}
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
