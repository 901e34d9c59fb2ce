// Package scheduler runs BookingPipe's periodic maintenance.
//
// Jobs are scheduled with standard 5-field cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Default session retention settings.
const (
	DefaultSweepSchedule = "0 * * * *"
	DefaultSessionTTL    = 72 * time.Hour
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// min, hour, dom, month, dow; a panicking job is recovered and logged
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// SessionExpirer removes sessions idle for longer than maxIdle.
type SessionExpirer interface {
	ExpireIdle(ctx context.Context, maxIdle time.Duration) (int, error)
}

// ScheduleSessionSweep runs expirer on expr until ctx is cancelled. Each run
// is bounded by one minute.
func (s *Scheduler) ScheduleSessionSweep(ctx context.Context, expr string, ttl time.Duration, expirer SessionExpirer) error {
	if ttl <= 0 {
		return fmt.Errorf("session ttl must be positive, got %s", ttl)
	}
	err := s.AddJob(expr, func() { sweep(ctx, expirer, ttl) })
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}
	slog.Info("Scheduler.ScheduleSessionSweep: session sweep scheduled", "schedule", expr, "ttl", ttl)
	return nil
}

func sweep(ctx context.Context, expirer SessionExpirer, ttl time.Duration) {
	if ctx.Err() != nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	n, err := expirer.ExpireIdle(runCtx, ttl)
	if err != nil {
		slog.Error("Scheduler.sweep: session sweep failed", "error", err)
		return
	}
	slog.Debug("Scheduler.sweep: session sweep finished", "expired", n)
}
