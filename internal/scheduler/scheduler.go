// Package scheduler runs CivicPipe's periodic maintenance jobs (session sweeps and
// retention pruning) on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler evaluating expressions in loc.
// A nil loc means UTC. A run is skipped while the previous run of the same job is
// still going.
func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	// Standard 5-field parser (min, hour, dom, month, dow) plus descriptors like @every 5m.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cron.PrintfLogger(slogPrintf{})
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddContextJob schedules a named task that receives ctx. Each run is logged with its
// duration.
func (s *Scheduler) AddContextJob(ctx context.Context, name, expr string, task func(context.Context)) error {
	err := s.AddJob(expr, func() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		task(ctx)
		slog.Debug("Scheduled job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, name, err)
	}
	slog.Info("Scheduled job registered", "job", name, "schedule", expr)
	return nil
}

// Stop stops the cron scheduler and waits up to ctx for running jobs to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		slog.Warn("Scheduler stop timed out with jobs still running")
	}
}

// slogPrintf adapts slog to cron's Printf logger.
type slogPrintf struct{}

func (slogPrintf) Printf(format string, args ...interface{}) {
	slog.Info("cron: " + fmt.Sprintf(format, args...))
}
