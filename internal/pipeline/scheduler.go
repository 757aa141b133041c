package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultStaleAfter   = 5 * time.Minute
	defaultMaxAttempts  = 3
	defaultPollBatch    = 50
)

// SchedulerConfig tunes the stage pointer poller.
type SchedulerConfig struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	MaxAttempts int
	BatchSize   int
}

// Scheduler re-fires stage hand-offs that were recorded but never acked.
type Scheduler struct {
	p      *Pipeline
	cfg    SchedulerConfig
	logger *zap.Logger
}

// Scheduler returns a poller that re-fires p's stale stage pointers.
func (p *Pipeline) Scheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultPollBatch
	}
	return &Scheduler{p: p, cfg: cfg, logger: p.logger.Named("scheduler")}
}

// Run polls until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("stage scheduler started", zap.Duration("interval", s.cfg.Interval), zap.Duration("stale_after", s.cfg.StaleAfter))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stage scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Warn("stage poll failed", zap.Error(err))
			}
		}
	}
}

// RunOnce handles one batch of stale pointers and returns how many it re-fired.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	jobs := s.p.deps.Jobs
	stale, err := jobs.StalePointers(ctx, s.cfg.StaleAfter, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	refired := 0
	for _, job := range stale {
		ptr := job.NextStage
		if ptr == nil {
			continue
		}
		fields := []zap.Field{zap.String("job_id", job.ID), zap.String("stage", ptr.Stage), zap.Int("attempts", ptr.Attempts)}
		if ptr.Attempts >= s.cfg.MaxAttempts {
			s.logger.Error("abandoning stage hand-off", fields...)
			jobs.Log(ctx, job.ID, "scheduler", audit.LogLevelError, "stage hand-off abandoned",
				map[string]any{"stage": ptr.Stage, "attempts": ptr.Attempts})
			if err := jobs.DropNextStage(ctx, job.ID); err != nil {
				s.logger.Warn("failed to drop stage pointer", append(fields, zap.Error(err))...)
			}
			continue
		}
		next, err := jobs.RetryNextStage(ctx, job)
		if err != nil {
			s.logger.Warn("failed to bump stage pointer", append(fields, zap.Error(err))...)
			continue
		}
		s.logger.Info("re-firing stale stage", fields...)
		jobs.Log(ctx, job.ID, "scheduler", audit.LogLevelWarn, "stage re-fired",
			map[string]any{"stage": next.Stage, "attempt": next.Attempts})
		s.p.fire(ctx, next.Stage, next.Request)
		refired++
	}
	return refired, nil
}
