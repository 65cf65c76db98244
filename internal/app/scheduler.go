/**
 * @description
 * Cron scheduler for the background settlement jobs: the sponsorship
 * reconciler and the verification queue worker.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// ScheduleConfig holds the cron specs for each job.
type ScheduleConfig struct {
	ReconcileSchedule       string
	VerificationJobSchedule string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron         *cron.Cron
	reconciler   *SponsorshipReconciler
	verification *VerificationJobWorker
	logger       *slog.Logger
	config       ScheduleConfig
}

// NewScheduler creates a new scheduler instance. Overlapping runs of the same
// job are skipped.
func NewScheduler(reconciler *SponsorshipReconciler, verification *VerificationJobWorker, logger *slog.Logger, cfg ScheduleConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:         c,
		reconciler:   reconciler,
		verification: verification,
		logger:       logger,
		config:       cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.config.ReconcileSchedule, s.reconciler.Run); err != nil {
		s.logger.Error("failed to schedule sponsorship reconciler", "error", err)
		return err
	}
	s.logger.Info("scheduled sponsorship reconciler", "schedule", s.config.ReconcileSchedule)

	if _, err := s.cron.AddFunc(s.config.VerificationJobSchedule, s.verification.Run); err != nil {
		s.logger.Error("failed to schedule verification worker", "error", err)
		return err
	}
	s.logger.Info("scheduled verification worker", "schedule", s.config.VerificationJobSchedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
