package scheduler

import (
	"context"
	"errors"

	obsmetrics "github.com/smallbiznis/credo/internal/observability/metrics"
	"go.uber.org/zap"
)

// SweepStaleJob catches work the steady-state jobs should have finished but
// did not: credits overdue for refresh past the recovery threshold (or never
// scheduled), and outbox rows unpublished past the threshold. Both are
// re-driven through the same paths the regular jobs use.
func (s *Scheduler) SweepStaleJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobSweepStale, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.cfg.RecoveryThreshold)
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		credits, err := s.FetchStaleCredits(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.credit.claim.failed", JobSweepStale, 0, err)
			return errors.Join(jobErr, err)
		}
		if len(credits) == 0 {
			break
		}

		processed := 0
		for _, credit := range credits {
			s.logCreditClaimed(ctx, JobSweepStale, credit)

			updated, err := s.refreshCredit(ctx, credit)
			if reason, deferred := deferReason(err); deferred {
				schedMetrics.IncBatchDeferred(JobSweepStale, reason)
				continue
			}
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.credit.recover.failed", JobSweepStale, credit.OrgID, err,
					zap.String("credit_id", idString(credit.ID)),
				)
				_ = s.recordCreditErrorWithMetrics(ctx, credit.ID, obsmetrics.RefreshStageRecoveryRefresh, err)
				continue
			}

			if string(updated.State) != credit.State {
				schedMetrics.IncCreditStateTransition(credit.State, string(updated.State))
			}
			if err := s.clearCreditError(ctx, credit.ID); err != nil {
				s.logSchedulerError(ctx, run, "scheduler.credit.clear_error.failed", JobSweepStale, credit.OrgID, err,
					zap.String("credit_id", idString(credit.ID)),
				)
			}
			s.logCreditRecovered(ctx, credit, "refresh")
			processed++
			run.AddProcessed(1)
		}
		schedMetrics.AddBatchProcessed(JobSweepStale, "credits", processed)
		if processed == 0 {
			break
		}
	}

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		events, err := s.FetchStaleEvents(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.event.claim.failed", JobSweepStale, 0, err)
			return errors.Join(jobErr, err)
		}
		if len(events) == 0 {
			break
		}

		processed := s.publishEvents(ctx, run, JobSweepStale, obsmetrics.RefreshStageRecoveryPublish, events, now, &jobErr)
		schedMetrics.AddBatchProcessed(JobSweepStale, "credit_events", processed)
		if processed == 0 {
			break
		}
	}

	return jobErr
}
