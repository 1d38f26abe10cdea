// Package scheduler drives the background credit workflows: refreshing due
// bills, draining the event outbox, and sweeping work that fell behind. All
// row claims use FOR UPDATE SKIP LOCKED, so replicas can run concurrently;
// the optional Redis mutex only keeps extra replicas from scanning the same
// batches.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/credo/internal/clock"
	"github.com/smallbiznis/credo/internal/cloudmetrics"
	creditdomain "github.com/smallbiznis/credo/internal/credit/domain"
	"github.com/smallbiznis/credo/internal/creditevent"
	crediteventdomain "github.com/smallbiznis/credo/internal/creditevent/domain"
	"github.com/smallbiznis/credo/internal/distlock"
	obsmetrics "github.com/smallbiznis/credo/internal/observability/metrics"
	"github.com/smallbiznis/credo/internal/orgcontext"
	"github.com/smallbiznis/credo/internal/scheduler/guard"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const (
	JobRefreshBills  = "refresh_bills"
	JobPublishEvents = "publish_events"
	JobSweepStale    = "sweep_stale"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	CreditSvc creditdomain.Service
	Publisher creditevent.Publisher
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    Config                   `optional:"true"`
	Mutex     *distlock.SchedulerMutex `optional:"true"`
}

type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	creditSvc creditdomain.Service
	publisher creditevent.Publisher
	mutex     *distlock.SchedulerMutex
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.CreditSvc == nil || p.Publisher == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:        p.DB,
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       cfg,
		genID:     p.GenID,
		clock:     p.Clock,
		creditSvc: p.CreditSvc,
		publisher: p.Publisher,
		mutex:     p.Mutex,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the remaining rows stay claimable and
	// the next cycle picks them up.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	token, acquired, lockErr := s.mutex.Acquire(parent)
	if lockErr != nil {
		// SKIP LOCKED keeps concurrent runs correct; leadership only trims
		// duplicate scans, so run anyway.
		s.log.Warn("scheduler leader lock unavailable, running without it", zap.Error(lockErr))
	} else if !acquired {
		s.log.Debug("scheduler leadership held elsewhere, skipping run")
		return nil
	} else {
		defer func() {
			if err := s.mutex.Release(parent, token); err != nil {
				s.log.Warn("scheduler leader lock release failed", zap.Error(err))
			}
		}()
	}

	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobRefreshBills, s.isJobEnabled(JobRefreshBills), func(ctx context.Context) error {
			return s.runJob(ctx, JobRefreshBills, s.cfg.MaxRefreshBatchSize, 30*time.Second, s.RefreshBillsJob)
		}},
		{JobPublishEvents, s.isJobEnabled(JobPublishEvents), func(ctx context.Context) error {
			return s.runJob(ctx, JobPublishEvents, s.cfg.MaxPublishBatchSize, 30*time.Second, s.PublishEventsJob)
		}},
		{JobSweepStale, s.isJobEnabled(JobSweepStale), func(ctx context.Context) error {
			return s.runJob(ctx, JobSweepStale, s.cfg.BatchSize, 30*time.Second, s.SweepStaleJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs means every job runs (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RefreshBillsJob claims credits whose next_refresh_at has come due and runs
// the bill refresh through the credit service, which re-guards under its own
// row lock. Guard rejections mean another writer refreshed the credit
// between claim and process; those defer rather than fail.
func (s *Scheduler) RefreshBillsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRefreshBills, s.cfg.MaxRefreshBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now().UTC()
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		credits, err := s.FetchCreditsForRefresh(ctx, now, s.cfg.MaxRefreshBatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.credit.claim.failed", JobRefreshBills, 0, err)
			return errors.Join(jobErr, err)
		}
		if len(credits) == 0 {
			break
		}

		processed := 0
		for _, credit := range credits {
			s.logCreditClaimed(ctx, JobRefreshBills, credit)

			updated, err := s.refreshCredit(ctx, credit)
			if reason, deferred := deferReason(err); deferred {
				schedMetrics.IncBatchDeferred(JobRefreshBills, reason)
				continue
			}
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.credit.refresh.failed", JobRefreshBills, credit.OrgID, err,
					zap.String("credit_id", idString(credit.ID)),
				)
				_ = s.recordCreditErrorWithMetrics(ctx, credit.ID, obsmetrics.RefreshStageRefresh, err)
				cloudmetrics.RecordEngineError(idString(credit.OrgID), JobRefreshBills)
				continue
			}

			if string(updated.State) != credit.State {
				schedMetrics.IncCreditStateTransition(credit.State, string(updated.State))
			}
			if err := s.clearCreditError(ctx, credit.ID); err != nil {
				s.logSchedulerError(ctx, run, "scheduler.credit.clear_error.failed", JobRefreshBills, credit.OrgID, err,
					zap.String("credit_id", idString(credit.ID)),
				)
			}
			processed++
			run.AddProcessed(1)
		}
		schedMetrics.AddBatchProcessed(JobRefreshBills, "credits", processed)

		// A pass with no successes means the remaining claimable rows keep
		// failing; stop and let the next cycle retry.
		if processed == 0 {
			break
		}
	}

	return jobErr
}

// PublishEventsJob drains unpublished outbox rows in insert order. Delivery
// before the published flip gives at-least-once semantics; consumers dedupe
// on event ID.
func (s *Scheduler) PublishEventsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobPublishEvents, s.cfg.MaxPublishBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now().UTC()
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		events, err := s.FetchEventsForPublish(ctx, s.cfg.MaxPublishBatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.event.claim.failed", JobPublishEvents, 0, err)
			return errors.Join(jobErr, err)
		}
		if len(events) == 0 {
			break
		}

		processed := s.publishEvents(ctx, run, JobPublishEvents, obsmetrics.RefreshStagePublish, events, now, &jobErr)
		schedMetrics.AddBatchProcessed(JobPublishEvents, "credit_events", processed)
		if processed == 0 {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) publishEvents(
	ctx context.Context,
	run *jobRun,
	job string,
	stage string,
	events []crediteventdomain.CreditEvent,
	now time.Time,
	jobErr *error,
) int {
	schedMetrics := obsmetrics.Scheduler()
	processed := 0
	for _, event := range events {
		eventCtx := s.withLogContext(orgcontext.WithOrgID(ctx, event.OrgID), event.OrgID)

		if err := s.publisher.Publish(eventCtx, event); err != nil {
			*jobErr = errors.Join(*jobErr, err)
			schedMetrics.IncRefreshStageError(stage, err)
			s.logSchedulerError(ctx, run, "scheduler.event.publish.failed", job, event.OrgID, err,
				zap.String("event_id", idString(event.ID)),
				zap.String("event_type", event.EventType),
			)
			continue
		}

		marked, err := s.markEventPublished(ctx, event.ID, now)
		if err != nil {
			*jobErr = errors.Join(*jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.event.mark.failed", job, event.OrgID, err,
				zap.String("event_id", idString(event.ID)),
			)
			continue
		}
		if !marked {
			schedMetrics.IncBatchDeferred(job, "already_published")
			continue
		}
		processed++
		run.AddProcessed(1)
	}
	return processed
}

func (s *Scheduler) refreshCredit(ctx context.Context, credit WorkCredit) (creditdomain.Credit, error) {
	creditCtx := s.withLogContext(orgcontext.WithOrgID(ctx, credit.OrgID), credit.OrgID)
	return s.creditSvc.RefreshBill(creditCtx, credit.ID.String())
}

// deferReason maps errors that mean the claimed row no longer needs work: a
// competing writer refreshed or retired the credit between claim and
// process.
func deferReason(err error) (string, bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, guard.ErrRefreshTooEarly):
		return guard.ErrRefreshTooEarly.Error(), true
	case errors.Is(err, guard.ErrCreditNotRefreshable):
		return guard.ErrCreditNotRefreshable.Error(), true
	case errors.Is(err, creditdomain.ErrCreditNotFound):
		return creditdomain.ErrCreditNotFound.Error(), true
	}
	return "", false
}
