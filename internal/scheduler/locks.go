package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	creditengine "github.com/smallbiznis/credo/internal/credit/engine"
	crediteventdomain "github.com/smallbiznis/credo/internal/creditevent/domain"
	obsmetrics "github.com/smallbiznis/credo/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// claimTimeout bounds the claim transactions so a slow SELECT cannot hold
// row locks across a whole processing batch.
const claimTimeout = 2 * time.Second

// WorkCredit is the slim claim row the scheduler operates on. The credit
// service reloads and re-guards the full row under its own lock before
// mutating anything.
type WorkCredit struct {
	ID            snowflake.ID
	OrgID         snowflake.ID
	State         string
	NextRefreshAt *time.Time
}

// FetchCreditsForRefresh claims a batch of live credits whose next_refresh_at
// has come due. SKIP LOCKED keeps concurrent replicas from claiming the same
// rows; the locks are released when the claim transaction commits.
func (s *Scheduler) FetchCreditsForRefresh(ctx context.Context, now time.Time, limit int) ([]WorkCredit, error) {
	claimCtx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	var credits []WorkCredit
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		var err error
		credits, err = s.fetchCreditsForRefresh(claimCtx, tx, now, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return credits, nil
}

func (s *Scheduler) fetchCreditsForRefresh(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]WorkCredit, error) {
	if limit <= 0 {
		limit = s.cfg.MaxRefreshBatchSize
	}
	var credits []WorkCredit
	schedMetrics := obsmetrics.Scheduler()
	lockStart := time.Now()
	// The last_refreshed_at arm keeps a late credit from being reclaimed
	// within one run: its next_refresh_at stays at due date plus grace until
	// the bill rolls, but a refresh in this run stamps last_refreshed_at at
	// or after now.
	err := tx.WithContext(ctx).Raw(
		`SELECT id, org_id, state, next_refresh_at
		 FROM credits
		 WHERE state NOT IN (?, ?)
		   AND next_refresh_at IS NOT NULL
		   AND next_refresh_at <= ?
		   AND (last_refreshed_at IS NULL OR last_refreshed_at < ?)
		 ORDER BY next_refresh_at ASC, id ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		creditengine.CreditStateDeleted,
		creditengine.CreditStateDefaulted,
		now,
		now,
		limit,
	).Scan(&credits).Error
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceCreditsForRefresh, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return credits, nil
}

// FetchStaleCredits claims live credits the refresh job should have picked up
// long ago: next_refresh_at overdue past the recovery threshold, or never
// scheduled at all.
func (s *Scheduler) FetchStaleCredits(ctx context.Context, cutoff time.Time, limit int) ([]WorkCredit, error) {
	claimCtx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	var credits []WorkCredit
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		var err error
		credits, err = s.fetchStaleCredits(claimCtx, tx, cutoff, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return credits, nil
}

func (s *Scheduler) fetchStaleCredits(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]WorkCredit, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	var credits []WorkCredit
	schedMetrics := obsmetrics.Scheduler()
	lockStart := time.Now()
	// Stale means nothing refreshed the credit since the cutoff either, so a
	// row the refresh job just handled does not come back here.
	err := tx.WithContext(ctx).Raw(
		`SELECT id, org_id, state, next_refresh_at
		 FROM credits
		 WHERE state NOT IN (?, ?)
		   AND (next_refresh_at IS NULL OR next_refresh_at <= ?)
		   AND (last_refreshed_at IS NULL OR last_refreshed_at < ?)
		 ORDER BY id ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		creditengine.CreditStateDeleted,
		creditengine.CreditStateDefaulted,
		cutoff,
		cutoff,
		limit,
	).Scan(&credits).Error
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceCreditsForSweep, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return credits, nil
}

// FetchEventsForPublish claims a batch of unpublished outbox rows in insert
// order. Rows stay unpublished until markEventPublished confirms delivery, so
// a crash mid-batch only means redelivery.
func (s *Scheduler) FetchEventsForPublish(ctx context.Context, limit int) ([]crediteventdomain.CreditEvent, error) {
	claimCtx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	var events []crediteventdomain.CreditEvent
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		var err error
		events, err = s.fetchEventsForPublish(claimCtx, tx, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Scheduler) fetchEventsForPublish(ctx context.Context, tx *gorm.DB, limit int) ([]crediteventdomain.CreditEvent, error) {
	if limit <= 0 {
		limit = s.cfg.MaxPublishBatchSize
	}
	var events []crediteventdomain.CreditEvent
	schedMetrics := obsmetrics.Scheduler()
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT id, org_id, credit_id, event_type, payload, dedupe_key,
		        published, published_at, created_at
		 FROM credit_events
		 WHERE published = ?
		 ORDER BY created_at ASC, id ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		false,
		limit,
	).Scan(&events).Error
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceEventsForPublish, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return events, nil
}

// FetchStaleEvents claims unpublished outbox rows older than the recovery
// cutoff so the sweep can retry delivery the publish job keeps missing.
func (s *Scheduler) FetchStaleEvents(ctx context.Context, cutoff time.Time, limit int) ([]crediteventdomain.CreditEvent, error) {
	claimCtx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	var events []crediteventdomain.CreditEvent
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		var err error
		events, err = s.fetchStaleEvents(claimCtx, tx, cutoff, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Scheduler) fetchStaleEvents(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]crediteventdomain.CreditEvent, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	var events []crediteventdomain.CreditEvent
	schedMetrics := obsmetrics.Scheduler()
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT id, org_id, credit_id, event_type, payload, dedupe_key,
		        published, published_at, created_at
		 FROM credit_events
		 WHERE published = ?
		   AND created_at <= ?
		 ORDER BY created_at ASC, id ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		false,
		cutoff,
		limit,
	).Scan(&events).Error
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceEventsForPublish, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return events, nil
}

// markEventPublished flips a delivered outbox row. The published guard makes
// the flip idempotent when another replica won the race.
func (s *Scheduler) markEventPublished(ctx context.Context, eventID snowflake.ID, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE credit_events
		 SET published = ?, published_at = ?
		 WHERE id = ? AND published = ?`,
		true,
		now,
		eventID,
		false,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Scheduler) recordCreditErrorWithMetrics(ctx context.Context, creditID snowflake.ID, stage string, err error) error {
	if err == nil {
		return nil
	}
	obsmetrics.Scheduler().IncRefreshStageError(stage, err)
	return s.recordCreditError(ctx, creditID, err)
}

func (s *Scheduler) recordCreditError(ctx context.Context, creditID snowflake.ID, err error) error {
	if err == nil {
		return nil
	}
	message := err.Error()
	now := s.clock.Now().UTC()
	if updateErr := s.db.WithContext(ctx).Exec(
		`UPDATE credits
		 SET last_error = ?, last_error_at = ?, updated_at = ?
		 WHERE id = ?`,
		message,
		now,
		now,
		creditID,
	).Error; updateErr != nil {
		s.log.Warn("failed to record credit error", zap.String("credit_id", creditID.String()), zap.Error(updateErr))
		return updateErr
	}
	return nil
}

// clearCreditError drops a stored failure after the credit refreshes
// cleanly. The IS NOT NULL guard keeps the common all-healthy path from
// touching rows.
func (s *Scheduler) clearCreditError(ctx context.Context, creditID snowflake.ID) error {
	now := s.clock.Now().UTC()
	return s.db.WithContext(ctx).Exec(
		`UPDATE credits
		 SET last_error = NULL, last_error_at = NULL, updated_at = ?
		 WHERE id = ? AND last_error IS NOT NULL`,
		now,
		creditID,
	).Error
}
