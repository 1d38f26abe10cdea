package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/credo/internal/credit/domain"
	"gorm.io/gorm"
)

type repo struct{}

// Provide returns the raw-SQL credit store.
func Provide() creditdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, credit *creditdomain.Credit) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credits (
			id, org_id, pool_id, borrower_id,
			credit_limit, committed_amount, period_duration, num_of_periods, yield_bps,
			advance_rate_bps, revolving, receivable_auto_approval, start_date,
			unbilled_principal, next_due_date, next_due, yield_due, total_past_due,
			missed_periods, remaining_periods, state,
			late_fee_updated_date, late_fee, yield_past_due, principal_past_due,
			committed, accrued, paid,
			next_refresh_at, last_refreshed_at, last_error, last_error_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		credit.ID,
		credit.OrgID,
		credit.PoolID,
		credit.BorrowerID,
		credit.CreditLimit,
		credit.CommittedAmount,
		credit.PeriodDuration,
		credit.NumOfPeriods,
		credit.YieldBps,
		credit.AdvanceRateBps,
		credit.Revolving,
		credit.ReceivableAutoApproval,
		credit.StartDate,
		credit.UnbilledPrincipal,
		credit.NextDueDate,
		credit.NextDue,
		credit.YieldDue,
		credit.TotalPastDue,
		credit.MissedPeriods,
		credit.RemainingPeriods,
		credit.State,
		credit.LateFeeUpdatedDate,
		credit.LateFee,
		credit.YieldPastDue,
		credit.PrincipalPastDue,
		credit.Committed,
		credit.Accrued,
		credit.Paid,
		credit.NextRefreshAt,
		credit.LastRefreshedAt,
		credit.LastError,
		credit.LastErrorAt,
		credit.CreatedAt,
		credit.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*creditdomain.Credit, error) {
	var credit creditdomain.Credit
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credits WHERE org_id = ? AND id = ?`,
		orgID,
		id,
	).Scan(&credit).Error
	if err != nil {
		return nil, err
	}
	if credit.ID == 0 {
		return nil, nil
	}
	return &credit, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*creditdomain.Credit, error) {
	var credit creditdomain.Credit
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credits WHERE org_id = ? AND id = ? FOR UPDATE`,
		orgID,
		id,
	).Scan(&credit).Error
	if err != nil {
		return nil, err
	}
	if credit.ID == 0 {
		return nil, nil
	}
	return &credit, nil
}

// Update rewrites every column the billing engine or scheduler owns. The
// immutable config columns are deliberately left out.
func (r *repo) Update(ctx context.Context, db *gorm.DB, credit *creditdomain.Credit) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credits SET
			unbilled_principal = ?, next_due_date = ?, next_due = ?, yield_due = ?,
			total_past_due = ?, missed_periods = ?, remaining_periods = ?, state = ?,
			late_fee_updated_date = ?, late_fee = ?, yield_past_due = ?,
			principal_past_due = ?, committed = ?, accrued = ?, paid = ?,
			next_refresh_at = ?, last_refreshed_at = ?, last_error = ?, last_error_at = ?,
			updated_at = ?
		 WHERE org_id = ? AND id = ?`,
		credit.UnbilledPrincipal,
		credit.NextDueDate,
		credit.NextDue,
		credit.YieldDue,
		credit.TotalPastDue,
		credit.MissedPeriods,
		credit.RemainingPeriods,
		credit.State,
		credit.LateFeeUpdatedDate,
		credit.LateFee,
		credit.YieldPastDue,
		credit.PrincipalPastDue,
		credit.Committed,
		credit.Accrued,
		credit.Paid,
		credit.NextRefreshAt,
		credit.LastRefreshedAt,
		credit.LastError,
		credit.LastErrorAt,
		credit.UpdatedAt,
		credit.OrgID,
		credit.ID,
	).Error
}
