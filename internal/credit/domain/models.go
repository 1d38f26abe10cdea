// Package domain contains the persistence model and service contracts for
// credit lines.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/credo/internal/calendar"
	creditengine "github.com/smallbiznis/credo/internal/credit/engine"
)

// Credit is one credit line. Columns group into the immutable config agreed
// at approval, the billing record and due detail maintained by the refresh
// engine, and the bookkeeping the scheduler claims work by.
type Credit struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID      snowflake.ID `gorm:"not null;index" json:"org_id"`
	PoolID     snowflake.ID `gorm:"not null;index" json:"pool_id"`
	BorrowerID snowflake.ID `gorm:"not null;index" json:"borrower_id"`

	// Immutable config, fixed at approval.
	CreditLimit            int64                   `gorm:"not null;default:0" json:"credit_limit"`
	CommittedAmount        int64                   `gorm:"not null;default:0" json:"committed_amount"`
	PeriodDuration         calendar.PeriodDuration `gorm:"type:text;not null" json:"period_duration"`
	NumOfPeriods           int                     `gorm:"not null;default:0" json:"num_of_periods"`
	YieldBps               int64                   `gorm:"not null;default:0" json:"yield_bps"`
	AdvanceRateBps         int64                   `gorm:"not null;default:0" json:"advance_rate_bps"`
	Revolving              bool                    `gorm:"not null;default:false" json:"revolving"`
	ReceivableAutoApproval bool                    `gorm:"not null;default:false" json:"receivable_auto_approval"`
	StartDate              *time.Time              `gorm:"" json:"start_date,omitempty"`

	// Billing record.
	UnbilledPrincipal int64                    `gorm:"not null;default:0" json:"unbilled_principal"`
	NextDueDate       *time.Time               `gorm:"" json:"next_due_date,omitempty"`
	NextDue           int64                    `gorm:"not null;default:0" json:"next_due"`
	YieldDue          int64                    `gorm:"not null;default:0" json:"yield_due"`
	TotalPastDue      int64                    `gorm:"not null;default:0" json:"total_past_due"`
	MissedPeriods     int                      `gorm:"not null;default:0" json:"missed_periods"`
	RemainingPeriods  int                      `gorm:"not null;default:0" json:"remaining_periods"`
	State             creditengine.CreditState `gorm:"type:text;not null;index" json:"state"`

	// Due detail.
	LateFeeUpdatedDate *time.Time `gorm:"" json:"late_fee_updated_date,omitempty"`
	LateFee            int64      `gorm:"not null;default:0" json:"late_fee"`
	YieldPastDue       int64      `gorm:"not null;default:0" json:"yield_past_due"`
	PrincipalPastDue   int64      `gorm:"not null;default:0" json:"principal_past_due"`
	Committed          int64      `gorm:"not null;default:0" json:"committed"`
	Accrued            int64      `gorm:"not null;default:0" json:"accrued"`
	Paid               int64      `gorm:"not null;default:0" json:"paid"`

	// Refresh scheduling.
	NextRefreshAt   *time.Time `gorm:"index" json:"next_refresh_at,omitempty"`
	LastRefreshedAt *time.Time `gorm:"" json:"last_refreshed_at,omitempty"`
	LastError       *string    `gorm:"type:text" json:"last_error,omitempty"`
	LastErrorAt     *time.Time `gorm:"" json:"last_error_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Credit) TableName() string { return "credits" }

// Config assembles the engine view of the immutable contract columns.
func (c *Credit) Config() creditengine.CreditConfig {
	return creditengine.CreditConfig{
		CreditLimit:            c.CreditLimit,
		CommittedAmount:        c.CommittedAmount,
		PeriodDuration:         c.PeriodDuration,
		NumOfPeriods:           c.NumOfPeriods,
		YieldBps:               c.YieldBps,
		AdvanceRateBps:         c.AdvanceRateBps,
		Revolving:              c.Revolving,
		ReceivableAutoApproval: c.ReceivableAutoApproval,
		StartDate:              timeOrZero(c.StartDate),
	}
}

// BillingRecord assembles the engine view of the billing record columns.
func (c *Credit) BillingRecord() creditengine.CreditRecord {
	return creditengine.CreditRecord{
		UnbilledPrincipal: c.UnbilledPrincipal,
		NextDueDate:       timeOrZero(c.NextDueDate),
		NextDue:           c.NextDue,
		YieldDue:          c.YieldDue,
		TotalPastDue:      c.TotalPastDue,
		MissedPeriods:     c.MissedPeriods,
		RemainingPeriods:  c.RemainingPeriods,
		State:             c.State,
	}
}

// DueDetail assembles the engine view of the due-detail columns.
func (c *Credit) DueDetail() creditengine.DueDetail {
	return creditengine.DueDetail{
		LateFeeUpdatedDate: timeOrZero(c.LateFeeUpdatedDate),
		LateFee:            c.LateFee,
		YieldPastDue:       c.YieldPastDue,
		PrincipalPastDue:   c.PrincipalPastDue,
		Committed:          c.Committed,
		Accrued:            c.Accrued,
		Paid:               c.Paid,
	}
}

// ApplyRefresh writes an engine result back onto the row. Zero times map to
// NULL columns.
func (c *Credit) ApplyRefresh(rec creditengine.CreditRecord, det creditengine.DueDetail) {
	c.UnbilledPrincipal = rec.UnbilledPrincipal
	c.NextDueDate = timePtr(rec.NextDueDate)
	c.NextDue = rec.NextDue
	c.YieldDue = rec.YieldDue
	c.TotalPastDue = rec.TotalPastDue
	c.MissedPeriods = rec.MissedPeriods
	c.RemainingPeriods = rec.RemainingPeriods
	c.State = rec.State

	c.LateFeeUpdatedDate = timePtr(det.LateFeeUpdatedDate)
	c.LateFee = det.LateFee
	c.YieldPastDue = det.YieldPastDue
	c.PrincipalPastDue = det.PrincipalPastDue
	c.Committed = det.Committed
	c.Accrued = det.Accrued
	c.Paid = det.Paid
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	tt := t
	return &tt
}
