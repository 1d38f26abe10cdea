package engine

import (
	"time"

	"github.com/smallbiznis/credo/internal/calendar"
)

// CreditConfig is the immutable contract of a credit line. It is set at
// approval and never mutated by the billing engine.
type CreditConfig struct {
	// CreditLimit caps total outstanding principal.
	CreditLimit int64
	// CommittedAmount is the minimum principal base used to guarantee a
	// yield floor regardless of utilization.
	CommittedAmount int64
	// PeriodDuration is the billing cycle length.
	PeriodDuration calendar.PeriodDuration
	// NumOfPeriods is the contractual term length in periods.
	NumOfPeriods int
	// YieldBps is the annualized yield rate in basis points.
	YieldBps int64
	// AdvanceRateBps is the share of receivable value that may be drawn.
	AdvanceRateBps int64
	// Revolving marks facilities where repaid principal can be redrawn.
	Revolving bool
	// ReceivableAutoApproval skips per-drawdown receivable review.
	ReceivableAutoApproval bool
	// StartDate is the designated first-bill date. Zero means the line
	// starts billing at the first drawdown.
	StartDate time.Time
}

// CreditRecord is the billing state of one credit line. All monetary fields
// are non-negative integers in the smallest unit of account.
type CreditRecord struct {
	// UnbilledPrincipal is principal not yet rolled into a bill.
	UnbilledPrincipal int64
	// NextDueDate is the upcoming bill boundary. Zero means no bill has
	// ever been opened.
	NextDueDate time.Time
	// NextDue is the yield plus principal due at the boundary.
	NextDue int64
	// YieldDue is the yield portion of NextDue, kept separately for
	// payment allocation order.
	YieldDue int64
	// TotalPastDue aggregates all overdue yield, principal and late fees.
	TotalPastDue int64
	// MissedPeriods counts consecutive periods gone fully unpaid.
	MissedPeriods int
	// RemainingPeriods is the number of periods left in the term.
	RemainingPeriods int
	State            CreditState
}

// DueDetail is the fine-grained breakdown behind a CreditRecord.
// Committed, Accrued and Paid are overwritten every time a new billing
// period opens.
type DueDetail struct {
	// LateFeeUpdatedDate is the late fee accrual checkpoint. Zero means
	// the fee has never accrued; accrual then anchors at the due date.
	LateFeeUpdatedDate time.Time
	LateFee            int64
	YieldPastDue       int64
	PrincipalPastDue   int64
	// Committed is the committed-yield baseline of the current period.
	Committed int64
	// Accrued is the rate-accrued yield of the current period.
	Accrued int64
	// Paid is the amount already paid against the current bill.
	Paid int64
}

// FeeStructure is the pool-level accrual policy read at refresh time.
type FeeStructure struct {
	MinPrincipalRateBps int64
	LateFeeBps          int64
}

// PoolSettings is the pool-level billing policy read at refresh time.
type PoolSettings struct {
	// LatePaymentGracePeriodDays defers the late classification of an
	// unpaid bill, never the due-date arithmetic.
	LatePaymentGracePeriodDays int
}

// FrontLoadingFees is the upfront fee schedule applied to drawdowns.
type FrontLoadingFees struct {
	Flat int64
	Bps  int64
}
