// Package engine implements the billing core of a credit line: front-loading
// fees, yield and principal accrual, late fees, and the bill refresh state
// machine. Every entry point is a pure function of its inputs plus the
// read-only calendar; callers own persistence and must keep successive
// refresh timestamps monotonically non-decreasing per credit.
package engine

import (
	"time"

	"github.com/smallbiznis/credo/internal/calendar"
)

// Engine computes due amounts for credit lines on top of a day-count
// calendar.
type Engine struct {
	cal calendar.Calendar
}

// New returns an Engine bound to the given calendar.
func New(cal calendar.Calendar) *Engine {
	return &Engine{cal: cal}
}

// RefreshInput carries everything a bill refresh depends on. Fees and
// Settings are the pool's current values; the engine never reads historical
// snapshots.
type RefreshInput struct {
	Config   CreditConfig
	Record   CreditRecord
	Detail   DueDetail
	Fees     FeeStructure
	Settings PoolSettings
	Now      time.Time
}

// RefreshResult is the updated billing state returned by GetDueInfo.
type RefreshResult struct {
	Record CreditRecord
	Detail DueDetail
	// PrincipalClamped reports that principal amortization hit the unbilled
	// cap, indicating inconsistent caller state worth surfacing.
	PrincipalClamped bool
}

// GetDueInfo recomputes the record and due detail for the given timestamp.
// It never touches storage and never blocks; the cost is independent of how
// many periods elapsed since the last refresh.
func (e *Engine) GetDueInfo(in RefreshInput) (RefreshResult, error) {
	if !in.Config.PeriodDuration.Valid() {
		return RefreshResult{}, calendar.ErrInvalidPeriodDuration
	}

	rec, det := in.Record, in.Detail
	now := in.Now.UTC()

	// Absorbing states admit no further recomputation.
	if rec.State.Absorbing() {
		return RefreshResult{Record: rec, Detail: det}, nil
	}

	// No bill has ever been opened.
	if rec.NextDueDate.IsZero() {
		if rec.State == CreditStateApproved && !in.Config.StartDate.IsZero() && now.Before(in.Config.StartDate.UTC()) {
			return RefreshResult{Record: rec, Detail: det}, nil
		}
		if rec.UnbilledPrincipal == 0 && in.Config.CommittedAmount == 0 {
			// Approved but never drawn and nothing committed: stay dormant.
			return RefreshResult{Record: rec, Detail: det}, nil
		}
		return e.openBill(in, rec, det, now, e.cal.StartOfNextPeriod(in.Config.PeriodDuration, now), now, 1), nil
	}

	// Within the current billing period.
	if now.Before(rec.NextDueDate) {
		return RefreshResult{Record: rec, Detail: det}, nil
	}

	dueDate := rec.NextDueDate
	elapsed := e.cal.PeriodsPassed(in.Config.PeriodDuration, dueDate, now)

	if elapsed == 0 {
		if rec.NextDue > 0 {
			// The bill is overdue but still within its period. The grace
			// window defers the late classification, nothing else.
			if now.Before(dueDate.AddDate(0, 0, in.Settings.LatePaymentGracePeriodDays)) {
				return RefreshResult{Record: rec, Detail: det}, nil
			}
			e.accrueLateFee(in.Fees, &rec, &det, dueDate, now)
			return RefreshResult{Record: rec, Detail: det}, nil
		}
		if rec.RemainingPeriods == 0 {
			return e.pastMaturity(in, rec, det, dueDate, now), nil
		}
		// Paid through the boundary: advance into the period that just began.
		return e.openBill(in, rec, det, dueDate, e.cal.AddPeriods(in.Config.PeriodDuration, dueDate, 1), now, 1), nil
	}

	if rec.RemainingPeriods == 0 {
		return e.pastMaturity(in, rec, det, dueDate, now), nil
	}

	if rec.NextDue == 0 {
		// Paid on time but not refreshed since: bill the whole elapsed span
		// plus the current period as one fresh bill. Nothing was missed.
		boundary := e.cal.AddPeriods(in.Config.PeriodDuration, dueDate, elapsed+1)
		return e.openBill(in, rec, det, dueDate, boundary, now, elapsed+1), nil
	}

	return e.missedPeriods(in, rec, det, dueDate, elapsed, now), nil
}

// openBill opens a fresh bill covering [spanStart, boundary), consuming the
// given number of remaining periods. Used for the first bill after a
// drawdown and for on-time advances across one or more boundaries.
func (e *Engine) openBill(in RefreshInput, rec CreditRecord, det DueDetail, spanStart, boundary, now time.Time, consume int) RefreshResult {
	pd := in.Config.PeriodDuration

	accrued, committed := e.CalcYieldDue(in.Config, rec.UnbilledPrincipal, e.cal.DaysDiff(spanStart, boundary))
	yieldDue := max(accrued, committed)

	res := e.CalcPrincipalDue(rec.UnbilledPrincipal, spanStart, spanStart, boundary, pd, in.Fees.MinPrincipalRateBps)
	unbilled := res.NewUnbilled
	principalDue := res.NextDue

	rec.RemainingPeriods -= consume
	if rec.RemainingPeriods <= 0 {
		// Maturity: the term is exhausted, fold all remaining principal into
		// the final bill.
		rec.RemainingPeriods = 0
		principalDue += unbilled
		unbilled = 0
	}

	rec.UnbilledPrincipal = unbilled
	rec.NextDueDate = boundary
	rec.YieldDue = yieldDue
	rec.NextDue = yieldDue + principalDue
	det.Accrued = accrued
	det.Committed = committed
	det.Paid = 0

	// A Delayed credit with residual past due keeps its late fee current.
	// The fresh bill is not late and stays out of the fee base.
	if outstanding := det.YieldPastDue + det.PrincipalPastDue; outstanding > 0 {
		updated, fee := e.CalcLateFee(in.Fees.LateFeeBps, outstanding, det, spanStart, now)
		rec.TotalPastDue += fee - det.LateFee
		det.LateFee = fee
		det.LateFeeUpdatedDate = updated
	}

	if rec.State == CreditStateApproved && CanTransition(rec.State, CreditStateGoodStanding) {
		rec.State = CreditStateGoodStanding
	}

	return RefreshResult{Record: rec, Detail: det, PrincipalClamped: res.Clamped}
}

// missedPeriods rolls an unpaid bill and every fully elapsed period into the
// past-due buckets, accrues the late fee, and opens a fresh bill for the
// period containing now. All gap arithmetic is closed-form.
func (e *Engine) missedPeriods(in RefreshInput, rec CreditRecord, det DueDetail, dueDate time.Time, elapsed int, now time.Time) RefreshResult {
	pd := in.Config.PeriodDuration
	currentStart := e.cal.AddPeriods(pd, dueDate, elapsed)
	boundary := e.cal.AddPeriods(pd, dueDate, elapsed+1)
	principalBase := rec.UnbilledPrincipal

	// Roll the old bill into the past-due buckets.
	det.YieldPastDue += rec.YieldDue
	det.PrincipalPastDue += rec.NextDue - rec.YieldDue
	rec.TotalPastDue += rec.NextDue

	// Yield for the fully elapsed periods: identical day count and principal
	// base per period, so one per-period figure covers the whole gap.
	perAccrued, perCommitted := e.CalcYieldDue(in.Config, principalBase, e.cal.DaysInPeriod(pd))
	gapYield := int64(elapsed) * max(perAccrued, perCommitted)
	det.YieldPastDue += gapYield
	rec.TotalPastDue += gapYield

	// Amortize principal across the gap and the fresh period in one span,
	// split at the current period start.
	res := e.CalcPrincipalDue(principalBase, currentStart, dueDate, boundary, pd, in.Fees.MinPrincipalRateBps)
	det.PrincipalPastDue += res.PastDue
	rec.TotalPastDue += res.PastDue
	unbilled := res.NewUnbilled
	principalDue := res.NextDue

	// Late fee on everything now past due, anchored at the old due date when
	// the checkpoint was never set.
	updated, fee := e.CalcLateFee(in.Fees.LateFeeBps, det.YieldPastDue+det.PrincipalPastDue, det, dueDate, now)
	rec.TotalPastDue += fee - det.LateFee
	det.LateFee = fee
	det.LateFeeUpdatedDate = updated

	// Fresh bill for the period containing now.
	accrued, committed := e.CalcYieldDue(in.Config, principalBase, e.cal.DaysDiff(currentStart, boundary))
	yieldDue := max(accrued, committed)

	consumed := elapsed + 1
	rec.MissedPeriods += consumed
	rec.RemainingPeriods -= consumed
	if rec.RemainingPeriods <= 0 {
		rec.RemainingPeriods = 0
		principalDue += unbilled
		unbilled = 0
	}

	rec.UnbilledPrincipal = unbilled
	rec.NextDueDate = boundary
	rec.YieldDue = yieldDue
	rec.NextDue = yieldDue + principalDue
	det.Accrued = accrued
	det.Committed = committed
	det.Paid = 0

	if rec.State == CreditStateGoodStanding && CanTransition(rec.State, CreditStateDelayed) {
		rec.State = CreditStateDelayed
	}

	return RefreshResult{Record: rec, Detail: det, PrincipalClamped: res.Clamped}
}

// pastMaturity handles refreshes after the term is exhausted: no further
// periods open, any billed amount rolls past due and the late fee keeps
// accruing until payoff or default.
func (e *Engine) pastMaturity(in RefreshInput, rec CreditRecord, det DueDetail, dueDate, now time.Time) RefreshResult {
	if rec.NextDue > 0 {
		det.YieldPastDue += rec.YieldDue
		det.PrincipalPastDue += rec.NextDue - rec.YieldDue
		rec.TotalPastDue += rec.NextDue
		rec.NextDue = 0
		rec.YieldDue = 0
		if rec.State == CreditStateGoodStanding && CanTransition(rec.State, CreditStateDelayed) {
			rec.State = CreditStateDelayed
		}
	}
	if det.YieldPastDue+det.PrincipalPastDue > 0 {
		e.accrueLateFee(in.Fees, &rec, &det, dueDate, now)
	}
	return RefreshResult{Record: rec, Detail: det}
}

// accrueLateFee rolls the late fee forward to now on everything currently
// owed past its due date, including an overdue open bill.
func (e *Engine) accrueLateFee(fees FeeStructure, rec *CreditRecord, det *DueDetail, dueDate, now time.Time) {
	outstanding := rec.NextDue + det.YieldPastDue + det.PrincipalPastDue
	if outstanding == 0 {
		return
	}
	updated, fee := e.CalcLateFee(fees.LateFeeBps, outstanding, *det, dueDate, now)
	rec.TotalPastDue += fee - det.LateFee
	det.LateFee = fee
	det.LateFeeUpdatedDate = updated
}

// NextBillRefreshDate returns when the surrounding system should refresh the
// bill next. A good-standing credit with an unpaid bill waits out the grace
// window; everything else refreshes at the due date itself.
func NextBillRefreshDate(settings PoolSettings, record CreditRecord) time.Time {
	if record.State == CreditStateGoodStanding && record.NextDue > 0 {
		return record.NextDueDate.AddDate(0, 0, settings.LatePaymentGracePeriodDays)
	}
	return record.NextDueDate
}
