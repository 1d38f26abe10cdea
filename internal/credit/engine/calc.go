package engine

import (
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/smallbiznis/credo/internal/calendar"
)

// ErrBorrowAmountLessThanPlatformFees rejects a drawdown whose front-loading
// fee exceeds the amount being borrowed. The draw must be rejected, never
// clamped to zero.
var ErrBorrowAmountLessThanPlatformFees = errors.New("borrow_amount_less_than_platform_fees")

// bpsDenom is the basis point denominator: 1 bps = 1/10000.
const bpsDenom = int64(10000)

// mulDiv returns floor(a*b*c/denom) with the product widened through big.Int
// so basis-point math never loses precision or wraps before the single floor
// division. Inputs are non-negative; results beyond int64 saturate at
// math.MaxInt64.
func mulDiv(a, b, c, denom int64) int64 {
	if a == 0 || b == 0 || c == 0 {
		return 0
	}
	product := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	product.Mul(product, big.NewInt(c))
	product.Quo(product, big.NewInt(denom))
	if !product.IsInt64() {
		return math.MaxInt64
	}
	return product.Int64()
}

// CalcFrontLoadingFee returns the upfront fee for a draw of the given amount:
// flat fee plus floor(amount*bps/10000).
func CalcFrontLoadingFee(fees FrontLoadingFees, amount int64) int64 {
	return fees.Flat + mulDiv(amount, fees.Bps, 1, bpsDenom)
}

// DistBorrowingAmount splits a borrow amount into the portion sent to the
// borrower and the platform fee withheld. The two always sum back to the
// borrow amount.
func DistBorrowingAmount(fees FrontLoadingFees, borrowAmount int64) (amountToBorrower, platformFee int64, err error) {
	platformFee = CalcFrontLoadingFee(fees, borrowAmount)
	if platformFee > borrowAmount {
		return 0, 0, ErrBorrowAmountLessThanPlatformFees
	}
	return borrowAmount - platformFee, platformFee, nil
}

// GetPayoffAmount sums all outstanding obligations of a record. No late fee
// refresh happens implicitly; callers needing an up-to-date figure must
// refresh the bill first.
func GetPayoffAmount(record CreditRecord) int64 {
	return record.UnbilledPrincipal + record.NextDue + record.TotalPastDue
}

// CalcYieldDue computes the yield owed on a day-count span, returning both
// the rate-accrued amount on actual principal and the committed minimum on
// the config's committed amount. The yield actually due is the max of the
// two; both are returned so callers can report both bases.
func (e *Engine) CalcYieldDue(config CreditConfig, principal int64, days int) (accrued, committed int64) {
	basis := bpsDenom * int64(e.cal.DaysInYear())
	accrued = mulDiv(principal, config.YieldBps, int64(days), basis)
	committed = mulDiv(config.CommittedAmount, config.YieldBps, int64(days), basis)
	return accrued, committed
}

// PrincipalDue is the outcome of amortizing unbilled principal over a span.
type PrincipalDue struct {
	NewUnbilled int64
	PastDue     int64
	NextDue     int64
	// Clamped reports that the amortized amount hit the unbilled principal
	// cap, which indicates inconsistent caller state and should be surfaced
	// for diagnostics.
	Clamped bool
}

// CalcPrincipalDue amortizes unbilled principal across the span from
// oldDueDate to newDueDate at the minimum principal rate, splitting the
// result between the side already past the reference timestamp and the side
// about to be billed. A zero rate leaves the facility interest-only.
func (e *Engine) CalcPrincipalDue(unbilledPrincipal int64, reference, oldDueDate, newDueDate time.Time, pd calendar.PeriodDuration, principalRateBps int64) PrincipalDue {
	if principalRateBps == 0 || unbilledPrincipal == 0 {
		return PrincipalDue{NewUnbilled: unbilledPrincipal}
	}

	daysPast := e.cal.DaysDiff(oldDueDate, reference)
	daysNext := e.cal.DaysDiff(reference, newDueDate)
	totalDays := daysPast + daysNext
	if totalDays == 0 {
		return PrincipalDue{NewUnbilled: unbilledPrincipal}
	}

	amortized := mulDiv(unbilledPrincipal, principalRateBps, int64(totalDays), bpsDenom*int64(e.cal.DaysInPeriod(pd)))
	clamped := false
	if amortized > unbilledPrincipal {
		amortized = unbilledPrincipal
		clamped = true
	}

	pastDue := mulDiv(amortized, int64(daysPast), 1, int64(totalDays))
	return PrincipalDue{
		NewUnbilled: unbilledPrincipal - amortized,
		PastDue:     pastDue,
		NextDue:     amortized - pastDue,
		Clamped:     clamped,
	}
}

// CalcLateFee accrues the late fee on the outstanding past-due balance from
// the last checkpoint to now. When the checkpoint has never been set the
// accrual anchors at the bill's due date. Calling twice at the same now with
// no intervening change yields the same fee.
func (e *Engine) CalcLateFee(lateFeeBps int64, outstandingPastDue int64, detail DueDetail, dueDate, now time.Time) (updatedDate time.Time, lateFee int64) {
	anchor := detail.LateFeeUpdatedDate
	if anchor.IsZero() {
		anchor = dueDate
	}
	days := e.cal.DaysDiff(anchor, now)
	fee := detail.LateFee + mulDiv(outstandingPastDue, lateFeeBps, int64(days), bpsDenom*int64(e.cal.DaysInYear()))
	return now, fee
}
