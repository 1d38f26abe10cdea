package engine

import (
	"math"
	"testing"
	"time"

	"github.com/smallbiznis/credo/internal/calendar"
	"github.com/stretchr/testify/require"
)

func newTestEngine() *Engine {
	return New(calendar.New())
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestMulDiv(t *testing.T) {
	require.Equal(t, int64(0), mulDiv(0, 100, 100, 10))
	require.Equal(t, int64(22), mulDiv(5000, 1000, 16, 10000*360))

	// The widened intermediate survives products far beyond int64.
	huge := int64(1) << 62
	require.Equal(t, huge, mulDiv(huge, 10000, 360, 10000*360))

	// Results beyond int64 saturate instead of wrapping.
	require.Equal(t, int64(math.MaxInt64), mulDiv(math.MaxInt64, 2, 1, 1))
}

func TestCalcFrontLoadingFee(t *testing.T) {
	cases := []struct {
		name   string
		fees   FrontLoadingFees
		amount int64
		want   int64
	}{
		{"flat_only", FrontLoadingFees{Flat: 100}, 50000, 100},
		{"bps_only", FrontLoadingFees{Bps: 250}, 10000, 250},
		{"flat_and_bps", FrontLoadingFees{Flat: 100, Bps: 250}, 10000, 350},
		{"bps_floors", FrontLoadingFees{Bps: 100}, 999, 9},
		{"zero_amount", FrontLoadingFees{Flat: 100, Bps: 250}, 0, 100},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, CalcFrontLoadingFee(tc.fees, tc.amount))
		})
	}
}

func TestDistBorrowingAmount(t *testing.T) {
	fees := FrontLoadingFees{Flat: 100, Bps: 250}

	borrower, fee, err := DistBorrowingAmount(fees, 10000)
	require.NoError(t, err)
	require.Equal(t, int64(350), fee)
	require.Equal(t, int64(9650), borrower)
	require.Equal(t, int64(10000), borrower+fee)
}

func TestDistBorrowingAmountRejectsFeeAboveAmount(t *testing.T) {
	_, _, err := DistBorrowingAmount(FrontLoadingFees{Flat: 10}, 9)
	require.ErrorIs(t, err, ErrBorrowAmountLessThanPlatformFees)
}

func TestCalcYieldDue(t *testing.T) {
	e := newTestEngine()
	cfg := CreditConfig{YieldBps: 1000, CommittedAmount: 20000}

	accrued, committed := e.CalcYieldDue(cfg, 5000, 16)
	require.Equal(t, int64(22), accrued)
	require.Equal(t, int64(88), committed)

	accrued, committed = e.CalcYieldDue(cfg, 5000, 0)
	require.Zero(t, accrued)
	require.Zero(t, committed)

	cfg.CommittedAmount = 0
	accrued, committed = e.CalcYieldDue(cfg, 10000, 30)
	require.Equal(t, int64(83), accrued)
	require.Zero(t, committed)
}

func TestCalcPrincipalDueZeroRateIsInterestOnly(t *testing.T) {
	e := newTestEngine()

	res := e.CalcPrincipalDue(9000, date(2026, time.March, 1), date(2026, time.January, 1), date(2026, time.April, 1), calendar.PeriodMonthly, 0)
	require.Equal(t, PrincipalDue{NewUnbilled: 9000}, res)
}

func TestCalcPrincipalDueSplitsBySpan(t *testing.T) {
	e := newTestEngine()

	// 10% per period across a 90 day span split 60/30 around the reference.
	res := e.CalcPrincipalDue(9000, date(2026, time.March, 1), date(2026, time.January, 1), date(2026, time.April, 1), calendar.PeriodMonthly, 1000)
	require.False(t, res.Clamped)
	require.Equal(t, int64(1800), res.PastDue)
	require.Equal(t, int64(900), res.NextDue)
	require.Equal(t, int64(6300), res.NewUnbilled)
	require.Equal(t, int64(9000), res.NewUnbilled+res.PastDue+res.NextDue)
}

func TestCalcPrincipalDueCapsAtUnbilled(t *testing.T) {
	e := newTestEngine()

	res := e.CalcPrincipalDue(12000, date(2026, time.March, 1), date(2026, time.January, 1), date(2026, time.April, 1), calendar.PeriodMonthly, 10000)
	require.True(t, res.Clamped)
	require.Equal(t, int64(8000), res.PastDue)
	require.Equal(t, int64(4000), res.NextDue)
	require.Zero(t, res.NewUnbilled)
}

func TestCalcLateFeeFromCheckpoint(t *testing.T) {
	e := newTestEngine()
	detail := DueDetail{LateFeeUpdatedDate: date(2026, time.February, 1), LateFee: 7}

	updated, fee := e.CalcLateFee(2400, 60000, detail, date(2026, time.January, 1), date(2026, time.March, 1))
	require.Equal(t, date(2026, time.March, 1), updated)
	require.Equal(t, int64(1207), fee)
}

func TestCalcLateFeeAnchorsAtDueDateWhenUnset(t *testing.T) {
	e := newTestEngine()

	updated, fee := e.CalcLateFee(2400, 60000, DueDetail{}, date(2026, time.February, 1), date(2026, time.March, 1))
	require.Equal(t, date(2026, time.March, 1), updated)
	require.Equal(t, int64(1200), fee)
}

func TestCalcLateFeeIdempotentAtSameNow(t *testing.T) {
	e := newTestEngine()
	now := date(2026, time.March, 1)

	updated, fee := e.CalcLateFee(2400, 60000, DueDetail{}, date(2026, time.February, 1), now)
	again, sameFee := e.CalcLateFee(2400, 60000, DueDetail{LateFeeUpdatedDate: updated, LateFee: fee}, date(2026, time.February, 1), now)
	require.Equal(t, updated, again)
	require.Equal(t, fee, sameFee)
}

func TestGetPayoffAmountIdentity(t *testing.T) {
	records := []CreditRecord{
		{},
		{UnbilledPrincipal: 5000, NextDue: 120, TotalPastDue: 340},
		{UnbilledPrincipal: 1, NextDue: 2, TotalPastDue: 3},
	}
	for _, rec := range records {
		require.Equal(t, rec.UnbilledPrincipal+rec.NextDue+rec.TotalPastDue, GetPayoffAmount(rec))
	}
}
