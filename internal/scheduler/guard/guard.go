package guard

import (
	"errors"
	"time"

	creditengine "github.com/smallbiznis/credo/internal/credit/engine"
)

var (
	ErrCreditNotRefreshable = errors.New("credit_not_refreshable")
	ErrRefreshTooEarly      = errors.New("refresh_too_early")
	ErrStaleRefreshTime     = errors.New("stale_refresh_time")
	ErrDefaultNotReady      = errors.New("credit_default_not_ready")
	ErrPayoffOutstanding    = errors.New("credit_payoff_outstanding")
)

// EnsureCreditCanRefresh checks that a credit is still live and actually due
// for a bill refresh at now.
func EnsureCreditCanRefresh(state creditengine.CreditState, nextRefreshAt time.Time, now time.Time) error {
	if state.Absorbing() {
		return ErrCreditNotRefreshable
	}
	if !nextRefreshAt.IsZero() && now.Before(nextRefreshAt) {
		return ErrRefreshTooEarly
	}
	return nil
}

// EnsureRefreshTimestamp rejects refresh timestamps that run backwards
// relative to the last persisted refresh. Due computation requires
// monotonically non-decreasing timestamps per credit.
func EnsureRefreshTimestamp(now time.Time, lastRefreshedAt time.Time) error {
	if !lastRefreshedAt.IsZero() && now.Before(lastRefreshedAt) {
		return ErrStaleRefreshTime
	}
	return nil
}

// EnsureCreditCanDefault enforces the pool's default grace: a credit may
// only be defaulted after missing at least defaultGracePeriods periods.
func EnsureCreditCanDefault(missedPeriods, defaultGracePeriods int) error {
	if missedPeriods < defaultGracePeriods {
		return ErrDefaultNotReady
	}
	return nil
}

// EnsureCreditCanClose requires a fully settled credit before closing.
func EnsureCreditCanClose(payoffAmount int64) error {
	if payoffAmount != 0 {
		return ErrPayoffOutstanding
	}
	return nil
}
