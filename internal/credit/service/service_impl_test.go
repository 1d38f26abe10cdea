package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/credo/internal/calendar"
	"github.com/smallbiznis/credo/internal/clock"
	creditdomain "github.com/smallbiznis/credo/internal/credit/domain"
	creditengine "github.com/smallbiznis/credo/internal/credit/engine"
	creditrepository "github.com/smallbiznis/credo/internal/credit/repository"
	"github.com/smallbiznis/credo/internal/creditevent"
	"github.com/smallbiznis/credo/internal/orgcontext"
	pooldomain "github.com/smallbiznis/credo/internal/pool/domain"
	poolservice "github.com/smallbiznis/credo/internal/pool/service"
	"github.com/smallbiznis/credo/internal/scheduler/guard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type testEnv struct {
	ctx   context.Context
	db    *gorm.DB
	node  *snowflake.Node
	clk   *clock.FakeClock
	orgID snowflake.ID
	pools pooldomain.Service
	svc   creditdomain.Service
}

// newTestEnv wires the credit service against an in-memory sqlite database.
// The shared-cache database outlives a single test, so every env works under
// its own org id.
func newTestEnv(t *testing.T, start time.Time) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	stripLockingClauses(db)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	createSchema(t, db)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(start)
	log := zaptest.NewLogger(t)

	pools := poolservice.NewService(poolservice.ServiceParam{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
	})

	svc := NewService(ServiceParam{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   clk,
		Engine:  creditengine.New(calendar.New()),
		Repo:    creditrepository.Provide(),
		Outbox:  creditevent.NewOutbox(node),
		Poolsvc: pools,
	})

	orgID := node.Generate()
	return &testEnv{
		ctx:   orgcontext.WithOrgID(context.Background(), orgID),
		db:    db,
		node:  node,
		clk:   clk,
		orgID: orgID,
		pools: pools,
		svc:   svc,
	}
}

// stripLockingClauses removes FOR UPDATE from raw queries so they run on
// sqlite, which has no row locks.
func stripLockingClauses(db *gorm.DB) {
	strip := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			sql = strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			sql = strings.ReplaceAll(sql, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(sql)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", strip)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", strip)
}

func createSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS pools (
			id INTEGER PRIMARY KEY,
			org_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			status TEXT NOT NULL,
			yield_bps INTEGER NOT NULL,
			min_principal_rate_bps INTEGER NOT NULL,
			late_fee_bps INTEGER NOT NULL,
			late_payment_grace_period_days INTEGER NOT NULL,
			default_grace_period_periods INTEGER NOT NULL,
			max_credit_line INTEGER NOT NULL,
			front_loading_fee_flat INTEGER NOT NULL,
			front_loading_fee_bps INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credits (
			id INTEGER PRIMARY KEY,
			org_id INTEGER NOT NULL,
			pool_id INTEGER NOT NULL,
			borrower_id INTEGER NOT NULL,
			credit_limit INTEGER NOT NULL,
			committed_amount INTEGER NOT NULL,
			period_duration TEXT NOT NULL,
			num_of_periods INTEGER NOT NULL,
			yield_bps INTEGER NOT NULL,
			advance_rate_bps INTEGER NOT NULL,
			revolving BOOLEAN NOT NULL,
			receivable_auto_approval BOOLEAN NOT NULL,
			start_date DATETIME,
			unbilled_principal INTEGER NOT NULL,
			next_due_date DATETIME,
			next_due INTEGER NOT NULL,
			yield_due INTEGER NOT NULL,
			total_past_due INTEGER NOT NULL,
			missed_periods INTEGER NOT NULL,
			remaining_periods INTEGER NOT NULL,
			state TEXT NOT NULL,
			late_fee_updated_date DATETIME,
			late_fee INTEGER NOT NULL,
			yield_past_due INTEGER NOT NULL,
			principal_past_due INTEGER NOT NULL,
			committed INTEGER NOT NULL,
			accrued INTEGER NOT NULL,
			paid INTEGER NOT NULL,
			next_refresh_at DATETIME,
			last_refreshed_at DATETIME,
			last_error TEXT,
			last_error_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credit_events (
			id INTEGER PRIMARY KEY,
			org_id INTEGER NOT NULL,
			credit_id INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			dedupe_key TEXT,
			published BOOLEAN NOT NULL DEFAULT 0,
			published_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_credit_event_dedupe
			ON credit_events(org_id, dedupe_key)`,
	} {
		require.NoError(t, db.Exec(ddl).Error)
	}
}

func createPool(t *testing.T, env *testEnv, name string) pooldomain.Pool {
	t.Helper()
	pool, err := env.pools.Create(env.ctx, pooldomain.CreatePoolRequest{
		Name:                       name,
		YieldBps:                   1200,
		LateFeeBps:                 2400,
		LatePaymentGracePeriodDays: 5,
		DefaultGracePeriodPeriods:  2,
		MaxCreditLine:              10_000_000,
		FrontLoadingFeeFlat:        50,
		FrontLoadingFeeBps:         100,
	})
	require.NoError(t, err)
	return pool
}

func approveCredit(t *testing.T, env *testEnv, req creditdomain.ApproveCreditRequest) creditdomain.Credit {
	t.Helper()
	credit, err := env.svc.Approve(env.ctx, req)
	require.NoError(t, err)
	return credit
}

func advanceTo(clk *clock.FakeClock, target time.Time) {
	clk.Advance(target.Sub(clk.Now()))
}

func countEvents(t *testing.T, env *testEnv, eventType string) int {
	t.Helper()
	var n int64
	err := env.db.Raw(
		`SELECT COUNT(*) FROM credit_events WHERE org_id = ? AND event_type = ?`,
		env.orgID, eventType,
	).Scan(&n).Error
	require.NoError(t, err)
	return int(n)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestApprove(t *testing.T) {
	start := date(2025, time.January, 1)
	env := newTestEnv(t, start)
	pool := createPool(t, env, "Approve Pool")

	base := creditdomain.ApproveCreditRequest{
		PoolID:         pool.ID.String(),
		BorrowerID:     env.node.Generate().String(),
		CreditLimit:    1_000_000,
		PeriodDuration: "monthly",
		NumOfPeriods:   12,
		YieldBps:       1200,
	}

	t.Run("dormant line stays out of the refresh queue", func(t *testing.T) {
		credit := approveCredit(t, env, base)
		assert.Equal(t, creditengine.CreditStateApproved, credit.State)
		assert.Equal(t, calendar.PeriodMonthly, credit.PeriodDuration)
		assert.Equal(t, 12, credit.RemainingPeriods)
		assert.Nil(t, credit.NextRefreshAt)
		assert.Equal(t, 1, countEvents(t, env, creditevent.CreditApprovedTopic))
	})

	t.Run("committed line queues for its first refresh immediately", func(t *testing.T) {
		req := base
		req.CommittedAmount = 500_000
		credit := approveCredit(t, env, req)
		require.NotNil(t, credit.NextRefreshAt)
		assert.True(t, credit.NextRefreshAt.Equal(start))
	})

	t.Run("future start date queues for the start date", func(t *testing.T) {
		sd := start.AddDate(0, 1, 0)
		req := base
		req.StartDate = &sd
		credit := approveCredit(t, env, req)
		require.NotNil(t, credit.NextRefreshAt)
		assert.True(t, credit.NextRefreshAt.Equal(sd))
	})

	t.Run("validation", func(t *testing.T) {
		past := start.AddDate(0, 0, -1)
		cases := []struct {
			name    string
			mutate  func(*creditdomain.ApproveCreditRequest)
			wantErr error
		}{
			{"bad pool id", func(r *creditdomain.ApproveCreditRequest) { r.PoolID = "not-a-pool" }, creditdomain.ErrInvalidPool},
			{"bad borrower id", func(r *creditdomain.ApproveCreditRequest) { r.BorrowerID = "" }, creditdomain.ErrInvalidBorrower},
			{"bad period duration", func(r *creditdomain.ApproveCreditRequest) { r.PeriodDuration = "fortnightly" }, calendar.ErrInvalidPeriodDuration},
			{"zero credit limit", func(r *creditdomain.ApproveCreditRequest) { r.CreditLimit = 0 }, creditdomain.ErrInvalidCreditLimit},
			{"limit above pool max", func(r *creditdomain.ApproveCreditRequest) { r.CreditLimit = 20_000_000 }, creditdomain.ErrCreditLimitAbovePool},
			{"committed above limit", func(r *creditdomain.ApproveCreditRequest) { r.CommittedAmount = 2_000_000 }, creditdomain.ErrInvalidCommitted},
			{"zero periods", func(r *creditdomain.ApproveCreditRequest) { r.NumOfPeriods = 0 }, creditdomain.ErrInvalidPeriodCount},
			{"negative yield rate", func(r *creditdomain.ApproveCreditRequest) { r.YieldBps = -1 }, creditdomain.ErrInvalidRate},
			{"start date in the past", func(r *creditdomain.ApproveCreditRequest) { r.StartDate = &past }, creditdomain.ErrInvalidStartDate},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				req := base
				tc.mutate(&req)
				_, err := env.svc.Approve(env.ctx, req)
				assert.ErrorIs(t, err, tc.wantErr)
			})
		}
	})

	t.Run("missing org context", func(t *testing.T) {
		_, err := env.svc.Approve(context.Background(), base)
		assert.ErrorIs(t, err, creditdomain.ErrInvalidOrganization)
	})
}

func TestDrawdownOpensFirstBill(t *testing.T) {
	start := date(2025, time.January, 15)
	env := newTestEnv(t, start)
	pool := createPool(t, env, "First Bill Pool")

	credit := approveCredit(t, env, creditdomain.ApproveCreditRequest{
		PoolID:         pool.ID.String(),
		BorrowerID:     env.node.Generate().String(),
		CreditLimit:    1_000_000,
		PeriodDuration: "monthly",
		NumOfPeriods:   12,
		YieldBps:       1200,
		AdvanceRateBps: 8000,
	})

	resp, err := env.svc.Drawdown(env.ctx, credit.ID.String(), creditdomain.DrawdownRequest{Amount: 100_000})
	require.NoError(t, err)

	// 50 flat plus 100 bps of the amount.
	assert.Equal(t, int64(1050), resp.PlatformFee)
	assert.Equal(t, int64(98_950), resp.AmountToBorrower)
	assert.Equal(t, int64(100_000), resp.Amount)
	assert.Equal(t, int64(100_000), resp.UnbilledPrincipal)

	got, err := env.svc.GetByID(env.ctx, credit.ID.String())
	require.NoError(t, err)

	feb1 := date(2025, time.February, 1)
	assert.Equal(t, creditengine.CreditStateGoodStanding, got.State)
	assert.Equal(t, int64(100_000), got.UnbilledPrincipal)
	require.NotNil(t, got.NextDueDate)
	assert.True(t, got.NextDueDate.Equal(feb1))
	// 16 days of 30/360 yield on 100_000 at 1200 bps.
	assert.Equal(t, int64(533), got.NextDue)
	assert.Equal(t, int64(533), got.YieldDue)
	assert.Equal(t, int64(533), got.Accrued)
	assert.Equal(t, int64(0), got.TotalPastDue)
	assert.Equal(t, 11, got.RemainingPeriods)
	require.NotNil(t, got.NextRefreshAt)
	assert.True(t, got.NextRefreshAt.Equal(feb1.AddDate(0, 0, 5)), "refresh waits out the grace window")
	require.NotNil(t, got.LastRefreshedAt)
	assert.True(t, got.LastRefreshedAt.Equal(start))

	assert.Equal(t, 1, countEvents(t, env, creditevent.CreditDrawdownTopic))
	assert.Equal(t, 1, countEvents(t, env, creditevent.BillRefreshedTopic))
}

func TestDrawdownRules(t *testing.T) {
	start := date(2025, time.January, 15)
	env := newTestEnv(t, start)
	pool := createPool(t, env, "Drawdown Rules Pool")

	base := creditdomain.ApproveCreditRequest{
		PoolID:         pool.ID.String(),
		BorrowerID:     env.node.Generate().String(),
		CreditLimit:    500_000,
		PeriodDuration: "monthly",
		NumOfPeriods:   12,
		YieldBps:       1200,
	}

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		credit := approveCredit(t, env, base)
		_, err := env.svc.Drawdown(env.ctx, credit.ID.String(), creditdomain.DrawdownRequest{Amount: 0})
		assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)
	})

	t.Run("rejects draws beyond the credit limit", func(t *testing.T) {
		credit := approveCredit(t, env, base)
		_, err := env.svc.Drawdown(env.ctx, credit.ID.String(), creditdomain.DrawdownRequest{Amount: 600_000})
		assert.ErrorIs(t, err, creditdomain.ErrCreditLimitExceeded)
	})

	t.Run("rejects draws smaller than the platform fee", func(t *testing.T) {
		credit := approveCredit(t, env, base)
		_, err := env.svc.Drawdown(env.ctx, credit.ID.String(), creditdomain.DrawdownRequest{Amount: 30})
		assert.ErrorIs(t, err, creditengine.ErrBorrowAmountLessThanPlatformFees)
	})

	t.Run("term loans cannot draw after the first bill opens", func(t *testing.T) {
		credit := approveCredit(t, env, base)
		_, err := env.svc.Drawdown(env.ctx, credit.ID.String(), creditdomain.DrawdownRequest{Amount: 100_000})
		require.NoError(t, err)
		_, err = env.svc.Drawdown(env.ctx, credit.ID.String(), creditdomain.DrawdownRequest{Amount: 50_000})
		assert.ErrorIs(t, err, creditdomain.ErrCreditNotDrawable)
	})

	t.Run("revolving facilities keep drawing in good standing", func(t *testing.T) {
		req := base
		req.Revolving = true
		credit := approveCredit(t, env, req)

		_, err := env.svc.Drawdown(env.ctx, credit.ID.String(), creditdomain.DrawdownRequest{Amount: 100_000})
		require.NoError(t, err)
		resp, err := env.svc.Drawdown(env.ctx, credit.ID.String(), creditdomain.DrawdownRequest{Amount: 50_000})
		require.NoError(t, err)
		assert.Equal(t, int64(150_000), resp.UnbilledPrincipal)

		// The open bill does not change mid-cycle; the new tranche starts
		// accruing next period.
		got, err := env.svc.GetByID(env.ctx, credit.ID.String())
		require.NoError(t, err)
		assert.Equal(t, int64(533), got.NextDue)
	})

	t.Run("unknown credit", func(t *testing.T) {
		_, err := env.svc.Drawdown(env.ctx, env.node.Generate().String(), creditdomain.DrawdownRequest{Amount: 1_000})
		assert.ErrorIs(t, err, creditdomain.ErrCreditNotFound)
	})
}

// TestRefreshBillCommittedLifecycle walks a committed line through its first
// bill, a late fee inside the grace window, and a missed period.
func TestRefreshBillCommittedLifecycle(t *testing.T) {
	start := date(2025, time.January, 1)
	env := newTestEnv(t, start)
	pool := createPool(t, env, "Committed Lifecycle Pool")

	credit := approveCredit(t, env, creditdomain.ApproveCreditRequest{
		PoolID:          pool.ID.String(),
		BorrowerID:      env.node.Generate().String(),
		CreditLimit:     1_000_000,
		CommittedAmount: 500_000,
		PeriodDuration:  "monthly",
		NumOfPeriods:    12,
		YieldBps:        1200,
	})
	id := credit.ID.String()

	feb1 := date(2025, time.February, 1)
	feb6 := feb1.AddDate(0, 0, 5)

	// First refresh opens the bill on committed yield alone.
	got, err := env.svc.RefreshBill(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, creditengine.CreditStateGoodStanding, got.State)
	require.NotNil(t, got.NextDueDate)
	assert.True(t, got.NextDueDate.Equal(feb1))
	assert.Equal(t, int64(5000), got.NextDue)
	assert.Equal(t, int64(5000), got.YieldDue)
	assert.Equal(t, int64(5000), got.Committed)
	assert.Equal(t, int64(0), got.Accrued)
	assert.Equal(t, 11, got.RemainingPeriods)
	require.NotNil(t, got.NextRefreshAt)
	assert.True(t, got.NextRefreshAt.Equal(feb6))

	// Refreshing again before the scheduled date is rejected.
	env.clk.Advance(time.Hour)
	_, err = env.svc.RefreshBill(env.ctx, id)
	assert.ErrorIs(t, err, guard.ErrRefreshTooEarly)

	// One day past the grace window the late fee starts.
	advanceTo(env.clk, feb6.AddDate(0, 0, 1))
	got, err = env.svc.RefreshBill(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, creditengine.CreditStateGoodStanding, got.State)
	assert.Equal(t, int64(20), got.LateFee)
	assert.Equal(t, int64(20), got.TotalPastDue)
	assert.Equal(t, int64(5000), got.NextDue)
	require.NotNil(t, got.LateFeeUpdatedDate)

	// Deep into the next period the bill rolls past due and a fresh one
	// opens.
	advanceTo(env.clk, date(2025, time.March, 10))
	got, err = env.svc.RefreshBill(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, creditengine.CreditStateDelayed, got.State)
	assert.Equal(t, 2, got.MissedPeriods)
	assert.Equal(t, int64(10_000), got.YieldPastDue)
	assert.Equal(t, int64(0), got.PrincipalPastDue)
	assert.Equal(t, int64(240), got.LateFee)
	assert.Equal(t, int64(10_240), got.TotalPastDue)
	assert.Equal(t, int64(5000), got.NextDue)
	require.NotNil(t, got.NextDueDate)
	assert.True(t, got.NextDueDate.Equal(date(2025, time.April, 1)))
	assert.Equal(t, 9, got.RemainingPeriods)
	// Delayed credits refresh at the due date, no grace window.
	require.NotNil(t, got.NextRefreshAt)
	assert.True(t, got.NextRefreshAt.Equal(date(2025, time.April, 1)))

	assert.Equal(t, 1, countEvents(t, env, creditevent.CreditDelayedTopic))
	assert.Equal(t, 3, countEvents(t, env, creditevent.BillRefreshedTopic))
}

// TestMakePaymentWaterfallAndRecovery drives a credit into delinquency and
// pays it back out through the allocation waterfall.
func TestMakePaymentWaterfallAndRecovery(t *testing.T) {
	start := date(2025, time.January, 1)
	env := newTestEnv(t, start)
	pool := createPool(t, env, "Payment Waterfall Pool")

	credit := approveCredit(t, env, creditdomain.ApproveCreditRequest{
		PoolID:          pool.ID.String(),
		BorrowerID:      env.node.Generate().String(),
		CreditLimit:     1_000_000,
		CommittedAmount: 500_000,
		PeriodDuration:  "monthly",
		NumOfPeriods:    12,
		YieldBps:        1200,
	})
	id := credit.ID.String()

	_, err := env.svc.RefreshBill(env.ctx, id)
	require.NoError(t, err)
	advanceTo(env.clk, date(2025, time.February, 7))
	_, err = env.svc.RefreshBill(env.ctx, id)
	require.NoError(t, err)
	advanceTo(env.clk, date(2025, time.March, 10))
	got, err := env.svc.RefreshBill(env.ctx, id)
	require.NoError(t, err)
	require.Equal(t, creditengine.CreditStateDelayed, got.State)
	require.Equal(t, int64(10_240), got.TotalPastDue)
	require.Equal(t, int64(5000), got.NextDue)

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		_, err := env.svc.MakePayment(env.ctx, id, creditdomain.PaymentRequest{Amount: -5})
		assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)
	})

	t.Run("rejects more than the term loan owes", func(t *testing.T) {
		_, err := env.svc.MakePayment(env.ctx, id, creditdomain.PaymentRequest{Amount: 15_241})
		assert.ErrorIs(t, err, creditdomain.ErrPaymentExceedsBalance)
	})

	t.Run("partial payment drains the late fee first", func(t *testing.T) {
		resp, err := env.svc.MakePayment(env.ctx, id, creditdomain.PaymentRequest{Amount: 100})
		require.NoError(t, err)
		assert.Equal(t, int64(100), resp.Allocation.LateFee)
		assert.Equal(t, int64(0), resp.Allocation.YieldPastDue)
		assert.Equal(t, creditengine.CreditStateDelayed, resp.State)
		assert.Equal(t, int64(15_140), resp.PayoffAmount)

		got, err := env.svc.GetByID(env.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(140), got.LateFee)
		assert.Equal(t, int64(10_140), got.TotalPastDue)
		assert.Equal(t, 2, got.MissedPeriods)
	})

	t.Run("full payment restores good standing", func(t *testing.T) {
		resp, err := env.svc.MakePayment(env.ctx, id, creditdomain.PaymentRequest{Amount: 15_140})
		require.NoError(t, err)
		assert.Equal(t, int64(140), resp.Allocation.LateFee)
		assert.Equal(t, int64(10_000), resp.Allocation.YieldPastDue)
		assert.Equal(t, int64(0), resp.Allocation.PrincipalPastDue)
		assert.Equal(t, int64(5000), resp.Allocation.YieldDue)
		assert.Equal(t, int64(0), resp.Allocation.PrincipalDue)
		assert.Equal(t, creditengine.CreditStateGoodStanding, resp.State)
		assert.Equal(t, int64(0), resp.PayoffAmount)

		got, err := env.svc.GetByID(env.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, creditengine.CreditStateGoodStanding, got.State)
		assert.Equal(t, int64(0), got.TotalPastDue)
		assert.Equal(t, int64(0), got.NextDue)
		assert.Equal(t, 0, got.MissedPeriods)
		assert.Equal(t, int64(5000), got.Paid)
		assert.Nil(t, got.LateFeeUpdatedDate)
		// The next period boundary is still the refresh point.
		require.NotNil(t, got.NextRefreshAt)
		assert.True(t, got.NextRefreshAt.Equal(date(2025, time.April, 1)))

		assert.Equal(t, 2, countEvents(t, env, creditevent.PaymentReceivedTopic))
		assert.Equal(t, 1, countEvents(t, env, creditevent.GoodStandingTopic))
	})

	t.Run("settled credit closes", func(t *testing.T) {
		got, err := env.svc.Close(env.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, creditengine.CreditStateDeleted, got.State)
		assert.Nil(t, got.NextRefreshAt)
		assert.Equal(t, 1, countEvents(t, env, creditevent.CreditClosedTopic))
	})
}

func TestTriggerDefaultLifecycle(t *testing.T) {
	start := date(2025, time.January, 1)
	env := newTestEnv(t, start)
	pool := createPool(t, env, "Default Lifecycle Pool")

	credit := approveCredit(t, env, creditdomain.ApproveCreditRequest{
		PoolID:         pool.ID.String(),
		BorrowerID:     env.node.Generate().String(),
		CreditLimit:    1_000_000,
		PeriodDuration: "monthly",
		NumOfPeriods:   12,
		YieldBps:       1200,
	})
	id := credit.ID.String()

	_, err := env.svc.Drawdown(env.ctx, id, creditdomain.DrawdownRequest{Amount: 100_000})
	require.NoError(t, err)

	// Nothing missed yet, the pool's default grace holds.
	_, err = env.svc.TriggerDefault(env.ctx, id)
	assert.ErrorIs(t, err, guard.ErrDefaultNotReady)

	advanceTo(env.clk, date(2025, time.April, 15))
	got, err := env.svc.RefreshBill(env.ctx, id)
	require.NoError(t, err)
	require.Equal(t, creditengine.CreditStateDelayed, got.State)
	require.Equal(t, 3, got.MissedPeriods)
	require.Equal(t, int64(3148), got.TotalPastDue)

	got, err = env.svc.TriggerDefault(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, creditengine.CreditStateDefaulted, got.State)
	assert.Nil(t, got.NextRefreshAt)
	assert.Equal(t, int64(3148), got.TotalPastDue)
	assert.Equal(t, 1, countEvents(t, env, creditevent.CreditDefaultedTopic))

	payoff, err := env.svc.GetPayoff(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(104_148), payoff.PayoffAmount)

	t.Run("defaulted credit absorbs everything", func(t *testing.T) {
		_, err := env.svc.RefreshBill(env.ctx, id)
		assert.ErrorIs(t, err, guard.ErrCreditNotRefreshable)
		_, err = env.svc.Drawdown(env.ctx, id, creditdomain.DrawdownRequest{Amount: 1_000})
		assert.ErrorIs(t, err, creditdomain.ErrCreditNotDrawable)
		_, err = env.svc.MakePayment(env.ctx, id, creditdomain.PaymentRequest{Amount: 1_000})
		assert.ErrorIs(t, err, creditdomain.ErrInvalidState)
		_, err = env.svc.Close(env.ctx, id)
		assert.ErrorIs(t, err, creditdomain.ErrInvalidTransition)
	})

	t.Run("approved credit cannot default", func(t *testing.T) {
		fresh := approveCredit(t, env, creditdomain.ApproveCreditRequest{
			PoolID:         pool.ID.String(),
			BorrowerID:     env.node.Generate().String(),
			CreditLimit:    100_000,
			PeriodDuration: "monthly",
			NumOfPeriods:   6,
			YieldBps:       1200,
		})
		_, err := env.svc.TriggerDefault(env.ctx, fresh.ID.String())
		assert.ErrorIs(t, err, creditdomain.ErrInvalidTransition)
	})
}

func TestRevolvingPayoffAndClose(t *testing.T) {
	start := date(2025, time.January, 10)
	env := newTestEnv(t, start)
	pool := createPool(t, env, "Revolving Payoff Pool")

	credit := approveCredit(t, env, creditdomain.ApproveCreditRequest{
		PoolID:         pool.ID.String(),
		BorrowerID:     env.node.Generate().String(),
		CreditLimit:    500_000,
		PeriodDuration: "monthly",
		NumOfPeriods:   12,
		YieldBps:       1200,
		Revolving:      true,
	})
	id := credit.ID.String()

	_, err := env.svc.Drawdown(env.ctx, id, creditdomain.DrawdownRequest{Amount: 50_000})
	require.NoError(t, err)

	// 21 days of 30/360 yield on 50_000 at 1200 bps.
	payoff, err := env.svc.GetPayoff(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(50_350), payoff.PayoffAmount)
	require.NotNil(t, payoff.AsOf)
	assert.True(t, payoff.AsOf.Equal(start))

	// Revolving credits may settle unbilled principal directly.
	resp, err := env.svc.MakePayment(env.ctx, id, creditdomain.PaymentRequest{Amount: 50_350})
	require.NoError(t, err)
	assert.Equal(t, int64(350), resp.Allocation.YieldDue)
	assert.Equal(t, int64(50_000), resp.Allocation.UnbilledPrincipal)
	assert.Equal(t, int64(0), resp.PayoffAmount)
	assert.Equal(t, creditengine.CreditStateGoodStanding, resp.State)

	got, err := env.svc.Close(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, creditengine.CreditStateDeleted, got.State)

	t.Run("outstanding balance blocks close", func(t *testing.T) {
		other := approveCredit(t, env, creditdomain.ApproveCreditRequest{
			PoolID:         pool.ID.String(),
			BorrowerID:     env.node.Generate().String(),
			CreditLimit:    500_000,
			PeriodDuration: "monthly",
			NumOfPeriods:   12,
			YieldBps:       1200,
			Revolving:      true,
		})
		_, err := env.svc.Drawdown(env.ctx, other.ID.String(), creditdomain.DrawdownRequest{Amount: 10_000})
		require.NoError(t, err)
		_, err = env.svc.Close(env.ctx, other.ID.String())
		assert.ErrorIs(t, err, guard.ErrPayoffOutstanding)
	})
}

// TestGetDuePreview checks that due previews at a future timestamp never
// touch the stored record.
func TestGetDuePreview(t *testing.T) {
	start := date(2025, time.January, 15)
	env := newTestEnv(t, start)
	pool := createPool(t, env, "Due Preview Pool")

	credit := approveCredit(t, env, creditdomain.ApproveCreditRequest{
		PoolID:         pool.ID.String(),
		BorrowerID:     env.node.Generate().String(),
		CreditLimit:    1_000_000,
		PeriodDuration: "monthly",
		NumOfPeriods:   12,
		YieldBps:       1200,
	})
	id := credit.ID.String()

	_, err := env.svc.Drawdown(env.ctx, id, creditdomain.DrawdownRequest{Amount: 100_000})
	require.NoError(t, err)

	t.Run("zero timestamp means now", func(t *testing.T) {
		info, err := env.svc.GetDue(env.ctx, id, time.Time{})
		require.NoError(t, err)
		assert.True(t, info.AsOf.Equal(start))
		assert.Equal(t, creditengine.CreditStateGoodStanding, info.State)
		assert.Equal(t, int64(533), info.NextDue)
		assert.Equal(t, int64(100_533), info.PayoffAmount)
	})

	t.Run("future preview rolls the bill without persisting", func(t *testing.T) {
		info, err := env.svc.GetDue(env.ctx, id, date(2025, time.March, 15))
		require.NoError(t, err)
		assert.Equal(t, creditengine.CreditStateDelayed, info.State)
		assert.Equal(t, 2, info.MissedPeriods)
		assert.Equal(t, int64(1577), info.TotalPastDue)
		assert.Equal(t, int64(1000), info.NextDue)
		assert.Equal(t, int64(102_577), info.PayoffAmount)

		got, err := env.svc.GetByID(env.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, creditengine.CreditStateGoodStanding, got.State)
		assert.Equal(t, int64(533), got.NextDue)
		assert.Equal(t, int64(0), got.TotalPastDue)
		require.NotNil(t, got.LastRefreshedAt)
		assert.True(t, got.LastRefreshedAt.Equal(start))
		assert.Equal(t, 1, countEvents(t, env, creditevent.BillRefreshedTopic))
	})
}

func TestListCredits(t *testing.T) {
	start := date(2025, time.January, 1)
	env := newTestEnv(t, start)
	pool := createPool(t, env, "List Pool")

	borrowerA := env.node.Generate().String()
	borrowerB := env.node.Generate().String()

	first := approveCredit(t, env, creditdomain.ApproveCreditRequest{
		PoolID: pool.ID.String(), BorrowerID: borrowerA,
		CreditLimit: 100_000, PeriodDuration: "monthly", NumOfPeriods: 6, YieldBps: 1200,
	})
	env.clk.Advance(time.Hour)
	second := approveCredit(t, env, creditdomain.ApproveCreditRequest{
		PoolID: pool.ID.String(), BorrowerID: borrowerA,
		CreditLimit: 200_000, PeriodDuration: "monthly", NumOfPeriods: 6, YieldBps: 1200, Revolving: true,
	})
	env.clk.Advance(time.Hour)
	third := approveCredit(t, env, creditdomain.ApproveCreditRequest{
		PoolID: pool.ID.String(), BorrowerID: borrowerB,
		CreditLimit: 300_000, PeriodDuration: "monthly", NumOfPeriods: 6, YieldBps: 1200,
	})

	t.Run("pages newest first", func(t *testing.T) {
		page, err := env.svc.List(env.ctx, creditdomain.ListCreditRequest{PageSize: 2})
		require.NoError(t, err)
		require.Len(t, page.Credits, 2)
		assert.Equal(t, third.ID, page.Credits[0].ID)
		assert.Equal(t, second.ID, page.Credits[1].ID)
		assert.True(t, page.HasMore)
		require.NotEmpty(t, page.NextPageToken)

		rest, err := env.svc.List(env.ctx, creditdomain.ListCreditRequest{PageSize: 2, PageToken: page.NextPageToken})
		require.NoError(t, err)
		require.Len(t, rest.Credits, 1)
		assert.Equal(t, first.ID, rest.Credits[0].ID)
		assert.False(t, rest.HasMore)
	})

	t.Run("filters by borrower", func(t *testing.T) {
		page, err := env.svc.List(env.ctx, creditdomain.ListCreditRequest{BorrowerID: borrowerA})
		require.NoError(t, err)
		assert.Len(t, page.Credits, 2)
	})

	t.Run("filters by state", func(t *testing.T) {
		page, err := env.svc.List(env.ctx, creditdomain.ListCreditRequest{State: "approved"})
		require.NoError(t, err)
		assert.Len(t, page.Credits, 3)

		page, err = env.svc.List(env.ctx, creditdomain.ListCreditRequest{State: "GOOD_STANDING"})
		require.NoError(t, err)
		assert.Empty(t, page.Credits)
	})

	t.Run("rejects unknown states", func(t *testing.T) {
		_, err := env.svc.List(env.ctx, creditdomain.ListCreditRequest{State: "weird"})
		assert.ErrorIs(t, err, creditdomain.ErrInvalidState)
	})
}
