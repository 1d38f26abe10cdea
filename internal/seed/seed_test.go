package seed

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/credo/internal/auth/password"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// newSeedDB opens a private in-memory database per test. The seed helpers key
// everything off fixed slugs, so tests cannot share a database the way the
// service suites do with per-test org ids.
func newSeedDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_organizations_slug ON organizations (slug)`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			email TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_users_email ON users (email)`,
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
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_pools_org_slug ON pools (org_id, slug)`,
	} {
		require.NoError(t, db.Exec(ddl).Error)
	}
	return db
}

func TestEnsureMainOrgAndAdminIsIdempotent(t *testing.T) {
	db := newSeedDB(t)

	require.NoError(t, EnsureMainOrgAndAdmin(db))
	require.NoError(t, EnsureMainOrgAndAdmin(db))

	var orgCount int64
	require.NoError(t, db.Table("organizations").Where("slug = ?", defaultOrgSlug).Count(&orgCount).Error)
	assert.Equal(t, int64(1), orgCount)

	var user struct {
		DisplayName  string
		PasswordHash string
		IsDefault    bool
	}
	require.NoError(t, db.Table("users").Where("email = ?", defaultAdminEmail).Take(&user).Error)
	assert.Equal(t, defaultAdminDisplay, user.DisplayName)
	assert.True(t, user.IsDefault)
	assert.True(t, password.Verify(defaultAdminPassword, user.PasswordHash))

	var userCount int64
	require.NoError(t, db.Table("users").Count(&userCount).Error)
	assert.Equal(t, int64(1), userCount)
}

func TestEnsureMainPoolSeedsStarterPool(t *testing.T) {
	db := newSeedDB(t)

	require.NoError(t, EnsureMainPool(db))
	require.NoError(t, EnsureMainPool(db))

	var org struct{ ID snowflake.ID }
	require.NoError(t, db.Table("organizations").Where("slug = ?", defaultOrgSlug).Take(&org).Error)

	var pool struct {
		OrgID                      snowflake.ID
		Name                       string
		Status                     string
		YieldBps                   int64
		LateFeeBps                 int64
		LatePaymentGracePeriodDays int
		DefaultGracePeriodPeriods  int
		MaxCreditLine              int64
	}
	require.NoError(t, db.Table("pools").Where("slug = ?", defaultPoolSlug).Take(&pool).Error)
	assert.Equal(t, org.ID, pool.OrgID)
	assert.Equal(t, defaultPoolName, pool.Name)
	assert.Equal(t, "ACTIVE", pool.Status)
	assert.Equal(t, int64(defaultPoolYieldBps), pool.YieldBps)
	assert.Equal(t, int64(defaultPoolLateFeeBps), pool.LateFeeBps)
	assert.Equal(t, defaultPoolGraceDays, pool.LatePaymentGracePeriodDays)
	assert.Equal(t, defaultPoolDefaultGracePeriods, pool.DefaultGracePeriodPeriods)
	assert.Zero(t, pool.MaxCreditLine)

	var poolCount int64
	require.NoError(t, db.Table("pools").Count(&poolCount).Error)
	assert.Equal(t, int64(1), poolCount)
}

func TestEnsureMainOrgWithIDPinsOrgID(t *testing.T) {
	db := newSeedDB(t)

	const pinned = int64(424242)
	require.NoError(t, EnsureMainOrgWithID(db, pinned))
	require.NoError(t, EnsureMainOrgWithID(db, pinned))

	var org struct {
		Slug      string
		IsDefault bool
	}
	require.NoError(t, db.Table("organizations").Where("id = ?", pinned).Take(&org).Error)
	assert.Equal(t, defaultOrgSlug, org.Slug)
	assert.True(t, org.IsDefault)

	var orgCount int64
	require.NoError(t, db.Table("organizations").Count(&orgCount).Error)
	assert.Equal(t, int64(1), orgCount)
}

func TestEnsureMainOrgWithIDZeroGeneratesID(t *testing.T) {
	db := newSeedDB(t)

	require.NoError(t, EnsureMainOrgWithID(db, 0))

	var org struct{ ID snowflake.ID }
	require.NoError(t, db.Table("organizations").Where("slug = ?", defaultOrgSlug).Take(&org).Error)
	assert.NotZero(t, org.ID)
}
