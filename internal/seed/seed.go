// Package seed bootstraps the rows a standalone deployment needs on first
// boot: the main organization, an operator account, and a starter lending
// pool. Every helper is idempotent, so reruns on restart are no-ops.
package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/credo/internal/auth/password"
	"gorm.io/gorm"
)

const (
	defaultOrgName = "Main"
	defaultOrgSlug = "main"

	defaultAdminEmail    = "admin@credo.cloud"
	defaultAdminPassword = "admin"
	defaultAdminDisplay  = "Credo Admin"

	defaultPoolName = "Main Pool"
	defaultPoolSlug = "main"

	// Starter lending terms: 10% yield, 5% late fee, five days of payment
	// grace, default after two missed periods, no line cap.
	defaultPoolYieldBps            = 1000
	defaultPoolLateFeeBps          = 500
	defaultPoolGraceDays           = 5
	defaultPoolDefaultGracePeriods = 2
)

// EnsureMainOrg seeds the default organization for startup bootstrap.
func EnsureMainOrg(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := ensureMainOrgTx(ctx, tx, node)
		return err
	})
}

// EnsureMainOrgWithID seeds the default organization under a pinned ID.
// Cloud deployments assign the tenant ID from the control plane.
func EnsureMainOrgWithID(db *gorm.DB, orgID int64) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	if orgID == 0 {
		return EnsureMainOrg(db)
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var org struct{ ID snowflake.ID }
		err := tx.WithContext(ctx).
			Table("organizations").
			Where("id = ?", orgID).
			Take(&org).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return insertOrg(ctx, tx, snowflake.ID(orgID))
	})
}

// EnsureMainOrgAndAdmin seeds the default organization and operator account
// for standalone mode.
func EnsureMainOrgAndAdmin(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := ensureMainOrgTx(ctx, tx, node); err != nil {
			return err
		}
		return ensureAdminUserTx(ctx, tx, node)
	})
}

// EnsureMainPool seeds a starter pool in the default organization so the
// first credit line can be approved without any pool administration.
func EnsureMainPool(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		orgID, err := ensureMainOrgTx(ctx, tx, node)
		if err != nil {
			return err
		}
		return ensureMainPoolTx(ctx, tx, node, orgID)
	})
}

func ensureMainOrgTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) (snowflake.ID, error) {
	var org struct{ ID snowflake.ID }
	err := tx.WithContext(ctx).
		Table("organizations").
		Where("slug = ?", defaultOrgSlug).
		Take(&org).Error
	if err == nil {
		return org.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	id := node.Generate()
	if err := insertOrg(ctx, tx, id); err != nil {
		return 0, err
	}
	return id, nil
}

func insertOrg(ctx context.Context, tx *gorm.DB, id snowflake.ID) error {
	now := time.Now().UTC()
	return tx.WithContext(ctx).Exec(
		`INSERT INTO organizations (id, name, slug, is_default, created_at, updated_at)
		 VALUES (?, ?, ?, TRUE, ?, ?)
		 ON CONFLICT DO NOTHING`,
		id, defaultOrgName, defaultOrgSlug, now, now,
	).Error
}

func ensureAdminUserTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	email := strings.ToLower(defaultAdminEmail)

	var user struct{ ID snowflake.ID }
	err := tx.WithContext(ctx).
		Table("users").
		Where("email = ?", email).
		Take(&user).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	hashed, err := password.Hash(defaultAdminPassword)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return tx.WithContext(ctx).Exec(
		`INSERT INTO users (id, email, display_name, password_hash, is_default, created_at, updated_at)
		 VALUES (?, ?, ?, ?, TRUE, ?, ?)
		 ON CONFLICT DO NOTHING`,
		node.Generate(), email, defaultAdminDisplay, hashed, now, now,
	).Error
}

func ensureMainPoolTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID snowflake.ID) error {
	var pool struct{ ID snowflake.ID }
	err := tx.WithContext(ctx).
		Table("pools").
		Where("org_id = ? AND slug = ?", orgID, defaultPoolSlug).
		Take(&pool).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	now := time.Now().UTC()
	return tx.WithContext(ctx).Exec(
		`INSERT INTO pools (
			id, org_id, name, slug, status,
			yield_bps, min_principal_rate_bps, late_fee_bps,
			late_payment_grace_period_days, default_grace_period_periods, max_credit_line,
			front_loading_fee_flat, front_loading_fee_bps,
			created_at, updated_at
		 )
		 VALUES (?, ?, ?, ?, 'ACTIVE', ?, 0, ?, ?, ?, 0, 0, 0, ?, ?)
		 ON CONFLICT DO NOTHING`,
		node.Generate(), orgID, defaultPoolName, defaultPoolSlug,
		int64(defaultPoolYieldBps), int64(defaultPoolLateFeeBps),
		defaultPoolGraceDays, defaultPoolDefaultGracePeriods,
		now, now,
	).Error
}
