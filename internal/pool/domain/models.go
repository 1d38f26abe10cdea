// Package domain contains persistence models for lending pools. A pool owns
// the fee structure, settings, and front-loading fees its credit lines bill
// against; credits always read the pool's current values, never snapshots.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	creditengine "github.com/smallbiznis/credo/internal/credit/engine"
)

// PoolStatus represents pool lifecycle states.
type PoolStatus string

const (
	PoolStatusActive   PoolStatus = "ACTIVE"
	PoolStatusInactive PoolStatus = "INACTIVE"
)

// Pool represents a lending pool.
type Pool struct {
	ID     snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID  snowflake.ID `gorm:"not null;index;uniqueIndex:ux_pools_org_slug,priority:1" json:"org_id"`
	Name   string       `gorm:"type:text;not null" json:"name"`
	Slug   string       `gorm:"type:text;not null;uniqueIndex:ux_pools_org_slug,priority:2" json:"slug"`
	Status PoolStatus   `gorm:"type:text;not null;default:'ACTIVE'" json:"status"`

	YieldBps            int64 `gorm:"not null;default:0" json:"yield_bps"`
	MinPrincipalRateBps int64 `gorm:"not null;default:0" json:"min_principal_rate_bps"`
	LateFeeBps          int64 `gorm:"not null;default:0" json:"late_fee_bps"`

	LatePaymentGracePeriodDays int   `gorm:"not null;default:0" json:"late_payment_grace_period_days"`
	DefaultGracePeriodPeriods  int   `gorm:"not null;default:0" json:"default_grace_period_periods"`
	MaxCreditLine              int64 `gorm:"not null;default:0" json:"max_credit_line"`

	FrontLoadingFeeFlat int64 `gorm:"not null;default:0" json:"front_loading_fee_flat"`
	FrontLoadingFeeBps  int64 `gorm:"not null;default:0" json:"front_loading_fee_bps"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Pool) TableName() string { return "pools" }

// FeeStructure maps the pool's fee columns to the billing engine's view.
func (p *Pool) FeeStructure() creditengine.FeeStructure {
	return creditengine.FeeStructure{
		MinPrincipalRateBps: p.MinPrincipalRateBps,
		LateFeeBps:          p.LateFeeBps,
	}
}

// Settings maps the pool's settings columns to the billing engine's view.
func (p *Pool) Settings() creditengine.PoolSettings {
	return creditengine.PoolSettings{
		LatePaymentGracePeriodDays: p.LatePaymentGracePeriodDays,
	}
}

// FrontLoadingFees maps the pool's front-loading fee columns.
func (p *Pool) FrontLoadingFees() creditengine.FrontLoadingFees {
	return creditengine.FrontLoadingFees{
		Flat: p.FrontLoadingFeeFlat,
		Bps:  p.FrontLoadingFeeBps,
	}
}
