package domain

import (
	"context"
	"errors"
)

type CreatePoolRequest struct {
	Name string `json:"name"`

	YieldBps            int64 `json:"yield_bps"`
	MinPrincipalRateBps int64 `json:"min_principal_rate_bps"`
	LateFeeBps          int64 `json:"late_fee_bps"`

	LatePaymentGracePeriodDays int   `json:"late_payment_grace_period_days"`
	DefaultGracePeriodPeriods  int   `json:"default_grace_period_periods"`
	MaxCreditLine              int64 `json:"max_credit_line"`

	FrontLoadingFeeFlat int64 `json:"front_loading_fee_flat"`
	FrontLoadingFeeBps  int64 `json:"front_loading_fee_bps"`
}

// UpdatePoolRequest carries partial updates; nil fields are left untouched.
type UpdatePoolRequest struct {
	Name   *string `json:"name,omitempty"`
	Status *string `json:"status,omitempty"`

	YieldBps            *int64 `json:"yield_bps,omitempty"`
	MinPrincipalRateBps *int64 `json:"min_principal_rate_bps,omitempty"`
	LateFeeBps          *int64 `json:"late_fee_bps,omitempty"`

	LatePaymentGracePeriodDays *int   `json:"late_payment_grace_period_days,omitempty"`
	DefaultGracePeriodPeriods  *int   `json:"default_grace_period_periods,omitempty"`
	MaxCreditLine              *int64 `json:"max_credit_line,omitempty"`

	FrontLoadingFeeFlat *int64 `json:"front_loading_fee_flat,omitempty"`
	FrontLoadingFeeBps  *int64 `json:"front_loading_fee_bps,omitempty"`
}

type Service interface {
	Create(ctx context.Context, req CreatePoolRequest) (Pool, error)
	GetByID(ctx context.Context, id string) (Pool, error)
	List(ctx context.Context) ([]Pool, error)
	Update(ctx context.Context, id string, req UpdatePoolRequest) (Pool, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidPool         = errors.New("invalid_pool")
	ErrInvalidPoolName     = errors.New("invalid_pool_name")
	ErrInvalidPoolStatus   = errors.New("invalid_pool_status")
	ErrInvalidRate         = errors.New("invalid_rate_bps")
	ErrPoolNotFound        = errors.New("pool_not_found")
)
