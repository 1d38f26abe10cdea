package domain

import (
	"context"
	"errors"
	"time"
)

// OverviewRequest narrows the portfolio overview. PoolID limits the report
// to credits funded by one pool when set.
type OverviewRequest struct {
	PoolID string `form:"pool_id"`
}

// StateSlice aggregates the portfolio by lifecycle state.
type StateSlice struct {
	State       string `json:"state"`
	CreditCount int64  `json:"credit_count"`
	Outstanding int64  `json:"outstanding"`
	PastDue     int64  `json:"past_due"`
}

// AgingSlice aggregates delinquent exposure into one days-past-due bucket.
// Buckets come from the portfolio policy, so labels and boundaries follow
// whatever the deployment configured.
type AgingSlice struct {
	Label       string `json:"label"`
	CreditCount int64  `json:"credit_count"`
	Outstanding int64  `json:"outstanding"`
	PastDue     int64  `json:"past_due"`
}

// RiskSlice aggregates exposure by the policy's risk levels.
type RiskSlice struct {
	Level       string `json:"level"`
	CreditCount int64  `json:"credit_count"`
	Outstanding int64  `json:"outstanding"`
}

type OverviewResponse struct {
	AsOf             time.Time    `json:"as_of"`
	TotalCredits     int64        `json:"total_credits"`
	TotalOutstanding int64        `json:"total_outstanding"`
	TotalPastDue     int64        `json:"total_past_due"`
	DelinquentCount  int64        `json:"delinquent_count"`
	States           []StateSlice `json:"states"`
	Aging            []AgingSlice `json:"aging"`
	Risk             []RiskSlice  `json:"risk"`
	HasData          bool         `json:"has_data"`
}

// Service exposes the delinquency-first portfolio overview.
type Service interface {
	GetOverview(ctx context.Context, req OverviewRequest) (OverviewResponse, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidPool         = errors.New("invalid_pool_id")
)
