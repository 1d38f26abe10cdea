package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/credo/internal/clock"
	"github.com/smallbiznis/credo/internal/orgcontext"
	pooldomain "github.com/smallbiznis/credo/internal/pool/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p ServiceParam) pooldomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("pool.service"),

		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Create(ctx context.Context, req pooldomain.CreatePoolRequest) (pooldomain.Pool, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return pooldomain.Pool{}, pooldomain.ErrInvalidOrganization
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return pooldomain.Pool{}, pooldomain.ErrInvalidPoolName
	}
	if err := validateRates(
		req.YieldBps,
		req.MinPrincipalRateBps,
		req.LateFeeBps,
		req.FrontLoadingFeeFlat,
		req.FrontLoadingFeeBps,
		req.MaxCreditLine,
		int64(req.LatePaymentGracePeriodDays),
		int64(req.DefaultGracePeriodPeriods),
	); err != nil {
		return pooldomain.Pool{}, err
	}

	now := s.clock.Now().UTC()
	pool := pooldomain.Pool{
		ID:     s.genID.Generate(),
		OrgID:  orgID,
		Name:   name,
		Slug:   slug.Make(name),
		Status: pooldomain.PoolStatusActive,

		YieldBps:            req.YieldBps,
		MinPrincipalRateBps: req.MinPrincipalRateBps,
		LateFeeBps:          req.LateFeeBps,

		LatePaymentGracePeriodDays: req.LatePaymentGracePeriodDays,
		DefaultGracePeriodPeriods:  req.DefaultGracePeriodPeriods,
		MaxCreditLine:              req.MaxCreditLine,

		FrontLoadingFeeFlat: req.FrontLoadingFeeFlat,
		FrontLoadingFeeBps:  req.FrontLoadingFeeBps,

		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.db.WithContext(ctx).Create(&pool).Error; err != nil {
		return pooldomain.Pool{}, err
	}

	return pool, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (pooldomain.Pool, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return pooldomain.Pool{}, pooldomain.ErrInvalidOrganization
	}

	poolID, err := s.parseID(id)
	if err != nil {
		return pooldomain.Pool{}, err
	}

	return s.findByID(ctx, s.db, orgID, poolID)
}

func (s *Service) List(ctx context.Context) ([]pooldomain.Pool, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, pooldomain.ErrInvalidOrganization
	}

	var pools []pooldomain.Pool
	err := s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at ASC").
		Find(&pools).Error
	if err != nil {
		return nil, err
	}
	return pools, nil
}

func (s *Service) Update(ctx context.Context, id string, req pooldomain.UpdatePoolRequest) (pooldomain.Pool, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return pooldomain.Pool{}, pooldomain.ErrInvalidOrganization
	}

	poolID, err := s.parseID(id)
	if err != nil {
		return pooldomain.Pool{}, err
	}

	var updated pooldomain.Pool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pool, err := s.findByIDForUpdate(ctx, tx, orgID, poolID)
		if err != nil {
			return err
		}

		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return pooldomain.ErrInvalidPoolName
			}
			pool.Name = name
			pool.Slug = slug.Make(name)
		}
		if req.Status != nil {
			status, err := parseStatus(*req.Status)
			if err != nil {
				return err
			}
			pool.Status = status
		}
		if req.YieldBps != nil {
			pool.YieldBps = *req.YieldBps
		}
		if req.MinPrincipalRateBps != nil {
			pool.MinPrincipalRateBps = *req.MinPrincipalRateBps
		}
		if req.LateFeeBps != nil {
			pool.LateFeeBps = *req.LateFeeBps
		}
		if req.LatePaymentGracePeriodDays != nil {
			pool.LatePaymentGracePeriodDays = *req.LatePaymentGracePeriodDays
		}
		if req.DefaultGracePeriodPeriods != nil {
			pool.DefaultGracePeriodPeriods = *req.DefaultGracePeriodPeriods
		}
		if req.MaxCreditLine != nil {
			pool.MaxCreditLine = *req.MaxCreditLine
		}
		if req.FrontLoadingFeeFlat != nil {
			pool.FrontLoadingFeeFlat = *req.FrontLoadingFeeFlat
		}
		if req.FrontLoadingFeeBps != nil {
			pool.FrontLoadingFeeBps = *req.FrontLoadingFeeBps
		}

		if err := validateRates(
			pool.YieldBps,
			pool.MinPrincipalRateBps,
			pool.LateFeeBps,
			pool.FrontLoadingFeeFlat,
			pool.FrontLoadingFeeBps,
			pool.MaxCreditLine,
			int64(pool.LatePaymentGracePeriodDays),
			int64(pool.DefaultGracePeriodPeriods),
		); err != nil {
			return err
		}

		pool.UpdatedAt = s.clock.Now().UTC()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE pools
			 SET name = ?, slug = ?, status = ?, yield_bps = ?, min_principal_rate_bps = ?,
			     late_fee_bps = ?, late_payment_grace_period_days = ?, default_grace_period_periods = ?,
			     max_credit_line = ?, front_loading_fee_flat = ?, front_loading_fee_bps = ?, updated_at = ?
			 WHERE org_id = ? AND id = ?`,
			pool.Name,
			pool.Slug,
			pool.Status,
			pool.YieldBps,
			pool.MinPrincipalRateBps,
			pool.LateFeeBps,
			pool.LatePaymentGracePeriodDays,
			pool.DefaultGracePeriodPeriods,
			pool.MaxCreditLine,
			pool.FrontLoadingFeeFlat,
			pool.FrontLoadingFeeBps,
			pool.UpdatedAt,
			pool.OrgID,
			pool.ID,
		).Error; err != nil {
			return err
		}

		updated = pool
		return nil
	})
	if err != nil {
		return pooldomain.Pool{}, err
	}

	return updated, nil
}

func (s *Service) parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, pooldomain.ErrInvalidPool
	}
	return id, nil
}

func (s *Service) findByID(ctx context.Context, db *gorm.DB, orgID, poolID snowflake.ID) (pooldomain.Pool, error) {
	var pool pooldomain.Pool
	err := db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, poolID).
		Limit(1).
		Find(&pool).Error
	if err != nil {
		return pooldomain.Pool{}, err
	}
	if pool.ID == 0 {
		return pooldomain.Pool{}, pooldomain.ErrPoolNotFound
	}
	return pool, nil
}

func (s *Service) findByIDForUpdate(ctx context.Context, tx *gorm.DB, orgID, poolID snowflake.ID) (pooldomain.Pool, error) {
	var pool pooldomain.Pool
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM pools WHERE org_id = ? AND id = ? FOR UPDATE`,
		orgID,
		poolID,
	).Scan(&pool).Error
	if err != nil {
		return pooldomain.Pool{}, err
	}
	if pool.ID == 0 {
		return pooldomain.Pool{}, pooldomain.ErrPoolNotFound
	}
	return pool, nil
}

func validateRates(values ...int64) error {
	for _, value := range values {
		if value < 0 {
			return pooldomain.ErrInvalidRate
		}
	}
	return nil
}

func parseStatus(value string) (pooldomain.PoolStatus, error) {
	switch pooldomain.PoolStatus(strings.ToUpper(strings.TrimSpace(value))) {
	case pooldomain.PoolStatusActive:
		return pooldomain.PoolStatusActive, nil
	case pooldomain.PoolStatusInactive:
		return pooldomain.PoolStatusInactive, nil
	default:
		return "", pooldomain.ErrInvalidPoolStatus
	}
}
