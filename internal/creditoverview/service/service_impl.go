package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/credo/internal/cache"
	"github.com/smallbiznis/credo/internal/calendar"
	"github.com/smallbiznis/credo/internal/clock"
	"github.com/smallbiznis/credo/internal/config"
	creditengine "github.com/smallbiznis/credo/internal/credit/engine"
	creditoverview "github.com/smallbiznis/credo/internal/creditoverview/domain"
	"github.com/smallbiznis/credo/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Calendar calendar.Calendar
	Policy   *config.PortfolioPolicyHolder
	Cache    cache.OverviewCache `optional:"true"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	cal    calendar.Calendar
	policy *config.PortfolioPolicyHolder
	cache  cache.OverviewCache
}

func NewService(p Params) creditoverview.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("creditoverview.service"),
		clock:  p.Clock,
		cal:    p.Calendar,
		policy: p.Policy,
		cache:  p.Cache,
	}
}

// overviewRow is the slim projection the aging fold works on. Outstanding
// uses the payoff identity: past due + billed due + unbilled principal.
type overviewRow struct {
	ID             snowflake.ID `gorm:"column:id"`
	State          string       `gorm:"column:state"`
	PeriodDuration string       `gorm:"column:period_duration"`
	NextDueDate    *time.Time   `gorm:"column:next_due_date"`
	MissedPeriods  int          `gorm:"column:missed_periods"`
	NextDue        int64        `gorm:"column:next_due"`
	TotalPastDue   int64        `gorm:"column:total_past_due"`
	Outstanding    int64        `gorm:"column:outstanding"`
}

func (s *Service) GetOverview(ctx context.Context, req creditoverview.OverviewRequest) (creditoverview.OverviewResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return creditoverview.OverviewResponse{}, creditoverview.ErrInvalidOrganization
	}

	var poolID snowflake.ID
	if trimmed := strings.TrimSpace(req.PoolID); trimmed != "" {
		parsed, err := snowflake.ParseString(trimmed)
		if err != nil || parsed == 0 {
			return creditoverview.OverviewResponse{}, creditoverview.ErrInvalidPool
		}
		poolID = parsed
	}

	if s.cache != nil {
		if cached, ok := s.cache.GetOverview(orgID, poolID); ok {
			return cached, nil
		}
	}

	rows, err := s.listRows(ctx, orgID, poolID)
	if err != nil {
		return creditoverview.OverviewResponse{}, err
	}

	now := s.clock.Now().UTC()
	policy := s.policy.Get()

	resp := creditoverview.OverviewResponse{
		AsOf:    now,
		States:  make([]creditoverview.StateSlice, 0, 4),
		Aging:   make([]creditoverview.AgingSlice, len(policy.AgingBuckets)),
		Risk:    make([]creditoverview.RiskSlice, len(policy.RiskLevels)),
		HasData: len(rows) > 0,
	}
	for i, bucket := range policy.AgingBuckets {
		resp.Aging[i].Label = bucket.Label
	}
	for i, level := range policy.RiskLevels {
		resp.Risk[i].Level = level.Level
	}

	stateIndex := make(map[string]int, 4)
	for _, row := range rows {
		resp.TotalCredits++
		resp.TotalOutstanding += row.Outstanding
		resp.TotalPastDue += row.TotalPastDue
		if row.TotalPastDue > 0 {
			resp.DelinquentCount++
		}

		idx, ok := stateIndex[row.State]
		if !ok {
			idx = len(resp.States)
			stateIndex[row.State] = idx
			resp.States = append(resp.States, creditoverview.StateSlice{State: row.State})
		}
		resp.States[idx].CreditCount++
		resp.States[idx].Outstanding += row.Outstanding
		resp.States[idx].PastDue += row.TotalPastDue

		daysLate := s.daysPastDue(row, now)
		if b := bucketFor(policy.AgingBuckets, daysLate); b >= 0 {
			resp.Aging[b].CreditCount++
			resp.Aging[b].Outstanding += row.Outstanding
			resp.Aging[b].PastDue += row.TotalPastDue
		}
		if r := riskFor(policy.RiskLevels, row.Outstanding, daysLate); r >= 0 {
			resp.Risk[r].CreditCount++
			resp.Risk[r].Outstanding += row.Outstanding
		}
	}

	sortStates(resp.States)
	if s.cache != nil {
		s.cache.SetOverview(orgID, poolID, resp)
	}
	return resp, nil
}

func (s *Service) listRows(ctx context.Context, orgID, poolID snowflake.ID) ([]overviewRow, error) {
	query := `
		SELECT id, state, period_duration, next_due_date, missed_periods,
		       next_due, total_past_due,
		       (total_past_due + next_due + unbilled_principal) AS outstanding
		FROM credits
		WHERE org_id = ? AND state <> ?`
	args := []any{orgID, string(creditengine.CreditStateDeleted)}
	if poolID != 0 {
		query += ` AND pool_id = ?`
		args = append(args, poolID)
	}

	var rows []overviewRow
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// daysPastDue anchors on the earliest missed due date. Missed periods walk
// the stored due date backwards, so a credit two periods behind ages from
// the first bill it skipped, not the one it is about to receive. A cleared
// bill whose due date has not rolled yet does not age.
func (s *Service) daysPastDue(row overviewRow, now time.Time) int {
	if row.NextDueDate == nil {
		return 0
	}
	anchor := *row.NextDueDate
	if row.MissedPeriods > 0 {
		pd := calendar.PeriodDuration(row.PeriodDuration)
		anchor = s.cal.AddPeriods(pd, anchor, -row.MissedPeriods)
	}
	if !anchor.Before(now) {
		return 0
	}
	if row.TotalPastDue <= 0 && row.MissedPeriods == 0 && row.NextDue <= 0 {
		return 0
	}
	days := s.cal.DaysDiff(anchor, now)
	if days < 0 {
		return 0
	}
	return days
}

func bucketFor(buckets []config.AgingBucket, daysLate int) int {
	for i, bucket := range buckets {
		if daysLate < bucket.MinDays {
			continue
		}
		if bucket.MaxDays != nil && daysLate > *bucket.MaxDays {
			continue
		}
		return i
	}
	return -1
}

func riskFor(levels []config.RiskLevel, outstanding int64, daysLate int) int {
	for i, level := range levels {
		if outstanding >= level.MinOutstanding && daysLate >= level.MinDaysLate {
			return i
		}
	}
	return -1
}

var stateRank = map[string]int{
	string(creditengine.CreditStateApproved):     0,
	string(creditengine.CreditStateGoodStanding): 1,
	string(creditengine.CreditStateDelayed):      2,
	string(creditengine.CreditStateDefaulted):    3,
	string(creditengine.CreditStateDeleted):      4,
}

// sortStates orders slices by lifecycle position so responses are stable
// regardless of row order.
func sortStates(states []creditoverview.StateSlice) {
	sort.SliceStable(states, func(i, j int) bool {
		return stateRank[states[i].State] < stateRank[states[j].State]
	})
}
