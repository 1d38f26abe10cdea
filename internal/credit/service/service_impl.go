package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/credo/internal/calendar"
	"github.com/smallbiznis/credo/internal/clock"
	"github.com/smallbiznis/credo/internal/cloudmetrics"
	creditdomain "github.com/smallbiznis/credo/internal/credit/domain"
	creditengine "github.com/smallbiznis/credo/internal/credit/engine"
	"github.com/smallbiznis/credo/internal/creditevent"
	"github.com/smallbiznis/credo/internal/orgcontext"
	pooldomain "github.com/smallbiznis/credo/internal/pool/domain"
	"github.com/smallbiznis/credo/internal/scheduler/guard"
	"github.com/smallbiznis/credo/pkg/db/option"
	"github.com/smallbiznis/credo/pkg/db/pagination"
	"github.com/smallbiznis/credo/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID  *snowflake.Node
	clock  clock.Clock
	engine *creditengine.Engine
	repo   creditdomain.Repository
	outbox *creditevent.Outbox

	creditRepo repository.Repository[creditdomain.Credit]

	poolsvc pooldomain.Service
}

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Engine *creditengine.Engine
	Repo   creditdomain.Repository
	Outbox *creditevent.Outbox

	Poolsvc pooldomain.Service
}

func NewService(p ServiceParam) creditdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("credit.service"),

		genID:  p.GenID,
		clock:  p.Clock,
		engine: p.Engine,
		repo:   p.Repo,
		outbox: p.Outbox,

		creditRepo: repository.ProvideStore[creditdomain.Credit](p.DB),

		poolsvc: p.Poolsvc,
	}
}

// Approve creates a credit line in the Approved state. Committed lines and
// lines with a designated start date are queued for their first refresh so
// yield begins accruing on schedule even without a drawdown.
func (s *Service) Approve(ctx context.Context, req creditdomain.ApproveCreditRequest) (creditdomain.Credit, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return creditdomain.Credit{}, creditdomain.ErrInvalidOrganization
	}

	poolID, err := s.parseID(req.PoolID, creditdomain.ErrInvalidPool)
	if err != nil {
		return creditdomain.Credit{}, err
	}
	borrowerID, err := s.parseID(req.BorrowerID, creditdomain.ErrInvalidBorrower)
	if err != nil {
		return creditdomain.Credit{}, err
	}

	pool, err := s.poolsvc.GetByID(ctx, req.PoolID)
	if err != nil {
		return creditdomain.Credit{}, err
	}

	period := calendar.PeriodDuration(strings.ToUpper(strings.TrimSpace(req.PeriodDuration)))
	if !period.Valid() {
		return creditdomain.Credit{}, calendar.ErrInvalidPeriodDuration
	}
	if req.CreditLimit <= 0 {
		return creditdomain.Credit{}, creditdomain.ErrInvalidCreditLimit
	}
	if pool.MaxCreditLine > 0 && req.CreditLimit > pool.MaxCreditLine {
		return creditdomain.Credit{}, creditdomain.ErrCreditLimitAbovePool
	}
	if req.CommittedAmount < 0 || req.CommittedAmount > req.CreditLimit {
		return creditdomain.Credit{}, creditdomain.ErrInvalidCommitted
	}
	if req.NumOfPeriods <= 0 {
		return creditdomain.Credit{}, creditdomain.ErrInvalidPeriodCount
	}
	if req.YieldBps < 0 || req.AdvanceRateBps < 0 {
		return creditdomain.Credit{}, creditdomain.ErrInvalidRate
	}

	now := s.clock.Now().UTC()

	var startDate *time.Time
	if req.StartDate != nil {
		sd := req.StartDate.UTC()
		if sd.Before(now) {
			return creditdomain.Credit{}, creditdomain.ErrInvalidStartDate
		}
		startDate = &sd
	}

	credit := creditdomain.Credit{
		ID:         s.genID.Generate(),
		OrgID:      orgID,
		PoolID:     poolID,
		BorrowerID: borrowerID,

		CreditLimit:            req.CreditLimit,
		CommittedAmount:        req.CommittedAmount,
		PeriodDuration:         period,
		NumOfPeriods:           req.NumOfPeriods,
		YieldBps:               req.YieldBps,
		AdvanceRateBps:         req.AdvanceRateBps,
		Revolving:              req.Revolving,
		ReceivableAutoApproval: req.ReceivableAutoApproval,
		StartDate:              startDate,

		RemainingPeriods: req.NumOfPeriods,
		State:            creditengine.CreditStateApproved,

		CreatedAt: now,
		UpdatedAt: now,
	}
	switch {
	case startDate != nil:
		credit.NextRefreshAt = startDate
	case req.CommittedAmount > 0:
		credit.NextRefreshAt = &now
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &credit); err != nil {
			return err
		}
		return s.outbox.PublishTx(ctx, tx, creditevent.Event{
			OrgID:    orgID,
			CreditID: credit.ID,
			Type:     creditevent.CreditApprovedTopic,
			Payload: map[string]any{
				"credit_id":        credit.ID.String(),
				"pool_id":          poolID.String(),
				"borrower_id":      borrowerID.String(),
				"credit_limit":     req.CreditLimit,
				"committed_amount": req.CommittedAmount,
				"period_duration":  string(period),
				"num_of_periods":   req.NumOfPeriods,
				"yield_bps":        req.YieldBps,
				"revolving":        req.Revolving,
			},
			DedupeKey: "credit_approved:" + credit.ID.String(),
		})
	})
	if err != nil {
		return creditdomain.Credit{}, err
	}
	cloudmetrics.RecordCreditApproved(orgID.String())
	return credit, nil
}

func (s *Service) List(ctx context.Context, req creditdomain.ListCreditRequest) (creditdomain.ListCreditResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return creditdomain.ListCreditResponse{}, creditdomain.ErrInvalidOrganization
	}

	filter := &creditdomain.Credit{OrgID: orgID}

	if req.PoolID != "" {
		poolID, err := s.parseID(req.PoolID, creditdomain.ErrInvalidPool)
		if err != nil {
			return creditdomain.ListCreditResponse{}, err
		}
		filter.PoolID = poolID
	}
	if req.BorrowerID != "" {
		borrowerID, err := s.parseID(req.BorrowerID, creditdomain.ErrInvalidBorrower)
		if err != nil {
			return creditdomain.ListCreditResponse{}, err
		}
		filter.BorrowerID = borrowerID
	}
	if req.State != "" {
		state := creditengine.CreditState(strings.ToUpper(strings.TrimSpace(req.State)))
		if !state.Valid() {
			return creditdomain.ListCreditResponse{}, creditdomain.ErrInvalidState
		}
		filter.State = state
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	opts := []option.QueryOption{
		option.WithOrder("created_at DESC, id DESC"),
		option.WithLimit(int(pageSize) + 1),
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return creditdomain.ListCreditResponse{}, err
		}
		after, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return creditdomain.ListCreditResponse{}, err
		}
		afterID, err := s.parseID(cursor.ID, creditdomain.ErrInvalidCredit)
		if err != nil {
			return creditdomain.ListCreditResponse{}, err
		}
		opts = append(opts, option.WithWhere(
			"created_at < ? OR (created_at = ? AND id < ?)", after, after, afterID,
		))
	}

	items, err := s.creditRepo.Find(ctx, filter, opts...)
	if err != nil {
		return creditdomain.ListCreditResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *creditdomain.Credit) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	credits := make([]creditdomain.Credit, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		credits = append(credits, *item)
	}

	resp := creditdomain.ListCreditResponse{Credits: credits}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (creditdomain.Credit, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return creditdomain.Credit{}, creditdomain.ErrInvalidOrganization
	}

	creditID, err := s.parseID(id, creditdomain.ErrInvalidCredit)
	if err != nil {
		return creditdomain.Credit{}, err
	}

	credit, err := s.repo.FindByID(ctx, s.db, orgID, creditID)
	if err != nil {
		return creditdomain.Credit{}, err
	}
	if credit == nil {
		return creditdomain.Credit{}, creditdomain.ErrCreditNotFound
	}
	return *credit, nil
}

// Drawdown adds principal to the line after splitting off the front-loading
// fee. The full borrow amount lands on unbilled principal; the first draw of
// a started line opens its first bill in the same transaction.
func (s *Service) Drawdown(ctx context.Context, creditID string, req creditdomain.DrawdownRequest) (creditdomain.DrawdownResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return creditdomain.DrawdownResponse{}, creditdomain.ErrInvalidOrganization
	}

	id, err := s.parseID(creditID, creditdomain.ErrInvalidCredit)
	if err != nil {
		return creditdomain.DrawdownResponse{}, err
	}
	if req.Amount <= 0 {
		return creditdomain.DrawdownResponse{}, creditdomain.ErrInvalidAmount
	}

	pool, err := s.poolForCredit(ctx, orgID, id)
	if err != nil {
		return creditdomain.DrawdownResponse{}, err
	}

	now := s.clock.Now().UTC()

	var resp creditdomain.DrawdownResponse
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		credit, err := s.repo.FindByIDForUpdate(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		if credit == nil {
			return creditdomain.ErrCreditNotFound
		}

		// Term loans draw only before amortization starts; revolving
		// facilities keep drawing while in good standing.
		switch {
		case credit.State == creditengine.CreditStateApproved:
		case credit.State == creditengine.CreditStateGoodStanding && credit.Revolving:
		default:
			return creditdomain.ErrCreditNotDrawable
		}

		outstanding := credit.UnbilledPrincipal + (credit.NextDue - credit.YieldDue) + credit.PrincipalPastDue
		if outstanding+req.Amount > credit.CreditLimit {
			return creditdomain.ErrCreditLimitExceeded
		}

		toBorrower, platformFee, err := creditengine.DistBorrowingAmount(pool.FrontLoadingFees(), req.Amount)
		if err != nil {
			return err
		}

		credit.UnbilledPrincipal += req.Amount
		if err := s.refreshLocked(ctx, tx, credit, pool, now); err != nil {
			return err
		}

		drawID := s.genID.Generate()
		if err := s.outbox.PublishTx(ctx, tx, creditevent.Event{
			OrgID:    orgID,
			CreditID: credit.ID,
			Type:     creditevent.CreditDrawdownTopic,
			Payload: map[string]any{
				"credit_id":          credit.ID.String(),
				"drawdown_id":        drawID.String(),
				"amount":             req.Amount,
				"amount_to_borrower": toBorrower,
				"platform_fee":       platformFee,
				"unbilled_principal": credit.UnbilledPrincipal,
			},
			DedupeKey: "credit_drawdown:" + drawID.String(),
		}); err != nil {
			return err
		}

		resp = creditdomain.DrawdownResponse{
			CreditID:          credit.ID.String(),
			Amount:            req.Amount,
			AmountToBorrower:  toBorrower,
			PlatformFee:       platformFee,
			UnbilledPrincipal: credit.UnbilledPrincipal,
		}
		return nil
	})
	if err != nil {
		return creditdomain.DrawdownResponse{}, err
	}
	return resp, nil
}

// MakePayment refreshes the bill, then waterfalls the amount: late fee,
// yield past due, principal past due, current yield, current principal, and
// for revolving credits unbilled principal last. Clearing every past-due
// bucket restores a Delayed credit to GoodStanding.
func (s *Service) MakePayment(ctx context.Context, creditID string, req creditdomain.PaymentRequest) (creditdomain.PaymentResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return creditdomain.PaymentResponse{}, creditdomain.ErrInvalidOrganization
	}

	id, err := s.parseID(creditID, creditdomain.ErrInvalidCredit)
	if err != nil {
		return creditdomain.PaymentResponse{}, err
	}
	if req.Amount <= 0 {
		return creditdomain.PaymentResponse{}, creditdomain.ErrInvalidAmount
	}

	pool, err := s.poolForCredit(ctx, orgID, id)
	if err != nil {
		return creditdomain.PaymentResponse{}, err
	}

	now := s.clock.Now().UTC()

	var resp creditdomain.PaymentResponse
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		credit, err := s.repo.FindByIDForUpdate(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		if credit == nil {
			return creditdomain.ErrCreditNotFound
		}
		if credit.State.Absorbing() {
			return creditdomain.ErrInvalidState
		}

		var last time.Time
		if credit.LastRefreshedAt != nil {
			last = *credit.LastRefreshedAt
		}
		if err := guard.EnsureRefreshTimestamp(now, last); err != nil {
			return err
		}

		loadedState := credit.State

		res, err := s.engine.GetDueInfo(creditengine.RefreshInput{
			Config:   credit.Config(),
			Record:   credit.BillingRecord(),
			Detail:   credit.DueDetail(),
			Fees:     pool.FeeStructure(),
			Settings: pool.Settings(),
			Now:      now,
		})
		if err != nil {
			return err
		}
		rec, det := res.Record, res.Detail

		maxAllocatable := rec.TotalPastDue + rec.NextDue
		if credit.Revolving {
			maxAllocatable += rec.UnbilledPrincipal
		}
		if req.Amount > maxAllocatable {
			return creditdomain.ErrPaymentExceedsBalance
		}

		remaining := req.Amount
		var alloc creditdomain.PaymentAllocation

		alloc.LateFee = drain(&remaining, &det.LateFee)
		alloc.YieldPastDue = drain(&remaining, &det.YieldPastDue)
		alloc.PrincipalPastDue = drain(&remaining, &det.PrincipalPastDue)
		rec.TotalPastDue = det.LateFee + det.YieldPastDue + det.PrincipalPastDue

		alloc.YieldDue = drain(&remaining, &rec.YieldDue)
		rec.NextDue -= alloc.YieldDue
		principalDue := rec.NextDue - rec.YieldDue
		alloc.PrincipalDue = drain(&remaining, &principalDue)
		rec.NextDue -= alloc.PrincipalDue
		det.Paid += alloc.YieldDue + alloc.PrincipalDue

		if credit.Revolving {
			alloc.UnbilledPrincipal = drain(&remaining, &rec.UnbilledPrincipal)
		}

		if rec.TotalPastDue == 0 {
			det.LateFeeUpdatedDate = time.Time{}
			rec.MissedPeriods = 0
			if rec.State == creditengine.CreditStateDelayed {
				rec.State = creditengine.CreditStateGoodStanding
			}
		}

		credit.ApplyRefresh(rec, det)
		credit.LastRefreshedAt = &now
		credit.UpdatedAt = now
		s.scheduleNextRefresh(credit, pool, now)

		if err := s.repo.Update(ctx, tx, credit); err != nil {
			return err
		}

		paymentID := s.genID.Generate()
		if err := s.outbox.PublishTx(ctx, tx, creditevent.Event{
			OrgID:    orgID,
			CreditID: credit.ID,
			Type:     creditevent.PaymentReceivedTopic,
			Payload: map[string]any{
				"credit_id":  credit.ID.String(),
				"payment_id": paymentID.String(),
				"amount":     req.Amount,
				"state":      string(credit.State),
				"allocation": map[string]any{
					"late_fee":           alloc.LateFee,
					"yield_past_due":     alloc.YieldPastDue,
					"principal_past_due": alloc.PrincipalPastDue,
					"yield_due":          alloc.YieldDue,
					"principal_due":      alloc.PrincipalDue,
					"unbilled_principal": alloc.UnbilledPrincipal,
				},
			},
			DedupeKey: "credit_payment:" + paymentID.String(),
		}); err != nil {
			return err
		}

		if err := s.publishTransition(ctx, tx, credit, loadedState, now); err != nil {
			return err
		}

		resp = creditdomain.PaymentResponse{
			CreditID:     credit.ID.String(),
			Amount:       req.Amount,
			Allocation:   alloc,
			State:        credit.State,
			PayoffAmount: creditengine.GetPayoffAmount(credit.BillingRecord()),
		}
		return nil
	})
	if err != nil {
		return creditdomain.PaymentResponse{}, err
	}
	return resp, nil
}

// RefreshBill recomputes the stored record at the current clock reading and
// persists the result. The refresh scheduler and the HTTP surface both land
// here.
func (s *Service) RefreshBill(ctx context.Context, creditID string) (creditdomain.Credit, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return creditdomain.Credit{}, creditdomain.ErrInvalidOrganization
	}

	id, err := s.parseID(creditID, creditdomain.ErrInvalidCredit)
	if err != nil {
		return creditdomain.Credit{}, err
	}

	pool, err := s.poolForCredit(ctx, orgID, id)
	if err != nil {
		return creditdomain.Credit{}, err
	}

	now := s.clock.Now().UTC()

	var out creditdomain.Credit
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		credit, err := s.repo.FindByIDForUpdate(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		if credit == nil {
			return creditdomain.ErrCreditNotFound
		}

		var nextRefreshAt time.Time
		if credit.NextRefreshAt != nil {
			nextRefreshAt = *credit.NextRefreshAt
		}
		if err := guard.EnsureCreditCanRefresh(credit.State, nextRefreshAt, now); err != nil {
			return err
		}

		if err := s.refreshLocked(ctx, tx, credit, pool, now); err != nil {
			return err
		}
		out = *credit
		return nil
	})
	if err != nil {
		return creditdomain.Credit{}, err
	}
	cloudmetrics.RecordBillRefreshed(orgID.String())
	return out, nil
}

// GetDue previews the record at an arbitrary timestamp without persisting.
// A zero timestamp means now.
func (s *Service) GetDue(ctx context.Context, creditID string, at time.Time) (creditdomain.DueInfo, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return creditdomain.DueInfo{}, creditdomain.ErrInvalidOrganization
	}

	id, err := s.parseID(creditID, creditdomain.ErrInvalidCredit)
	if err != nil {
		return creditdomain.DueInfo{}, err
	}

	credit, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return creditdomain.DueInfo{}, err
	}
	if credit == nil {
		return creditdomain.DueInfo{}, creditdomain.ErrCreditNotFound
	}

	pool, err := s.poolsvc.GetByID(ctx, credit.PoolID.String())
	if err != nil {
		return creditdomain.DueInfo{}, err
	}

	if at.IsZero() {
		at = s.clock.Now()
	}
	at = at.UTC()

	res, err := s.engine.GetDueInfo(creditengine.RefreshInput{
		Config:   credit.Config(),
		Record:   credit.BillingRecord(),
		Detail:   credit.DueDetail(),
		Fees:     pool.FeeStructure(),
		Settings: pool.Settings(),
		Now:      at,
	})
	if err != nil {
		return creditdomain.DueInfo{}, err
	}

	info := creditdomain.DueInfo{
		CreditID:          credit.ID.String(),
		AsOf:              at,
		State:             res.Record.State,
		NextDue:           res.Record.NextDue,
		YieldDue:          res.Record.YieldDue,
		TotalPastDue:      res.Record.TotalPastDue,
		LateFee:           res.Detail.LateFee,
		YieldPastDue:      res.Detail.YieldPastDue,
		PrincipalPastDue:  res.Detail.PrincipalPastDue,
		MissedPeriods:     res.Record.MissedPeriods,
		RemainingPeriods:  res.Record.RemainingPeriods,
		UnbilledPrincipal: res.Record.UnbilledPrincipal,
		PayoffAmount:      creditengine.GetPayoffAmount(res.Record),
	}
	if !res.Record.NextDueDate.IsZero() {
		due := res.Record.NextDueDate
		info.NextDueDate = &due
	}
	return info, nil
}

// GetPayoff reports the payoff figure of the stored record. No refresh runs
// implicitly, so the figure is as fresh as the last bill refresh.
func (s *Service) GetPayoff(ctx context.Context, creditID string) (creditdomain.PayoffResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return creditdomain.PayoffResponse{}, creditdomain.ErrInvalidOrganization
	}

	id, err := s.parseID(creditID, creditdomain.ErrInvalidCredit)
	if err != nil {
		return creditdomain.PayoffResponse{}, err
	}

	credit, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return creditdomain.PayoffResponse{}, err
	}
	if credit == nil {
		return creditdomain.PayoffResponse{}, creditdomain.ErrCreditNotFound
	}

	return creditdomain.PayoffResponse{
		CreditID:     credit.ID.String(),
		PayoffAmount: creditengine.GetPayoffAmount(credit.BillingRecord()),
		AsOf:         credit.LastRefreshedAt,
	}, nil
}

// TriggerDefault moves a credit into the absorbing Defaulted state once the
// pool's default grace has been exhausted.
func (s *Service) TriggerDefault(ctx context.Context, creditID string) (creditdomain.Credit, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return creditdomain.Credit{}, creditdomain.ErrInvalidOrganization
	}

	id, err := s.parseID(creditID, creditdomain.ErrInvalidCredit)
	if err != nil {
		return creditdomain.Credit{}, err
	}

	pool, err := s.poolForCredit(ctx, orgID, id)
	if err != nil {
		return creditdomain.Credit{}, err
	}

	now := s.clock.Now().UTC()

	var out creditdomain.Credit
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		credit, err := s.repo.FindByIDForUpdate(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		if credit == nil {
			return creditdomain.ErrCreditNotFound
		}
		if !creditengine.CanTransition(credit.State, creditengine.CreditStateDefaulted) {
			return creditdomain.ErrInvalidTransition
		}
		if err := guard.EnsureCreditCanDefault(credit.MissedPeriods, pool.DefaultGracePeriodPeriods); err != nil {
			return err
		}

		credit.State = creditengine.CreditStateDefaulted
		credit.NextRefreshAt = nil
		credit.UpdatedAt = now

		if err := s.repo.Update(ctx, tx, credit); err != nil {
			return err
		}
		if err := s.outbox.PublishTx(ctx, tx, creditevent.Event{
			OrgID:    orgID,
			CreditID: credit.ID,
			Type:     creditevent.CreditDefaultedTopic,
			Payload: map[string]any{
				"credit_id":      credit.ID.String(),
				"missed_periods": credit.MissedPeriods,
				"total_past_due": credit.TotalPastDue,
				"payoff_amount":  creditengine.GetPayoffAmount(credit.BillingRecord()),
			},
			DedupeKey: "credit_defaulted:" + credit.ID.String(),
		}); err != nil {
			return err
		}
		out = *credit
		return nil
	})
	if err != nil {
		return creditdomain.Credit{}, err
	}
	return out, nil
}

// Close deletes a fully settled credit line.
func (s *Service) Close(ctx context.Context, creditID string) (creditdomain.Credit, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return creditdomain.Credit{}, creditdomain.ErrInvalidOrganization
	}

	id, err := s.parseID(creditID, creditdomain.ErrInvalidCredit)
	if err != nil {
		return creditdomain.Credit{}, err
	}

	now := s.clock.Now().UTC()

	var out creditdomain.Credit
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		credit, err := s.repo.FindByIDForUpdate(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		if credit == nil {
			return creditdomain.ErrCreditNotFound
		}
		if !creditengine.CanTransition(credit.State, creditengine.CreditStateDeleted) {
			return creditdomain.ErrInvalidTransition
		}
		if err := guard.EnsureCreditCanClose(creditengine.GetPayoffAmount(credit.BillingRecord())); err != nil {
			return err
		}

		credit.State = creditengine.CreditStateDeleted
		credit.NextRefreshAt = nil
		credit.UpdatedAt = now

		if err := s.repo.Update(ctx, tx, credit); err != nil {
			return err
		}
		if err := s.outbox.PublishTx(ctx, tx, creditevent.Event{
			OrgID:    orgID,
			CreditID: credit.ID,
			Type:     creditevent.CreditClosedTopic,
			Payload: map[string]any{
				"credit_id": credit.ID.String(),
			},
			DedupeKey: "credit_closed:" + credit.ID.String(),
		}); err != nil {
			return err
		}
		out = *credit
		return nil
	})
	if err != nil {
		return creditdomain.Credit{}, err
	}
	return out, nil
}

// refreshLocked runs the engine over a row already locked in tx and writes
// the result back, emitting the refresh event in the same transaction.
func (s *Service) refreshLocked(ctx context.Context, tx *gorm.DB, credit *creditdomain.Credit, pool pooldomain.Pool, now time.Time) error {
	var last time.Time
	if credit.LastRefreshedAt != nil {
		last = *credit.LastRefreshedAt
	}
	if err := guard.EnsureRefreshTimestamp(now, last); err != nil {
		return err
	}

	loadedState := credit.State

	res, err := s.engine.GetDueInfo(creditengine.RefreshInput{
		Config:   credit.Config(),
		Record:   credit.BillingRecord(),
		Detail:   credit.DueDetail(),
		Fees:     pool.FeeStructure(),
		Settings: pool.Settings(),
		Now:      now,
	})
	if err != nil {
		return err
	}
	if res.PrincipalClamped {
		s.log.Warn("principal amortization clamped at unbilled balance",
			zap.String("credit_id", credit.ID.String()),
		)
	}

	credit.ApplyRefresh(res.Record, res.Detail)
	credit.LastRefreshedAt = &now
	credit.UpdatedAt = now
	s.scheduleNextRefresh(credit, pool, now)

	if err := s.repo.Update(ctx, tx, credit); err != nil {
		return err
	}

	payload := map[string]any{
		"credit_id":          credit.ID.String(),
		"state":              string(credit.State),
		"unbilled_principal": credit.UnbilledPrincipal,
		"next_due":           credit.NextDue,
		"yield_due":          credit.YieldDue,
		"total_past_due":     credit.TotalPastDue,
		"missed_periods":     credit.MissedPeriods,
		"remaining_periods":  credit.RemainingPeriods,
		"as_of":              now.Format(time.RFC3339),
	}
	if credit.NextDueDate != nil {
		payload["next_due_date"] = credit.NextDueDate.Format(time.RFC3339)
	}
	if err := s.outbox.PublishTx(ctx, tx, creditevent.Event{
		OrgID:     credit.OrgID,
		CreditID:  credit.ID,
		Type:      creditevent.BillRefreshedTopic,
		Payload:   payload,
		DedupeKey: "bill_refreshed:" + credit.ID.String() + ":" + now.Format(time.RFC3339),
	}); err != nil {
		return err
	}

	return s.publishTransition(ctx, tx, credit, loadedState, now)
}

// publishTransition emits the delinquency transition events when the state
// moved between GoodStanding and Delayed during the surrounding operation.
func (s *Service) publishTransition(ctx context.Context, tx *gorm.DB, credit *creditdomain.Credit, from creditengine.CreditState, now time.Time) error {
	if from == credit.State {
		return nil
	}
	switch {
	case credit.State == creditengine.CreditStateDelayed:
		return s.outbox.PublishTx(ctx, tx, creditevent.Event{
			OrgID:    credit.OrgID,
			CreditID: credit.ID,
			Type:     creditevent.CreditDelayedTopic,
			Payload: map[string]any{
				"credit_id":      credit.ID.String(),
				"missed_periods": credit.MissedPeriods,
				"total_past_due": credit.TotalPastDue,
			},
			DedupeKey: "credit_delayed:" + credit.ID.String() + ":" + now.Format(time.RFC3339),
		})
	case from == creditengine.CreditStateDelayed && credit.State == creditengine.CreditStateGoodStanding:
		return s.outbox.PublishTx(ctx, tx, creditevent.Event{
			OrgID:    credit.OrgID,
			CreditID: credit.ID,
			Type:     creditevent.GoodStandingTopic,
			Payload: map[string]any{
				"credit_id": credit.ID.String(),
			},
			DedupeKey: "good_standing:" + credit.ID.String() + ":" + now.Format(time.RFC3339),
		})
	}
	return nil
}

// scheduleNextRefresh mirrors the engine's refresh date onto the row. Lines
// waiting on a future start date queue for that date; dormant lines leave
// the refresh queue until a drawdown re-arms them.
func (s *Service) scheduleNextRefresh(credit *creditdomain.Credit, pool pooldomain.Pool, now time.Time) {
	if credit.State.Absorbing() {
		credit.NextRefreshAt = nil
		return
	}
	next := creditengine.NextBillRefreshDate(pool.Settings(), credit.BillingRecord())
	switch {
	case !next.IsZero():
		credit.NextRefreshAt = &next
	case credit.StartDate != nil && credit.StartDate.After(now):
		credit.NextRefreshAt = credit.StartDate
	default:
		credit.NextRefreshAt = nil
	}
}

// poolForCredit resolves the pool configuration backing a credit line.
func (s *Service) poolForCredit(ctx context.Context, orgID, id snowflake.ID) (pooldomain.Pool, error) {
	credit, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return pooldomain.Pool{}, err
	}
	if credit == nil {
		return pooldomain.Pool{}, creditdomain.ErrCreditNotFound
	}
	return s.poolsvc.GetByID(ctx, credit.PoolID.String())
}

func (s *Service) parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}

// drain moves up to *remaining out of *bucket, returning the amount moved.
func drain(remaining, bucket *int64) int64 {
	take := min(*remaining, *bucket)
	*bucket -= take
	*remaining -= take
	return take
}
