package domain

import (
	"context"
	"errors"
	"time"

	creditengine "github.com/smallbiznis/credo/internal/credit/engine"
	"github.com/smallbiznis/credo/pkg/db/pagination"
)

// ApproveCreditRequest carries the immutable contract of a new credit line.
// StartDate is the designated first-bill date; nil lines start billing at
// the first drawdown (or immediately when a committed amount is set).
type ApproveCreditRequest struct {
	PoolID                 string     `json:"pool_id"`
	BorrowerID             string     `json:"borrower_id"`
	CreditLimit            int64      `json:"credit_limit"`
	CommittedAmount        int64      `json:"committed_amount"`
	PeriodDuration         string     `json:"period_duration"`
	NumOfPeriods           int        `json:"num_of_periods"`
	YieldBps               int64      `json:"yield_bps"`
	AdvanceRateBps         int64      `json:"advance_rate_bps"`
	Revolving              bool       `json:"revolving"`
	ReceivableAutoApproval bool       `json:"receivable_auto_approval"`
	StartDate              *time.Time `json:"start_date,omitempty"`
}

type ListCreditRequest struct {
	PoolID     string
	BorrowerID string
	State      string
	PageToken  string
	PageSize   int32
}

type ListCreditResponse struct {
	pagination.PageInfo
	Credits []Credit `json:"credits"`
}

type DrawdownRequest struct {
	Amount int64 `json:"amount"`
}

// DrawdownResponse reports the front-loading fee split of a draw. Amount is
// always AmountToBorrower plus PlatformFee.
type DrawdownResponse struct {
	CreditID          string `json:"credit_id"`
	Amount            int64  `json:"amount"`
	AmountToBorrower  int64  `json:"amount_to_borrower"`
	PlatformFee       int64  `json:"platform_fee"`
	UnbilledPrincipal int64  `json:"unbilled_principal"`
}

type PaymentRequest struct {
	Amount int64 `json:"amount"`
}

// PaymentAllocation is the waterfall split of one payment, oldest and most
// penalizing obligations first.
type PaymentAllocation struct {
	LateFee           int64 `json:"late_fee"`
	YieldPastDue      int64 `json:"yield_past_due"`
	PrincipalPastDue  int64 `json:"principal_past_due"`
	YieldDue          int64 `json:"yield_due"`
	PrincipalDue      int64 `json:"principal_due"`
	UnbilledPrincipal int64 `json:"unbilled_principal"`
}

type PaymentResponse struct {
	CreditID   string                   `json:"credit_id"`
	Amount     int64                    `json:"amount"`
	Allocation PaymentAllocation        `json:"allocation"`
	State      creditengine.CreditState `json:"state"`
	// PayoffAmount is the remaining obligation after the payment landed.
	PayoffAmount int64 `json:"payoff_amount"`
}

// DueInfo is a read-only preview of a credit's obligations at a timestamp.
// Nothing is persisted when it is computed.
type DueInfo struct {
	CreditID          string                   `json:"credit_id"`
	AsOf              time.Time                `json:"as_of"`
	State             creditengine.CreditState `json:"state"`
	NextDueDate       *time.Time               `json:"next_due_date,omitempty"`
	NextDue           int64                    `json:"next_due"`
	YieldDue          int64                    `json:"yield_due"`
	TotalPastDue      int64                    `json:"total_past_due"`
	LateFee           int64                    `json:"late_fee"`
	YieldPastDue      int64                    `json:"yield_past_due"`
	PrincipalPastDue  int64                    `json:"principal_past_due"`
	MissedPeriods     int                      `json:"missed_periods"`
	RemainingPeriods  int                      `json:"remaining_periods"`
	UnbilledPrincipal int64                    `json:"unbilled_principal"`
	PayoffAmount      int64                    `json:"payoff_amount"`
}

// PayoffResponse reports the stored payoff figure. AsOf is the last bill
// refresh; callers wanting a current figure refresh first.
type PayoffResponse struct {
	CreditID     string     `json:"credit_id"`
	PayoffAmount int64      `json:"payoff_amount"`
	AsOf         *time.Time `json:"as_of,omitempty"`
}

type Service interface {
	Approve(ctx context.Context, req ApproveCreditRequest) (Credit, error)
	List(ctx context.Context, req ListCreditRequest) (ListCreditResponse, error)
	GetByID(ctx context.Context, id string) (Credit, error)
	Drawdown(ctx context.Context, creditID string, req DrawdownRequest) (DrawdownResponse, error)
	MakePayment(ctx context.Context, creditID string, req PaymentRequest) (PaymentResponse, error)
	RefreshBill(ctx context.Context, creditID string) (Credit, error)
	GetDue(ctx context.Context, creditID string, at time.Time) (DueInfo, error)
	GetPayoff(ctx context.Context, creditID string) (PayoffResponse, error)
	TriggerDefault(ctx context.Context, creditID string) (Credit, error)
	Close(ctx context.Context, creditID string) (Credit, error)
}

var (
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidCredit         = errors.New("invalid_credit")
	ErrInvalidPool           = errors.New("invalid_pool")
	ErrInvalidBorrower       = errors.New("invalid_borrower")
	ErrInvalidCreditLimit    = errors.New("invalid_credit_limit")
	ErrInvalidCommitted      = errors.New("invalid_committed_amount")
	ErrInvalidPeriodCount    = errors.New("invalid_period_count")
	ErrInvalidRate           = errors.New("invalid_rate_bps")
	ErrInvalidStartDate      = errors.New("invalid_start_date")
	ErrInvalidState          = errors.New("invalid_state")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrCreditNotFound        = errors.New("credit_not_found")
	ErrCreditNotDrawable     = errors.New("credit_not_drawable")
	ErrCreditLimitExceeded   = errors.New("credit_limit_exceeded")
	ErrCreditLimitAbovePool  = errors.New("credit_limit_above_pool_max")
	ErrPaymentExceedsBalance = errors.New("payment_exceeds_balance")
	ErrInvalidTransition     = errors.New("invalid_transition")
)
