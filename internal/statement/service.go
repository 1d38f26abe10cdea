package statement

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/smallbiznis/credo/internal/clock"
	creditdomain "github.com/smallbiznis/credo/internal/credit/domain"
	pooldomain "github.com/smallbiznis/credo/internal/pool/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParam struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	Credits   creditdomain.Service
	Pools     pooldomain.Service
	Generator Generator
}

type Service struct {
	log       *zap.Logger
	clock     clock.Clock
	credits   creditdomain.Service
	pools     pooldomain.Service
	generator Generator
}

func NewService(p ServiceParam) *Service {
	return &Service{
		log:       p.Log.Named("statement.service"),
		clock:     p.Clock,
		credits:   p.Credits,
		pools:     p.Pools,
		generator: p.Generator,
	}
}

// Render loads the credit and produces its statement. Figures come from the
// stored billing record; callers wanting numbers as of today refresh first.
func (s *Service) Render(ctx context.Context, creditID string) (io.Reader, error) {
	credit, err := s.credits.GetByID(ctx, creditID)
	if err != nil {
		return nil, err
	}
	pool, err := s.pools.GetByID(ctx, credit.PoolID.String())
	if err != nil {
		return nil, err
	}
	payoff, err := s.credits.GetPayoff(ctx, creditID)
	if err != nil {
		return nil, err
	}

	return s.generator.GenerateStatement(ctx, s.assemble(credit, pool, payoff))
}

func (s *Service) assemble(credit creditdomain.Credit, pool pooldomain.Pool, payoff creditdomain.PayoffResponse) StatementData {
	facility := "Term loan"
	if credit.Revolving {
		facility = "Revolving"
	}

	nextDueDate := "-"
	if credit.NextDueDate != nil {
		nextDueDate = credit.NextDueDate.Format("Jan 2, 2006")
	}

	lines := []StatementLine{
		{Label: "Unbilled principal", Amount: formatAmount(credit.UnbilledPrincipal)},
		{Label: "Current yield due", Amount: formatAmount(credit.YieldDue)},
		{Label: "Current principal due", Amount: formatAmount(credit.NextDue - credit.YieldDue)},
		{Label: "Late fees", Amount: formatAmount(credit.LateFee)},
		{Label: "Yield past due", Amount: formatAmount(credit.YieldPastDue)},
		{Label: "Principal past due", Amount: formatAmount(credit.PrincipalPastDue)},
		{Label: "Total past due", Amount: formatAmount(credit.TotalPastDue)},
		{Label: "Paid this period", Amount: formatAmount(credit.Paid)},
	}

	return StatementData{
		StatementDate: s.clock.Now().UTC().Format("Jan 2, 2006"),

		CreditID:   credit.ID.String(),
		BorrowerID: credit.BorrowerID.String(),
		PoolName:   pool.Name,
		State:      string(credit.State),
		Facility:   facility,

		CreditLimit:     formatAmount(credit.CreditLimit),
		CommittedAmount: formatAmount(credit.CommittedAmount),
		YieldRate:       formatBps(credit.YieldBps),
		LateFeeRate:     formatBps(pool.LateFeeBps),
		PeriodDuration:  periodLabel(string(credit.PeriodDuration)),

		NextDueDate:      nextDueDate,
		RemainingPeriods: strconv.Itoa(credit.RemainingPeriods),
		MissedPeriods:    strconv.Itoa(credit.MissedPeriods),

		Lines:        lines,
		PayoffAmount: formatAmount(payoff.PayoffAmount),
	}
}

// formatAmount renders minor units with thousands grouping: 1234567 -> "12,345.67".
func formatAmount(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	digits := strconv.FormatInt(v/100, 10)

	var grouped strings.Builder
	pre := len(digits) % 3
	if pre > 0 {
		grouped.WriteString(digits[:pre])
	}
	for i := pre; i < len(digits); i += 3 {
		if grouped.Len() > 0 {
			grouped.WriteByte(',')
		}
		grouped.WriteString(digits[i : i+3])
	}

	return fmt.Sprintf("%s%s.%02d", sign, grouped.String(), v%100)
}

func formatBps(bps int64) string {
	return fmt.Sprintf("%d.%02d%%", bps/100, bps%100)
}

func periodLabel(pd string) string {
	switch pd {
	case "MONTHLY":
		return "Monthly"
	case "QUARTERLY":
		return "Quarterly"
	case "SEMI_ANNUALLY":
		return "Semi-annually"
	default:
		return pd
	}
}
