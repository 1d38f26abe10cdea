package statement

import (
	"bytes"
	"context"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

// StatementData carries preformatted fields; amounts and dates are rendered
// by the service so the generator stays layout-only.
type StatementData struct {
	StatementDate string

	CreditID   string
	BorrowerID string
	PoolName   string
	State      string
	Facility   string

	CreditLimit     string
	CommittedAmount string
	YieldRate       string
	LateFeeRate     string
	PeriodDuration  string

	NextDueDate      string
	RemainingPeriods string
	MissedPeriods    string

	Lines        []StatementLine
	PayoffAmount string
}

type StatementLine struct {
	Label  string
	Amount string
}

type PDFGenerator struct{}

func New() Generator {
	return &PDFGenerator{}
}

func (g *PDFGenerator) GenerateStatement(ctx context.Context, data StatementData) (io.Reader, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(14,
		text.NewCol(12, "Credit Statement", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	// Statement meta
	m.AddRow(24,
		col.New(6).Add(
			text.New("Credit: "+data.CreditID, props.Text{Top: 0}),
			text.New("Borrower: "+data.BorrowerID, props.Text{Top: 4}),
			text.New("Pool: "+data.PoolName, props.Text{Top: 8}),
			text.New("Statement date: "+data.StatementDate, props.Text{Top: 12}),
		),
		col.New(6).Add(
			text.New("Status: "+data.State, props.Text{Top: 0}),
			text.New("Facility: "+data.Facility, props.Text{Top: 4}),
			text.New("Next due date: "+data.NextDueDate, props.Text{Top: 8}),
			text.New("Periods remaining: "+data.RemainingPeriods, props.Text{Top: 12}),
		),
	)

	// Terms
	m.AddRow(10,
		text.NewCol(12, "Terms", props.Text{Size: 12, Style: fontstyle.Bold}),
	)
	m.AddRow(16,
		col.New(4).Add(
			text.New("Credit limit: "+data.CreditLimit, props.Text{Size: 9}),
			text.New("Committed: "+data.CommittedAmount, props.Text{Size: 9, Top: 4}),
		),
		col.New(4).Add(
			text.New("Yield: "+data.YieldRate, props.Text{Size: 9}),
			text.New("Late fee: "+data.LateFeeRate, props.Text{Size: 9, Top: 4}),
		),
		col.New(4).Add(
			text.New("Billing period: "+data.PeriodDuration, props.Text{Size: 9}),
			text.New("Missed periods: "+data.MissedPeriods, props.Text{Size: 9, Top: 4}),
		),
	)

	// Balance table
	m.AddRow(10,
		text.NewCol(8, "Balance", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	for _, line := range data.Lines {
		m.AddRow(8,
			text.NewCol(8, line.Label, props.Text{Size: 9}),
			text.NewCol(4, line.Amount, props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(12,
		text.NewCol(8, "Payoff amount", props.Text{Style: fontstyle.Bold, Size: 11}),
		text.NewCol(4, data.PayoffAmount, props.Text{Style: fontstyle.Bold, Size: 11, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}
