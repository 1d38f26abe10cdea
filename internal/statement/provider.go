// Package statement renders borrower-facing credit statements. The PDF
// generator is swappable so deployments without document output can run a
// no-op.
package statement

import (
	"context"
	"io"
)

type Generator interface {
	GenerateStatement(ctx context.Context, data StatementData) (io.Reader, error)
}

type NoOpGenerator struct{}

func (NoOpGenerator) GenerateStatement(ctx context.Context, data StatementData) (io.Reader, error) {
	return nil, nil
}
