package creditevent

import (
	"context"

	crediteventdomain "github.com/smallbiznis/credo/internal/creditevent/domain"
	"go.uber.org/zap"
)

// Publisher delivers a drained outbox row to the outside world. The default
// implementation only logs; deployments wire a broker-backed one in its
// place.
type Publisher interface {
	Publish(ctx context.Context, event crediteventdomain.CreditEvent) error
}

type logPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) Publisher {
	return &logPublisher{log: log.Named("creditevent.publisher")}
}

func (p *logPublisher) Publish(ctx context.Context, event crediteventdomain.CreditEvent) error {
	_ = ctx
	p.log.Info("credit event published",
		zap.String("event_id", event.ID.String()),
		zap.String("org_id", event.OrgID.String()),
		zap.String("credit_id", event.CreditID.String()),
		zap.String("event_type", event.EventType),
	)
	return nil
}
