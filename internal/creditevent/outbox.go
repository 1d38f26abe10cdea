// Package creditevent provides the outbox used to emit credit lifecycle
// events. Writers publish through Outbox.PublishTx inside the transaction
// that performs the state change; the scheduler drains unpublished rows
// through a Publisher.
package creditevent

import (
	"context"

	"github.com/bwmarrin/snowflake"
	crediteventdomain "github.com/smallbiznis/credo/internal/creditevent/domain"
	"github.com/smallbiznis/credo/pkg/telemetry/correlation"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Event types emitted by the credit service.
const (
	CreditApprovedTopic  = "credit.approved"
	CreditDrawdownTopic  = "credit.drawdown"
	BillRefreshedTopic   = "credit.bill.refreshed"
	CreditDelayedTopic   = "credit.delayed"
	PaymentReceivedTopic = "credit.payment.received"
	GoodStandingTopic    = "credit.good_standing.restored"
	CreditDefaultedTopic = "credit.defaulted"
	CreditClosedTopic    = "credit.closed"
)

// Event is an outbox entry before persistence.
type Event struct {
	OrgID     snowflake.ID
	CreditID  snowflake.ID
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// Outbox writes credit events into the transactional outbox table.
type Outbox struct {
	genID *snowflake.Node
}

func NewOutbox(genID *snowflake.Node) *Outbox {
	return &Outbox{genID: genID}
}

// PublishTx records the event within the caller's transaction. Events with a
// dedupe key are inserted idempotently so retried operations do not publish
// twice.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	correlation.StampEventPayload(ctx, payload)

	row := crediteventdomain.CreditEvent{
		ID:        o.genID.Generate(),
		OrgID:     event.OrgID,
		CreditID:  event.CreditID,
		EventType: event.Type,
		Payload:   datatypes.JSONMap(payload),
	}
	if event.DedupeKey != "" {
		key := event.DedupeKey
		row.DedupeKey = &key
		return tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	}
	return tx.WithContext(ctx).Create(&row).Error
}
