package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/coursepay/internal/model"
	"github.com/jmoiron/sqlx"
)

// PaymentEventsTopic is where Debezium routes payment_request outbox rows.
const PaymentEventsTopic = "payments.events"

// PaymentAggregate is the outbox aggregate of payment request events; the aggregate id is the checkout id.
const PaymentAggregate = "payment_request"

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// Insert writes a single outbox event. If tx is nil, it will open/commit
	// an internal transaction; otherwise it uses the given tx.
	Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) error
}

type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

// Insert adds an event row to outbox. Debezium Outbox SMT will pick it up and
// publish to Kafka based on the `topic` column.
func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) error {
	const q = `
		INSERT INTO outbox (aggregate, aggregate_id, topic, payload, created_at, updated_at)
		VALUES (:aggregate, :aggregate_id, :topic, :payload, :created_at, :updated_at)
	`
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.UpdatedAt = ev.CreatedAt
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, q, ev)
		return err
	})
}

// AppendPaymentEvent records ev for the payment_request aggregate in tx.
func AppendPaymentEvent(ctx context.Context, outbox OutboxRepository, tx *sqlx.Tx, ev model.PaymentEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal payment event: %w", err)
	}
	return outbox.Insert(ctx, tx, model.OutboxEvent{
		Aggregate:   PaymentAggregate,
		AggregateID: ev.CheckoutRequestID,
		Topic:       PaymentEventsTopic,
		Payload:     payload,
		CreatedAt:   ev.OccurredAt,
	})
}
