package repository

import (
	"context"
	"fmt"

	"github.com/jmehdipour/coursepay/internal/model"
	"github.com/jmoiron/sqlx"
)

// CHPaymentsRepository stores projected payment events in ClickHouse and
// lists the latest state per checkout.
type CHPaymentsRepository interface {
	InsertEvents(ctx context.Context, events []model.PaymentEvent) error
	ListByUser(ctx context.Context, userID string, status model.PaymentStatus, limit, offset int) ([]model.PaymentEvent, error)
}

type chPaymentsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHPaymentsRepository(ch *sqlx.DB) CHPaymentsRepository {
	return &chPaymentsRepository{ch: ch}
}

// InsertEvents writes one ClickHouse block; the driver batches the prepared statement until commit.
func (r *chPaymentsRepository) InsertEvents(ctx context.Context, events []model.PaymentEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO coursepay.payment_events
		    (id, type, payment_id, checkout_request_id, user_id, course_id, status,
		     amount, result_code, result_desc, receipt_number, occurred_at)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.Type, ev.PaymentID, ev.CheckoutRequestID, ev.UserID, ev.CourseID,
			ev.Status.String(), ev.Amount, ev.ResultCode, ev.ResultDesc, ev.ReceiptNumber, ev.OccurredAt,
		); err != nil {
			return fmt.Errorf("append event %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

func (r *chPaymentsRepository) ListByUser(ctx context.Context, userID string, status model.PaymentStatus, limit, offset int) ([]model.PaymentEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT id, type, payment_id, checkout_request_id, user_id, course_id, status,
		       amount, result_code, result_desc, receipt_number, occurred_at
		FROM coursepay.payments_latest FINAL
		WHERE user_id = ?
	`
	args := []any{userID}

	if status != "" {
		q += " AND status = ?"
		args = append(args, status.String())
	}

	q += " ORDER BY occurred_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.PaymentEvent
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
