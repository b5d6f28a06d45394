package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/coursepay/internal/model"
	"github.com/jmoiron/sqlx"
)

// PaymentsRepository persists STK push attempts in payment_requests.
// Timestamps are stored in UTC.
type PaymentsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, p model.PaymentRequest) error
	// GetByCheckoutID returns nil, nil when no request carries the id.
	GetByCheckoutID(ctx context.Context, checkoutID string) (*model.PaymentRequest, error)
	// MarkTerminal moves a pending request to the outcome's status at the given
	// time. It reports false when the request was not pending anymore.
	MarkTerminal(ctx context.Context, tx *sqlx.Tx, o model.PaymentOutcome, at time.Time) (bool, error)
	// ListPendingDue returns the oldest pending requests created before
	// createdBefore whose next check is not scheduled after now.
	ListPendingDue(ctx context.Context, createdBefore, now time.Time, limit int) ([]model.PaymentRequest, error)
	// DeferCheck keeps a pending request out of ListPendingDue until until.
	DeferCheck(ctx context.Context, checkoutID string, until time.Time) error
}

type PaymentsRepositoryImpl struct {
	db *sqlx.DB
}

func NewPaymentsRepository(db *sqlx.DB) *PaymentsRepositoryImpl {
	return &PaymentsRepositoryImpl{db: db}
}

var _ PaymentsRepository = (*PaymentsRepositoryImpl)(nil)

const paymentColumns = `
	id, checkout_request_id, merchant_request_id, user_id, course_id, phone_number,
	amount, status, result_code, result_desc, receipt_number, created_at, updated_at, completed_at,
	next_check_at`

func (r *PaymentsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, p model.PaymentRequest) error {
	const q = `
		INSERT INTO payment_requests
		    (id, checkout_request_id, merchant_request_id, user_id, course_id, phone_number, amount, status, created_at, updated_at)
		VALUES
		    (?,  ?,                   ?,                   ?,       ?,         ?,            ?,      ?,      ?,          ?)
	`
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			p.ID, p.CheckoutRequestID, p.MerchantRequestID, p.UserID, p.CourseID,
			p.PhoneNumber, p.Amount, p.Status.String(), p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
		)
		return err
	})
}

func (r *PaymentsRepositoryImpl) GetByCheckoutID(ctx context.Context, checkoutID string) (*model.PaymentRequest, error) {
	var p model.PaymentRequest
	err := r.db.GetContext(ctx, &p, `SELECT `+paymentColumns+`
		  FROM payment_requests
		 WHERE checkout_request_id = ? LIMIT 1
	`, checkoutID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentsRepositoryImpl) MarkTerminal(ctx context.Context, tx *sqlx.Tx, o model.PaymentOutcome, at time.Time) (bool, error) {
	const q = `
		UPDATE payment_requests
		   SET status         = ?,
		       result_code    = ?,
		       result_desc    = ?,
		       receipt_number = NULLIF(?, ''),
		       completed_at   = ?,
		       updated_at     = ?,
		       next_check_at  = NULL
		 WHERE checkout_request_id = ? AND status = 'pending'
	`
	at = at.UTC()
	var changed bool
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q,
			o.Status().String(), o.ResultCode, o.ResultDesc, o.ReceiptNumber, at, at, o.CheckoutRequestID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n == 1
		return nil
	})
	return changed, err
}

func (r *PaymentsRepositoryImpl) ListPendingDue(ctx context.Context, createdBefore, now time.Time, limit int) ([]model.PaymentRequest, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []model.PaymentRequest
	err := r.db.SelectContext(ctx, &rows, `SELECT `+paymentColumns+`
		  FROM payment_requests
		 WHERE status = 'pending'
		   AND created_at < ?
		   AND (next_check_at IS NULL OR next_check_at <= ?)
		 ORDER BY created_at
		 LIMIT ?
	`, createdBefore.UTC(), now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *PaymentsRepositoryImpl) DeferCheck(ctx context.Context, checkoutID string, until time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_requests
		   SET next_check_at = ?, updated_at = UTC_TIMESTAMP(3)
		 WHERE checkout_request_id = ? AND status = 'pending'
	`, until.UTC(), checkoutID)
	return err
}
