package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/coursepay/internal/model"
	"github.com/jmoiron/sqlx"
)

// EnrollmentsRepository writes the append-only enrollments table.
type EnrollmentsRepository interface {
	// Insert adds the enrollment unless (user_id, course_id) already exists.
	// created is false for an existing row, which is left untouched.
	Insert(ctx context.Context, tx *sqlx.Tx, e model.Enrollment) (created bool, err error)
	Get(ctx context.Context, userID, courseID string) (*model.Enrollment, error)
}

type EnrollmentsRepositoryImpl struct {
	db *sqlx.DB
}

func NewEnrollmentsRepository(db *sqlx.DB) *EnrollmentsRepositoryImpl {
	return &EnrollmentsRepositoryImpl{db: db}
}

var _ EnrollmentsRepository = (*EnrollmentsRepositoryImpl)(nil)

func (r *EnrollmentsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, e model.Enrollment) (bool, error) {
	// affected rows is 0 when the no-op update hits an existing row
	const q = `
		INSERT INTO enrollments (user_id, course_id, source, checkout_request_id, enrolled_at)
		VALUES (?, ?, ?, ?, UTC_TIMESTAMP(3))
		ON DUPLICATE KEY UPDATE id = id
	`
	var created bool
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, e.UserID, e.CourseID, string(e.Source), e.CheckoutRequestID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1
		return nil
	})
	return created, err
}

func (r *EnrollmentsRepositoryImpl) Get(ctx context.Context, userID, courseID string) (*model.Enrollment, error) {
	var e model.Enrollment
	err := r.db.GetContext(ctx, &e, `
		SELECT id, user_id, course_id, source, checkout_request_id, enrolled_at
		  FROM enrollments
		 WHERE user_id = ? AND course_id = ? LIMIT 1
	`, userID, courseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
