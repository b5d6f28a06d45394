package enrollment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmehdipour/coursepay/internal/metrics"
	"github.com/jmehdipour/coursepay/internal/model"
	"github.com/jmehdipour/coursepay/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var ErrInvalidGrant = errors.New("enrollment: user id and course id are required")

// Settler creates course enrollments. Granting the same (user, course) twice
// succeeds and leaves the first enrollment unchanged.
type Settler struct {
	enrollments repository.EnrollmentsRepository
	log         *zap.Logger
}

func New(enrollments repository.EnrollmentsRepository, log *zap.Logger) *Settler {
	return &Settler{enrollments: enrollments, log: log}
}

// Grant enrolls the user outside the payment flow. created is false when the
// enrollment already existed.
func (s *Settler) Grant(ctx context.Context, userID, courseID string) (bool, error) {
	return s.grant(ctx, nil, model.Enrollment{
		UserID:   userID,
		CourseID: courseID,
		Source:   model.SourceFree,
	})
}

// GrantForPayment enrolls the payer of a succeeded request inside the
// settlement transaction.
func (s *Settler) GrantForPayment(ctx context.Context, tx *sqlx.Tx, p model.PaymentRequest) (bool, error) {
	checkoutID := p.CheckoutRequestID
	return s.grant(ctx, tx, model.Enrollment{
		UserID:            p.UserID,
		CourseID:          p.CourseID,
		Source:            model.SourcePayment,
		CheckoutRequestID: &checkoutID,
	})
}

func (s *Settler) grant(ctx context.Context, tx *sqlx.Tx, e model.Enrollment) (bool, error) {
	if e.UserID == "" || e.CourseID == "" {
		return false, ErrInvalidGrant
	}

	created, err := s.enrollments.Insert(ctx, tx, e)
	if err != nil {
		return false, fmt.Errorf("insert enrollment: %w", err)
	}

	result := "existing"
	if created {
		result = "created"
	}
	metrics.EnrollmentsTotal.WithLabelValues(string(e.Source), result).Inc()
	s.log.Info("enrollment granted",
		zap.String("user_id", e.UserID),
		zap.String("course_id", e.CourseID),
		zap.String("source", string(e.Source)),
		zap.Bool("created", created))

	return created, nil
}
