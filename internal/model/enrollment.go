package model

import "time"

type EnrollmentSource string

const (
	SourcePayment EnrollmentSource = "payment"
	SourceFree    EnrollmentSource = "free"
)

// Enrollment grants a user access to a course. At most one per (user, course).
type Enrollment struct {
	ID                int64            `db:"id"                  json:"id"`
	UserID            string           `db:"user_id"             json:"user_id"`
	CourseID          string           `db:"course_id"           json:"course_id"`
	Source            EnrollmentSource `db:"source"              json:"source"`
	CheckoutRequestID *string          `db:"checkout_request_id" json:"checkout_request_id,omitempty"`
	EnrolledAt        time.Time        `db:"enrolled_at"         json:"enrolled_at"`
}
