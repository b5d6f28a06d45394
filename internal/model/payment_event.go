package model

import "time"

const (
	EventPaymentPending   = "payment.pending"
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

// PaymentEvent is the payload written to the outbox, relayed to Kafka and projected into ClickHouse.
type PaymentEvent struct {
	ID                string        `json:"id"                  db:"id"` // event ULID
	Type              string        `json:"type"                db:"type"`
	PaymentID         string        `json:"payment_id"          db:"payment_id"`
	CheckoutRequestID string        `json:"checkout_request_id" db:"checkout_request_id"`
	UserID            string        `json:"user_id"             db:"user_id"`
	CourseID          string        `json:"course_id"           db:"course_id"`
	Status            PaymentStatus `json:"status"              db:"status"`
	Amount            int64         `json:"amount"              db:"amount"`
	ResultCode        int32         `json:"result_code"         db:"result_code"`
	ResultDesc        string        `json:"result_desc"         db:"result_desc"`
	ReceiptNumber     string        `json:"receipt_number"      db:"receipt_number"`
	OccurredAt        time.Time     `json:"occurred_at"         db:"occurred_at"`
}

// EventTypeFor maps a status to the event emitted when a request enters it.
func EventTypeFor(s PaymentStatus) string {
	switch s {
	case StatusSucceeded:
		return EventPaymentSucceeded
	case StatusFailed:
		return EventPaymentFailed
	default:
		return EventPaymentPending
	}
}

// NewPaymentEvent snapshots p in its current status.
func NewPaymentEvent(id string, p PaymentRequest, at time.Time) PaymentEvent {
	ev := PaymentEvent{
		ID:                id,
		Type:              EventTypeFor(p.Status),
		PaymentID:         p.ID,
		CheckoutRequestID: p.CheckoutRequestID,
		UserID:            p.UserID,
		CourseID:          p.CourseID,
		Status:            p.Status,
		Amount:            p.Amount,
		OccurredAt:        at.UTC(),
	}
	if p.ResultCode != nil {
		ev.ResultCode = int32(*p.ResultCode)
	}
	if p.ResultDesc != nil {
		ev.ResultDesc = *p.ResultDesc
	}
	if p.ReceiptNumber != nil {
		ev.ReceiptNumber = *p.ReceiptNumber
	}
	return ev
}
