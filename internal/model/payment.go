package model

import "time"

type PaymentStatus string

const (
	StatusInitiated PaymentStatus = "initiated"
	StatusPending   PaymentStatus = "pending"
	StatusSucceeded PaymentStatus = "succeeded"
	StatusFailed    PaymentStatus = "failed"
)

func (s PaymentStatus) String() string {
	return string(s)
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusInitiated, StatusPending, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// PaymentRequest is one STK push attempt, keyed by the gateway's CheckoutRequestID.
type PaymentRequest struct {
	ID                string        `db:"id"                  json:"id"`
	CheckoutRequestID string        `db:"checkout_request_id" json:"checkout_request_id"`
	MerchantRequestID string        `db:"merchant_request_id" json:"merchant_request_id"`
	UserID            string        `db:"user_id"             json:"user_id"`
	CourseID          string        `db:"course_id"           json:"course_id"`
	PhoneNumber       string        `db:"phone_number"        json:"phone_number"`
	Amount            int64         `db:"amount"              json:"amount"`
	Status            PaymentStatus `db:"status"              json:"status"`
	ResultCode        *int          `db:"result_code"         json:"result_code,omitempty"`
	ResultDesc        *string       `db:"result_desc"         json:"result_desc,omitempty"`
	ReceiptNumber     *string       `db:"receipt_number"      json:"receipt_number,omitempty"`
	CreatedAt         time.Time     `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at"          json:"updated_at"`
	CompletedAt       *time.Time    `db:"completed_at"        json:"completed_at,omitempty"`
	NextCheckAt       *time.Time    `db:"next_check_at"       json:"next_check_at,omitempty"` // set by reconciliation
}

// PaymentOutcome is the gateway's final word on a checkout, from a callback or a status query.
type PaymentOutcome struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	Amount            int64
	PhoneNumber       string
	TransactionDate   string
}

// ResultCodeExpired marks requests failed by reconciliation after the deadline.
const ResultCodeExpired = -1

func (o PaymentOutcome) Succeeded() bool { return o.ResultCode == 0 }

// Status is the terminal status this outcome moves a pending request to.
func (o PaymentOutcome) Status() PaymentStatus {
	if o.Succeeded() {
		return StatusSucceeded
	}
	return StatusFailed
}

// Apply returns p moved to the outcome's terminal status with its result recorded.
func (p PaymentRequest) Apply(o PaymentOutcome, at time.Time) PaymentRequest {
	code, desc := o.ResultCode, o.ResultDesc
	p.Status = o.Status()
	p.ResultCode = &code
	p.ResultDesc = &desc
	if o.ReceiptNumber != "" {
		receipt := o.ReceiptNumber
		p.ReceiptNumber = &receipt
	}
	p.CompletedAt = &at
	p.UpdatedAt = at
	p.NextCheckAt = nil
	return p
}
