package mpesa

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuth means the gateway refused our consumer credentials or bearer token.
	ErrAuth = errors.New("mpesa: authentication failed")
	// ErrMissingCredentials is returned before any network call when key or secret is empty.
	ErrMissingCredentials = fmt.Errorf("%w: consumer key/secret not configured", ErrAuth)
	// ErrRejected means the gateway refused the request itself (bad phone, bad amount, ...).
	ErrRejected = errors.New("mpesa: request rejected")
	// ErrUnavailable covers network failures, 5xx answers and an open breaker.
	ErrUnavailable = errors.New("mpesa: gateway unavailable")
)

// Error code returned by the STK query endpoint while the payer has not answered yet.
const CodeStillProcessing = "500.001.1001"

// APIError is a non-2xx gateway answer.
// Body format: {"requestId":"...","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid PhoneNumber"}
type APIError struct {
	StatusCode int    `json:"-"`
	RequestID  string `json:"requestId"`
	Code       string `json:"errorCode"`
	Message    string `json:"errorMessage"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mpesa: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrAuth
	case e.StatusCode >= 500:
		return ErrUnavailable
	default:
		return ErrRejected
	}
}

// StillProcessing reports whether a status query found the transaction unanswered.
func (e *APIError) StillProcessing() bool {
	return e.Code == CodeStillProcessing
}
