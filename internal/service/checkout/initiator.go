package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmehdipour/coursepay/internal/metrics"
	"github.com/jmehdipour/coursepay/internal/model"
	"github.com/jmehdipour/coursepay/internal/mpesa"
	"github.com/jmehdipour/coursepay/internal/repository"
	"github.com/jmehdipour/coursepay/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var (
	ErrConfiguration      = errors.New("payment gateway is not configured")
	ErrInvalidRequest     = errors.New("invalid payment request")
	ErrAuth               = errors.New("payment gateway authentication failed")
	ErrGatewayRejection   = errors.New("payment gateway rejected the request")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// Query answers that mean the payer has not finished yet.
const codeQueryStillProcessing = 4999

// Gateway is the part of mpesa.Client the initiator drives.
type Gateway interface {
	STKPush(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
	STKQuery(ctx context.Context, req mpesa.STKQueryRequest) (*mpesa.STKQueryResponse, error)
}

type Config struct {
	ShortCode        string
	Passkey          string
	PartyB           string // defaults to ShortCode
	TransactionType  string // defaults to CustomerPayBillOnline
	AccountReference string
	CallbackBaseURL  string
	CallbackPath     string
	CountryCode      string
}

type Request struct {
	PhoneNumber string `json:"phone_number"`
	Amount      int64  `json:"amount"`
	CourseID    string `json:"course_id"`
	UserID      string `json:"user_id"`
}

// Result is what callers of Initiate see. Err carries the cause on failure.
type Result struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`
	Err               error  `json:"-"`
}

// Initiator starts STK pushes and records the accepted ones as pending payment requests.
type Initiator struct {
	cfg      Config
	gw       Gateway
	tx       repository.Transactor
	payments repository.PaymentsRepository
	outbox   repository.OutboxRepository
	log      *zap.Logger
	now      func() time.Time
}

func New(
	cfg Config,
	gw Gateway,
	tx repository.Transactor,
	payments repository.PaymentsRepository,
	outbox repository.OutboxRepository,
	log *zap.Logger,
) *Initiator {
	if cfg.PartyB == "" {
		cfg.PartyB = cfg.ShortCode
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = mpesa.TransactionTypePayBill
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = util.DefaultCountryCode
	}
	return &Initiator{
		cfg:      cfg,
		gw:       gw,
		tx:       tx,
		payments: payments,
		outbox:   outbox,
		log:      log,
		now:      time.Now,
	}
}

func (i *Initiator) configured() bool {
	return i.cfg.ShortCode != "" && i.cfg.Passkey != "" && i.cfg.CallbackBaseURL != ""
}

// Initiate sends an STK push for req. Gateway and validation failures come
// back as an unsuccessful Result, never as a panic or a bare error.
func (i *Initiator) Initiate(ctx context.Context, req Request) Result {
	if !i.configured() {
		return i.fail(req, ErrConfiguration, "Payment service is not configured")
	}

	phone, msg := i.validate(req)
	if msg != "" {
		return i.fail(req, ErrInvalidRequest, msg)
	}

	callbackURL, err := i.callbackURL(req.UserID, req.CourseID)
	if err != nil {
		return i.fail(req, fmt.Errorf("%w: %w", ErrConfiguration, err), "Payment service is not configured")
	}

	sentAt := i.now().UTC()
	password, timestamp := mpesa.Password(i.cfg.ShortCode, i.cfg.Passkey, sentAt)
	res, err := i.gw.STKPush(ctx, mpesa.STKPushRequest{
		BusinessShortCode: i.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   i.cfg.TransactionType,
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            i.cfg.PartyB,
		PhoneNumber:       phone,
		CallBackURL:       callbackURL,
		AccountReference:  i.cfg.AccountReference,
		TransactionDesc:   fmt.Sprintf("Payment for %s", i.cfg.AccountReference),
	})
	if err != nil {
		msg, cause := gatewayError(err)
		return i.fail(req, cause, msg)
	}
	if !res.Accepted() {
		desc := res.ResponseDescription
		if desc == "" {
			desc = "Payment request was not accepted"
		}
		return i.fail(req, fmt.Errorf("%w: code=%s %s", ErrGatewayRejection, res.ResponseCode, desc), desc)
	}

	p := model.PaymentRequest{
		ID:                util.NewID(),
		CheckoutRequestID: res.CheckoutRequestID,
		MerchantRequestID: res.MerchantRequestID,
		UserID:            req.UserID,
		CourseID:          req.CourseID,
		PhoneNumber:       phone,
		Amount:            req.Amount,
		Status:            model.StatusPending,
		CreatedAt:         sentAt,
		UpdatedAt:         sentAt,
	}
	err = i.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		if err := i.payments.Insert(ctx, tx, p); err != nil {
			return fmt.Errorf("insert payment request: %w", err)
		}
		return repository.AppendPaymentEvent(ctx, i.outbox, tx, model.NewPaymentEvent(util.NewID(), p, sentAt))
	})
	if err != nil {
		// the payer was already prompted; the callback for this checkout will be refused
		i.log.Error("accepted stk push not recorded",
			zap.String("checkout_request_id", p.CheckoutRequestID),
			zap.String("user_id", p.UserID),
			zap.String("course_id", p.CourseID),
			zap.Error(err))
		metrics.PaymentsTotal.WithLabelValues("unrecorded").Inc()
		return Result{Success: false, Message: "Payment could not be recorded", Err: err}
	}

	metrics.PaymentsTotal.WithLabelValues("accepted").Inc()
	i.log.Info("stk push accepted",
		zap.String("checkout_request_id", p.CheckoutRequestID),
		zap.String("user_id", p.UserID),
		zap.String("course_id", p.CourseID),
		zap.Int64("amount", p.Amount))

	message := res.CustomerMessage
	if message == "" {
		message = "Check your phone to complete the payment"
	}
	return Result{Success: true, Message: message, CheckoutRequestID: p.CheckoutRequestID}
}

// Query asks the gateway for the outcome of checkoutID. final is false while
// the payer has not answered.
func (i *Initiator) Query(ctx context.Context, checkoutID string) (model.PaymentOutcome, bool, error) {
	if !i.configured() {
		return model.PaymentOutcome{}, false, ErrConfiguration
	}

	password, timestamp := mpesa.Password(i.cfg.ShortCode, i.cfg.Passkey, i.now())
	res, err := i.gw.STKQuery(ctx, mpesa.STKQueryRequest{
		BusinessShortCode: i.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutID,
	})
	if err != nil {
		var apiErr *mpesa.APIError
		if errors.As(err, &apiErr) && apiErr.StillProcessing() {
			return model.PaymentOutcome{}, false, nil
		}
		_, cause := gatewayError(err)
		return model.PaymentOutcome{}, false, cause
	}

	code, ok := res.ResultCode.Int()
	if !ok || code == codeQueryStillProcessing {
		return model.PaymentOutcome{}, false, nil
	}

	return model.PaymentOutcome{
		CheckoutRequestID: checkoutID,
		MerchantRequestID: res.MerchantRequestID,
		ResultCode:        code,
		ResultDesc:        res.ResultDesc,
	}, true, nil
}

func (i *Initiator) validate(req Request) (phone, msg string) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.CourseID) == "" {
		return "", "user_id and course_id are required"
	}
	if req.Amount <= 0 {
		return "", "amount must be greater than zero"
	}
	phone, ok := util.NormalizePhone(req.PhoneNumber, i.cfg.CountryCode)
	if !ok {
		return "", "phone_number is not a valid mobile number"
	}
	return phone, ""
}

// callbackURL carries the correlation ids the callback handler needs.
func (i *Initiator) callbackURL(userID, courseID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(i.cfg.CallbackBaseURL, "/") + i.cfg.CallbackPath)
	if err != nil {
		return "", fmt.Errorf("callback url: %w", err)
	}
	q := u.Query()
	q.Set("userId", userID)
	q.Set("courseId", courseID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (i *Initiator) fail(req Request, cause error, msg string) Result {
	metrics.PaymentsTotal.WithLabelValues(failureStage(cause)).Inc()
	i.log.Warn("stk push not initiated",
		zap.String("user_id", req.UserID),
		zap.String("course_id", req.CourseID),
		zap.Error(cause))
	return Result{Success: false, Message: msg, Err: cause}
}

func failureStage(cause error) string {
	switch {
	case errors.Is(cause, ErrInvalidRequest):
		return "invalid"
	case errors.Is(cause, ErrConfiguration):
		return "misconfigured"
	case errors.Is(cause, ErrGatewayRejection):
		return "rejected"
	default:
		return "unavailable"
	}
}

// gatewayError maps mpesa client errors to this package's sentinels.
func gatewayError(err error) (string, error) {
	switch {
	case errors.Is(err, mpesa.ErrAuth):
		return "Payment service is temporarily unavailable", fmt.Errorf("%w: %w", ErrAuth, err)
	case errors.Is(err, mpesa.ErrRejected):
		msg := "Payment request was rejected"
		var apiErr *mpesa.APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return msg, fmt.Errorf("%w: %w", ErrGatewayRejection, err)
	default:
		return "Payment service is temporarily unavailable", fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
}
