package settlement

import (
	"context"
	"errors"
	"fmt"
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
	ErrMissingCorrelation  = errors.New("callback is missing userId or courseId")
	ErrMalformedCallback   = mpesa.ErrMalformedCallback
	ErrUnknownCheckout     = errors.New("callback for unknown checkout request")
	ErrCorrelationMismatch = errors.New("callback user or course does not match the checkout request")
)

type Disposition string

const (
	// DispositionSettled: paid, request succeeded and the enrollment exists.
	DispositionSettled Disposition = "settled"
	// DispositionDeclined: the payer cancelled or the payment failed; no enrollment.
	DispositionDeclined Disposition = "declined"
	// DispositionDuplicate: the request had already left pending; nothing changed.
	DispositionDuplicate Disposition = "duplicate"
)

type Receipt struct {
	Disposition       Disposition         `json:"disposition"`
	CheckoutRequestID string              `json:"checkout_request_id"`
	Status            model.PaymentStatus `json:"status"`
	Enrolled          bool                `json:"enrolled"` // a new enrollment was created
}

// Granter enrolls the payer of a succeeded payment within tx.
type Granter interface {
	GrantForPayment(ctx context.Context, tx *sqlx.Tx, p model.PaymentRequest) (bool, error)
}

// Receiver applies gateway outcomes to pending payment requests.
type Receiver struct {
	tx       repository.Transactor
	payments repository.PaymentsRepository
	outbox   repository.OutboxRepository
	granter  Granter
	log      *zap.Logger
	now      func() time.Time
}

func New(
	tx repository.Transactor,
	payments repository.PaymentsRepository,
	outbox repository.OutboxRepository,
	granter Granter,
	log *zap.Logger,
) *Receiver {
	return &Receiver{
		tx:       tx,
		payments: payments,
		outbox:   outbox,
		granter:  granter,
		log:      log,
		now:      time.Now,
	}
}

// HandleCallback settles the checkout named in body. userID and courseID come
// from the callback URL and must match the persisted request.
func (r *Receiver) HandleCallback(ctx context.Context, userID, courseID string, body []byte) (Receipt, error) {
	if userID == "" || courseID == "" {
		metrics.CallbacksTotal.WithLabelValues("rejected").Inc()
		return Receipt{}, ErrMissingCorrelation
	}

	outcome, err := mpesa.ParseSTKCallback(body)
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues("error").Inc()
		return Receipt{}, err
	}

	p, err := r.payments.GetByCheckoutID(ctx, outcome.CheckoutRequestID)
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues("error").Inc()
		return Receipt{}, fmt.Errorf("load payment request: %w", err)
	}
	if p == nil {
		metrics.CallbacksTotal.WithLabelValues("rejected").Inc()
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownCheckout, outcome.CheckoutRequestID)
	}
	if p.UserID != userID || p.CourseID != courseID {
		metrics.CallbacksTotal.WithLabelValues("rejected").Inc()
		r.log.Warn("callback correlation mismatch",
			zap.String("checkout_request_id", p.CheckoutRequestID),
			zap.String("query_user_id", userID),
			zap.String("query_course_id", courseID))
		return Receipt{}, ErrCorrelationMismatch
	}

	rcpt, err := r.Settle(ctx, *p, outcome)
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues("error").Inc()
		return Receipt{}, err
	}
	metrics.CallbacksTotal.WithLabelValues(string(rcpt.Disposition)).Inc()
	return rcpt, nil
}

// Settle moves p out of pending according to o. The transition, the grant and
// the outbox event commit together; a request that already left pending
// yields DispositionDuplicate and no side effects.
func (r *Receiver) Settle(ctx context.Context, p model.PaymentRequest, o model.PaymentOutcome) (Receipt, error) {
	o.CheckoutRequestID = p.CheckoutRequestID
	if p.Status.Terminal() {
		return r.duplicate(p, o), nil
	}

	at := r.now().UTC()
	settled := p.Apply(o, at)
	var (
		changed  bool
		enrolled bool
	)
	err := r.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		changed, err = r.payments.MarkTerminal(ctx, tx, o, at)
		if err != nil {
			return fmt.Errorf("mark payment request %s: %w", settled.Status, err)
		}
		if !changed {
			return nil
		}

		if settled.Status == model.StatusSucceeded {
			enrolled, err = r.granter.GrantForPayment(ctx, tx, settled)
			if err != nil {
				return fmt.Errorf("grant enrollment: %w", err)
			}
		}

		return repository.AppendPaymentEvent(ctx, r.outbox, tx, model.NewPaymentEvent(util.NewID(), settled, at))
	})
	if err != nil {
		return Receipt{}, err
	}
	if !changed {
		// lost the race to another delivery; report what that one stored
		if cur, err := r.payments.GetByCheckoutID(ctx, p.CheckoutRequestID); err == nil && cur != nil {
			p = *cur
		}
		return r.duplicate(p, o), nil
	}

	metrics.PaymentsTotal.WithLabelValues(settled.Status.String()).Inc()

	rcpt := Receipt{
		Disposition:       DispositionDeclined,
		CheckoutRequestID: settled.CheckoutRequestID,
		Status:            settled.Status,
		Enrolled:          enrolled,
	}
	if settled.Status == model.StatusSucceeded {
		rcpt.Disposition = DispositionSettled
	}

	r.log.Info("payment settled",
		zap.String("checkout_request_id", settled.CheckoutRequestID),
		zap.String("status", settled.Status.String()),
		zap.Int("result_code", o.ResultCode),
		zap.String("result_desc", o.ResultDesc),
		zap.String("receipt", o.ReceiptNumber),
		zap.Bool("enrolled", enrolled))

	return rcpt, nil
}

func (r *Receiver) duplicate(p model.PaymentRequest, o model.PaymentOutcome) Receipt {
	fields := []zap.Field{
		zap.String("checkout_request_id", p.CheckoutRequestID),
		zap.String("stored_status", p.Status.String()),
		zap.Int("result_code", o.ResultCode),
	}
	if p.Status == model.StatusFailed && o.Succeeded() {
		// money moved after the request was expired; needs manual follow-up
		r.log.Warn("late success for failed payment request", append(fields, zap.String("receipt", o.ReceiptNumber))...)
	} else {
		r.log.Info("duplicate payment outcome ignored", fields...)
	}
	return Receipt{
		Disposition:       DispositionDuplicate,
		CheckoutRequestID: p.CheckoutRequestID,
		Status:            p.Status,
	}
}
