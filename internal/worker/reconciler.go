package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jmehdipour/coursepay/internal/metrics"
	"github.com/jmehdipour/coursepay/internal/model"
	"github.com/jmehdipour/coursepay/internal/repository"
	"github.com/jmehdipour/coursepay/internal/service/checkout"
	"github.com/jmehdipour/coursepay/internal/service/settlement"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StatusQuerier asks the gateway for a checkout's outcome.
type StatusQuerier interface {
	Query(ctx context.Context, checkoutID string) (model.PaymentOutcome, bool, error)
}

type OutcomeSettler interface {
	Settle(ctx context.Context, p model.PaymentRequest, o model.PaymentOutcome) (settlement.Receipt, error)
}

// Reconciler settles pending requests whose callback never arrived: it
// queries the gateway and fails requests still unanswered after ExpireAfter.
// A request the gateway refuses to report on is failed after ExpireAfter too;
// transient query errors only push the next check back by RetryBackoff.
type Reconciler struct {
	Payments repository.PaymentsRepository
	Gateway  StatusQuerier
	Settler  OutcomeSettler
	Log      *zap.Logger

	Interval     time.Duration
	PendingAfter time.Duration
	ExpireAfter  time.Duration
	RetryBackoff time.Duration
	BatchSize    int
	Workers      int

	now func() time.Time
}

func NewReconciler(payments repository.PaymentsRepository, gw StatusQuerier, settler OutcomeSettler, log *zap.Logger) *Reconciler {
	return &Reconciler{
		Payments:     payments,
		Gateway:      gw,
		Settler:      settler,
		Log:          log,
		Interval:     30 * time.Second,
		PendingAfter: 2 * time.Minute,
		ExpireAfter:  time.Hour,
		RetryBackoff: 5 * time.Minute,
		BatchSize:    100,
		Workers:      4,
		now:          time.Now,
	}
}

type PassSummary struct {
	Checked int
	Settled int
	Expired int
	Waiting int
	Errors  int
}

// Run passes over stale requests every Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.Interval <= 0 {
		r.Interval = 30 * time.Second
	}
	tick := time.NewTicker(r.Interval)
	defer tick.Stop()

	for {
		sum, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.Log.Error("reconcile pass failed", zap.Error(err))
		} else if sum.Checked > 0 {
			r.Log.Info("reconcile pass",
				zap.Int("checked", sum.Checked),
				zap.Int("settled", sum.Settled),
				zap.Int("expired", sum.Expired),
				zap.Int("waiting", sum.Waiting),
				zap.Int("errors", sum.Errors))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// RunOnce reconciles one batch of requests pending for longer than PendingAfter.
func (r *Reconciler) RunOnce(ctx context.Context) (PassSummary, error) {
	if r.now == nil {
		r.now = time.Now
	}
	workers := r.Workers
	if workers <= 0 {
		workers = 4
	}

	now := r.now().UTC()
	stale, err := r.Payments.ListPendingDue(ctx, now.Add(-r.PendingAfter), now, r.BatchSize)
	if err != nil {
		return PassSummary{}, err
	}

	var settled, expired, waiting, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, p := range stale {
		p := p
		g.Go(func() error {
			switch r.reconcileOne(gctx, p, now) {
			case reconcileSettled:
				settled.Add(1)
			case reconcileExpired:
				expired.Add(1)
			case reconcileWaiting:
				waiting.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return PassSummary{
		Checked: len(stale),
		Settled: int(settled.Load()),
		Expired: int(expired.Load()),
		Waiting: int(waiting.Load()),
		Errors:  int(failed.Load()),
	}, nil
}

type reconcileResult int

const (
	reconcileError reconcileResult = iota
	reconcileSettled
	reconcileExpired
	reconcileWaiting
)

func (r *Reconciler) reconcileOne(ctx context.Context, p model.PaymentRequest, now time.Time) reconcileResult {
	log := r.Log.With(zap.String("checkout_request_id", p.CheckoutRequestID))

	expired := now.Sub(p.CreatedAt) >= r.ExpireAfter
	outcome, final, err := r.Gateway.Query(ctx, p.CheckoutRequestID)
	switch {
	case err != nil && errors.Is(err, checkout.ErrGatewayRejection) && expired:
		log.Warn("status query rejected past the deadline", zap.Error(err))
		outcome, final = r.expiredOutcome(p, "status query rejected before a final answer"), false

	case err != nil:
		// no expiry on transient errors: an unreachable gateway says nothing about the payment
		log.Warn("status query failed", zap.Error(err))
		r.deferCheck(ctx, log, p, now.Add(r.retryBackoff()))
		return reconcileError

	case !final && !expired:
		// let other pending requests ahead before asking again
		r.deferCheck(ctx, log, p, now.Add(r.PendingAfter))
		return reconcileWaiting

	case !final:
		outcome = r.expiredOutcome(p, "no final answer before the reconciliation deadline")
	}

	rcpt, err := r.Settler.Settle(ctx, p, outcome)
	if err != nil {
		log.Error("settle from status query failed", zap.Error(err))
		return reconcileError
	}

	if !final {
		if rcpt.Disposition != settlement.DispositionDuplicate {
			metrics.PaymentsTotal.WithLabelValues("expired").Inc()
		}
		log.Info("pending payment expired", zap.String("disposition", string(rcpt.Disposition)))
		return reconcileExpired
	}
	log.Info("pending payment reconciled",
		zap.String("disposition", string(rcpt.Disposition)),
		zap.Int("result_code", outcome.ResultCode))
	return reconcileSettled
}

func (r *Reconciler) expiredOutcome(p model.PaymentRequest, desc string) model.PaymentOutcome {
	return model.PaymentOutcome{
		CheckoutRequestID: p.CheckoutRequestID,
		ResultCode:        model.ResultCodeExpired,
		ResultDesc:        desc,
	}
}

func (r *Reconciler) deferCheck(ctx context.Context, log *zap.Logger, p model.PaymentRequest, until time.Time) {
	if err := r.Payments.DeferCheck(ctx, p.CheckoutRequestID, until); err != nil {
		log.Warn("defer next status check failed", zap.Error(err))
	}
}

func (r *Reconciler) retryBackoff() time.Duration {
	if r.RetryBackoff <= 0 {
		return 5 * time.Minute
	}
	return r.RetryBackoff
}
