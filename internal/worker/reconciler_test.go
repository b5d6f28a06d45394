package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jmehdipour/coursepay/internal/model"
	"github.com/jmehdipour/coursepay/internal/repository/repotest"
	"github.com/jmehdipour/coursepay/internal/service/checkout"
	"github.com/jmehdipour/coursepay/internal/service/enrollment"
	"github.com/jmehdipour/coursepay/internal/service/settlement"
	"go.uber.org/zap"
)

type queryAnswer struct {
	outcome model.PaymentOutcome
	final   bool
	err     error
}

type fakeQuerier map[string]queryAnswer

func (q fakeQuerier) Query(_ context.Context, checkoutID string) (model.PaymentOutcome, bool, error) {
	a := q[checkoutID]
	if a.final {
		a.outcome.CheckoutRequestID = checkoutID
	}
	return a.outcome, a.final, a.err
}

func TestReconciler_RunOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payments := repotest.NewPayments()
	enrollments := repotest.NewEnrollments()
	receiver := settlement.New(&repotest.Transactor{}, payments, &repotest.Outbox{}, enrollment.New(enrollments, zap.NewNop()), zap.NewNop())

	seed := func(id, user string, age time.Duration) {
		t.Helper()
		err := payments.Insert(context.Background(), nil, model.PaymentRequest{
			ID:                id,
			CheckoutRequestID: id,
			UserID:            user,
			CourseID:          "course-1",
			Amount:            100,
			Status:            model.StatusPending,
			CreatedAt:         now.Add(-age),
		})
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("paid", "u-paid", 5*time.Minute)
	seed("cancelled", "u-cancelled", 5*time.Minute)
	seed("waiting", "u-waiting", 5*time.Minute)
	seed("abandoned", "u-abandoned", 2*time.Hour)
	seed("unreachable", "u-unreachable", 2*time.Hour)
	seed("fresh", "u-fresh", 30*time.Second)

	gw := fakeQuerier{
		"paid":        {outcome: model.PaymentOutcome{ResultCode: 0, ResultDesc: "ok"}, final: true},
		"cancelled":   {outcome: model.PaymentOutcome{ResultCode: 1032, ResultDesc: "cancelled"}, final: true},
		"waiting":     {},
		"abandoned":   {},
		"unreachable": {err: errors.New("gateway unavailable")},
		"fresh":       {outcome: model.PaymentOutcome{ResultCode: 0}, final: true},
	}

	r := NewReconciler(payments, gw, receiver, zap.NewNop())
	r.now = func() time.Time { return now }
	r.PendingAfter = 2 * time.Minute
	r.ExpireAfter = time.Hour

	sum, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	want := PassSummary{Checked: 5, Settled: 2, Expired: 1, Waiting: 1, Errors: 1}
	if sum != want {
		t.Fatalf("expected %+v, got %+v", want, sum)
	}

	status := func(id string) model.PaymentRequest {
		p, _ := payments.GetByCheckoutID(context.Background(), id)
		return *p
	}
	if status("paid").Status != model.StatusSucceeded {
		t.Fatalf("paid request not settled")
	}
	if e, _ := enrollments.Get(context.Background(), "u-paid", "course-1"); e == nil {
		t.Fatalf("paid request not enrolled")
	}
	if status("cancelled").Status != model.StatusFailed {
		t.Fatalf("cancelled request not failed")
	}
	if status("waiting").Status != model.StatusPending {
		t.Fatalf("young request must stay pending")
	}
	abandoned := status("abandoned")
	if abandoned.Status != model.StatusFailed || abandoned.ResultCode == nil || *abandoned.ResultCode != model.ResultCodeExpired {
		t.Fatalf("abandoned request not expired: %+v", abandoned)
	}
	unreachable := status("unreachable")
	if unreachable.Status != model.StatusPending {
		t.Fatalf("query errors must not expire a request")
	}
	if unreachable.NextCheckAt == nil || !unreachable.NextCheckAt.Equal(now.Add(r.RetryBackoff)) {
		t.Fatalf("failed query should back off the next check, got %v", unreachable.NextCheckAt)
	}
	if status("fresh").Status != model.StatusPending {
		t.Fatalf("fresh request must not be queried")
	}
	if enrollments.Len() != 1 {
		t.Fatalf("expected one enrollment, got %d", enrollments.Len())
	}
}

// A request the gateway keeps failing to report on must not hold up younger
// requests behind it.
func TestReconciler_StuckRequestDoesNotStarveBatch(t *testing.T) {
	rejected := fmt.Errorf("%w: code=400.002.02 Invalid CheckoutRequestID", checkout.ErrGatewayRejection)
	unavailable := fmt.Errorf("%w: status=503", checkout.ErrGatewayUnavailable)

	cases := []struct {
		name       string
		badAge     time.Duration
		badErr     error
		wantBad    model.PaymentStatus
		wantExpiry bool
	}{
		{"rejected past deadline", 3 * time.Hour, rejected, model.StatusFailed, true},
		{"rejected before deadline", 10 * time.Minute, rejected, model.StatusPending, false},
		{"unavailable past deadline", 3 * time.Hour, unavailable, model.StatusPending, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			payments := repotest.NewPayments()
			enrollments := repotest.NewEnrollments()
			receiver := settlement.New(&repotest.Transactor{}, payments, &repotest.Outbox{}, enrollment.New(enrollments, zap.NewNop()), zap.NewNop())

			for _, row := range []struct {
				id  string
				age time.Duration
			}{{"bad", tc.badAge}, {"paid", 5 * time.Minute}} {
				err := payments.Insert(context.Background(), nil, model.PaymentRequest{
					ID:                row.id,
					CheckoutRequestID: row.id,
					UserID:            "u-" + row.id,
					CourseID:          "course-1",
					Amount:            100,
					Status:            model.StatusPending,
					CreatedAt:         now.Add(-row.age),
				})
				if err != nil {
					t.Fatalf("seed %s: %v", row.id, err)
				}
			}

			gw := fakeQuerier{
				"bad":  {err: tc.badErr},
				"paid": {outcome: model.PaymentOutcome{ResultCode: 0, ResultDesc: "ok"}, final: true},
			}
			r := NewReconciler(payments, gw, receiver, zap.NewNop())
			r.now = func() time.Time { return now }
			r.PendingAfter = 2 * time.Minute
			r.ExpireAfter = time.Hour
			r.BatchSize = 1

			for pass := 0; pass < 2; pass++ {
				if _, err := r.RunOnce(context.Background()); err != nil {
					t.Fatalf("pass %d: %v", pass, err)
				}
			}

			paid, _ := payments.GetByCheckoutID(context.Background(), "paid")
			if paid.Status != model.StatusSucceeded {
				t.Fatalf("younger request starved behind the stuck one: %+v", paid)
			}
			if e, _ := enrollments.Get(context.Background(), "u-paid", "course-1"); e == nil {
				t.Fatalf("paid request not enrolled")
			}

			bad, _ := payments.GetByCheckoutID(context.Background(), "bad")
			if bad.Status != tc.wantBad {
				t.Fatalf("expected stuck request %s, got %s", tc.wantBad, bad.Status)
			}
			if tc.wantExpiry && (bad.ResultCode == nil || *bad.ResultCode != model.ResultCodeExpired) {
				t.Fatalf("expected expiry result code, got %+v", bad)
			}
			if e, _ := enrollments.Get(context.Background(), "u-bad", "course-1"); e != nil {
				t.Fatalf("stuck request must never enroll")
			}
		})
	}
}
