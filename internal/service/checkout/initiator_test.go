package checkout

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/coursepay/internal/model"
	"github.com/jmehdipour/coursepay/internal/mpesa"
	"github.com/jmehdipour/coursepay/internal/repository"
	"github.com/jmehdipour/coursepay/internal/repository/repotest"
	"go.uber.org/zap"
)

type fakeGateway struct {
	mu       sync.Mutex
	pushes   []mpesa.STKPushRequest
	pushRes  *mpesa.STKPushResponse
	pushErr  error
	queryRes *mpesa.STKQueryResponse
	queryErr error
}

func (g *fakeGateway) STKPush(_ context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, req)
	return g.pushRes, g.pushErr
}

func (g *fakeGateway) STKQuery(_ context.Context, _ mpesa.STKQueryRequest) (*mpesa.STKQueryResponse, error) {
	return g.queryRes, g.queryErr
}

func (g *fakeGateway) pushCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pushes)
}

type fixture struct {
	gw       *fakeGateway
	payments *repotest.Payments
	outbox   *repotest.Outbox
	in       *Initiator
}

func testConfig() Config {
	return Config{
		ShortCode:        "174379",
		Passkey:          "pk",
		AccountReference: "COURSEPAY",
		CallbackBaseURL:  "https://pay.example.com/",
		CallbackPath:     "/v1/mpesa/callback",
	}
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		gw: &fakeGateway{pushRes: &mpesa.STKPushResponse{
			MerchantRequestID:   "m-1",
			CheckoutRequestID:   "ws_CO_1",
			ResponseCode:        "0",
			ResponseDescription: "Success. Request accepted for processing",
			CustomerMessage:     "Success. Request accepted for processing",
		}},
		payments: repotest.NewPayments(),
		outbox:   &repotest.Outbox{},
	}
	f.in = New(cfg, f.gw, &repotest.Transactor{}, f.payments, f.outbox, zap.NewNop())
	// a server-local clock; stored times must come out in UTC
	f.in.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("EAT", 3*60*60)) }
	return f
}

func validRequest() Request {
	return Request{PhoneNumber: "0712345678", Amount: 1500, CourseID: "course-42", UserID: "user-7"}
}

func TestInitiate_Accepted(t *testing.T) {
	f := newFixture(testConfig())

	res := f.in.Initiate(context.Background(), validRequest())
	if !res.Success || res.Err != nil {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.CheckoutRequestID != "ws_CO_1" {
		t.Fatalf("unexpected checkout id %q", res.CheckoutRequestID)
	}

	p, _ := f.payments.GetByCheckoutID(context.Background(), "ws_CO_1")
	if p == nil {
		t.Fatalf("payment request not persisted")
	}
	if p.Status != model.StatusPending || p.UserID != "user-7" || p.CourseID != "course-42" || p.Amount != 1500 {
		t.Fatalf("unexpected payment request %+v", p)
	}
	wantAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if !p.CreatedAt.Equal(wantAt) || !p.UpdatedAt.Equal(wantAt) || p.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamps %s, got created=%s updated=%s", wantAt, p.CreatedAt, p.UpdatedAt)
	}

	events := f.outbox.PaymentEvents()
	if len(events) != 1 || events[0].Type != model.EventPaymentPending || events[0].CheckoutRequestID != "ws_CO_1" {
		t.Fatalf("unexpected outbox events %+v", events)
	}
	rows := f.outbox.Rows()
	if rows[0].Aggregate != repository.PaymentAggregate || rows[0].AggregateID != "ws_CO_1" || rows[0].Topic != repository.PaymentEventsTopic {
		t.Fatalf("unexpected outbox row %+v", rows[0])
	}
	if !rows[0].CreatedAt.Equal(events[0].OccurredAt) {
		t.Fatalf("outbox row time %s differs from event time %s", rows[0].CreatedAt, events[0].OccurredAt)
	}
}

func TestInitiate_PushFields(t *testing.T) {
	f := newFixture(testConfig())
	f.in.Initiate(context.Background(), validRequest())

	if f.gw.pushCount() != 1 {
		t.Fatalf("expected one push, got %d", f.gw.pushCount())
	}
	push := f.gw.pushes[0]

	if push.PartyA != "254712345678" || push.PhoneNumber != "254712345678" {
		t.Fatalf("phone not normalized: %+v", push)
	}
	if push.PartyB != "174379" || push.BusinessShortCode != "174379" {
		t.Fatalf("unexpected short codes: %+v", push)
	}
	if push.TransactionType != mpesa.TransactionTypePayBill || push.Amount != 1500 {
		t.Fatalf("unexpected push %+v", push)
	}
	if push.Timestamp != "20260301120000" {
		t.Fatalf("unexpected timestamp %s", push.Timestamp)
	}
	raw, _ := base64.StdEncoding.DecodeString(push.Password)
	if string(raw) != "174379pk20260301120000" {
		t.Fatalf("unexpected password material %q", raw)
	}

	u, err := url.Parse(push.CallBackURL)
	if err != nil {
		t.Fatalf("callback url: %v", err)
	}
	if u.Host != "pay.example.com" || u.Path != "/v1/mpesa/callback" {
		t.Fatalf("unexpected callback url %s", push.CallBackURL)
	}
	if u.Query().Get("userId") != "user-7" || u.Query().Get("courseId") != "course-42" {
		t.Fatalf("callback url lacks correlation ids: %s", push.CallBackURL)
	}
}

func TestInitiate_CallbackURLEscapesIDs(t *testing.T) {
	f := newFixture(testConfig())
	req := validRequest()
	req.UserID = "user 7&x=1"
	f.in.Initiate(context.Background(), req)

	u, _ := url.Parse(f.gw.pushes[0].CallBackURL)
	if got := u.Query().Get("userId"); got != "user 7&x=1" {
		t.Fatalf("user id not round-tripped, got %q", got)
	}
}

func TestInitiate_RejectedByResponseCode(t *testing.T) {
	f := newFixture(testConfig())
	f.gw.pushRes = &mpesa.STKPushResponse{ResponseCode: "1", ResponseDescription: "Insufficient balance"}

	res := f.in.Initiate(context.Background(), validRequest())
	if res.Success {
		t.Fatalf("expected failure")
	}
	if !errors.Is(res.Err, ErrGatewayRejection) {
		t.Fatalf("expected ErrGatewayRejection, got %v", res.Err)
	}
	if res.Message != "Insufficient balance" {
		t.Fatalf("expected gateway description, got %q", res.Message)
	}
	if f.payments.Len() != 0 || len(f.outbox.PaymentEvents()) != 0 {
		t.Fatalf("rejected push must not be persisted")
	}
}

func TestInitiate_GatewayErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"api rejection", &mpesa.APIError{StatusCode: 400, Code: "400.002.02", Message: "Bad Request - Invalid PhoneNumber"}, ErrGatewayRejection},
		{"server error", &mpesa.APIError{StatusCode: 503, Message: "down"}, ErrGatewayUnavailable},
		{"network", fmt.Errorf("%w: dial tcp: timeout", mpesa.ErrUnavailable), ErrGatewayUnavailable},
		{"credentials", mpesa.ErrMissingCredentials, ErrAuth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(testConfig())
			f.gw.pushRes, f.gw.pushErr = nil, tc.err

			res := f.in.Initiate(context.Background(), validRequest())
			if res.Success || !errors.Is(res.Err, tc.want) {
				t.Fatalf("expected %v, got %+v", tc.want, res)
			}
			if res.Message == "" {
				t.Fatalf("expected a message")
			}
			if f.payments.Len() != 0 {
				t.Fatalf("failed push must not be persisted")
			}
		})
	}
}

func TestInitiate_APIRejectionMessage(t *testing.T) {
	f := newFixture(testConfig())
	f.gw.pushRes, f.gw.pushErr = nil, &mpesa.APIError{StatusCode: 400, Message: "Bad Request - Invalid Amount"}

	res := f.in.Initiate(context.Background(), validRequest())
	if res.Message != "Bad Request - Invalid Amount" {
		t.Fatalf("expected gateway message, got %q", res.Message)
	}
}

func TestInitiate_NotConfiguredMakesNoCall(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"short code":   func(c *Config) { c.ShortCode = "" },
		"passkey":      func(c *Config) { c.Passkey = "" },
		"callback url": func(c *Config) { c.CallbackBaseURL = "" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			f := newFixture(cfg)

			res := f.in.Initiate(context.Background(), validRequest())
			if res.Success || !errors.Is(res.Err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %+v", res)
			}
			if f.gw.pushCount() != 0 {
				t.Fatalf("gateway must not be called, got %d pushes", f.gw.pushCount())
			}
		})
	}
}

func TestInitiate_InvalidRequest(t *testing.T) {
	cases := map[string]func(*Request){
		"no user":     func(r *Request) { r.UserID = "" },
		"no course":   func(r *Request) { r.CourseID = " " },
		"zero amount": func(r *Request) { r.Amount = 0 },
		"bad phone":   func(r *Request) { r.PhoneNumber = "12345" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(testConfig())
			req := validRequest()
			mutate(&req)

			res := f.in.Initiate(context.Background(), req)
			if res.Success || !errors.Is(res.Err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %+v", res)
			}
			if f.gw.pushCount() != 0 {
				t.Fatalf("gateway must not be called")
			}
		})
	}
}

func TestInitiate_PersistFailure(t *testing.T) {
	f := newFixture(testConfig())
	f.in.tx = &repotest.Transactor{Err: errors.New("db down")}

	res := f.in.Initiate(context.Background(), validRequest())
	if res.Success || res.Err == nil {
		t.Fatalf("expected failure when the request cannot be recorded, got %+v", res)
	}
}

func TestQuery(t *testing.T) {
	cases := []struct {
		name      string
		res       *mpesa.STKQueryResponse
		err       error
		wantFinal bool
		wantCode  int
		wantErr   error
	}{
		{name: "paid", res: &mpesa.STKQueryResponse{ResponseCode: "0", ResultCode: "0", ResultDesc: "ok"}, wantFinal: true, wantCode: 0},
		{name: "cancelled", res: &mpesa.STKQueryResponse{ResponseCode: "0", ResultCode: "1032", ResultDesc: "Request cancelled by user"}, wantFinal: true, wantCode: 1032},
		{name: "processing code", res: &mpesa.STKQueryResponse{ResponseCode: "0", ResultCode: "4999"}},
		{name: "no code", res: &mpesa.STKQueryResponse{ResponseCode: "0"}},
		{name: "still processing error", err: &mpesa.APIError{StatusCode: 500, Code: mpesa.CodeStillProcessing}},
		{name: "unavailable", err: &mpesa.APIError{StatusCode: 502}, wantErr: ErrGatewayUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(testConfig())
			f.gw.queryRes, f.gw.queryErr = tc.res, tc.err

			out, final, err := f.in.Query(context.Background(), "ws_CO_1")
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if final != tc.wantFinal {
				t.Fatalf("expected final=%v, got %v", tc.wantFinal, final)
			}
			if final && (out.ResultCode != tc.wantCode || out.CheckoutRequestID != "ws_CO_1") {
				t.Fatalf("unexpected outcome %+v", out)
			}
		})
	}
}
