// Package repotest holds in-memory repositories for service and handler tests.
package repotest

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/coursepay/internal/model"
	"github.com/jmehdipour/coursepay/internal/repository"
	"github.com/jmoiron/sqlx"
)

var ErrDuplicateCheckout = errors.New("repotest: duplicate checkout_request_id")

// Transactor runs fn without a real transaction; fakes ignore the nil tx.
type Transactor struct {
	mu    sync.Mutex
	Calls int
	Err   error // returned instead of running fn when set
}

func (t *Transactor) WithinTx(_ context.Context, fn func(tx *sqlx.Tx) error) error {
	t.mu.Lock()
	t.Calls++
	err := t.Err
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return fn(nil)
}

type Payments struct {
	mu   sync.Mutex
	rows map[string]model.PaymentRequest
	now  func() time.Time
}

func NewPayments() *Payments {
	return &Payments{rows: map[string]model.PaymentRequest{}, now: time.Now}
}

func (r *Payments) Insert(_ context.Context, _ *sqlx.Tx, p model.PaymentRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[p.CheckoutRequestID]; ok {
		return ErrDuplicateCheckout
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	r.rows[p.CheckoutRequestID] = p
	return nil
}

func (r *Payments) GetByCheckoutID(_ context.Context, checkoutID string) (*model.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[checkoutID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *Payments) MarkTerminal(_ context.Context, _ *sqlx.Tx, o model.PaymentOutcome, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[o.CheckoutRequestID]
	if !ok || p.Status != model.StatusPending {
		return false, nil
	}
	r.rows[o.CheckoutRequestID] = p.Apply(o, at)
	return true, nil
}

func (r *Payments) ListPendingDue(_ context.Context, createdBefore, now time.Time, limit int) ([]model.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.PaymentRequest
	for _, p := range r.rows {
		if p.Status != model.StatusPending || !p.CreatedAt.Before(createdBefore) {
			continue
		}
		if p.NextCheckAt != nil && p.NextCheckAt.After(now) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Payments) DeferCheck(_ context.Context, checkoutID string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[checkoutID]
	if !ok || p.Status != model.StatusPending {
		return nil
	}
	p.NextCheckAt = &until
	r.rows[checkoutID] = p
	return nil
}

func (r *Payments) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type Enrollments struct {
	mu     sync.Mutex
	rows   map[[2]string]model.Enrollment
	nextID int64
}

func NewEnrollments() *Enrollments {
	return &Enrollments{rows: map[[2]string]model.Enrollment{}}
}

func (r *Enrollments) Insert(_ context.Context, _ *sqlx.Tx, e model.Enrollment) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]string{e.UserID, e.CourseID}
	if _, ok := r.rows[key]; ok {
		return false, nil
	}
	r.nextID++
	e.ID = r.nextID
	e.EnrolledAt = time.Now()
	r.rows[key] = e
	return true, nil
}

func (r *Enrollments) Get(_ context.Context, userID, courseID string) (*model.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[[2]string{userID, courseID}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (r *Enrollments) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type Outbox struct {
	mu   sync.Mutex
	rows []model.OutboxEvent
}

func (r *Outbox) Insert(_ context.Context, _ *sqlx.Tx, ev model.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.rows) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.UpdatedAt = ev.CreatedAt
	r.rows = append(r.rows, ev)
	return nil
}

// Rows returns a copy of the recorded outbox rows.
func (r *Outbox) Rows() []model.OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.OutboxEvent(nil), r.rows...)
}

// PaymentEvents decodes every recorded payload.
func (r *Outbox) PaymentEvents() []model.PaymentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.PaymentEvent, 0, len(r.rows))
	for _, row := range r.rows {
		var ev model.PaymentEvent
		if err := json.Unmarshal(row.Payload, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

type CHPayments struct {
	mu     sync.Mutex
	Events []model.PaymentEvent
	Err    error
}

func (r *CHPayments) InsertEvents(_ context.Context, events []model.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Events = append(r.Events, events...)
	return nil
}

func (r *CHPayments) ListByUser(_ context.Context, userID string, status model.PaymentStatus, limit, offset int) ([]model.PaymentEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.PaymentEvent
	for _, ev := range r.Events {
		if ev.UserID == userID && (status == "" || ev.Status == status) {
			out = append(out, ev)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *CHPayments) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Events)
}

var (
	_ repository.Transactor            = (*Transactor)(nil)
	_ repository.PaymentsRepository    = (*Payments)(nil)
	_ repository.EnrollmentsRepository = (*Enrollments)(nil)
	_ repository.OutboxRepository      = (*Outbox)(nil)
	_ repository.CHPaymentsRepository  = (*CHPayments)(nil)
)
