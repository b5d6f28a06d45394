package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/coursepay/internal/kafka"
	"github.com/jmehdipour/coursepay/internal/model"
	"github.com/jmehdipour/coursepay/internal/repository/repotest"
	"go.uber.org/zap"
)

type fakeSource struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
}

func newFakeSource() *fakeSource {
	return &fakeSource{msgs: make(chan kafka.Message, 16)}
}

func (s *fakeSource) Fetch(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (s *fakeSource) Commit(_ context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, msgs...)
	return nil
}

func (s *fakeSource) committedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed)
}

func eventMessage(t *testing.T, offset int64, id string) kafka.Message {
	t.Helper()
	b, err := json.Marshal(model.PaymentEvent{
		ID:                id,
		Type:              model.EventPaymentSucceeded,
		CheckoutRequestID: "ws_" + id,
		UserID:            "user-7",
		Status:            model.StatusSucceeded,
		OccurredAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Offset: offset, Value: b}
}

func TestProjector_RunProjectsAndCommits(t *testing.T) {
	src := newFakeSource()
	store := &repotest.CHPayments{}
	p := NewProjector(src, store, zap.NewNop())
	p.BatchSize = 2
	p.BatchWait = 20 * time.Millisecond

	src.msgs <- eventMessage(t, 1, "e1")
	src.msgs <- kafka.Message{Offset: 2, Value: []byte("not json")}
	src.msgs <- eventMessage(t, 3, "e2")
	src.msgs <- eventMessage(t, 4, "e3")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for src.committedCount() < 4 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if src.committedCount() != 4 {
		t.Fatalf("expected all four offsets committed, got %d", src.committedCount())
	}
	if store.Len() != 3 {
		t.Fatalf("expected three projected events, got %d", store.Len())
	}
}

func TestProjector_FlushFailureKeepsOffsets(t *testing.T) {
	src := newFakeSource()
	store := &repotest.CHPayments{Err: errors.New("clickhouse down")}
	p := NewProjector(src, store, zap.NewNop())

	var b projectBatch
	p.add(&b, eventMessage(t, 1, "e1"))

	if err := p.flush(context.Background(), &b); err == nil {
		t.Fatalf("expected flush error")
	}
	if src.committedCount() != 0 {
		t.Fatalf("offsets must not be committed before the insert succeeds")
	}
	if b.len() != 1 {
		t.Fatalf("batch must be kept for retry, got %d", b.len())
	}

	store.Err = nil
	if err := p.flush(context.Background(), &b); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if src.committedCount() != 1 || store.Len() != 1 || b.len() != 0 {
		t.Fatalf("retry did not complete: committed=%d stored=%d buffered=%d", src.committedCount(), store.Len(), b.len())
	}
}

func TestDecodeEvent(t *testing.T) {
	raw := `{"id":"e1","type":"payment.failed","checkout_request_id":"ws_1","status":"failed","result_code":1032}`

	ev, err := decodeEvent([]byte(raw))
	if err != nil || ev.ResultCode != 1032 || ev.Status != model.StatusFailed {
		t.Fatalf("object payload: %+v %v", ev, err)
	}

	wrapped, _ := json.Marshal(raw)
	ev, err = decodeEvent(wrapped)
	if err != nil || ev.ID != "e1" {
		t.Fatalf("string payload: %+v %v", ev, err)
	}

	if _, err := decodeEvent([]byte(`{"type":"payment.failed"}`)); err == nil {
		t.Fatalf("expected error for event without ids")
	}
}
