package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/coursepay/internal/kafka"
	"github.com/jmehdipour/coursepay/internal/metrics"
	"github.com/jmehdipour/coursepay/internal/model"
	"github.com/jmehdipour/coursepay/internal/repository"
	"go.uber.org/zap"
)

// EventSource is the consumer-group view of the payments.events topic.
type EventSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// Projector:
// - fetches payment events relayed from the outbox,
// - buffers them until BatchSize or BatchWait,
// - writes each batch to ClickHouse and only then commits the offsets.
type Projector struct {
	Source EventSource
	Store  repository.CHPaymentsRepository
	Log    *zap.Logger

	BatchSize int
	BatchWait time.Duration
}

func NewProjector(source EventSource, store repository.CHPaymentsRepository, log *zap.Logger) *Projector {
	return &Projector{
		Source:    source,
		Store:     store,
		Log:       log,
		BatchSize: 500,
		BatchWait: time.Second,
	}
}

type projectBatch struct {
	events []model.PaymentEvent
	msgs   []kafka.Message
}

func (b *projectBatch) len() int { return len(b.msgs) }

func (b *projectBatch) reset() {
	b.events = b.events[:0]
	b.msgs = b.msgs[:0]
}

// Run blocks until ctx is cancelled, flushing what it holds before returning.
func (p *Projector) Run(ctx context.Context) error {
	if p.BatchSize <= 0 {
		p.BatchSize = 500
	}
	if p.BatchWait <= 0 {
		p.BatchWait = time.Second
	}

	msgCh := make(chan kafka.Message, p.BatchSize)
	go p.fetch(ctx, msgCh)

	tick := time.NewTicker(p.BatchWait)
	defer tick.Stop()

	var b projectBatch
	for {
		// a full batch that failed to flush stops intake until the next tick retries it
		in := msgCh
		if b.len() >= p.BatchSize {
			in = nil
		}

		select {
		case <-ctx.Done():
			p.finalFlush(ctx, &b)
			return nil

		case m, ok := <-in:
			if !ok {
				p.finalFlush(ctx, &b)
				return nil
			}
			p.add(&b, m)
			if b.len() >= p.BatchSize {
				_ = p.flush(ctx, &b)
			}

		case <-tick.C:
			_ = p.flush(ctx, &b)
		}
	}
}

func (p *Projector) fetch(ctx context.Context, out chan<- kafka.Message) {
	defer close(out)
	for {
		m, err := p.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.Log.Warn("projector fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		select {
		case out <- m:
		case <-ctx.Done():
			return
		}
	}
}

// add buffers m; undecodable messages are committed with the batch but not stored.
func (p *Projector) add(b *projectBatch, m kafka.Message) {
	b.msgs = append(b.msgs, m)

	ev, err := decodeEvent(m.Value)
	if err != nil {
		p.Log.Warn("projector skipping bad event",
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Error(err))
		return
	}
	b.events = append(b.events, ev)
}

func (p *Projector) flush(ctx context.Context, b *projectBatch) error {
	if b.len() == 0 {
		return nil
	}

	if err := p.Store.InsertEvents(ctx, b.events); err != nil {
		p.Log.Error("projector insert failed", zap.Int("events", len(b.events)), zap.Error(err))
		return err
	}
	metrics.ProjectedEventsTotal.Add(float64(len(b.events)))

	// a failed commit means redelivery; ClickHouse collapses rows by event id
	if err := p.Source.Commit(ctx, b.msgs...); err != nil {
		p.Log.Warn("projector commit failed", zap.Int("messages", b.len()), zap.Error(err))
	}

	p.Log.Debug("projector flushed", zap.Int("events", len(b.events)), zap.Int("messages", b.len()))
	b.reset()
	return nil
}

func (p *Projector) finalFlush(ctx context.Context, b *projectBatch) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = p.flush(fctx, b)
}

// decodeEvent accepts the outbox payload either as a JSON object or as a
// JSON string holding one, depending on how the connector serializes it.
func decodeEvent(value []byte) (model.PaymentEvent, error) {
	var ev model.PaymentEvent
	if len(value) > 0 && value[0] == '"' {
		var inner string
		if err := json.Unmarshal(value, &inner); err != nil {
			return ev, fmt.Errorf("decode payload string: %w", err)
		}
		value = []byte(inner)
	}
	if err := json.Unmarshal(value, &ev); err != nil {
		return ev, fmt.Errorf("decode payment event: %w", err)
	}
	if ev.ID == "" || ev.CheckoutRequestID == "" {
		return ev, errors.New("payment event missing id or checkout_request_id")
	}
	return ev, nil
}
