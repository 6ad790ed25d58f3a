package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/dalat-app/rsvp-engine/internal/admission"
	"github.com/dalat-app/rsvp-engine/internal/metrics"
)

// Sink delivers one domain event. AMQPPublisher.Publish and Handler.Handle
// both fit.
type Sink func(ctx context.Context, ev admission.DomainEvent) error

// Publisher is the admission.Dispatcher used in production. Dispatch only
// enqueues; Run drains the buffer into the sink. A full buffer drops the
// event instead of stalling the request that committed it.
type Publisher struct {
	events  chan admission.DomainEvent
	sink    Sink
	timeout time.Duration
	log     *slog.Logger
}

var _ admission.Dispatcher = (*Publisher)(nil)

// NewPublisher returns a Publisher with room for buffer pending events.
func NewPublisher(buffer int, sink Sink, log *slog.Logger) *Publisher {
	if buffer < 1 {
		buffer = 1
	}
	return &Publisher{
		events:  make(chan admission.DomainEvent, buffer),
		sink:    sink,
		timeout: 5 * time.Second,
		log:     log,
	}
}

// Dispatch enqueues events without blocking.
func (p *Publisher) Dispatch(events ...admission.DomainEvent) {
	for _, ev := range events {
		select {
		case p.events <- ev:
		default:
			metrics.Dispatched.WithLabelValues("dropped").Inc()
			p.log.Warn("notification buffer full, dropping event",
				"type", ev.Type, "event_id", ev.EventID, "user_id", ev.UserID)
		}
	}
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// still buffered.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-p.events:
			p.deliver(ctx, ev)
		case <-ctx.Done():
			p.flush()
			return nil
		}
	}
}

func (p *Publisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	for {
		select {
		case ev := <-p.events:
			p.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, ev admission.DomainEvent) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.sink(ctx, ev); err != nil {
		metrics.Dispatched.WithLabelValues("failed").Inc()
		p.log.Error("delivering domain event failed",
			"type", ev.Type, "event_id", ev.EventID, "user_id", ev.UserID, "error", err)
		return
	}
	metrics.Dispatched.WithLabelValues("published").Inc()
}
