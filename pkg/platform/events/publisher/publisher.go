package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"carbonledger/pkg/platform/events"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("event publisher closed")

// Publisher fans committed events out to the primary store and any extra
// sinks. In async mode a single goroutine drains the buffer, so delivery order
// equals Emit order.
type Publisher struct {
	store  events.Store
	sinks  []events.Sink
	logger *slog.Logger

	bufferSize int
	queue      chan queued
	done       chan struct{}

	mu     sync.RWMutex
	closed bool
}

type queued struct {
	ctx   context.Context
	event events.Event
}

type Option func(*Publisher)

// WithAsyncBuffer enables async delivery through a buffer of size n.
func WithAsyncBuffer(n int) Option {
	return func(p *Publisher) {
		p.bufferSize = n
	}
}

// WithSinks adds secondary sinks. Their failures are logged, never returned.
func WithSinks(sinks ...events.Sink) Option {
	return func(p *Publisher) {
		p.sinks = append(p.sinks, sinks...)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func NewPublisher(store events.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.bufferSize > 0 {
		p.queue = make(chan queued, p.bufferSize)
		p.done = make(chan struct{})
		go p.run()
	}
	return p
}

// Emit delivers event, or enqueues it in async mode. In async mode Emit waits
// for buffer space until ctx is done.
func (p *Publisher) Emit(ctx context.Context, event events.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if p.queue == nil {
		return p.deliver(ctx, event)
	}
	select {
	case p.queue <- queued{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List replays events from the primary store.
func (p *Publisher) List(ctx context.Context, afterSeq uint64, limit int) ([]events.Event, error) {
	return p.store.ListAfter(ctx, afterSeq, limit)
}

// Close stops accepting events and, in async mode, drains the buffer.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	if p.queue != nil {
		close(p.queue)
		<-p.done
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for q := range p.queue {
		if err := p.deliver(q.ctx, q.event); err != nil {
			p.logger.ErrorContext(q.ctx, "failed to store event",
				"error", err,
				"seq", q.event.Seq,
				"kind", string(q.event.Kind),
			)
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, event events.Event) error {
	if err := p.store.Append(ctx, event); err != nil {
		return err
	}
	for _, sink := range p.sinks {
		if err := sink.Append(ctx, event); err != nil {
			p.logger.WarnContext(ctx, "event sink rejected event",
				"error", err,
				"seq", event.Seq,
				"kind", string(event.Kind),
			)
		}
	}
	return nil
}
