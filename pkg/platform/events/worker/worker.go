package worker

import (
	"context"
	"log/slog"
	"time"

	"carbonledger/pkg/platform/events"
)

// Source is the replayable side of an event store.
type Source interface {
	ListAfter(ctx context.Context, seq uint64, limit int) ([]events.Event, error)
}

const (
	defaultInterval  = 500 * time.Millisecond
	defaultBatchSize = 100
)

// Relay tails a Source and forwards events to a Sink in sequence order. A
// failed append is retried from the same position on the next tick, so the
// sink sees every event at least once and never out of order.
type Relay struct {
	source    Source
	sink      events.Sink
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	position  uint64
}

type Option func(*Relay)

func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		r.interval = d
	}
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		r.batchSize = n
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// StartAfter skips events up to and including seq.
func StartAfter(seq uint64) Option {
	return func(r *Relay) {
		r.position = seq
	}
}

func NewRelay(source Source, sink events.Sink, opts ...Option) *Relay {
	r := &Relay{
		source:    source,
		sink:      sink,
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Run forwards events until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.WarnContext(ctx, "event relay flush failed",
				"error", err,
				"position", r.position,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Flush forwards everything currently available after the relay position.
func (r *Relay) Flush(ctx context.Context) error {
	for {
		batch, err := r.source.ListAfter(ctx, r.position, r.batchSize)
		if err != nil {
			return err
		}
		for _, event := range batch {
			if err := r.sink.Append(ctx, event); err != nil {
				return err
			}
			r.position = event.Seq
		}
		if len(batch) < r.batchSize {
			return nil
		}
	}
}

// Position is the Seq of the last forwarded event.
func (r *Relay) Position() uint64 {
	return r.position
}
