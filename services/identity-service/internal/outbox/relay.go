package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/identitybus/libs/amqpx"
	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/publisher"
)

// Source yields pending records; *Repository implements it.
type Source interface {
	Drain(ctx context.Context, limit int, send func(Record) error) (int, error)
}

// Sender puts one message on the wire.
type Sender interface {
	Send(ctx context.Context, msg publisher.Message) error
}

type RelayConfig struct {
	PollEvery time.Duration
	BatchSize int
}

// Relay delivers deferred messages once the broker connection is back.
type Relay struct {
	source    Source
	sender    Sender
	logger    *slog.Logger
	pollEvery time.Duration
	batchSize int
}

func NewRelay(source Source, sender Sender, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Relay{
		source:    source,
		sender:    sender,
		logger:    logger.With("component", "outbox-relay"),
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flush(ctx)
		}
	}
}

// flush drains batches until the outbox is empty or sending stops.
func (r *Relay) flush(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := r.source.Drain(ctx, r.batchSize, func(rcd Record) error {
			return r.sender.Send(rcd.Message.Trace.Context(ctx), rcd.Message)
		})
		if n > 0 {
			r.logger.Info("outbox messages relayed", "count", n)
		}
		switch {
		case errors.Is(err, amqpx.ErrNotOpen):
			return
		case err != nil:
			r.logger.Error("outbox relay failed", "err", err)
			return
		case n < r.batchSize:
			return
		}
	}
}
