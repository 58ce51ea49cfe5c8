// Package outbox relays lifecycle notifications written by the ledger
// transactions to the notification boundary. Delivery is at least once.
package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"escrowflow/ledger"
)

// Publisher hands one message to whatever delivers notifications.
type Publisher interface {
	Publish(ctx context.Context, msg ledger.OutboxMessage) error
}

// LogPublisher writes messages to the structured log. It stands in for a
// chat or email notifier, which lives outside this service.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, msg ledger.OutboxMessage) error {
	p.logger.Info("notification",
		zap.String("outbox_id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.Any("payload", msg.Payload),
	)
	return nil
}

type Options struct {
	BatchSize   int
	MaxAttempts int
	Logger      *zap.Logger
}

// Relay claims pending outbox rows and marks each dispatched, or dead once
// it has failed MaxAttempts times.
type Relay struct {
	store       ledger.Store
	pub         Publisher
	batch       int
	maxAttempts int
	logger      *zap.Logger
}

func NewRelay(store ledger.Store, pub Publisher, opts Options) *Relay {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Relay{store: store, pub: pub, batch: opts.BatchSize, maxAttempts: opts.MaxAttempts, logger: opts.Logger}
}

// Stats counts what one Drain did.
type Stats struct {
	Dispatched int
	Retried    int
	Dead       int
}

// Drain processes one batch. Claimed rows stay locked until the batch
// commits, so concurrent relays never publish the same row twice.
func (r *Relay) Drain(ctx context.Context) (Stats, error) {
	var st Stats
	err := r.store.InTx(ctx, func(tx ledger.Tx) error {
		st = Stats{}
		msgs, err := tx.ClaimOutbox(ctx, r.batch)
		if err != nil {
			return fmt.Errorf("outbox: claim: %w", err)
		}
		for _, msg := range msgs {
			status, attempts := ledger.OutboxDispatched, msg.Attempts
			if perr := r.pub.Publish(ctx, msg); perr != nil {
				attempts++
				status = ledger.OutboxPending
				if attempts >= r.maxAttempts {
					status = ledger.OutboxDead
				}
				r.logger.Warn("publish failed",
					zap.String("outbox_id", msg.ID),
					zap.String("topic", msg.Topic),
					zap.Int("attempts", attempts),
					zap.Error(perr),
				)
			}
			if err := tx.MarkOutbox(ctx, msg.ID, status, attempts); err != nil {
				return fmt.Errorf("outbox: mark %s: %w", msg.ID, err)
			}
			switch status {
			case ledger.OutboxDispatched:
				st.Dispatched++
			case ledger.OutboxDead:
				st.Dead++
			default:
				st.Retried++
			}
		}
		return nil
	})
	return st, err
}

// Run drains on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st, err := r.Drain(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("outbox drain failed", zap.Error(err))
				continue
			}
			if st.Dead > 0 {
				r.logger.Error("outbox messages dead-lettered", zap.Int("count", st.Dead))
			}
		}
	}
}
