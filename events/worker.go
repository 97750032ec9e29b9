package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Sink receives committed events. Delivery is best-effort: the core never
// waits on it, and a failing sink only delays the outbox row.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store abstracts the outbox repository for testability.
type Store interface {
	ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, maxAttempts int) error
}

// Worker drains the outbox in the background and hands messages to the sink.
type Worker struct {
	pool        TxBeginner
	store       Store
	sink        Sink
	logger      *slog.Logger
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

// NewWorker constructs a relay worker with conservative defaults: small batches,
// short poll interval, five delivery attempts before dead-lettering.
func NewWorker(pool TxBeginner, store Store, sink Sink, logger *slog.Logger) *Worker {
	if store == nil {
		store = NewOutbox()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		pool:        pool,
		store:       store,
		sink:        sink,
		logger:      logger,
		interval:    250 * time.Millisecond,
		batchSize:   10,
		maxAttempts: 5,
	}
}

// WithInterval overrides the poll interval.
func (w *Worker) WithInterval(d time.Duration) *Worker {
	if d > 0 {
		w.interval = d
	}
	return w
}

// Run drains the outbox until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.DrainOnce(ctx); err != nil {
				w.logger.ErrorContext(ctx, "outbox drain failed", "error", err)
			}
		}
	}
}

// DrainOnce claims one batch, attempts delivery, and commits the results.
func (w *Worker) DrainOnce(ctx context.Context) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	msgs, err := w.store.ClaimPending(ctx, tx, w.batchSize)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		if err := w.sink.Deliver(ctx, msg); err != nil {
			w.logger.WarnContext(ctx, "event delivery failed",
				"message_id", msg.ID,
				"topic", msg.Topic,
				"attempts", msg.Attempts+1,
				"error", err,
			)
			if err := w.store.MarkFailed(ctx, tx, msg.ID, w.maxAttempts); err != nil {
				return err
			}
			continue
		}
		if err := w.store.MarkProcessed(ctx, tx, msg.ID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// LogSink is the default sink: it records events on the structured log.
// Deployments wire the reputation subsystem's client here instead.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(ctx context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "event", "topic", msg.Topic, "payload", string(msg.Payload))
	return nil
}
