package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Outbox writes and drains the transactional outbox. Enqueue runs inside the
// caller's transaction so an event row commits if and only if the state
// change it describes commits.
type Outbox struct {
	idGenerator func() string
}

// NewOutbox builds the outbox repository.
func NewOutbox() *Outbox {
	return &Outbox{
		idGenerator: func() string { return uuid.NewString() },
	}
}

// WithIDGenerator overrides message id generation, for deterministic tests.
func (o *Outbox) WithIDGenerator(gen func() string) *Outbox {
	o.idGenerator = gen
	return o
}

// Enqueue appends a pending message within the given transaction.
func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("events: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (id, topic, payload) VALUES ($1, $2, $3::jsonb)`,
		o.idGenerator(), topic, string(body)); err != nil {
		return fmt.Errorf("events: enqueue %s: %w", topic, err)
	}
	return nil
}

// ClaimPending locks up to limit pending messages for this transaction.
// SKIP LOCKED lets concurrent workers drain disjoint batches.
func (o *Outbox) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, status, attempts, created_at, last_attempt
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("events: claim pending: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt, &m.LastAttempt); err != nil {
			return nil, fmt.Errorf("events: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: iterate messages: %w", err)
	}
	return out, nil
}

// MarkProcessed flags a delivered message.
func (o *Outbox) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("events: mark processed: %w", err)
	}
	return nil
}

// MarkFailed bumps the attempt counter and dead-letters the message once the
// budget is spent.
func (o *Outbox) MarkFailed(ctx context.Context, tx pgx.Tx, id string, maxAttempts int) error {
	const query = `
		UPDATE outbox
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END,
		    last_attempt = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, query, id, maxAttempts); err != nil {
		return fmt.Errorf("events: mark failed: %w", err)
	}
	return nil
}
