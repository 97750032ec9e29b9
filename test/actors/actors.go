// Package actors holds the concurrent workload for the stress harness. Each
// actor performs one escrow or match operation per iteration as a single
// transaction, the same discipline the services use, so the oracles can
// assert invariants at any commit boundary.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// tick mirrors the production clock at one tick per second so expiry races
// actually happen within a stress run.
func tick() int64 { return time.Now().Unix() }

// Depositor opens escrows on fresh asset ids, debiting its own account and
// crediting custody inside one transaction.
func Depositor(ctx context.Context, pool *pgxpool.Pool, depositorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		amount := int64(10 + rand.Intn(90))
		now := tick()
		ttl := int64(rand.Intn(4)) // some escrows expire almost immediately

		err := inTx(ctx, pool, func(tx pgx.Tx) error {
			var assetID int64
			if err := tx.QueryRow(ctx, `UPDATE counters SET value = value + 1 WHERE name = 'next_asset_id' RETURNING value - 1`).Scan(&assetID); err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $2 WHERE owner_id = $1 AND balance >= $2`, depositorID, amount)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return pgx.ErrNoRows // out of funds; skip this round
			}
			if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1 WHERE owner_id = 'custody'`, amount); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO escrows (asset_id, depositor_id, amount, status, created_time, expires_time)
                                       VALUES ($1, $2, $3, 'active', $4, $5)`, assetID, depositorID, amount, now, now+ttl); err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `UPDATE counters SET value = value + $1 WHERE name = 'escrowed_total'`, amount)
			return err
		})
		if err != nil && !errors.Is(err, pgx.ErrNoRows) && !benign(err) {
			return fmt.Errorf("depositor: %w", err)
		}

		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Releaser races the refunder: it pays out a random still-live active escrow
// to the beneficiary and opens its dispute window.
func Releaser(ctx context.Context, pool *pgxpool.Pool, depositorID, beneficiaryID string, stop <-chan struct{}) error {
	const window = 2 // seconds, matching the compressed stress clock
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		now := tick()
		err := inTx(ctx, pool, func(tx pgx.Tx) error {
			var assetID, amount int64
			err := tx.QueryRow(ctx, `SELECT asset_id, amount FROM escrows
                                     WHERE status = 'active' AND depositor_id = $1 AND expires_time >= $2
                                     ORDER BY random() LIMIT 1 FOR UPDATE SKIP LOCKED`, depositorID, now).Scan(&assetID, &amount)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE escrows SET status = 'released', beneficiary_id = $2, released_time = $3, dispute_deadline = $4, updated_at = NOW()
                                       WHERE asset_id = $1`, assetID, beneficiaryID, now, now+window); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $1 WHERE owner_id = 'custody'`, amount); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $2 WHERE owner_id = $1`, beneficiaryID, amount); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE counters SET value = value - $1 WHERE name = 'escrowed_total'`, amount); err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('escrow.released', jsonb_build_object('asset_id', $1))`, assetID)
			return err
		})
		if err != nil && !errors.Is(err, pgx.ErrNoRows) && !benign(err) {
			return fmt.Errorf("releaser: %w", err)
		}

		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Refunder reclaims expired active escrows for the depositor.
func Refunder(ctx context.Context, pool *pgxpool.Pool, depositorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		now := tick()
		err := inTx(ctx, pool, func(tx pgx.Tx) error {
			var assetID, amount int64
			err := tx.QueryRow(ctx, `SELECT asset_id, amount FROM escrows
                                     WHERE status = 'active' AND depositor_id = $1 AND expires_time < $2
                                     ORDER BY random() LIMIT 1 FOR UPDATE SKIP LOCKED`, depositorID, now).Scan(&assetID, &amount)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE escrows SET status = 'refunded', updated_at = NOW() WHERE asset_id = $1`, assetID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $1 WHERE owner_id = 'custody'`, amount); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $2 WHERE owner_id = $1`, depositorID, amount); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE counters SET value = value - $1 WHERE name = 'escrowed_total'`, amount); err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('escrow.refunded', jsonb_build_object('asset_id', $1))`, assetID)
			return err
		})
		if err != nil && !errors.Is(err, pgx.ErrNoRows) && !benign(err) {
			return fmt.Errorf("refunder: %w", err)
		}

		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Disputer contests released escrows inside the dispute window. The dispute
// row's primary key makes the second contest a no-op.
func Disputer(ctx context.Context, pool *pgxpool.Pool, initiatorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		now := tick()
		err := inTx(ctx, pool, func(tx pgx.Tx) error {
			var assetID, amount int64
			err := tx.QueryRow(ctx, `SELECT asset_id, amount FROM escrows
                                     WHERE status = 'released' AND dispute_deadline >= $1
                                     ORDER BY random() LIMIT 1 FOR UPDATE SKIP LOCKED`, now).Scan(&assetID, &amount)
			if err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, `INSERT INTO disputes (asset_id, initiator_id, reason, opened_time)
                                      VALUES ($1, $2, 'stress contest', $3) ON CONFLICT DO NOTHING`, assetID, initiatorID, now)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return pgx.ErrNoRows
			}
			if _, err := tx.Exec(ctx, `UPDATE escrows SET status = 'disputed', updated_at = NOW() WHERE asset_id = $1`, assetID); err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `UPDATE counters SET value = value + $1 WHERE name = 'escrowed_total'`, amount)
			return err
		})
		if err != nil && !errors.Is(err, pgx.ErrNoRows) && !benign(err) {
			return fmt.Errorf("disputer: %w", err)
		}

		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Resolver settles disputed escrows, paying out of custody a second time and
// flipping the resolved flag exactly once.
func Resolver(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		err := inTx(ctx, pool, func(tx pgx.Tx) error {
			var assetID, amount int64
			var depositor string
			var beneficiary *string
			err := tx.QueryRow(ctx, `SELECT e.asset_id, e.amount, e.depositor_id::text, e.beneficiary_id::text
                                     FROM escrows e JOIN disputes d USING (asset_id)
                                     WHERE e.status = 'disputed' AND NOT d.resolved
                                     ORDER BY random() LIMIT 1 FOR UPDATE OF e SKIP LOCKED`).Scan(&assetID, &amount, &depositor, &beneficiary)
			if err != nil {
				return err
			}

			awardToDepositor := rand.Intn(2) == 0 || beneficiary == nil
			recipient := depositor
			outcome := "refunded"
			if !awardToDepositor {
				recipient = *beneficiary
				outcome = "released"
			}

			if _, err := tx.Exec(ctx, `UPDATE disputes SET resolved = TRUE, updated_at = NOW() WHERE asset_id = $1 AND NOT resolved`, assetID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE escrows SET status = $2, updated_at = NOW() WHERE asset_id = $1`, assetID, outcome); err != nil {
				return err
			}
			// Custody is allowed to overdraw here.
			if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $1 WHERE owner_id = 'custody'`, amount); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $2 WHERE owner_id = $1`, recipient, amount); err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `UPDATE counters SET value = value - $1 WHERE name = 'escrowed_total'`, amount)
			return err
		})
		if err != nil && !errors.Is(err, pgx.ErrNoRows) && !benign(err) {
			return fmt.Errorf("resolver: %w", err)
		}

		time.Sleep(time.Duration(80+rand.Intn(120)) * time.Millisecond)
	}
}

// Verifier hammers the seeded match request with wrong codes, never pushing
// attempts past the budget.
func Verifier(ctx context.Context, pool *pgxpool.Pool, lostID, foundID int64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		err := inTx(ctx, pool, func(tx pgx.Tx) error {
			var attempts int
			var status string
			err := tx.QueryRow(ctx, `SELECT attempts, status FROM match_requests
                                     WHERE lost_asset_id = $1 AND found_asset_id = $2 FOR UPDATE`, lostID, foundID).Scan(&attempts, &status)
			if err != nil {
				return err
			}
			if status != "pending" || attempts >= 5 {
				return nil
			}
			_, err = tx.Exec(ctx, `UPDATE match_requests SET attempts = attempts + 1, updated_at = NOW()
                                   WHERE lost_asset_id = $1 AND found_asset_id = $2`, lostID, foundID)
			return err
		})
		if err != nil && !errors.Is(err, pgx.ErrNoRows) && !benign(err) {
			return fmt.Errorf("verifier: %w", err)
		}

		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED, marking
// them processed or dead after five attempts, with injected random failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			if benign(err) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 { // simulate a flaky sink
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1,
                                     status = CASE WHEN attempts + 1 >= 5 THEN 'dead' ELSE 'pending' END,
                                     last_attempt = NOW() WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// benign filters the errors the chaos actor manufactures: terminated
// backends and serialization aborts are expected, not failures.
func benign(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57P01", "40001", "40P01", "08006", "08003":
			return true
		}
	}
	return errors.Is(err, context.Canceled)
}
