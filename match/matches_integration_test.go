package match

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"reclaim/asset"
	"reclaim/clock"
	"reclaim/events"
)

// TestMatchLifecycle_Integration runs propose, verify, and complete against a
// real PostgreSQL via DATABASE_URL, checking pair uniqueness and attempt
// accounting at the database level.
func TestMatchLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var haveSchema bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'match_requests')`).Scan(&haveSchema); err != nil || !haveSchema {
		t.Skip("database schema missing; apply migrations/ first")
	}

	nano := time.Now().UnixNano()
	var ownerID, finderID string
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name) VALUES ($1, 'Owner Itest') RETURNING id::text`,
		fmt.Sprintf("match-owner+%d@example.com", nano)).Scan(&ownerID); err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name) VALUES ($1, 'Finder Itest') RETURNING id::text`,
		fmt.Sprintf("match-finder+%d@example.com", nano)).Scan(&finderID); err != nil {
		t.Fatalf("seed finder: %v", err)
	}

	category := fmt.Sprintf("itest-match-%d", nano)
	clk := clock.NewManual(500)
	outbox := events.NewOutbox()
	assetSvc := asset.NewService(pool, asset.NewRepository(pool), clk, outbox)

	secret := bytes.Repeat([]byte{0xa7}, 32)
	hash := bytes.Repeat([]byte{0x22}, 32)

	lost, err := assetSvc.ReportLost(ctx, ownerID, asset.ReportLostParams{
		Category:         category,
		Description:      "silver watch",
		LastSeenLocation: "gym",
		ContactHash:      hash,
		Secret:           secret,
	})
	if err != nil {
		t.Fatalf("report lost: %v", err)
	}
	found, err := assetSvc.ReportFound(ctx, finderID, asset.ReportFoundParams{
		Category:      category,
		Description:   "silver watch",
		FoundLocation: "locker room",
		ContactHash:   hash,
	})
	if err != nil {
		t.Fatalf("report found: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM match_requests WHERE lost_asset_id = $1`, lost.ID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'lost_asset_id' = $1 OR payload->>'asset_id' IN ($2, $3)`,
			fmt.Sprint(lost.ID), fmt.Sprint(lost.ID), fmt.Sprint(found.ID))
		pool.Exec(ctx2, `DELETE FROM assets WHERE id IN ($1, $2)`, lost.ID, found.ID)
		pool.Exec(ctx2, `DELETE FROM category_counts WHERE category = $1`, category)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, ownerID, finderID)
	})

	svc := NewService(pool, NewRepository(pool), asset.NewRepository(pool), clk, outbox)

	score, err := svc.Propose(ctx, finderID, lost.ID, found.ID)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if score != 100 {
		t.Fatalf("same category and identical description should score 100, got %d", score)
	}

	// Pair uniqueness is enforced by the primary key.
	if _, err := svc.Propose(ctx, finderID, lost.ID, found.ID); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on duplicate pair, got %v", err)
	}

	wrong := bytes.Repeat([]byte{0x00}, 32)
	ok, err := svc.Verify(ctx, ownerID, lost.ID, found.ID, wrong)
	if err != nil {
		t.Fatalf("verify (wrong code): %v", err)
	}
	if ok {
		t.Fatalf("wrong code must not verify")
	}

	var attempts int
	if err := pool.QueryRow(ctx, `SELECT attempts FROM match_requests WHERE lost_asset_id = $1 AND found_asset_id = $2`,
		lost.ID, found.ID).Scan(&attempts); err != nil {
		t.Fatalf("read attempts: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 burned attempt, got %d", attempts)
	}

	clk.Advance(3)
	ok, err = svc.Verify(ctx, ownerID, lost.ID, found.ID, secret)
	if err != nil {
		t.Fatalf("verify (right code): %v", err)
	}
	if !ok {
		t.Fatalf("correct code must verify")
	}

	var status string
	var verifiedTime *int64
	if err := pool.QueryRow(ctx, `SELECT status, verified_time FROM match_requests WHERE lost_asset_id = $1 AND found_asset_id = $2`,
		lost.ID, found.ID).Scan(&status, &verifiedTime); err != nil {
		t.Fatalf("read request: %v", err)
	}
	if status != "verified" || verifiedTime == nil || *verifiedTime != 503 {
		t.Fatalf("unexpected request state: status=%s verified_time=%v", status, verifiedTime)
	}

	if err := svc.Complete(ctx, ownerID, lost.ID, found.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	var outCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'lost_asset_id' = $2`,
		events.TopicItemReturned, fmt.Sprint(lost.ID)).Scan(&outCount); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if outCount != 1 {
		t.Fatalf("expected 1 item.returned outbox message, got %d", outCount)
	}
}
