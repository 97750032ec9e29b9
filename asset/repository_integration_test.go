package asset

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"reclaim/clock"
	"reclaim/events"
)

// TestAssetLedger_Integration connects to a real PostgreSQL via DATABASE_URL
// and verifies sequential id allocation, category counting, and the outbox
// trail across the report and status operations.
func TestAssetLedger_Integration(t *testing.T) {
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

	if !tableExists(ctx, t, pool, "assets") || !tableExists(ctx, t, pool, "counters") || !tableExists(ctx, t, pool, "outbox") {
		t.Skip("database schema missing; apply migrations/ first")
	}

	nano := time.Now().UnixNano()
	category := fmt.Sprintf("itest-cat-%d", nano)

	var ownerID, finderID string
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name) VALUES ($1, 'Owner Itest') RETURNING id::text`,
		fmt.Sprintf("owner+%d@example.com", nano)).Scan(&ownerID); err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name) VALUES ($1, 'Finder Itest') RETURNING id::text`,
		fmt.Sprintf("finder+%d@example.com", nano)).Scan(&finderID); err != nil {
		t.Fatalf("seed finder: %v", err)
	}

	clk := clock.NewManual(100)
	svc := NewService(pool, NewRepository(pool), clk, events.NewOutbox())

	secret := bytes.Repeat([]byte{0x5a}, 32)
	hash := bytes.Repeat([]byte{0x11}, 32)

	first, err := svc.ReportLost(ctx, ownerID, ReportLostParams{
		Category:         category,
		Description:      "black umbrella",
		LastSeenLocation: "platform 4",
		Reward:           200,
		ContactHash:      hash,
		Secret:           secret,
	})
	if err != nil {
		t.Fatalf("report lost (first): %v", err)
	}
	second, err := svc.ReportLost(ctx, ownerID, ReportLostParams{
		Category:         category,
		Description:      "red umbrella",
		LastSeenLocation: "platform 5",
		ContactHash:      hash,
		Secret:           secret,
	})
	if err != nil {
		t.Fatalf("report lost (second): %v", err)
	}

	found, err := svc.ReportFound(ctx, finderID, ReportFoundParams{
		Category:      category,
		Description:   "black umbrella",
		FoundLocation: "depot",
		ContactHash:   hash,
	})
	if err != nil {
		t.Fatalf("report found: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'asset_id' IN ($1, $2, $3)`,
			fmt.Sprint(first.ID), fmt.Sprint(second.ID), fmt.Sprint(found.ID))
		pool.Exec(ctx2, `DELETE FROM assets WHERE id IN ($1, $2, $3)`, first.ID, second.ID, found.ID)
		pool.Exec(ctx2, `DELETE FROM category_counts WHERE category = $1`, category)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, ownerID, finderID)
	})

	if second.ID != first.ID+1 || found.ID != second.ID+1 {
		t.Fatalf("expected sequential ids, got %d, %d, %d", first.ID, second.ID, found.ID)
	}
	if first.ReportTime != 100 {
		t.Fatalf("expected report_time 100, got %d", first.ReportTime)
	}

	// Found reports carry the zero sentinel instead of a real secret.
	var storedSecret []byte
	if err := pool.QueryRow(ctx, `SELECT secret FROM assets WHERE id = $1`, found.ID).Scan(&storedSecret); err != nil {
		t.Fatalf("read found secret: %v", err)
	}
	if !bytes.Equal(storedSecret, make([]byte, 32)) {
		t.Fatalf("expected zero sentinel secret on found report, got %x", storedSecret)
	}

	var lostCount, foundCount int64
	if err := pool.QueryRow(ctx, `SELECT lost_count, found_count FROM category_counts WHERE category = $1`, category).Scan(&lostCount, &foundCount); err != nil {
		t.Fatalf("read category counts: %v", err)
	}
	if lostCount != 2 || foundCount != 1 {
		t.Fatalf("expected counts 2/1, got %d/%d", lostCount, foundCount)
	}

	clk.Advance(5)
	claimed, err := svc.UpdateStatus(ctx, ownerID, UpdateStatusParams{
		AssetID:   first.ID,
		NewStatus: StatusFound,
		Finder:    &finderID,
	})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if claimed.Status != StatusFound || claimed.FinderID == nil || *claimed.FinderID != finderID {
		t.Fatalf("unexpected asset after transition: status=%s finder=%v", claimed.Status, claimed.FinderID)
	}
	if claimed.FoundTime == nil || *claimed.FoundTime != 105 {
		t.Fatalf("expected found_time 105, got %v", claimed.FoundTime)
	}

	// The lifecycle never walks backwards.
	if _, err := svc.UpdateStatus(ctx, ownerID, UpdateStatusParams{AssetID: first.ID, NewStatus: StatusLost}); err == nil {
		t.Fatalf("expected invalid transition error going found -> lost")
	}

	var outCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'asset_id' = $2`,
		events.TopicAssetLostReported, fmt.Sprint(first.ID)).Scan(&outCount); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if outCount != 1 {
		t.Fatalf("expected 1 lost_reported outbox message, got %d", outCount)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
