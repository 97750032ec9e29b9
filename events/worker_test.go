package events

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"reclaim/testutil"
)

type fakeStore struct {
	pending   []Message
	processed []string
	failed    []string
	claimErr  error
}

func (f *fakeStore) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	batch := f.pending[:limit]
	f.pending = f.pending[limit:]
	return batch, nil
}

func (f *fakeStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, tx pgx.Tx, id string, maxAttempts int) error {
	f.failed = append(f.failed, id)
	return nil
}

type fakeSink struct {
	delivered []string
	failOn    map[string]bool
}

func (f *fakeSink) Deliver(ctx context.Context, msg Message) error {
	if f.failOn[msg.ID] {
		return errors.New("sink unavailable")
	}
	f.delivered = append(f.delivered, msg.ID)
	return nil
}

func TestDrainOnce(t *testing.T) {
	pool := &testutil.FakePool{}
	store := &fakeStore{pending: []Message{
		{ID: "m1", Topic: TopicEscrowCreated},
		{ID: "m2", Topic: TopicMatchProposed},
	}}
	sink := &fakeSink{}
	w := NewWorker(pool, store, sink, nil)

	if err := w.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(sink.delivered) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(sink.delivered))
	}
	if len(store.processed) != 2 || store.processed[0] != "m1" {
		t.Fatalf("unexpected processed set: %v", store.processed)
	}
	if !pool.Tx.Committed {
		t.Fatalf("expected batch transaction committed")
	}
}

func TestDrainOnce_FailedDeliveryKeepsDraining(t *testing.T) {
	pool := &testutil.FakePool{}
	store := &fakeStore{pending: []Message{
		{ID: "m1", Topic: TopicEscrowReleased},
		{ID: "m2", Topic: TopicEscrowReleased},
	}}
	sink := &fakeSink{failOn: map[string]bool{"m1": true}}
	w := NewWorker(pool, store, sink, nil)

	if err := w.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(store.failed) != 1 || store.failed[0] != "m1" {
		t.Fatalf("expected m1 marked failed, got %v", store.failed)
	}
	if len(store.processed) != 1 || store.processed[0] != "m2" {
		t.Fatalf("expected m2 processed, got %v", store.processed)
	}
	if !pool.Tx.Committed {
		t.Fatalf("a partial batch must still commit its outcomes")
	}
}

func TestDrainOnce_ClaimErrorRollsBack(t *testing.T) {
	pool := &testutil.FakePool{}
	store := &fakeStore{claimErr: errors.New("boom")}
	w := NewWorker(pool, store, &fakeSink{}, nil)

	if err := w.DrainOnce(context.Background()); err == nil {
		t.Fatalf("expected claim error to surface")
	}
	if pool.Tx.Committed {
		t.Fatalf("claim failure must not commit")
	}
	if !pool.Tx.Rolled {
		t.Fatalf("expected rollback")
	}
}
