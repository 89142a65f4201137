// Copyright 2026 Unicity Labs
//

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/unicitylabs/aggregator/pkg/types"
)

func TestEnqueueAssignsMonotoneStorageID(t *testing.T) {
	s := New()
	ctx := context.Background()

	id1, err := s.Enqueue(ctx, types.Commitment{RequestID: []byte("a")})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	id2, err := s.Enqueue(ctx, types.Commitment{RequestID: []byte("b")})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("expected monotone storage IDs, got %d then %d", id1, id2)
	}
}

func TestListAfterRespectsLimitAndCursor(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.Enqueue(ctx, types.Commitment{RequestID: []byte{byte(i)}}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	batch, err := s.ListAfter(ctx, 0, 2)
	if err != nil {
		t.Fatalf("ListAfter: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 commitments, got %d", len(batch))
	}

	rest, err := s.ListAfter(ctx, batch[len(batch)-1].StorageID, 10)
	if err != nil {
		t.Fatalf("ListAfter: %v", err)
	}
	if len(rest) != 3 {
		t.Fatalf("expected 3 remaining commitments, got %d", len(rest))
	}
}

func TestAggregatorRecordGetMissingReturnsNilNotError(t *testing.T) {
	s := New()
	rec, err := s.Get(context.Background(), []byte("missing"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for unknown requestId")
	}
}

func TestUpsertBatchThenGet(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, _ := s.Begin(ctx)

	record := types.AggregatorRecord{RequestID: []byte("r1"), TransactionHash: types.ImprintedHash{Algorithm: "sha256", Digest: make([]byte, 32)}}
	if err := s.UpsertBatch(ctx, tx, []types.AggregatorRecord{record}); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	got, err := s.Get(ctx, []byte("r1"))
	if err != nil || got == nil {
		t.Fatalf("expected record to be retrievable, err=%v got=%v", err, got)
	}
}

func TestBlockInsertAndLatest(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, _ := s.Begin(ctx)

	if latest, err := s.Latest(ctx); err != nil || latest != nil {
		t.Fatalf("expected no latest block on empty store, got %v, err=%v", latest, err)
	}

	if err := s.InsertBlock(ctx, tx, types.Block{Index: 1}); err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}
	if err := s.InsertBlock(ctx, tx, types.Block{Index: 2}); err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}

	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.Index != 2 {
		t.Fatalf("expected latest block index 2, got %+v", latest)
	}
}

func TestLeadershipTryAcquireAndHeartbeat(t *testing.T) {
	s := New()
	ctx := context.Background()

	ok, err := s.TryAcquire(ctx, "lock", "node-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first TryAcquire to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = s.TryAcquire(ctx, "lock", "node-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second node's TryAcquire to fail while lock is held, got ok=%v err=%v", ok, err)
	}

	ok, err = s.Heartbeat(ctx, "lock", "node-a")
	if err != nil || !ok {
		t.Fatalf("expected heartbeat from current holder to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = s.Heartbeat(ctx, "lock", "node-b")
	if err != nil || ok {
		t.Fatalf("expected heartbeat from non-holder to fail, got ok=%v err=%v", ok, err)
	}
}

func TestLeadershipExpiredLockCanBeReacquired(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.TryAcquire(ctx, "lock", "node-a", time.Millisecond); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	ok, err := s.TryAcquire(ctx, "lock", "node-b", time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected expired lock to be reacquirable by a new node, got ok=%v err=%v", ok, err)
	}
}

func TestCursorBeginAndCompleteBatch(t *testing.T) {
	s := New()
	ctx := context.Background()

	cursor, err := s.GetCursor(ctx)
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if cursor.Status != types.CursorComplete {
		t.Fatalf("expected initial cursor status COMPLETE, got %s", cursor.Status)
	}

	if err := s.BeginBatch(ctx, 42); err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	cursor, _ = s.GetCursor(ctx)
	if cursor.Status != types.CursorInProgress || cursor.CurrentBatchEndID == nil || *cursor.CurrentBatchEndID != 42 {
		t.Fatalf("expected cursor IN_PROGRESS with end 42, got %+v", cursor)
	}

	tx, _ := s.Begin(ctx)
	if err := s.CompleteBatch(ctx, tx, 42); err != nil {
		t.Fatalf("CompleteBatch: %v", err)
	}
	cursor, _ = s.GetCursor(ctx)
	if cursor.Status != types.CursorComplete || cursor.LastProcessedID != 42 || cursor.CurrentBatchEndID != nil {
		t.Fatalf("expected cursor COMPLETE at 42 with no pending end, got %+v", cursor)
	}
}

func TestBindSatisfiesAggregateStore(t *testing.T) {
	s := New()
	store := s.Bind()
	if store.Commitments == nil || store.AggregatorRecords == nil || store.BlockRecords == nil ||
		store.Blocks == nil || store.SmtNodes == nil || store.Leadership == nil || store.Cursor == nil || store.Beginner == nil {
		t.Fatalf("expected every capability to be bound, got %+v", store)
	}
}
