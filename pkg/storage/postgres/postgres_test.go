// Copyright 2026 Unicity Labs
//

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/unicitylabs/aggregator/pkg/storage"
	"github.com/unicitylabs/aggregator/pkg/types"
)

// memSmtStorage is a throwaway storage.SmtStorage fake so TestBindProducesFullySatisfiedStore
// doesn't need a live smtkv/LevelDB instance just to check wiring.
type memSmtStorage struct{ nodes []types.SmtNode }

func newMemSmtStorage() *memSmtStorage { return &memSmtStorage{} }

func (s *memSmtStorage) InsertBatch(ctx context.Context, tx storage.Tx, nodes []types.SmtNode) error {
	s.nodes = append(s.nodes, nodes...)
	return nil
}

func (s *memSmtStorage) LoadAll(ctx context.Context) ([]types.SmtNode, error) {
	return s.nodes, nil
}

// Exercised against a real Postgres instance when AGGREGATOR_TEST_DATABASE_URL
// is set; skipped otherwise, mirroring the reference repository_test.go's
// CERTEN_TEST_DB convention.
var testClient *Client

func TestMain(m *testing.M) {
	dsn := os.Getenv("AGGREGATOR_TEST_DATABASE_URL")
	if dsn == "" {
		os.Exit(0)
	}

	var err error
	testClient, err = NewClient(Config{DatabaseURL: dsn})
	if err != nil {
		panic("connect test database: " + err.Error())
	}
	if err := testClient.MigrateUp(context.Background()); err != nil {
		panic("migrate test database: " + err.Error())
	}

	code := m.Run()
	testClient.Close()
	os.Exit(code)
}

func requireTestClient(t *testing.T) *Client {
	t.Helper()
	if testClient == nil {
		t.Skip("AGGREGATOR_TEST_DATABASE_URL not set, skipping postgres integration test")
	}
	return testClient
}

func TestCommitmentEnqueueAndListAfter(t *testing.T) {
	c := requireTestClient(t)
	ctx := context.Background()

	cm := types.Commitment{
		RequestID:       []byte("pg-request-1"),
		TransactionHash: types.ImprintedHash{Algorithm: "sha256", Digest: make([]byte, 32)},
		Authenticator:   types.Authenticator{Algorithm: "secp256k1", PublicKey: []byte("pub"), Signature: []byte("sig"), StateHash: []byte("state")},
	}
	id, err := c.Enqueue(ctx, cm)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	batch, err := c.ListAfter(ctx, id-1, 10)
	if err != nil {
		t.Fatalf("ListAfter: %v", err)
	}
	found := false
	for _, got := range batch {
		if got.StorageID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected enqueued commitment %d to appear in ListAfter", id)
	}
}

func TestAggregatorRecordUpsertBatchIsConflictSafe(t *testing.T) {
	c := requireTestClient(t)
	ctx := context.Background()

	record := types.AggregatorRecord{
		RequestID:       []byte("pg-request-2"),
		TransactionHash: types.ImprintedHash{Algorithm: "sha256", Digest: make([]byte, 32)},
		Authenticator:   types.Authenticator{Algorithm: "secp256k1", PublicKey: []byte("pub"), Signature: []byte("sig"), StateHash: []byte("state")},
	}

	tx, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := c.UpsertBatch(ctx, tx, []types.AggregatorRecord{record}); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Re-inserting the same requestId must not error (ON CONFLICT DO NOTHING).
	tx2, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := c.UpsertBatch(ctx, tx2, []types.AggregatorRecord{record}); err != nil {
		t.Fatalf("UpsertBatch replay: %v", err)
	}
	if err := tx2.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := c.Get(ctx, record.RequestID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected record to be retrievable after upsert")
	}
}

func TestCursorBeginAndCompleteBatch(t *testing.T) {
	c := requireTestClient(t)
	ctx := context.Background()

	before, err := c.GetCursor(ctx)
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}

	endID := before.LastProcessedID + 1
	if err := c.BeginBatch(ctx, endID); err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}

	mid, err := c.GetCursor(ctx)
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if mid.Status != types.CursorInProgress || mid.CurrentBatchEndID == nil || *mid.CurrentBatchEndID != endID {
		t.Fatalf("expected cursor IN_PROGRESS at %d, got %+v", endID, mid)
	}

	tx, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := c.CompleteBatch(ctx, tx, endID); err != nil {
		t.Fatalf("CompleteBatch: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	after, err := c.GetCursor(ctx)
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if after.Status != types.CursorComplete || after.LastProcessedID != endID || after.CurrentBatchEndID != nil {
		t.Fatalf("expected cursor COMPLETE at %d, got %+v", endID, after)
	}
}

func TestLeadershipTryAcquireExcludesOtherHolder(t *testing.T) {
	c := requireTestClient(t)
	ctx := context.Background()
	lockID := "pg-test-lock"

	// Best-effort cleanup from a prior failed run.
	_ = c.Release(ctx, lockID, "node-a")
	_ = c.Release(ctx, lockID, "node-b")

	ok, err := c.TryAcquire(ctx, lockID, "node-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected node-a to acquire free lock, got ok=%v err=%v", ok, err)
	}

	ok, err = c.TryAcquire(ctx, lockID, "node-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected node-b to be refused while node-a holds a valid lock, got ok=%v err=%v", ok, err)
	}

	if err := c.Release(ctx, lockID, "node-a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	lock, err := c.GetLock(ctx, lockID)
	if err != nil {
		t.Fatalf("GetLock: %v", err)
	}
	if lock != nil {
		t.Fatalf("expected lock row to be cleared after Release, got %+v", lock)
	}
}

func TestBlockInsertAndLatest(t *testing.T) {
	c := requireTestClient(t)
	ctx := context.Background()

	tx, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	before, err := c.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	nextIndex := int64(1)
	if before != nil {
		nextIndex = before.Index + 1
	}

	block := types.Block{
		Index:             nextIndex,
		ChainID:           1,
		Version:           "1.0",
		ForkID:            "genesis",
		Timestamp:         time.Now(),
		RootHash:          [32]byte{1, 2, 3},
		PreviousBlockHash: make([]byte, 32),
		TxProof:           []byte("proof"),
	}
	if err := c.InsertBlock(ctx, tx, block); err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	after, err := c.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if after == nil || after.Index != nextIndex {
		t.Fatalf("expected latest block index %d, got %+v", nextIndex, after)
	}
}

func TestBindProducesFullySatisfiedStore(t *testing.T) {
	c := requireTestClient(t)
	smtStore := newMemSmtStorage()
	store := c.Bind(smtStore)
	if store.Commitments == nil || store.AggregatorRecords == nil || store.BlockRecords == nil ||
		store.Blocks == nil || store.SmtNodes == nil || store.Leadership == nil || store.Cursor == nil || store.Beginner == nil {
		t.Fatalf("expected Bind to wire every capability, got %+v", store)
	}
}
