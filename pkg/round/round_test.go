// Copyright 2026 Unicity Labs
//

package round

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/unicitylabs/aggregator/pkg/anchor"
	"github.com/unicitylabs/aggregator/pkg/hashing"
	"github.com/unicitylabs/aggregator/pkg/smt"
	"github.com/unicitylabs/aggregator/pkg/storage/memory"
	"github.com/unicitylabs/aggregator/pkg/types"
)

func commitment(n byte) types.Commitment {
	digest := sha256.Sum256([]byte{n})
	return types.Commitment{
		RequestID:       append([]byte{n}, make([]byte, 31)...),
		TransactionHash: types.ImprintedHash{Algorithm: "sha256", Digest: digest[:]},
		Authenticator:   types.Authenticator{Algorithm: "secp256k1", PublicKey: []byte{n}, StateHash: []byte{n}},
	}
}

func newTestManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	mem := memory.New()
	store := mem.Bind()
	tree := smt.New()
	mockAnchor := anchor.NewMock(make([]byte, 32))
	mgr := New(Config{
		RoundDuration:       10 * time.Millisecond,
		CommitmentBatchSize: 10,
		ChainID:             1,
		Version:             "1.0",
		ForkID:              "genesis",
		InitialBlockHash:    make([]byte, 32),
	}, store, tree, mockAnchor, hashing.SHA256Hasher{}, func() bool { return true })
	return mgr, mem
}

func TestRunRoundFinalizesBlockFromQueuedCommitments(t *testing.T) {
	mgr, mem := newTestManager(t)
	ctx := context.Background()

	for i := byte(1); i <= 3; i++ {
		if _, err := mgr.SubmitCommitment(ctx, commitment(i)); err != nil {
			t.Fatalf("SubmitCommitment: %v", err)
		}
	}

	if err := mgr.runRound(ctx); err != nil {
		t.Fatalf("runRound: %v", err)
	}

	store := mem.Bind()
	latest, err := store.Blocks.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.Index != 1 {
		t.Fatalf("expected block 1 to be finalized, got %+v", latest)
	}

	records, err := store.BlockRecords.Get(ctx, 1)
	if err != nil {
		t.Fatalf("BlockRecords.Get: %v", err)
	}
	if records == nil || len(records.RequestIDs) != 3 {
		t.Fatalf("expected 3 request IDs in block 1, got %+v", records)
	}

	cursor, err := store.Cursor.Get(ctx)
	if err != nil {
		t.Fatalf("Cursor.Get: %v", err)
	}
	if cursor.Status != types.CursorComplete || cursor.LastProcessedID != 3 {
		t.Fatalf("expected cursor COMPLETE at 3, got %+v", cursor)
	}
}

func TestRunRoundNoopWhenQueueEmpty(t *testing.T) {
	mgr, mem := newTestManager(t)
	ctx := context.Background()

	if err := mgr.runRound(ctx); err != nil {
		t.Fatalf("runRound on empty queue: %v", err)
	}

	store := mem.Bind()
	latest, err := store.Blocks.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected no block finalized from an empty queue, got %+v", latest)
	}
}

func TestRunRoundSecondBlockChainsToFirst(t *testing.T) {
	mgr, mem := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.SubmitCommitment(ctx, commitment(1)); err != nil {
		t.Fatalf("SubmitCommitment: %v", err)
	}
	if err := mgr.runRound(ctx); err != nil {
		t.Fatalf("first runRound: %v", err)
	}

	if _, err := mgr.SubmitCommitment(ctx, commitment(2)); err != nil {
		t.Fatalf("SubmitCommitment: %v", err)
	}
	if err := mgr.runRound(ctx); err != nil {
		t.Fatalf("second runRound: %v", err)
	}

	store := mem.Bind()
	latest, err := store.Blocks.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.Index != 2 {
		t.Fatalf("expected block 2 to be the latest, got %+v", latest)
	}
}

func TestStartStopDoesNotProduceWhenNotLeader(t *testing.T) {
	mem := memory.New()
	store := mem.Bind()
	tree := smt.New()
	mockAnchor := anchor.NewMock(make([]byte, 32))
	mgr := New(Config{RoundDuration: 5 * time.Millisecond}, store, tree, mockAnchor, hashing.SHA256Hasher{}, func() bool { return false })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	mgr.Stop()

	latest, err := store.Blocks.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected no blocks produced while not leader, got %+v", latest)
	}
}
