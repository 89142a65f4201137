// Copyright 2026 Unicity Labs
//

package follower

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/unicitylabs/aggregator/pkg/hashing"
	"github.com/unicitylabs/aggregator/pkg/smt"
	"github.com/unicitylabs/aggregator/pkg/storage/memory"
	"github.com/unicitylabs/aggregator/pkg/types"
)

type fakeFeed struct {
	events chan types.ChangeEvent
	errs   chan error
	tokens map[string]string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		events: make(chan types.ChangeEvent, 8),
		errs:   make(chan error, 1),
		tokens: make(map[string]string),
	}
}

func (f *fakeFeed) Subscribe(ctx context.Context, resumeToken string) (<-chan types.ChangeEvent, <-chan error) {
	return f.events, f.errs
}

func (f *fakeFeed) PersistResumeToken(ctx context.Context, serverID, token string) error {
	f.tokens[serverID] = token
	return nil
}

func (f *fakeFeed) LoadResumeToken(ctx context.Context, serverID string) (string, error) {
	return f.tokens[serverID], nil
}

func requestIDFor(n byte) []byte {
	return append([]byte{n}, make([]byte, 31)...)
}

func TestMirrorAppliesChangeFeedEvents(t *testing.T) {
	mem := memory.New()
	store := mem.Bind()
	ctx := context.Background()

	digest := sha256.Sum256([]byte("tx-1"))
	record := types.AggregatorRecord{
		RequestID:       requestIDFor(1),
		TransactionHash: types.ImprintedHash{Algorithm: "sha256", Digest: digest[:]},
	}
	tx, _ := store.Beginner.Begin(ctx)
	if err := store.AggregatorRecords.UpsertBatch(ctx, tx, []types.AggregatorRecord{record}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	tree := smt.New()
	feed := newFakeFeed()
	mirror := New(tree, feed, store.AggregatorRecords, store.SmtNodes, "follower-1")

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- mirror.Start(runCtx) }()

	feed.events <- types.ChangeEvent{
		BlockRecords: types.BlockRecords{BlockNumber: 1, RequestIDs: [][]byte{record.RequestID}},
		ResumeToken:  "token-1",
	}

	deadline := time.After(time.Second)
	for {
		path := hashing.PathOf(record.RequestID)
		proof := tree.GetPath(path)
		var zero [32]byte
		if proof.Value != zero {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for mirror to apply change event")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if token := feed.tokens["follower-1"]; token != "token-1" {
		t.Errorf("expected resume token to be persisted, got %q", token)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("mirror did not stop after context cancellation")
	}
}

func TestMirrorStartSkipsReloadWhenResumeTokenPersisted(t *testing.T) {
	mem := memory.New()
	store := mem.Bind()
	ctx := context.Background()

	// A node present in durable storage but never loaded into the
	// mirror's tree: if Start skips reload because a resume token is
	// already persisted, this node must stay absent from the tree.
	node := types.SmtNode{Path: [32]byte{9}, Value: [32]byte{9}}
	tx, _ := store.Beginner.Begin(ctx)
	if err := store.SmtNodes.InsertBatch(ctx, tx, []types.SmtNode{node}); err != nil {
		t.Fatalf("seed smt node: %v", err)
	}

	tree := smt.New()
	feed := newFakeFeed()
	feed.tokens["follower-resume"] = "42"
	mirror := New(tree, feed, store.AggregatorRecords, store.SmtNodes, "follower-resume")

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- mirror.Start(runCtx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("mirror did not stop after context cancellation")
	}

	proof := tree.GetPath(node.Path)
	var zero [32]byte
	if proof.Value != zero {
		t.Fatalf("expected reload to be skipped when a resume token is already persisted")
	}
}

func TestMirrorReloadSeedsFromPersistedNodes(t *testing.T) {
	mem := memory.New()
	store := mem.Bind()
	ctx := context.Background()

	node := types.SmtNode{Path: [32]byte{1}, Value: [32]byte{2}}
	tx, _ := store.Beginner.Begin(ctx)
	if err := store.SmtNodes.InsertBatch(ctx, tx, []types.SmtNode{node}); err != nil {
		t.Fatalf("seed smt node: %v", err)
	}

	tree := smt.New()
	mirror := New(tree, newFakeFeed(), store.AggregatorRecords, store.SmtNodes, "follower-2")

	if err := mirror.reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	proof := tree.GetPath(node.Path)
	if proof.Value != node.Value {
		t.Fatalf("expected reload to apply persisted node, got value %x", proof.Value)
	}
}

func TestMirrorRootHashReflectsTree(t *testing.T) {
	tree := smt.New()
	mirror := New(tree, newFakeFeed(), nil, nil, "follower-3")
	if mirror.RootHash() != tree.RootHash() {
		t.Fatalf("expected mirror RootHash to match underlying tree's root")
	}
}
