// Copyright 2026 Unicity Labs
//

package smtkv

import (
	"context"
	"testing"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/unicitylabs/aggregator/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(dbm.MemDBBackend, "test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertBatchThenLoadAllPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	nodes := []types.SmtNode{
		{Path: [32]byte{1}, Value: [32]byte{10}},
		{Path: [32]byte{2}, Value: [32]byte{20}},
		{Path: [32]byte{3}, Value: [32]byte{30}},
	}
	if err := s.InsertBatch(ctx, nil, nodes); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	loaded, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != len(nodes) {
		t.Fatalf("expected %d nodes, got %d", len(nodes), len(loaded))
	}
	for i, n := range nodes {
		if loaded[i].Path != n.Path || loaded[i].Value != n.Value {
			t.Fatalf("expected insertion order preserved at %d, got %+v want %+v", i, loaded[i], n)
		}
	}
}

func TestInsertBatchIsIdempotentPerPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path := [32]byte{7}
	if err := s.InsertBatch(ctx, nil, []types.SmtNode{{Path: path, Value: [32]byte{1}}}); err != nil {
		t.Fatalf("first InsertBatch: %v", err)
	}
	// Insert-if-absent: a later batch for the same path is silently skipped,
	// even with a different value, matching the leader's replay-safety rule.
	if err := s.InsertBatch(ctx, nil, []types.SmtNode{{Path: path, Value: [32]byte{2}}}); err != nil {
		t.Fatalf("second InsertBatch: %v", err)
	}

	loaded, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected exactly 1 node for a repeated path, got %d", len(loaded))
	}
	if loaded[0].Value != ([32]byte{1}) {
		t.Fatalf("expected the first-written value to stick, got %x", loaded[0].Value)
	}
}

func TestLoadAllOnEmptyStore(t *testing.T) {
	s := newTestStore(t)
	loaded, err := s.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected no nodes on an empty store, got %d", len(loaded))
	}
}

func TestInsertBatchAcrossMultipleCalls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertBatch(ctx, nil, []types.SmtNode{{Path: [32]byte{1}, Value: [32]byte{10}}}); err != nil {
		t.Fatalf("InsertBatch 1: %v", err)
	}
	if err := s.InsertBatch(ctx, nil, []types.SmtNode{{Path: [32]byte{2}, Value: [32]byte{20}}}); err != nil {
		t.Fatalf("InsertBatch 2: %v", err)
	}

	loaded, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 nodes across two InsertBatch calls, got %d", len(loaded))
	}
}
