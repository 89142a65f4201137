// Copyright 2026 Unicity Labs
//
// Package smtkv implements storage.SmtStorage over an embedded
// key-value database (CometBFT's dbm.DB), used by both the leader's
// live SMT and the follower mirror's local SMT as the durable leaf
// store, adapted from the reference CometBFT KV adapter.
package smtkv

import (
	"context"
	"encoding/binary"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/unicitylabs/aggregator/pkg/storage"
	"github.com/unicitylabs/aggregator/pkg/types"
)

var nodeCountKey = []byte("smt:node_count")

// Store wraps a dbm.DB, keying each SmtNode by its 32-byte path and
// recording an insertion-ordered index so LoadAll can replay nodes in
// the order they were first written, matching the reference ledger
// store's big-endian height-suffixed key layout.
type Store struct {
	db dbm.DB
}

// New opens a goleveldb-backed store at dir under name; callers that
// only need an in-process store for tests can pass "memdb" as backend.
func New(backend dbm.BackendType, name, dir string) (*Store, error) {
	db, err := dbm.NewDB(name, backend, dir)
	if err != nil {
		return nil, fmt.Errorf("smtkv: open %s: %w", name, err)
	}
	return &Store{db: db}, nil
}

func NewFromDB(db dbm.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func nodeKey(path [32]byte) []byte {
	return append([]byte("smt:node:"), path[:]...)
}

func indexKey(seq uint64) []byte {
	b := make([]byte, 8+len("smt:idx:"))
	copy(b, "smt:idx:")
	binary.BigEndian.PutUint64(b[len("smt:idx:"):], seq)
	return b
}

func (s *Store) InsertBatch(ctx context.Context, tx storage.Tx, nodes []types.SmtNode) error {
	seq, err := s.nextSeq()
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, n := range nodes {
		key := nodeKey(n.Path)
		existing, err := s.db.Get(key)
		if err != nil {
			return fmt.Errorf("smtkv: get %x: %w", n.Path, err)
		}
		if existing != nil {
			continue // insert-if-absent, spec §4.1 step 5b
		}
		if err := batch.Set(key, n.Value[:]); err != nil {
			return err
		}
		if err := batch.Set(indexKey(seq), n.Path[:]); err != nil {
			return err
		}
		seq++
	}
	if err := batch.Set(nodeCountKey, encodeUint64(seq)); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("smtkv: write batch: %w", err)
	}
	return nil
}

func (s *Store) nextSeq() (uint64, error) {
	raw, err := s.db.Get(nodeCountKey)
	if err != nil {
		return 0, fmt.Errorf("smtkv: read node count: %w", err)
	}
	if raw == nil {
		return 0, nil
	}
	return decodeUint64(raw), nil
}

// LoadAll replays every stored node in insertion order, for SMT
// rebuild at startup (leader recovery and follower mirror reload).
func (s *Store) LoadAll(ctx context.Context) ([]types.SmtNode, error) {
	count, err := s.nextSeq()
	if err != nil {
		return nil, err
	}
	out := make([]types.SmtNode, 0, count)
	for i := uint64(0); i < count; i++ {
		pathBytes, err := s.db.Get(indexKey(i))
		if err != nil {
			return nil, fmt.Errorf("smtkv: read index %d: %w", i, err)
		}
		if pathBytes == nil {
			continue
		}
		var path [32]byte
		copy(path[:], pathBytes)
		value, err := s.db.Get(nodeKey(path))
		if err != nil {
			return nil, fmt.Errorf("smtkv: read node %x: %w", path, err)
		}
		if value == nil {
			continue
		}
		var v [32]byte
		copy(v[:], value)
		out = append(out, types.SmtNode{Path: path, Value: v})
	}
	return out, nil
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
