// Copyright 2026 Unicity Labs
//
// Package storage declares the capability interfaces that every
// persistence concern (commitments, canonical records, block
// artifacts, SMT leaves, the leader lock) is accessed through. Per
// spec §9, production binds these to concrete backends (postgres,
// firestoredb, smtkv); tests bind to the in-memory fakes in memory.go.
package storage

import (
	"context"
	"time"

	"github.com/unicitylabs/aggregator/pkg/types"
)

// CommitmentStorage is the durable, insertion-ordered queue of
// submitted commitments (spec §3 Commitment, §6 "monotone-ID queue").
type CommitmentStorage interface {
	// Enqueue persists a commitment and assigns it a monotone StorageID.
	Enqueue(ctx context.Context, c types.Commitment) (storageID int64, err error)
	// ListAfter returns up to limit commitments with StorageID > afterID,
	// ordered ascending.
	ListAfter(ctx context.Context, afterID int64, limit int) ([]types.Commitment, error)
}

// AggregatorRecordStorage is the canonical accepted-commitment table,
// unique and write-once per RequestID (spec §3 AggregatorRecord).
type AggregatorRecordStorage interface {
	Get(ctx context.Context, requestID []byte) (*types.AggregatorRecord, error)
	// UpsertBatch inserts-if-absent each record within the caller's
	// transaction; records whose RequestID already exists with an
	// identical TransactionHash are treated as success.
	UpsertBatch(ctx context.Context, tx Tx, records []types.AggregatorRecord) error
}

// BlockRecordsStorage stores the ordered request-ID list per block
// (spec §3 BlockRecords).
type BlockRecordsStorage interface {
	Insert(ctx context.Context, tx Tx, br types.BlockRecords) error
	Get(ctx context.Context, blockNumber int64) (*types.BlockRecords, error)
}

// BlockStorage stores finalized Block artifacts (spec §3 Block).
type BlockStorage interface {
	Insert(ctx context.Context, tx Tx, b types.Block) error
	Get(ctx context.Context, index int64) (*types.Block, error)
	Latest(ctx context.Context) (*types.Block, error)
}

// SmtStorage is the durable leaf store mirrored into the in-memory SMT
// at process startup (spec §3 SmtNode, §4.6 follower mirror reload).
type SmtStorage interface {
	InsertBatch(ctx context.Context, tx Tx, nodes []types.SmtNode) error
	LoadAll(ctx context.Context) ([]types.SmtNode, error)
}

// LeadershipStorage backs the TTL-fenced leader lock (spec §4.5).
type LeadershipStorage interface {
	// TryAcquire performs the atomic read-then-conditional-upsert: it
	// succeeds (true) iff no valid (non-expired) lock exists, or the
	// existing lock is already held by selfID.
	TryAcquire(ctx context.Context, lockID, selfID string, ttl time.Duration) (bool, error)
	// Heartbeat extends lastHeartbeat, conditional on selfID still
	// being the holder. Returns false if the lock was lost.
	Heartbeat(ctx context.Context, lockID, selfID string) (bool, error)
	// Release deletes the row conditional on selfID being the holder.
	Release(ctx context.Context, lockID, selfID string) error
	// Get returns the current lock state, or nil if no row exists.
	Get(ctx context.Context, lockID string) (*types.LeaderLock, error)
}

// CursorStorage backs the single CommitmentCursor row (spec §3, §4.1).
type CursorStorage interface {
	Get(ctx context.Context) (types.CommitmentCursor, error)
	// BeginBatch atomically transitions COMPLETE -> IN_PROGRESS(endID).
	BeginBatch(ctx context.Context, endID int64) error
	// CompleteBatch atomically transitions IN_PROGRESS(endID) -> COMPLETE
	// within tx, as part of the finalize transaction (spec §4.1 step 5e).
	CompleteBatch(ctx context.Context, tx Tx, endID int64) error
}

// Tx is an opaque handle to a storage transaction spanning the five
// writes of spec §4.1 step 5 plus the cursor advance. Backends type-
// assert it to their concrete transaction type.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts the all-or-nothing finalize transaction.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// Store bundles every capability interface the Round Manager, follower
// mirror and RPC boundary depend on. Constructed once at startup via
// constructor injection (spec §9 "avoid cyclic references").
type Store struct {
	Commitments       CommitmentStorage
	AggregatorRecords AggregatorRecordStorage
	BlockRecords      BlockRecordsStorage
	Blocks            BlockStorage
	SmtNodes          SmtStorage
	Leadership        LeadershipStorage
	Cursor            CursorStorage
	Beginner          Beginner
}
