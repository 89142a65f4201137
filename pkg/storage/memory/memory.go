// Copyright 2026 Unicity Labs
//
// Package memory implements every storage.* capability interface as
// in-process fakes, so the round manager, leader election and follower
// mirror can be exercised in tests without a Postgres/Firestore/KV
// backend (spec §9: "tests bind to in-memory or containerized fakes").
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/unicitylabs/aggregator/pkg/storage"
	"github.com/unicitylabs/aggregator/pkg/types"
)

// Store is a single struct implementing every capability interface,
// guarded by one mutex; good enough for unit/integration tests, not a
// production backend (spec §9 Non-goals: storage portability is a
// production concern, not a testing one).
type Store struct {
	mu sync.Mutex

	nextCommitmentID int64
	commitments      []types.Commitment

	records map[string]types.AggregatorRecord // string(requestID) -> record

	blockRecords map[int64]types.BlockRecords
	blocks       map[int64]types.Block
	latestBlock  int64

	smtNodes []types.SmtNode

	lock *types.LeaderLock

	cursor types.CommitmentCursor
}

// New returns an empty store with the cursor in its initial COMPLETE state.
func New() *Store {
	return &Store{
		records:      make(map[string]types.AggregatorRecord),
		blockRecords: make(map[int64]types.BlockRecords),
		blocks:       make(map[int64]types.Block),
		cursor:       types.CommitmentCursor{Status: types.CursorComplete},
	}
}

func key(requestID []byte) string { return string(requestID) }

// --- CommitmentStorage ---

func (s *Store) Enqueue(ctx context.Context, c types.Commitment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCommitmentID++
	c.StorageID = s.nextCommitmentID
	s.commitments = append(s.commitments, c)
	return c.StorageID, nil
}

func (s *Store) ListAfter(ctx context.Context, afterID int64, limit int) ([]types.Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Commitment
	for _, c := range s.commitments {
		if c.StorageID > afterID {
			out = append(out, c)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- AggregatorRecordStorage ---

func (s *Store) Get(ctx context.Context, requestID []byte) (*types.AggregatorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key(requestID)]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *Store) UpsertBatch(ctx context.Context, tx storage.Tx, records []types.AggregatorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if _, exists := s.records[key(r.RequestID)]; exists {
			continue
		}
		s.records[key(r.RequestID)] = r
	}
	return nil
}

// --- BlockRecordsStorage ---

func (s *Store) Insert(ctx context.Context, tx storage.Tx, br types.BlockRecords) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockRecords[br.BlockNumber] = br
	return nil
}

func (s *Store) GetBlockRecords(ctx context.Context, blockNumber int64) (*types.BlockRecords, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	br, ok := s.blockRecords[blockNumber]
	if !ok {
		return nil, nil
	}
	return &br, nil
}

// --- BlockStorage ---

func (s *Store) InsertBlock(ctx context.Context, tx storage.Tx, b types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.Index] = b
	if b.Index > s.latestBlock {
		s.latestBlock = b.Index
	}
	return nil
}

func (s *Store) GetBlock(ctx context.Context, index int64) (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[index]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *Store) Latest(ctx context.Context) (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestBlock == 0 {
		return nil, nil
	}
	b := s.blocks[s.latestBlock]
	return &b, nil
}

// --- SmtStorage ---

func (s *Store) InsertSmtNodes(ctx context.Context, tx storage.Tx, nodes []types.SmtNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.smtNodes = append(s.smtNodes, nodes...)
	return nil
}

func (s *Store) LoadAll(ctx context.Context) ([]types.SmtNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.SmtNode, len(s.smtNodes))
	copy(out, s.smtNodes)
	return out, nil
}

// --- LeadershipStorage ---

func (s *Store) TryAcquire(ctx context.Context, lockID, selfID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.lock != nil && s.lock.LockID == lockID {
		valid := now.Sub(s.lock.LastHeartbeat) < ttl
		if valid && s.lock.LeaderID != selfID {
			return false, nil
		}
	}
	s.lock = &types.LeaderLock{LockID: lockID, LeaderID: selfID, LastHeartbeat: now}
	return true, nil
}

func (s *Store) Heartbeat(ctx context.Context, lockID, selfID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil || s.lock.LockID != lockID || s.lock.LeaderID != selfID {
		return false, nil
	}
	s.lock.LastHeartbeat = time.Now()
	return true, nil
}

func (s *Store) Release(ctx context.Context, lockID, selfID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock != nil && s.lock.LockID == lockID && s.lock.LeaderID == selfID {
		s.lock = nil
	}
	return nil
}

func (s *Store) GetLock(ctx context.Context, lockID string) (*types.LeaderLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil || s.lock.LockID != lockID {
		return nil, nil
	}
	cp := *s.lock
	return &cp, nil
}

// --- CursorStorage ---

func (s *Store) GetCursor(ctx context.Context) (types.CommitmentCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *Store) BeginBatch(ctx context.Context, endID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := endID
	s.cursor.Status = types.CursorInProgress
	s.cursor.CurrentBatchEndID = &end
	return nil
}

func (s *Store) CompleteBatch(ctx context.Context, tx storage.Tx, endID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor.LastProcessedID = endID
	s.cursor.Status = types.CursorComplete
	s.cursor.CurrentBatchEndID = nil
	return nil
}

// --- Tx / Beginner ---

// memTx is a no-op transaction: every memory mutation above takes
// effect immediately under Store.mu, so Begin/Commit/Rollback only
// need to exist to satisfy storage.Beginner/storage.Tx.
type memTx struct{}

func (memTx) Commit(ctx context.Context) error   { return nil }
func (memTx) Rollback(ctx context.Context) error { return nil }

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	return memTx{}, nil
}

// Bind returns a storage.Store wired entirely to this fake, for tests
// that want the aggregate type rather than individual interfaces.
func (s *Store) Bind() *storage.Store {
	return &storage.Store{
		Commitments:       s,
		AggregatorRecords: s,
		BlockRecords:      blockRecordsAdapter{s},
		Blocks:            blockAdapter{s},
		SmtNodes:          smtAdapter{s},
		Leadership:        leadershipAdapter{s},
		Cursor:            cursorAdapter{s},
		Beginner:          s,
	}
}

// The storage.* interfaces name their Insert/Get methods identically
// across capabilities (Insert, Get), which Go allows one concrete type
// to satisfy only once; these thin adapters disambiguate method sets
// without duplicating the underlying state.
type blockRecordsAdapter struct{ s *Store }

func (a blockRecordsAdapter) Insert(ctx context.Context, tx storage.Tx, br types.BlockRecords) error {
	return a.s.Insert(ctx, tx, br)
}
func (a blockRecordsAdapter) Get(ctx context.Context, blockNumber int64) (*types.BlockRecords, error) {
	return a.s.GetBlockRecords(ctx, blockNumber)
}

type blockAdapter struct{ s *Store }

func (a blockAdapter) Insert(ctx context.Context, tx storage.Tx, b types.Block) error {
	return a.s.InsertBlock(ctx, tx, b)
}
func (a blockAdapter) Get(ctx context.Context, index int64) (*types.Block, error) {
	return a.s.GetBlock(ctx, index)
}
func (a blockAdapter) Latest(ctx context.Context) (*types.Block, error) {
	return a.s.Latest(ctx)
}

type smtAdapter struct{ s *Store }

func (a smtAdapter) InsertBatch(ctx context.Context, tx storage.Tx, nodes []types.SmtNode) error {
	return a.s.InsertSmtNodes(ctx, tx, nodes)
}
func (a smtAdapter) LoadAll(ctx context.Context) ([]types.SmtNode, error) {
	return a.s.LoadAll(ctx)
}

type leadershipAdapter struct{ s *Store }

func (a leadershipAdapter) TryAcquire(ctx context.Context, lockID, selfID string, ttl time.Duration) (bool, error) {
	return a.s.TryAcquire(ctx, lockID, selfID, ttl)
}
func (a leadershipAdapter) Heartbeat(ctx context.Context, lockID, selfID string) (bool, error) {
	return a.s.Heartbeat(ctx, lockID, selfID)
}
func (a leadershipAdapter) Release(ctx context.Context, lockID, selfID string) error {
	return a.s.Release(ctx, lockID, selfID)
}
func (a leadershipAdapter) Get(ctx context.Context, lockID string) (*types.LeaderLock, error) {
	return a.s.GetLock(ctx, lockID)
}

type cursorAdapter struct{ s *Store }

func (a cursorAdapter) Get(ctx context.Context) (types.CommitmentCursor, error) {
	return a.s.GetCursor(ctx)
}
func (a cursorAdapter) BeginBatch(ctx context.Context, endID int64) error {
	return a.s.BeginBatch(ctx, endID)
}
func (a cursorAdapter) CompleteBatch(ctx context.Context, tx storage.Tx, endID int64) error {
	return a.s.CompleteBatch(ctx, tx, endID)
}
