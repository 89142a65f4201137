// Copyright 2026 Unicity Labs
//
// Package round implements the Round Manager (spec §4.1): the
// single-writer block-production loop that drains validated
// commitments, mutates the SMT, anchors the root, finalizes the block
// atomically, and advances the commitment cursor. Grounded on the
// reference batch scheduler's ticker/stop-channel/state-enum loop and
// the batch collector/processor's batch-then-finalize structure.
package round

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/unicitylabs/aggregator/pkg/anchor"
	"github.com/unicitylabs/aggregator/pkg/hashing"
	"github.com/unicitylabs/aggregator/pkg/smt"
	"github.com/unicitylabs/aggregator/pkg/storage"
	"github.com/unicitylabs/aggregator/pkg/types"
)

// State mirrors the reference scheduler's Stopped/Running/Paused enum;
// Paused corresponds to "not currently leader".
type State int

const (
	Stopped State = iota
	Running
	Paused
)

// Config holds round-production tuning (spec §4.1, §6).
type Config struct {
	RoundDuration     time.Duration // default 1s
	CommitmentBatchSize int         // default 1000
	ChainID           int64
	Version           string
	ForkID            string
	InitialBlockHash  []byte
}

func (c Config) withDefaults() Config {
	if c.RoundDuration == 0 {
		c.RoundDuration = 1 * time.Second
	}
	if c.CommitmentBatchSize == 0 {
		c.CommitmentBatchSize = 1000
	}
	return c
}

// Manager is the single cooperative block-production loop (spec §5:
// "runs as a single cooperative loop on one goroutine/thread per process").
type Manager struct {
	cfg    Config
	store  *storage.Store
	tree   *smt.Tree
	anchor anchor.Client
	hasher hashing.Hasher
	logger *log.Logger

	isLeader func() bool

	state   State
	ticker  *time.Ticker
	stopCh  chan struct{}
	doneCh  chan struct{}

	lastRoot [32]byte
}

// New wires the Round Manager's dependencies (spec §9 "AggregatorStorage
// is a plain struct of interface values" — constructor injection).
func New(cfg Config, store *storage.Store, tree *smt.Tree, anchorClient anchor.Client, hasher hashing.Hasher, isLeader func() bool) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		store:    store,
		tree:     tree,
		anchor:   anchorClient,
		hasher:   hasher,
		logger:   log.New(log.Writer(), "[RoundManager] ", log.LstdFlags),
		isLeader: isLeader,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the round-production loop, ticking every RoundDuration.
func (m *Manager) Start(ctx context.Context) {
	m.state = Running
	m.ticker = time.NewTicker(m.cfg.RoundDuration)
	go m.run(ctx)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)
	defer m.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.state = Stopped
			return
		case <-m.stopCh:
			m.state = Stopped
			return
		case <-m.ticker.C:
			if !m.isLeader() {
				m.state = Paused
				continue
			}
			m.state = Running
			if err := m.runRound(ctx); err != nil {
				m.logger.Printf("round failed, will retry next tick: %v", err)
			}
		}
	}
}

// Stop halts the loop and waits for the in-flight tick, if any, to finish.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// SubmitCommitment is the entry point for submit_commitment (spec
// §4.1 "Submission path"): it does not itself run validation — callers
// (the RPC boundary) run the validator pool first and only enqueue on
// a SUCCESS outcome.
func (m *Manager) SubmitCommitment(ctx context.Context, c types.Commitment) (int64, error) {
	id, err := m.store.Commitments.Enqueue(ctx, c)
	if err != nil {
		return 0, fmt.Errorf("round: enqueue commitment: %w", err)
	}
	return id, nil
}

// runRound executes one iteration of spec §4.1's algorithm.
func (m *Manager) runRound(ctx context.Context) error {
	batch, endID, err := m.acquireBatch(ctx)
	if err != nil {
		return fmt.Errorf("acquire batch: %w", err)
	}
	if len(batch) == 0 {
		// Nothing pending this tick. An IN_PROGRESS cursor left by a
		// prior crash still yields its CurrentBatchEndID here, so
		// endID != 0 and the round goes on to finalize and close out
		// that batch even though the re-read range is empty.
		if endID == 0 {
			return nil
		}
	}

	records, leaves, err := m.materialize(ctx, batch)
	if err != nil {
		return fmt.Errorf("materialize: %w", err)
	}

	batchResult, err := m.tree.AddLeaves(leaves)
	if err != nil {
		return fmt.Errorf("mutate smt: %w", err)
	}
	for path, rejectErr := range batchResult.Rejected {
		m.logger.Printf("smt leaf %x rejected (divergent value), dropped from block: %v", path, rejectErr)
	}
	if len(batchResult.Rejected) > 0 {
		applied := make(map[smt.LeafUpdate]bool, len(batchResult.Applied))
		for _, u := range batchResult.Applied {
			applied[u] = true
		}
		keptRecords := make([]types.AggregatorRecord, 0, len(records))
		keptLeaves := make([]smt.LeafUpdate, 0, len(leaves))
		for i, l := range leaves {
			if applied[l] {
				keptRecords = append(keptRecords, records[i])
				keptLeaves = append(keptLeaves, l)
			}
		}
		records, leaves = keptRecords, keptLeaves
	}

	root := m.tree.RootHash()

	anchorCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	anchorResult, err := m.anchor.SubmitHash(anchorCtx, root)
	cancel()
	if err != nil {
		return fmt.Errorf("anchor: %w", err)
	}

	if err := m.finalize(ctx, records, leaves, root, anchorResult, endID); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	m.lastRoot = root
	return nil
}

// acquireBatch implements step 1: fresh drain on COMPLETE, replay on
// IN_PROGRESS.
func (m *Manager) acquireBatch(ctx context.Context) ([]types.Commitment, int64, error) {
	cursor, err := m.store.Cursor.Get(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("read cursor: %w", err)
	}

	if cursor.Status == types.CursorInProgress && cursor.CurrentBatchEndID != nil {
		endID := *cursor.CurrentBatchEndID
		batch, err := m.rangeBetween(ctx, cursor.LastProcessedID, endID)
		if err != nil {
			return nil, 0, err
		}
		return batch, endID, nil
	}

	batch, err := m.store.Commitments.ListAfter(ctx, cursor.LastProcessedID, m.cfg.CommitmentBatchSize)
	if err != nil {
		return nil, 0, fmt.Errorf("list commitments: %w", err)
	}
	if len(batch) == 0 {
		return nil, 0, nil
	}
	endID := batch[len(batch)-1].StorageID
	if err := m.store.Cursor.BeginBatch(ctx, endID); err != nil {
		return nil, 0, fmt.Errorf("begin batch: %w", err)
	}
	return batch, endID, nil
}

// rangeBetween re-reads (lastProcessedId, endId] for the IN_PROGRESS
// replay path — a bounded re-scan since callers only ever hold one
// batch worth of rows open at a time.
func (m *Manager) rangeBetween(ctx context.Context, lastProcessedID, endID int64) ([]types.Commitment, error) {
	all, err := m.store.Commitments.ListAfter(ctx, lastProcessedID, m.cfg.CommitmentBatchSize)
	if err != nil {
		return nil, err
	}
	var out []types.Commitment
	for _, c := range all {
		if c.StorageID > endID {
			break
		}
		out = append(out, c)
	}
	return out, nil
}

// materialize implements step 2: derive (path, value) and construct
// AggregatorRecords, applying the REQUEST_ID_EXISTS conflict rule.
func (m *Manager) materialize(ctx context.Context, batch []types.Commitment) ([]types.AggregatorRecord, []smt.LeafUpdate, error) {
	records := make([]types.AggregatorRecord, 0, len(batch))
	leaves := make([]smt.LeafUpdate, 0, len(batch))

	for _, c := range batch {
		existing, err := m.store.AggregatorRecords.Get(ctx, c.RequestID)
		if err != nil {
			return nil, nil, fmt.Errorf("lookup existing record: %w", err)
		}
		if existing != nil && existing.TransactionHash.Hex() != c.TransactionHash.Hex() {
			m.logger.Printf("dropping commitment (requestId exists with different transactionHash): %x", c.RequestID)
			continue
		}

		value, err := hashing.Digest32(c.TransactionHash)
		if err != nil {
			return nil, nil, fmt.Errorf("commitment %x: %w", c.RequestID, err)
		}
		path := hashing.PathOf(c.RequestID)

		records = append(records, types.AggregatorRecord{
			RequestID:       c.RequestID,
			TransactionHash: c.TransactionHash,
			Authenticator:   c.Authenticator,
		})
		leaves = append(leaves, smt.LeafUpdate{Path: path, Value: value})
	}
	return records, leaves, nil
}

// finalize implements step 5: one all-or-nothing storage transaction
// for records, SMT nodes, the block, block records, and the cursor
// advance.
func (m *Manager) finalize(ctx context.Context, records []types.AggregatorRecord, leaves []smt.LeafUpdate, root [32]byte, anchorResult anchor.Result, endID int64) error {
	tx, err := m.store.Beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := m.finalizeInTx(ctx, tx, records, leaves, root, anchorResult, endID); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			m.logger.Printf("rollback failed: %v", rbErr)
		}
		return err
	}

	return tx.Commit(ctx)
}

func (m *Manager) finalizeInTx(ctx context.Context, tx storage.Tx, records []types.AggregatorRecord, leaves []smt.LeafUpdate, root [32]byte, anchorResult anchor.Result, endID int64) error {
	if err := m.store.AggregatorRecords.UpsertBatch(ctx, tx, records); err != nil {
		return fmt.Errorf("upsert records: %w", err)
	}

	nodes := make([]types.SmtNode, len(leaves))
	requestIDs := make([][]byte, len(records))
	for i, l := range leaves {
		nodes[i] = types.SmtNode{Path: l.Path, Value: l.Value}
	}
	for i, r := range records {
		requestIDs[i] = r.RequestID
	}
	if err := m.store.SmtNodes.InsertBatch(ctx, tx, nodes); err != nil {
		return fmt.Errorf("insert smt nodes: %w", err)
	}

	latest, err := m.store.Blocks.Latest(ctx)
	if err != nil {
		return fmt.Errorf("read latest block: %w", err)
	}
	nextIndex := int64(1)
	previousHash := m.cfg.InitialBlockHash
	if latest != nil {
		nextIndex = latest.Index + 1
	}
	if anchorResult.PreviousPayload != nil {
		previousHash = anchorResult.PreviousPayload
	}

	block := types.Block{
		Index:             nextIndex,
		ChainID:           m.cfg.ChainID,
		Version:           m.cfg.Version,
		ForkID:            m.cfg.ForkID,
		Timestamp:         anchorResult.AnchoredAt,
		RootHash:          root,
		PreviousBlockHash: previousHash,
		TxProof:           anchorResult.TxProof,
	}
	if err := m.store.Blocks.Insert(ctx, tx, block); err != nil {
		return fmt.Errorf("insert block: %w", err)
	}

	if err := m.store.BlockRecords.Insert(ctx, tx, types.BlockRecords{BlockNumber: nextIndex, RequestIDs: requestIDs}); err != nil {
		return fmt.Errorf("insert block records: %w", err)
	}

	if err := m.store.Cursor.CompleteBatch(ctx, tx, endID); err != nil {
		return fmt.Errorf("complete batch cursor: %w", err)
	}

	return nil
}

// LastRoot returns the SMT root of the most recent block this Manager
// finalized (the zero hash before its first block).
func (m *Manager) LastRoot() [32]byte { return m.lastRoot }

func (m *Manager) State() State { return m.state }
