// Copyright 2026 Unicity Labs
//
// Package follower implements the SMT mirror (spec §4.6): on startup,
// snapshot-load all persisted SMT nodes, then subscribe to the
// BlockRecords change feed from that snapshot's logical timestamp
// onward, applying finalized blocks to a local mirror so followers can
// serve inclusion proofs and become leader instantly.
package follower

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/unicitylabs/aggregator/pkg/hashing"
	"github.com/unicitylabs/aggregator/pkg/smt"
	"github.com/unicitylabs/aggregator/pkg/storage"
	"github.com/unicitylabs/aggregator/pkg/types"
)

// ChangeFeed is the durable change-feed source the mirror tails;
// storage/firestoredb.Client satisfies it. Subscribe resumes from
// resumeToken (the empty string means "from the beginning") so a
// restarting mirror doesn't replay or skip events (spec §4.6).
type ChangeFeed interface {
	Subscribe(ctx context.Context, resumeToken string) (<-chan types.ChangeEvent, <-chan error)
	PersistResumeToken(ctx context.Context, serverID, token string) error
	LoadResumeToken(ctx context.Context, serverID string) (string, error)
}

// RecordFetcher resolves a BlockRecords' request IDs to their
// AggregatorRecords so the mirror can derive SMT leaves.
type RecordFetcher interface {
	Get(ctx context.Context, requestID []byte) (*types.AggregatorRecord, error)
}

// Mirror is the follower-side SMT replica.
type Mirror struct {
	tree        *smt.Tree
	feed        ChangeFeed
	records     RecordFetcher
	smtLoad     storage.SmtStorage
	serverID    string
	logger      *log.Logger
	resumeToken string
}

func New(tree *smt.Tree, feed ChangeFeed, records RecordFetcher, smtLoad storage.SmtStorage, serverID string) *Mirror {
	return &Mirror{
		tree:     tree,
		feed:     feed,
		records:  records,
		smtLoad:  smtLoad,
		serverID: serverID,
		logger:   log.New(log.Writer(), "[FollowerMirror] ", log.LstdFlags),
	}
}

// Start resumes from the persisted resume token if one exists
// (spec §4.6 "on restart, resume from the stored token"); only a
// fresh mirror with no persisted token pays for a full snapshot
// reload. It runs until ctx is cancelled, returning nil then. A feed
// error ("history lost") is handled internally by reloading, clearing
// the in-memory token and restarting the subscription; Start returns
// an error only when loading the resume token or a reload fails.
func (m *Mirror) Start(ctx context.Context) error {
	token, err := m.feed.LoadResumeToken(ctx, m.serverID)
	if err != nil {
		return fmt.Errorf("follower: load resume token: %w", err)
	}
	if token == "" {
		if err := m.reload(ctx); err != nil {
			return fmt.Errorf("follower: initial reload: %w", err)
		}
	} else {
		m.logger.Printf("resuming change feed from persisted token %q, skipping full reload", token)
	}
	m.resumeToken = token

	for {
		if err := m.tailOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			m.logger.Printf("change feed error, reloading and restarting: %v", err)
			if err := m.reload(ctx); err != nil {
				return fmt.Errorf("follower: reload after feed loss: %w", err)
			}
			m.resumeToken = ""
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// reload snapshot-loads all persisted nodes into the in-memory SMT.
// It does not capture a cluster timestamp: the subscription that
// follows a reload uses the empty resume token and so replays the feed
// from its first block. Leaves already loaded come back with identical
// values and are ignored, so no insert between snapshot and subscribe
// is missed.
func (m *Mirror) reload(ctx context.Context) error {
	nodes, err := m.smtLoad.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load smt nodes: %w", err)
	}
	m.logger.Printf("reloading %d smt nodes", len(nodes))
	for _, n := range nodes {
		if err := m.tree.AddLeaf(n.Path, n.Value); err != nil {
			if !errors.Is(err, smt.ErrLeafInBranch) {
				return fmt.Errorf("apply node %x: %w", n.Path, err)
			}
		}
	}
	return nil
}

func (m *Mirror) tailOnce(ctx context.Context) error {
	events, errs := m.feed.Subscribe(ctx, m.resumeToken)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				continue
			}
			return err
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := m.apply(ctx, ev); err != nil {
				return err
			}
			m.resumeToken = ev.ResumeToken
			if err := m.feed.PersistResumeToken(ctx, m.serverID, ev.ResumeToken); err != nil {
				m.logger.Printf("persist resume token failed (non-fatal): %v", err)
			}
		}
	}
}

// apply implements "Applying events": fetch each inserted record and
// mutate the local SMT; identical-value LeafInBranch is replay-safe
// and ignored (spec §4.6).
func (m *Mirror) apply(ctx context.Context, ev types.ChangeEvent) error {
	for _, requestID := range ev.BlockRecords.RequestIDs {
		record, err := m.records.Get(ctx, requestID)
		if err != nil {
			return fmt.Errorf("fetch record %x: %w", requestID, err)
		}
		if record == nil {
			return fmt.Errorf("record %x referenced by block %d not found", requestID, ev.BlockRecords.BlockNumber)
		}

		value, err := hashing.Digest32(record.TransactionHash)
		if err != nil {
			return fmt.Errorf("record %x: %w", requestID, err)
		}
		path := hashing.PathOf(requestID)

		if err := m.tree.AddLeaf(path, value); err != nil {
			if errors.Is(err, smt.ErrLeafInBranch) {
				continue
			}
			return fmt.Errorf("apply leaf %x: %w", path, err)
		}
	}
	return nil
}

// RootHash exposes the mirror's current root for /health and the RPC
// read paths on a follower.
func (m *Mirror) RootHash() [32]byte { return m.tree.RootHash() }
