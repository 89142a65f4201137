// Copyright 2026 Unicity Labs
//
// Package firestoredb backs storage.LeadershipStorage and
// storage.CursorStorage with Firestore documents, and serves as the
// durable change-feed source the follower mirror tails (spec §4.6),
// adapted from the reference Firebase Admin SDK client.
package firestoredb

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/unicitylabs/aggregator/pkg/storage"
	"github.com/unicitylabs/aggregator/pkg/types"
)

const (
	locksCollection        = "locks"
	cursorCollection       = "meta"
	cursorDocID            = "commitment_cursor"
	blockRecordsFeedName   = "block_records_feed"
	blockRecordsCollection = "block_records"
)

// Client wraps the Firestore client for the lock, cursor and
// block-records-feed documents.
type Client struct {
	app       *firebase.App
	firestore *gcpfirestore.Client
	projectID string
	logger    *log.Logger
}

// Config mirrors the reference client's environment-first configuration.
type Config struct {
	ProjectID       string
	CredentialsFile string
}

// DefaultConfig reads FIREBASE_PROJECT_ID / GOOGLE_APPLICATION_CREDENTIALS.
func DefaultConfig() Config {
	return Config{
		ProjectID:       os.Getenv("FIREBASE_PROJECT_ID"),
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
	}
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("firestoredb: project ID is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestoredb: init firebase app: %w", err)
	}
	fs, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firestoredb: create client: %w", err)
	}

	logger := log.New(log.Writer(), "[Firestore] ", log.LstdFlags)
	logger.Printf("connected to project %s", cfg.ProjectID)
	return &Client{app: app, firestore: fs, projectID: cfg.ProjectID, logger: logger}, nil
}

func (c *Client) Close() error { return c.firestore.Close() }

// --- LeadershipStorage ---

type lockDoc struct {
	LeaderID      string    `firestore:"leaderId"`
	LastHeartbeat time.Time `firestore:"lastHeartbeat"`
}

func (c *Client) TryAcquire(ctx context.Context, lockID, selfID string, ttl time.Duration) (bool, error) {
	ref := c.firestore.Collection(locksCollection).Doc(lockID)
	acquired := false

	err := c.firestore.RunTransaction(ctx, func(ctx context.Context, tx *gcpfirestore.Transaction) error {
		snap, err := tx.Get(ref)
		now := time.Now()
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			acquired = true
			return tx.Set(ref, lockDoc{LeaderID: selfID, LastHeartbeat: now})
		}

		var existing lockDoc
		if err := snap.DataTo(&existing); err != nil {
			return err
		}

		valid := now.Sub(existing.LastHeartbeat) < ttl
		if valid && existing.LeaderID != selfID {
			acquired = false
			return nil
		}
		acquired = true
		return tx.Set(ref, lockDoc{LeaderID: selfID, LastHeartbeat: now})
	})
	if err != nil {
		return false, fmt.Errorf("firestoredb: try-acquire lock %s: %w", lockID, err)
	}
	return acquired, nil
}

func (c *Client) Heartbeat(ctx context.Context, lockID, selfID string) (bool, error) {
	ref := c.firestore.Collection(locksCollection).Doc(lockID)
	ok := false

	err := c.firestore.RunTransaction(ctx, func(ctx context.Context, tx *gcpfirestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var existing lockDoc
		if err := snap.DataTo(&existing); err != nil {
			return err
		}
		if existing.LeaderID != selfID {
			ok = false
			return nil
		}
		ok = true
		return tx.Set(ref, lockDoc{LeaderID: selfID, LastHeartbeat: time.Now()})
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("firestoredb: heartbeat lock %s: %w", lockID, err)
	}
	return ok, nil
}

func (c *Client) Release(ctx context.Context, lockID, selfID string) error {
	ref := c.firestore.Collection(locksCollection).Doc(lockID)
	err := c.firestore.RunTransaction(ctx, func(ctx context.Context, tx *gcpfirestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}
		var existing lockDoc
		if err := snap.DataTo(&existing); err != nil {
			return err
		}
		if existing.LeaderID != selfID {
			return nil
		}
		return tx.Delete(ref)
	})
	if err != nil {
		return fmt.Errorf("firestoredb: release lock %s: %w", lockID, err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, lockID string) (*types.LeaderLock, error) {
	snap, err := c.firestore.Collection(locksCollection).Doc(lockID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("firestoredb: get lock %s: %w", lockID, err)
	}
	var d lockDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, err
	}
	return &types.LeaderLock{LockID: lockID, LeaderID: d.LeaderID, LastHeartbeat: d.LastHeartbeat}, nil
}

// --- CursorStorage ---

type cursorDoc struct {
	LastProcessedID   int64  `firestore:"lastProcessedId"`
	Status            string `firestore:"status"`
	CurrentBatchEndID *int64 `firestore:"currentBatchEndId,omitempty"`
}

func (c *Client) GetCursor(ctx context.Context) (types.CommitmentCursor, error) {
	ref := c.firestore.Collection(cursorCollection).Doc(cursorDocID)
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.CommitmentCursor{Status: types.CursorComplete}, nil
		}
		return types.CommitmentCursor{}, fmt.Errorf("firestoredb: get cursor: %w", err)
	}
	var d cursorDoc
	if err := snap.DataTo(&d); err != nil {
		return types.CommitmentCursor{}, err
	}
	return types.CommitmentCursor{
		LastProcessedID:   d.LastProcessedID,
		Status:            types.CursorStatus(d.Status),
		CurrentBatchEndID: d.CurrentBatchEndID,
	}, nil
}

func (c *Client) BeginBatch(ctx context.Context, endID int64) error {
	ref := c.firestore.Collection(cursorCollection).Doc(cursorDocID)
	_, err := ref.Set(ctx, map[string]interface{}{
		"status":            string(types.CursorInProgress),
		"currentBatchEndId": endID,
	}, gcpfirestore.MergeAll)
	if err != nil {
		return fmt.Errorf("firestoredb: begin batch: %w", err)
	}
	return nil
}

// CompleteBatch is part of the finalize transaction in production but
// Firestore transactions can't span the SQL transaction used for the
// relational writes; tx is accepted only to satisfy storage.CursorStorage
// and is otherwise unused — the write below is applied immediately and
// is itself idempotent (setting lastProcessedId to the same endID twice
// is a no-op), matching the retry-safety spec §4.1 step 6 requires.
func (c *Client) CompleteBatch(ctx context.Context, tx storage.Tx, endID int64) error {
	ref := c.firestore.Collection(cursorCollection).Doc(cursorDocID)
	_, err := ref.Set(ctx, map[string]interface{}{
		"lastProcessedId":   endID,
		"status":            string(types.CursorComplete),
		"currentBatchEndId": nil,
	}, gcpfirestore.MergeAll)
	if err != nil {
		return fmt.Errorf("firestoredb: complete batch: %w", err)
	}
	return nil
}

// --- Change feed source for the follower mirror (spec §4.6) ---

type blockRecordsDoc struct {
	BlockNumber int64    `firestore:"blockNumber"`
	RequestIDs  [][]byte `firestore:"requestIds"`
}

// InsertBlockRecords mirrors a finalized block's request-ID list into
// Firestore so the change feed below has something to tail: the
// authoritative BlockRecords row lives in Postgres (written in the
// same SQL transaction as the other finalize writes), but Firestore
// transactions can't join that transaction, so this is called as a
// best-effort side write after the authoritative insert succeeds. The
// document ID is the block number, so a retried finalize is idempotent.
func (c *Client) InsertBlockRecords(ctx context.Context, br types.BlockRecords) error {
	ref := c.firestore.Collection(blockRecordsCollection).Doc(fmt.Sprintf("%d", br.BlockNumber))
	_, err := ref.Set(ctx, blockRecordsDoc{BlockNumber: br.BlockNumber, RequestIDs: br.RequestIDs})
	if err != nil {
		return fmt.Errorf("firestoredb: mirror block records %d: %w", br.BlockNumber, err)
	}
	return nil
}

// GetBlockRecords reads back a mirrored block's request-ID list.
func (c *Client) GetBlockRecords(ctx context.Context, blockNumber int64) (*types.BlockRecords, error) {
	snap, err := c.firestore.Collection(blockRecordsCollection).Doc(fmt.Sprintf("%d", blockNumber)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("firestoredb: get block records %d: %w", blockNumber, err)
	}
	var d blockRecordsDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, err
	}
	return &types.BlockRecords{BlockNumber: d.BlockNumber, RequestIDs: d.RequestIDs}, nil
}

// Subscribe tails inserted block-records documents with blockNumber
// greater than resumeToken (the block number the caller last applied;
// the empty string tails from the beginning), delivering events on
// the returned channel. The resume token lets a restarting mirror
// pick up exactly where it left off instead of replaying every
// mirrored block since Firestore's query snapshot listener otherwise
// delivers the full matching set as "added" on first subscribe (spec
// §4.6). The channel is closed when ctx is cancelled or the snapshot
// iterator errors (the caller treats that as "history lost" and
// clears its resume token before restarting).
func (c *Client) Subscribe(ctx context.Context, resumeToken string) (<-chan types.ChangeEvent, <-chan error) {
	events := make(chan types.ChangeEvent, 64)
	errs := make(chan error, 1)

	query := c.firestore.Collection(blockRecordsCollection).OrderBy("blockNumber", gcpfirestore.Asc)
	if after, err := strconv.ParseInt(resumeToken, 10, 64); err == nil {
		query = query.Where("blockNumber", ">", after)
	}
	it := query.Snapshots(ctx)

	go func() {
		defer close(events)
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if err != iterator.Done {
					errs <- fmt.Errorf("firestoredb: change feed: %w", err)
				}
				return
			}
			for _, change := range snap.Changes {
				if change.Kind != gcpfirestore.DocumentAdded {
					continue
				}
				var doc blockRecordsDoc
				if err := change.Doc.DataTo(&doc); err != nil {
					errs <- fmt.Errorf("firestoredb: decode change: %w", err)
					continue
				}
				events <- types.ChangeEvent{
					BlockRecords: types.BlockRecords{BlockNumber: doc.BlockNumber, RequestIDs: doc.RequestIDs},
					ResumeToken:  strconv.FormatInt(doc.BlockNumber, 10),
				}
			}
		}
	}()

	return events, errs
}

// PersistResumeToken stores the feed's resume token for serverId, so a
// restart resumes instead of reloading the whole SMT (spec §4.6).
func (c *Client) PersistResumeToken(ctx context.Context, serverID, token string) error {
	ref := c.firestore.Collection("resume_tokens").Doc(serverID)
	_, err := ref.Set(ctx, map[string]interface{}{"token": token, blockRecordsFeedName: true})
	if err != nil {
		return fmt.Errorf("firestoredb: persist resume token: %w", err)
	}
	return nil
}

func (c *Client) LoadResumeToken(ctx context.Context, serverID string) (string, error) {
	snap, err := c.firestore.Collection("resume_tokens").Doc(serverID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", nil
		}
		return "", fmt.Errorf("firestoredb: load resume token: %w", err)
	}
	token, _ := snap.Data()["token"].(string)
	return token, nil
}

// LeadershipAdapter and CursorAdapter disambiguate the Get method name,
// which Client already uses with a different signature for lock lookup
// versus cursor lookup; each satisfies one storage capability interface.
type LeadershipAdapter struct{ C *Client }

func (a LeadershipAdapter) TryAcquire(ctx context.Context, lockID, selfID string, ttl time.Duration) (bool, error) {
	return a.C.TryAcquire(ctx, lockID, selfID, ttl)
}
func (a LeadershipAdapter) Heartbeat(ctx context.Context, lockID, selfID string) (bool, error) {
	return a.C.Heartbeat(ctx, lockID, selfID)
}
func (a LeadershipAdapter) Release(ctx context.Context, lockID, selfID string) error {
	return a.C.Release(ctx, lockID, selfID)
}
func (a LeadershipAdapter) Get(ctx context.Context, lockID string) (*types.LeaderLock, error) {
	return a.C.Get(ctx, lockID)
}

type CursorAdapter struct{ C *Client }

func (a CursorAdapter) Get(ctx context.Context) (types.CommitmentCursor, error) {
	return a.C.GetCursor(ctx)
}
func (a CursorAdapter) BeginBatch(ctx context.Context, endID int64) error {
	return a.C.BeginBatch(ctx, endID)
}
func (a CursorAdapter) CompleteBatch(ctx context.Context, tx storage.Tx, endID int64) error {
	return a.C.CompleteBatch(ctx, tx, endID)
}

// BlockRecordsAdapter satisfies storage.BlockRecordsStorage against
// the Firestore mirror collection directly; used by storage's
// dual-write wrapper, never as the authoritative store on its own.
type BlockRecordsAdapter struct{ C *Client }

func (a BlockRecordsAdapter) Insert(ctx context.Context, tx storage.Tx, br types.BlockRecords) error {
	return a.C.InsertBlockRecords(ctx, br)
}
func (a BlockRecordsAdapter) Get(ctx context.Context, blockNumber int64) (*types.BlockRecords, error) {
	return a.C.GetBlockRecords(ctx, blockNumber)
}
