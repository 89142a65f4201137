// Copyright 2026 Unicity Labs
//
// Package postgres implements storage.CommitmentStorage,
// storage.AggregatorRecordStorage, storage.BlockRecordsStorage and
// storage.BlockStorage against a Postgres schema, using the same
// connection-pool/health/migration conventions as the reference
// client this is adapted from.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/unicitylabs/aggregator/pkg/storage"
	"github.com/unicitylabs/aggregator/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Client owns the connection pool for every Postgres-backed storage
// capability: CommitmentStorage, AggregatorRecordStorage,
// BlockRecordsStorage, BlockStorage, CursorStorage, LeadershipStorage
// and the finalize-transaction Beginner.
type Client struct {
	db     *sql.DB
	logger *log.Logger
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithLogger sets a custom logger for the client.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Config holds the pool-tuning knobs; DatabaseURL is the only required field.
type Config struct {
	DatabaseURL         string
	MaxOpenConns        int
	MaxIdleConns        int
	ConnMaxIdleSeconds  int
	ConnMaxLifeSeconds  int
}

// NewClient opens a pooled connection and verifies it with a ping,
// applying defaults for any unset pool-tuning fields.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("postgres: database URL cannot be empty")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxIdleSeconds == 0 {
		cfg.ConnMaxIdleSeconds = 300
	}
	if cfg.ConnMaxLifeSeconds == 0 {
		cfg.ConnMaxLifeSeconds = 3600
	}

	client := &Client{logger: log.New(log.Writer(), "[Postgres] ", log.LstdFlags)}
	for _, opt := range opts {
		opt(client)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleSeconds) * time.Second)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifeSeconds) * time.Second)
	client.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	client.logger.Printf("connected (max_open=%d, max_idle=%d)", cfg.MaxOpenConns, cfg.MaxIdleConns)
	return client, nil
}

func (c *Client) Close() error { return c.db.Close() }

// HealthStatus reports connection-pool liveness for GET /health.
type HealthStatus struct {
	Healthy     bool
	OpenConns   int
	InUseConns  int
	IdleConns   int
}

func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.db.PingContext(ctx); err != nil {
		return &HealthStatus{Healthy: false}, fmt.Errorf("postgres: health ping: %w", err)
	}
	stats := c.db.Stats()
	return &HealthStatus{
		Healthy:    true,
		OpenConns:  stats.OpenConnections,
		InUseConns: stats.InUse,
		IdleConns:  stats.Idle,
	}, nil
}

// MigrateUp applies every embedded migration not yet recorded in
// schema_migrations, in filename order, each in its own transaction.
func (c *Client) MigrateUp(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	applied, err := c.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	names, err := c.migrationNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		if applied[name] {
			continue
		}
		if err := c.applyMigration(ctx, name); err != nil {
			return fmt.Errorf("postgres: migration %s: %w", name, err)
		}
		c.logger.Printf("applied migration %s", name)
	}
	return nil
}

func (c *Client) migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("postgres: read migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (c *Client) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("postgres: query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (c *Client) applyMigration(ctx context.Context, name string) error {
	sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES ($1)`, name); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Tx wraps *sql.Tx to satisfy storage.Tx.
type Tx struct{ tx *sql.Tx }

func (t Tx) Commit(ctx context.Context) error   { return t.tx.Commit() }
func (t Tx) Rollback(ctx context.Context) error { return t.tx.Rollback() }

func (c *Client) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	return Tx{tx: tx}, nil
}

func sqlTx(tx storage.Tx) *sql.Tx {
	return tx.(Tx).tx
}

// --- CommitmentStorage ---

func (c *Client) Enqueue(ctx context.Context, cm types.Commitment) (int64, error) {
	var id int64
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO commitments (request_id, tx_hash_algorithm, tx_hash_digest, auth_algorithm, auth_public_key, auth_signature, auth_state_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING storage_id`,
		cm.RequestID, cm.TransactionHash.Algorithm, cm.TransactionHash.Digest,
		cm.Authenticator.Algorithm, cm.Authenticator.PublicKey, cm.Authenticator.Signature, cm.Authenticator.StateHash,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: enqueue commitment: %w", err)
	}
	return id, nil
}

func (c *Client) ListAfter(ctx context.Context, afterID int64, limit int) ([]types.Commitment, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT storage_id, request_id, tx_hash_algorithm, tx_hash_digest, auth_algorithm, auth_public_key, auth_signature, auth_state_hash
		FROM commitments WHERE storage_id > $1 ORDER BY storage_id ASC LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list commitments: %w", err)
	}
	defer rows.Close()

	var out []types.Commitment
	for rows.Next() {
		var cm types.Commitment
		if err := rows.Scan(&cm.StorageID, &cm.RequestID, &cm.TransactionHash.Algorithm, &cm.TransactionHash.Digest,
			&cm.Authenticator.Algorithm, &cm.Authenticator.PublicKey, &cm.Authenticator.Signature, &cm.Authenticator.StateHash); err != nil {
			return nil, err
		}
		out = append(out, cm)
	}
	return out, rows.Err()
}

// --- AggregatorRecordStorage ---

func (c *Client) Get(ctx context.Context, requestID []byte) (*types.AggregatorRecord, error) {
	var r types.AggregatorRecord
	err := c.db.QueryRowContext(ctx, `
		SELECT request_id, tx_hash_algorithm, tx_hash_digest, auth_algorithm, auth_public_key, auth_signature, auth_state_hash
		FROM aggregator_records WHERE request_id = $1`, requestID,
	).Scan(&r.RequestID, &r.TransactionHash.Algorithm, &r.TransactionHash.Digest,
		&r.Authenticator.Algorithm, &r.Authenticator.PublicKey, &r.Authenticator.Signature, &r.Authenticator.StateHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get aggregator record: %w", err)
	}
	return &r, nil
}

func (c *Client) UpsertBatch(ctx context.Context, tx storage.Tx, records []types.AggregatorRecord) error {
	for _, r := range records {
		_, err := sqlTx(tx).ExecContext(ctx, `
			INSERT INTO aggregator_records (request_id, tx_hash_algorithm, tx_hash_digest, auth_algorithm, auth_public_key, auth_signature, auth_state_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (request_id) DO NOTHING`,
			r.RequestID, r.TransactionHash.Algorithm, r.TransactionHash.Digest,
			r.Authenticator.Algorithm, r.Authenticator.PublicKey, r.Authenticator.Signature, r.Authenticator.StateHash)
		if err != nil {
			return fmt.Errorf("postgres: upsert aggregator record: %w", err)
		}
	}
	return nil
}

// --- BlockRecordsStorage ---

func (c *Client) Insert(ctx context.Context, tx storage.Tx, br types.BlockRecords) error {
	joined := make([][]byte, len(br.RequestIDs))
	copy(joined, br.RequestIDs)
	_, err := sqlTx(tx).ExecContext(ctx, `
		INSERT INTO block_records (block_number, request_ids) VALUES ($1, $2)`,
		br.BlockNumber, flattenRequestIDs(joined))
	if err != nil {
		return fmt.Errorf("postgres: insert block records: %w", err)
	}
	return nil
}

func (c *Client) GetBlockRecords(ctx context.Context, blockNumber int64) (*types.BlockRecords, error) {
	var flat []byte
	err := c.db.QueryRowContext(ctx, `SELECT request_ids FROM block_records WHERE block_number = $1`, blockNumber).Scan(&flat)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get block records: %w", err)
	}
	return &types.BlockRecords{BlockNumber: blockNumber, RequestIDs: unflattenRequestIDs(flat)}, nil
}

// request IDs are fixed 32 bytes each; stored as one bytea by
// concatenation rather than a side table, mirroring the reference
// repo's preference for plain columns over join tables for hot paths.
func flattenRequestIDs(ids [][]byte) []byte {
	out := make([]byte, 0, 32*len(ids))
	for _, id := range ids {
		out = append(out, id...)
	}
	return out
}

func unflattenRequestIDs(flat []byte) [][]byte {
	var out [][]byte
	for i := 0; i+32 <= len(flat); i += 32 {
		id := make([]byte, 32)
		copy(id, flat[i:i+32])
		out = append(out, id)
	}
	return out
}

// --- BlockStorage ---

func (c *Client) InsertBlock(ctx context.Context, tx storage.Tx, b types.Block) error {
	_, err := sqlTx(tx).ExecContext(ctx, `
		INSERT INTO blocks (index, chain_id, version, fork_id, ts, root_hash, previous_block_hash, tx_proof)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.Index, b.ChainID, b.Version, b.ForkID, b.Timestamp, b.RootHash[:], b.PreviousBlockHash, b.TxProof)
	if err != nil {
		return fmt.Errorf("postgres: insert block: %w", err)
	}
	return nil
}

func (c *Client) GetBlock(ctx context.Context, index int64) (*types.Block, error) {
	return c.scanBlockRow(c.db.QueryRowContext(ctx, `
		SELECT index, chain_id, version, fork_id, ts, root_hash, previous_block_hash, tx_proof
		FROM blocks WHERE index = $1`, index))
}

func (c *Client) Latest(ctx context.Context) (*types.Block, error) {
	return c.scanBlockRow(c.db.QueryRowContext(ctx, `
		SELECT index, chain_id, version, fork_id, ts, root_hash, previous_block_hash, tx_proof
		FROM blocks ORDER BY index DESC LIMIT 1`))
}

func (c *Client) scanBlockRow(row *sql.Row) (*types.Block, error) {
	var b types.Block
	var root []byte
	err := row.Scan(&b.Index, &b.ChainID, &b.Version, &b.ForkID, &b.Timestamp, &root, &b.PreviousBlockHash, &b.TxProof)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: scan block: %w", err)
	}
	copy(b.RootHash[:], root)
	return &b, nil
}

// --- CursorStorage ---
//
// Methods are named distinctly (GetCursor, not Get) because Client
// already implements AggregatorRecordStorage.Get with a different
// signature; CursorAdapter below resolves the collision for callers
// that need the storage.CursorStorage interface specifically.

func (c *Client) GetCursor(ctx context.Context) (types.CommitmentCursor, error) {
	var cur types.CommitmentCursor
	var status string
	var endID sql.NullInt64
	err := c.db.QueryRowContext(ctx, `
		SELECT last_processed_id, status, current_batch_end_id FROM commitment_cursor WHERE id = 1`,
	).Scan(&cur.LastProcessedID, &status, &endID)
	if err != nil {
		return types.CommitmentCursor{}, fmt.Errorf("postgres: get cursor: %w", err)
	}
	cur.Status = types.CursorStatus(status)
	if endID.Valid {
		v := endID.Int64
		cur.CurrentBatchEndID = &v
	}
	return cur, nil
}

func (c *Client) BeginBatch(ctx context.Context, endID int64) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE commitment_cursor SET status = 'IN_PROGRESS', current_batch_end_id = $1
		WHERE id = 1 AND status = 'COMPLETE'`, endID)
	if err != nil {
		return fmt.Errorf("postgres: begin batch cursor: %w", err)
	}
	return nil
}

func (c *Client) CompleteBatch(ctx context.Context, tx storage.Tx, endID int64) error {
	_, err := sqlTx(tx).ExecContext(ctx, `
		UPDATE commitment_cursor SET status = 'COMPLETE', last_processed_id = $1, current_batch_end_id = NULL
		WHERE id = 1`, endID)
	if err != nil {
		return fmt.Errorf("postgres: complete batch cursor: %w", err)
	}
	return nil
}

// CursorAdapter satisfies storage.CursorStorage by delegating to Client's
// distinctly-named methods.
type CursorAdapter struct{ C *Client }

func (a CursorAdapter) Get(ctx context.Context) (types.CommitmentCursor, error) { return a.C.GetCursor(ctx) }
func (a CursorAdapter) BeginBatch(ctx context.Context, endID int64) error       { return a.C.BeginBatch(ctx, endID) }
func (a CursorAdapter) CompleteBatch(ctx context.Context, tx storage.Tx, endID int64) error {
	return a.C.CompleteBatch(ctx, tx, endID)
}

// --- LeadershipStorage ---

func (c *Client) TryAcquire(ctx context.Context, lockID, selfID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO leader_locks (lock_id, leader_id, last_heartbeat) VALUES ($1, $2, $3)
		ON CONFLICT (lock_id) DO UPDATE SET leader_id = $2, last_heartbeat = $3
		WHERE leader_locks.leader_id = $2 OR leader_locks.last_heartbeat < $4`,
		lockID, selfID, now, now.Add(-ttl))
	if err != nil {
		return false, fmt.Errorf("postgres: try acquire lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: try acquire lock rows affected: %w", err)
	}
	return affected > 0, nil
}

func (c *Client) Heartbeat(ctx context.Context, lockID, selfID string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE leader_locks SET last_heartbeat = $3 WHERE lock_id = $1 AND leader_id = $2`,
		lockID, selfID, time.Now())
	if err != nil {
		return false, fmt.Errorf("postgres: heartbeat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (c *Client) Release(ctx context.Context, lockID, selfID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM leader_locks WHERE lock_id = $1 AND leader_id = $2`, lockID, selfID)
	if err != nil {
		return fmt.Errorf("postgres: release lock: %w", err)
	}
	return nil
}

func (c *Client) GetLock(ctx context.Context, lockID string) (*types.LeaderLock, error) {
	var lock types.LeaderLock
	err := c.db.QueryRowContext(ctx, `
		SELECT lock_id, leader_id, last_heartbeat FROM leader_locks WHERE lock_id = $1`, lockID,
	).Scan(&lock.LockID, &lock.LeaderID, &lock.LastHeartbeat)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get lock: %w", err)
	}
	return &lock, nil
}

// LeadershipAdapter satisfies storage.LeadershipStorage by delegating to
// Client's GetLock (avoiding a collision with AggregatorRecordStorage.Get).
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
	return a.C.GetLock(ctx, lockID)
}

// Bind assembles the aggregate storage.Store, pairing this client's
// direct-method capabilities with the adapters for the colliding ones.
func (c *Client) Bind(smtNodes storage.SmtStorage) *storage.Store {
	return &storage.Store{
		Commitments:       c,
		AggregatorRecords: c,
		BlockRecords:      blockRecordsAdapter{c},
		Blocks:            blockAdapter{c},
		SmtNodes:          smtNodes,
		Leadership:        LeadershipAdapter{c},
		Cursor:            CursorAdapter{c},
		Beginner:          c,
	}
}

type blockRecordsAdapter struct{ c *Client }

func (a blockRecordsAdapter) Insert(ctx context.Context, tx storage.Tx, br types.BlockRecords) error {
	return a.c.Insert(ctx, tx, br)
}
func (a blockRecordsAdapter) Get(ctx context.Context, blockNumber int64) (*types.BlockRecords, error) {
	return a.c.GetBlockRecords(ctx, blockNumber)
}

type blockAdapter struct{ c *Client }

func (a blockAdapter) Insert(ctx context.Context, tx storage.Tx, b types.Block) error {
	return a.c.InsertBlock(ctx, tx, b)
}
func (a blockAdapter) Get(ctx context.Context, index int64) (*types.Block, error) { return a.c.GetBlock(ctx, index) }
func (a blockAdapter) Latest(ctx context.Context) (*types.Block, error)           { return a.c.Latest(ctx) }
