// Copyright 2026 Unicity Labs
//
// Command aggregator boots the gateway process: load configuration,
// wire a storage backend, the SMT, the validator pool, the BFT anchor
// client, leader election (or standalone mode), the Round Manager or
// follower mirror, and the RPC server; then wait for a shutdown signal
// and drain gracefully. Grounded on the reference main.go's
// bootstrap/shutdown sequence.
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/unicitylabs/aggregator/pkg/anchor"
	"github.com/unicitylabs/aggregator/pkg/config"
	"github.com/unicitylabs/aggregator/pkg/follower"
	"github.com/unicitylabs/aggregator/pkg/hashing"
	"github.com/unicitylabs/aggregator/pkg/leader"
	"github.com/unicitylabs/aggregator/pkg/receipt"
	"github.com/unicitylabs/aggregator/pkg/round"
	"github.com/unicitylabs/aggregator/pkg/rpc"
	"github.com/unicitylabs/aggregator/pkg/smt"
	"github.com/unicitylabs/aggregator/pkg/storage"
	"github.com/unicitylabs/aggregator/pkg/storage/firestoredb"
	"github.com/unicitylabs/aggregator/pkg/storage/memory"
	"github.com/unicitylabs/aggregator/pkg/storage/postgres"
	"github.com/unicitylabs/aggregator/pkg/storage/smtkv"
	"github.com/unicitylabs/aggregator/pkg/validator"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("starting aggregator gateway")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	store, smtNodes, changeFeed, closers, err := buildStorage(ctx, cfg)
	if err != nil {
		cancel()
		log.Fatalf("failed to initialize storage: %v", err)
	}
	defer func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Printf("storage close error: %v", err)
			}
		}
	}()

	tree := smt.New(smt.WithLockTimeout(cfg.SMTLockTimeout()))
	nodes, err := smtNodes.LoadAll(ctx)
	if err != nil {
		cancel()
		log.Fatalf("failed to load persisted smt nodes: %v", err)
	}
	log.Printf("loaded %d persisted smt leaves", len(nodes))
	for _, n := range nodes {
		if err := tree.AddLeaf(n.Path, n.Value); err != nil {
			log.Printf("warning: dropping smt node %x at startup: %v", n.Path, err)
		}
	}

	hasher := hashing.SHA256Hasher{}
	signer := hashing.Secp256k1Signer{}
	validatorPool := validator.New(hasher, signer, store.AggregatorRecords)

	anchorClient, err := buildAnchor(cfg)
	if err != nil {
		cancel()
		log.Fatalf("failed to initialize anchor client: %v", err)
	}

	serverID := uuid.NewString()

	var elector *leader.Elector
	var mirror *follower.Mirror
	isLeader := func() bool { return true }
	roleFn := func() string { return "standalone" }

	if cfg.DisableHighAvailability {
		log.Printf("high availability disabled: running standalone as leader")
	} else {
		elector = leader.New(leader.Config{
			LockID:            "aggregator-leader",
			TTL:               cfg.LockTTL(),
			HeartbeatInterval: cfg.LeaderHeartbeatInterval(),
			PollInterval:      cfg.LeaderElectionPollingInterval(),
		}, store.Leadership)
		isLeader = elector.IsLeader
		roleFn = func() string {
			if elector.IsLeader() {
				return "leader"
			}
			return "follower"
		}
	}

	rounds := round.New(round.Config{
		RoundDuration:       cfg.RoundDuration(),
		CommitmentBatchSize: cfg.CommitmentBatchSize,
		ChainID:             cfg.ChainID,
		Version:             cfg.Version,
		ForkID:              cfg.ForkID,
		InitialBlockHash:    mustHexDecode(cfg.InitialBlockHash),
	}, store, tree, anchorClient, hasher, isLeader)

	if changeFeed != nil {
		mirror = follower.New(tree, changeFeed, store.AggregatorRecords, smtNodes, serverID)
	}

	var receiptSigner rpc.ReceiptSigner
	if key, ok := loadReceiptKey(cfg); ok {
		receiptSigner = receipt.NewSigner(key, "aggregator")
	}

	var rootSource rpc.RootSource = tree
	if mirror != nil {
		rootSource = mirror
	}

	rpcServer := rpc.New(store, validatorPool, rounds, tree, rootSource, receiptSigner, roleFn, serverID, cfg.ConcurrencyLimit)

	mux := http.NewServeMux()
	rpcServer.Routes(mux)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	rounds.Start(ctx)
	if elector != nil {
		elector.OnBecomeLeader(func() { log.Printf("became leader: resuming round production") })
		elector.OnLoseLeadership(func() { log.Printf("lost leadership: pausing round production") })
		go elector.Run(ctx)
	}
	if mirror != nil {
		go func() {
			if err := mirror.Start(ctx); err != nil && ctx.Err() == nil {
				log.Printf("follower mirror stopped: %v", err)
			}
		}()
	}

	go func() {
		log.Printf("rpc server listening on %s", httpServer.Addr)
		var err error
		if cfg.SSLCertPath != "" && cfg.SSLKeyPath != "" {
			err = httpServer.ListenAndServeTLS(cfg.SSLCertPath, cfg.SSLKeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit

	log.Printf("shutdown signal received, draining")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}

	rounds.Stop()
	if elector != nil {
		elector.Stop()
	}

	log.Printf("aggregator gateway stopped")
}

func mustHexDecode(s string) []byte {
	b, err := hexDecode(s)
	if err != nil {
		log.Fatalf("invalid INITIAL_BLOCK_HASH: %v", err)
	}
	return b
}

func loadReceiptKey(cfg *config.Config) (*ecdsa.PrivateKey, bool) {
	if cfg.BFTPrivateKey == "" {
		return nil, false
	}
	key, err := crypto.HexToECDSA(cfg.BFTPrivateKey)
	if err != nil {
		log.Printf("warning: failed to parse receipt signing key, receipts disabled: %v", err)
		return nil, false
	}
	return key, true
}

func buildAnchor(cfg *config.Config) (anchor.Client, error) {
	initial := mustHexDecode(cfg.InitialBlockHash)
	if cfg.UseMockBFT {
		log.Printf("anchoring via mock BFT client (USE_MOCK_BFT=true)")
		return anchor.NewMock(initial), nil
	}
	log.Printf("anchoring via CometBFT RPC at %s", cfg.BFTPartitionURL)
	return anchor.NewCometBFT(cfg.BFTPartitionURL, initial)
}

// buildStorage binds the capability interfaces per STORAGE_URI's
// scheme: "memory" for a single-process dev/test binding, "postgres"
// for the relational primary store (paired with an embedded smtkv leaf
// store, and optionally Firestore for leadership/cursor/change-feed
// when FIREBASE_PROJECT_ID is set).
func buildStorage(ctx context.Context, cfg *config.Config) (*storage.Store, storage.SmtStorage, follower.ChangeFeed, []func() error, error) {
	if cfg.StorageURI == "" || cfg.StorageURI == "memory://" {
		log.Printf("storage: in-memory (dev/test only, not durable)")
		boundStore := memory.New().Bind()
		return boundStore, boundStore.SmtNodes, nil, nil, nil
	}

	u, err := url.Parse(cfg.StorageURI)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("parse STORAGE_URI: %w", err)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		pg, err := postgres.NewClient(postgres.Config{DatabaseURL: cfg.StorageURI})
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.MigrateUp(ctx); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}

		smtStore, err := smtkv.New(dbm.GoLevelDBBackend, "smt", "./data")
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open smt leaf store: %w", err)
		}

		closers := []func() error{pg.Close, smtStore.Close}

		if projectID := os.Getenv("FIREBASE_PROJECT_ID"); projectID != "" {
			fs, err := firestoredb.NewClient(ctx, firestoredb.DefaultConfig())
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf("connect firestore: %w", err)
			}
			closers = append(closers, fs.Close)
			pgStore := pg.Bind(smtStore)
			blockRecords := storage.NewDualWriteBlockRecords(
				pgStore.BlockRecords,
				firestoredb.BlockRecordsAdapter{C: fs},
				log.New(log.Writer(), "[BlockRecordsMirror] ", log.LstdFlags),
			)
			store := &storage.Store{
				Commitments:       pg,
				AggregatorRecords: pg,
				BlockRecords:      blockRecords,
				Blocks:            pgStore.Blocks,
				SmtNodes:          smtStore,
				Leadership:        firestoredb.LeadershipAdapter{C: fs},
				Cursor:            firestoredb.CursorAdapter{C: fs},
				Beginner:          pg,
			}
			return store, smtStore, fs, closers, nil
		}

		return pg.Bind(smtStore), smtStore, nil, closers, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unsupported STORAGE_URI scheme %q", u.Scheme)
	}
}

func hexDecode(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
