// Copyright 2026 Unicity Labs
//

package anchor

import (
	"context"
	"fmt"
	"sync"
	"time"

	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
)

// CometBFT anchors a root hash by broadcasting it as a transaction to
// a CometBFT-style BFT network and waiting for commit, per the
// reference AnchorManager/BFTConsensusEngine contract this generalizes
// (spec §1 DOMAIN STACK).
type CometBFT struct {
	client *rpchttp.HTTP

	mu           sync.Mutex
	previousRoot []byte
}

// NewCometBFT dials the given RPC endpoint (e.g. "http://localhost:26657").
func NewCometBFT(rpcEndpoint string, initialBlockHash []byte) (*CometBFT, error) {
	client, err := rpchttp.New(rpcEndpoint, "/websocket")
	if err != nil {
		return nil, fmt.Errorf("anchor: dial cometbft rpc: %w", err)
	}
	return &CometBFT{client: client, previousRoot: initialBlockHash}, nil
}

// SubmitHash broadcasts rootHash via broadcast_tx_commit and blocks
// until the transaction is included, honoring ctx's deadline.
func (c *CometBFT) SubmitHash(ctx context.Context, rootHash [32]byte) (Result, error) {
	c.mu.Lock()
	prev := c.previousRoot
	c.mu.Unlock()

	var result *coretypes.ResultBroadcastTxCommit
	var err error
	done := make(chan struct{})

	go func() {
		result, err = c.client.BroadcastTxCommit(ctx, rootHash[:])
		close(done)
	}()

	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("anchor: submit hash deadline exceeded: %w", ctx.Err())
	case <-done:
	}

	if err != nil {
		return Result{}, fmt.Errorf("anchor: broadcast_tx_commit: %w", err)
	}
	if result.CheckTx.Code != 0 {
		return Result{}, fmt.Errorf("anchor: check_tx rejected root: code=%d log=%s", result.CheckTx.Code, result.CheckTx.Log)
	}
	if result.TxResult.Code != 0 {
		return Result{}, fmt.Errorf("anchor: deliver_tx rejected root: code=%d log=%s", result.TxResult.Code, result.TxResult.Log)
	}

	c.mu.Lock()
	c.previousRoot = append([]byte(nil), rootHash[:]...)
	c.mu.Unlock()

	return Result{
		PreviousPayload: prev,
		TxProof:         []byte(result.Hash),
		AnchoredAt:      time.Now(),
	}, nil
}
