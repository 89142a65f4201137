// Copyright 2026 Unicity Labs
//
// Package anchor implements the BFT anchor client contract of spec
// §4.4: submit an SMT root hash to an external BFT consensus and
// receive a transaction proof plus the previous anchor's payload.
// Grounded on the reference AnchorManager/BFTExecutionResult shape;
// implementations are swappable (Mock for tests/dev, CometBFT for
// production).
package anchor

import (
	"context"
	"time"
)

// Result is what the Round Manager receives after a successful anchor
// (spec §4.1 step 4).
type Result struct {
	PreviousPayload []byte
	TxProof         []byte
	AnchoredAt      time.Time
}

// Client is the swappable BFT anchor contract. SubmitHash must be
// synchronous from the caller's standpoint: it blocks until the
// external transaction is finalized, honoring ctx's deadline (spec §5
// "BFT submitHash must support a caller-specified deadline").
type Client interface {
	SubmitHash(ctx context.Context, rootHash [32]byte) (Result, error)
}
