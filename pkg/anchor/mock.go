// Copyright 2026 Unicity Labs
//

package anchor

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"
)

// Mock stores submissions and returns the previous root's bytes, as
// required by spec §4.4 for tests and development (USE_MOCK_BFT=true).
type Mock struct {
	mu           sync.Mutex
	previousRoot []byte
	submissions  int
}

// NewMock seeds the chain with the configured genesis/initial block
// hash, so the first real anchor's PreviousPayload matches INITIAL_BLOCK_HASH.
func NewMock(initialBlockHash []byte) *Mock {
	return &Mock{previousRoot: initialBlockHash}
}

func (m *Mock) SubmitHash(ctx context.Context, rootHash [32]byte) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.previousRoot
	m.previousRoot = append([]byte(nil), rootHash[:]...)
	m.submissions++

	proof := sha256.Sum256(append(append([]byte("mock-anchor-tx:"), rootHash[:]...), prev...))
	return Result{
		PreviousPayload: prev,
		TxProof:         proof[:],
		AnchoredAt:      time.Now(),
	}, nil
}

// Submissions returns how many roots have been anchored, for tests.
func (m *Mock) Submissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submissions
}
