// Copyright 2026 Unicity Labs
//
// Package validator implements the bounded worker pool that verifies
// commitment authenticators off the request thread (spec §4.3),
// grounded on the attestation service's WaitGroup/buffered-channel
// fan-out pattern.
package validator

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/unicitylabs/aggregator/pkg/hashing"
	"github.com/unicitylabs/aggregator/pkg/types"
)

// RecordLookup is the pre-check against AggregatorRecord storage the
// REQUEST_ID_EXISTS branch needs (spec §4.3).
type RecordLookup interface {
	Get(ctx context.Context, requestID []byte) (*types.AggregatorRecord, error)
}

// Pool is a fixed-size worker pool performing I1/I2 verification
// concurrently (spec §2 C3).
type Pool struct {
	workers int
	hasher  hashing.Hasher
	signer  hashing.Signer
	records RecordLookup
}

// Option configures Pool.
type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) { p.workers = n }
}

// New builds a pool sized min(4, hardware_parallelism) unless overridden.
func New(hasher hashing.Hasher, signer hashing.Signer, records RecordLookup, opts ...Option) *Pool {
	p := &Pool{
		workers: defaultWorkers(),
		hasher:  hasher,
		signer:  signer,
		records: records,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultWorkers() int {
	n := runtime.GOMAXPROCS(0)
	if n > 4 {
		n = 4
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Result is the per-commitment verification outcome.
type Result struct {
	Commitment types.Commitment
	Status     types.Status
	Err        error
}

// ValidateOne runs I1 (requestId derivation) and I2 (signature
// verification), then the REQUEST_ID_EXISTS pre-check, synchronously.
func (p *Pool) ValidateOne(ctx context.Context, c types.Commitment) Result {
	expected := hashing.RequestID(p.hasher, c.Authenticator.PublicKey, c.Authenticator.StateHash)
	if string(expected) != string(c.RequestID) {
		return Result{Commitment: c, Status: types.StatusRequestIDMismatch, Err: types.ErrRequestIDMismatch}
	}

	if !p.signer.Verify(c.Authenticator.PublicKey, c.Authenticator.Signature, c.TransactionHash.Bytes()) {
		return Result{Commitment: c, Status: types.StatusAuthenticatorVerificationFailed, Err: types.ErrAuthenticatorVerificationFailed}
	}

	if p.records != nil {
		existing, err := p.records.Get(ctx, c.RequestID)
		if err != nil {
			return Result{Commitment: c, Err: fmt.Errorf("validator: record lookup: %w", err)}
		}
		if existing != nil {
			if existing.TransactionHash.Hex() == c.TransactionHash.Hex() {
				return Result{Commitment: c, Status: types.StatusSuccess}
			}
			return Result{Commitment: c, Status: types.StatusRequestIDExists, Err: types.ErrRequestIDExists}
		}
	}

	return Result{Commitment: c, Status: types.StatusSuccess}
}

// ValidateBatch fans a batch of commitments out across the worker
// pool and collects results, preserving no particular order (callers
// that need input order should index by Commitment.StorageID).
func (p *Pool) ValidateBatch(ctx context.Context, commitments []types.Commitment) []Result {
	work := make(chan types.Commitment, len(commitments))
	results := make(chan Result, len(commitments))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				results <- p.ValidateOne(ctx, c)
			}
		}()
	}

	for _, c := range commitments {
		work <- c
	}
	close(work)

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]Result, 0, len(commitments))
	for r := range results {
		out = append(out, r)
	}
	return out
}
