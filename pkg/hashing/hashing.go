// Copyright 2026 Unicity Labs
//
// Package hashing provides the abstract Hasher/Signer primitives the
// specification assumes, plus the concrete SHA-256 + secp256k1
// bindings used in production.
package hashing

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/unicitylabs/aggregator/pkg/types"
)

// Hasher is the abstract digest primitive the round manager and SMT
// core depend on. Production uses SHA256Hasher; tests can substitute
// a deterministic stub.
type Hasher interface {
	Sum(data ...[]byte) [32]byte
}

// Signer verifies an authenticator's signature against its public key.
// Production uses Secp256k1Signer.
type Signer interface {
	Verify(publicKey, signature, message []byte) bool
}

// SHA256Hasher concatenates its inputs and hashes once.
type SHA256Hasher struct{}

func (SHA256Hasher) Sum(data ...[]byte) [32]byte {
	return sha256.Sum256(bytes.Join(data, nil))
}

// RequestID derives the 256-bit opaque identifier H(publicKey || stateHash).
func RequestID(h Hasher, publicKey, stateHash []byte) []byte {
	sum := h.Sum(publicKey, stateHash)
	return sum[:]
}

// PathOf derives the SMT path from a requestId bit-string. The spec
// treats requestId as already a 256-bit value; the path is simply its
// big-endian interpretation, truncated/padded to 32 bytes.
func PathOf(requestID []byte) [32]byte {
	var path [32]byte
	if len(requestID) > 32 {
		copy(path[:], requestID[len(requestID)-32:])
		return path
	}
	copy(path[32-len(requestID):], requestID)
	return path
}

// Digest32 extracts the 32-byte leaf value from an imprinted hash,
// validating its length.
func Digest32(h types.ImprintedHash) ([32]byte, error) {
	var out [32]byte
	if len(h.Digest) != 32 {
		return out, fmt.Errorf("imprinted hash digest must be 32 bytes, got %d", len(h.Digest))
	}
	copy(out[:], h.Digest)
	return out, nil
}

// Secp256k1Signer verifies ECDSA signatures over secp256k1, the
// algorithm tag used by the Authenticator in production deployments.
type Secp256k1Signer struct{}

// Verify checks that signature (65-byte [R||S||V] or 64-byte [R||S])
// was produced by the holder of publicKey over sha256(message), mirroring
// the go-ethereum crypto.VerifySignature / SigToPub conventions used
// throughout the reference validator stack.
func (Secp256k1Signer) Verify(publicKey, signature, message []byte) bool {
	digest := sha256.Sum256(message)
	sig := signature
	if len(sig) == 65 {
		sig = sig[:64]
	}
	if len(sig) != 64 {
		return false
	}
	pub := publicKey
	if len(pub) == 33 {
		decompressed, err := crypto.DecompressPubkey(pub)
		if err != nil {
			return false
		}
		pub = crypto.FromECDSAPub(decompressed)
	}
	return crypto.VerifySignature(pub, digest[:], sig)
}

// Algorithm tags recognized by the Authenticator/Signer pair.
const (
	AlgorithmSecp256k1 = "secp256k1"
	AlgorithmSHA256    = "sha256"
)
