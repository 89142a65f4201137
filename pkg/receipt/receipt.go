// Copyright 2026 Unicity Labs
//
// Package receipt builds the optional signed acknowledgement described
// in spec §6: the aggregator signs
// H(service||method||requestId||transactionHash||stateHash) with a
// server-held private key kept isolated from the BFT-anchor signing
// key (spec §9).
package receipt

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/unicitylabs/aggregator/pkg/hashing"
	"github.com/unicitylabs/aggregator/pkg/types"
)

// Signer holds the server's own receipt-signing key, distinct from
// whatever key the BFT anchor client uses externally.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	publicKey  []byte
	service    string
}

// NewSigner loads the server's receipt-signing key from a raw secp256k1
// private key, as produced by crypto.GenerateKey/crypto.HexToECDSA.
func NewSigner(privateKey *ecdsa.PrivateKey, service string) *Signer {
	return &Signer{
		privateKey: privateKey,
		publicKey:  crypto.CompressPubkey(&privateKey.PublicKey),
		service:    service,
	}
}

// Build constructs a Receipt for submitCommitment per spec §6.
func (s *Signer) Build(method string, c types.Commitment) (types.Receipt, error) {
	h := hashing.SHA256Hasher{}
	digest := h.Sum([]byte(s.service), []byte(method), c.RequestID, c.TransactionHash.Bytes(), c.Authenticator.StateHash)

	sig, err := crypto.Sign(digest[:], s.privateKey)
	if err != nil {
		return types.Receipt{}, fmt.Errorf("receipt: sign: %w", err)
	}

	return types.Receipt{
		Algorithm: hashing.AlgorithmSecp256k1,
		PublicKey: s.publicKey,
		Signature: sig,
		Request:   method,
	}, nil
}
