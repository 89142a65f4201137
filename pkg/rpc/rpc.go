// Copyright 2026 Unicity Labs
//
// Package rpc implements the JSON-RPC 2.0 surface (spec §6): stateless
// handlers that translate requests into validator/round/storage calls,
// bounded by a configurable concurrency admission gate. Grounded on
// the reference proof-artifact handlers' writeJSON/writeError idiom
// and main.go's http.NewServeMux() router choice.
package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/unicitylabs/aggregator/pkg/hashing"
	"github.com/unicitylabs/aggregator/pkg/round"
	"github.com/unicitylabs/aggregator/pkg/smt"
	"github.com/unicitylabs/aggregator/pkg/storage"
	"github.com/unicitylabs/aggregator/pkg/types"
	"github.com/unicitylabs/aggregator/pkg/validator"
)

// JSON-RPC 2.0 error codes (spec §6, §7).
const (
	codeInvalidParams  = -32602
	codeApplicationErr = -32000
	codeNotFound       = -32001
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// RootSource is whatever can report the current SMT root: the Round
// Manager on the leader, the follower Mirror on a replica.
type RootSource interface {
	RootHash() [32]byte
}

// Server implements the spec §4.7/§6 RPC boundary.
type Server struct {
	store      *storage.Store
	validators *validator.Pool
	rounds     *round.Manager
	tree       *smt.Tree
	root       RootSource
	receipts   ReceiptSigner
	role       func() string
	serverID   string
	logger     *log.Logger

	sem chan struct{}
	max int
}

// ReceiptSigner builds the optional signed acknowledgement (spec §6).
type ReceiptSigner interface {
	Build(method string, c types.Commitment) (types.Receipt, error)
}

// New wires the RPC boundary's dependencies.
func New(store *storage.Store, validators *validator.Pool, rounds *round.Manager, tree *smt.Tree, root RootSource, receipts ReceiptSigner, role func() string, serverID string, concurrencyLimit int) *Server {
	if concurrencyLimit <= 0 {
		concurrencyLimit = 100
	}
	return &Server{
		store:      store,
		validators: validators,
		rounds:     rounds,
		tree:       tree,
		root:       root,
		receipts:   receipts,
		role:       role,
		serverID:   serverID,
		logger:     log.New(log.Writer(), "[RPC] ", log.LstdFlags),
		sem:        make(chan struct{}, concurrencyLimit),
		max:        concurrencyLimit,
	}
}

// Routes registers the RPC dispatcher, /health, /metrics and /docs on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleRPC)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", MetricsHandler())
	mux.HandleFunc("/docs", s.handleDocs)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		requestsTotal.WithLabelValues("admission", "rejected").Inc()
		s.writeError(w, http.StatusServiceUnavailable, nil, codeApplicationErr, "Server is at capacity")
		return
	}

	activeRequests.Inc()
	defer activeRequests.Dec()

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, nil, codeInvalidParams, "malformed JSON-RPC request")
		return
	}

	timer := time.Now()
	result, rpcErr := s.dispatch(r.Context(), req.Method, req.Params)
	requestDuration.WithLabelValues(req.Method).Observe(time.Since(timer).Seconds())

	if rpcErr != nil {
		requestsTotal.WithLabelValues(req.Method, "error").Inc()
		status := http.StatusOK
		if rpcErr.Code == codeApplicationErr {
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	requestsTotal.WithLabelValues(req.Method, "ok").Inc()
	s.writeResult(w, req.ID, result)
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *rpcError) {
	switch method {
	case "submit_commitment":
		return s.submitCommitment(ctx, params)
	case "get_inclusion_proof":
		return s.getInclusionProof(ctx, params)
	case "get_no_deletion_proof":
		return s.getNoDeletionProof(ctx)
	case "get_block_height":
		return s.getBlockHeight(ctx)
	case "get_block":
		return s.getBlock(ctx, params)
	case "get_block_commitments":
		return s.getBlockCommitments(ctx, params)
	default:
		return nil, &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("unknown method %q", method)}
	}
}

type submitCommitmentParams struct {
	RequestID       string `json:"requestId"`
	TransactionHash struct {
		Algorithm string `json:"algorithm"`
		Digest    string `json:"digest"`
	} `json:"transactionHash"`
	Authenticator struct {
		Algorithm string `json:"algorithm"`
		PublicKey string `json:"publicKey"`
		Signature string `json:"signature"`
		StateHash string `json:"stateHash"`
	} `json:"authenticator"`
	Receipt bool `json:"receipt"`
}

func (s *Server) submitCommitment(ctx context.Context, raw json.RawMessage) (interface{}, *rpcError) {
	var p submitCommitmentParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "malformed params"}
	}

	requestID, err1 := hex.DecodeString(p.RequestID)
	digest, err2 := hex.DecodeString(p.TransactionHash.Digest)
	publicKey, err3 := hex.DecodeString(p.Authenticator.PublicKey)
	signature, err4 := hex.DecodeString(p.Authenticator.Signature)
	stateHash, err5 := hex.DecodeString(p.Authenticator.StateHash)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil || p.TransactionHash.Algorithm == "" || p.Authenticator.Algorithm == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "missing or malformed hex field"}
	}

	c := types.Commitment{
		RequestID:       requestID,
		TransactionHash: types.ImprintedHash{Algorithm: p.TransactionHash.Algorithm, Digest: digest},
		Authenticator: types.Authenticator{
			Algorithm: p.Authenticator.Algorithm,
			PublicKey: publicKey,
			Signature: signature,
			StateHash: stateHash,
		},
	}

	result := s.validators.ValidateOne(ctx, c)
	out := map[string]interface{}{"status": string(result.Status)}

	if result.Status != types.StatusSuccess {
		return out, &rpcError{Code: codeApplicationErr, Message: string(result.Status)}
	}

	if _, err := s.rounds.SubmitCommitment(ctx, c); err != nil {
		s.logger.Printf("enqueue failed: %v", err)
		return nil, &rpcError{Code: codeApplicationErr, Message: "failed to persist commitment"}
	}

	if p.Receipt && s.receipts != nil {
		receipt, err := s.receipts.Build("submit_commitment", c)
		if err != nil {
			s.logger.Printf("receipt build failed: %v", err)
		} else {
			out["receipt"] = map[string]interface{}{
				"algorithm": receipt.Algorithm,
				"publicKey": hex.EncodeToString(receipt.PublicKey),
				"signature": hex.EncodeToString(receipt.Signature),
				"request":   receipt.Request,
			}
		}
	}

	return out, nil
}

func (s *Server) getInclusionProof(ctx context.Context, raw json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "malformed params"}
	}
	requestID, err := hex.DecodeString(p.RequestID)
	if err != nil || len(requestID) == 0 {
		return nil, &rpcError{Code: codeInvalidParams, Message: "missing or malformed requestId"}
	}

	record, err := s.store.AggregatorRecords.Get(ctx, requestID)
	if err != nil {
		return nil, &rpcError{Code: codeApplicationErr, Message: "lookup failed"}
	}
	if record == nil {
		return nil, &rpcError{Code: codeNotFound, Message: "no record for requestId"}
	}

	path := hashing.PathOf(requestID)
	proofPath := s.tree.GetPath(path)

	steps := make([]map[string]interface{}, len(proofPath.Steps))
	for i, st := range proofPath.Steps {
		steps[i] = map[string]interface{}{
			"siblingHash": hex.EncodeToString(st.SiblingHash[:]),
			"siblingLeft": st.SiblingLeft,
		}
	}

	return map[string]interface{}{
		"merkleTreePath": map[string]interface{}{
			"key":   hex.EncodeToString(proofPath.Key[:]),
			"value": hex.EncodeToString(proofPath.Value[:]),
			"steps": steps,
		},
		"authenticator": map[string]interface{}{
			"algorithm": record.Authenticator.Algorithm,
			"publicKey": hex.EncodeToString(record.Authenticator.PublicKey),
			"signature": hex.EncodeToString(record.Authenticator.Signature),
			"stateHash": hex.EncodeToString(record.Authenticator.StateHash),
		},
		"transactionHash": map[string]interface{}{
			"algorithm": record.TransactionHash.Algorithm,
			"digest":    hex.EncodeToString(record.TransactionHash.Digest),
		},
	}, nil
}

// getNoDeletionProof returns an opaque non-deletion attestation. The
// underlying guarantee (no Block/BlockRecords row is ever deleted) is
// structural, not a separate cryptographic artifact, so the proof is
// the current chain head: a verifier can walk Block(1..height) and
// confirm no index is missing.
func (s *Server) getNoDeletionProof(ctx context.Context) (interface{}, *rpcError) {
	latest, err := s.store.Blocks.Latest(ctx)
	if err != nil {
		return nil, &rpcError{Code: codeApplicationErr, Message: "lookup failed"}
	}
	if latest == nil {
		return nil, &rpcError{Code: codeNotFound, Message: "no blocks finalized yet"}
	}
	return map[string]interface{}{
		"latestBlockIndex": strconv.FormatInt(latest.Index, 10),
		"latestRootHash":   hex.EncodeToString(latest.RootHash[:]),
	}, nil
}

func (s *Server) getBlockHeight(ctx context.Context) (interface{}, *rpcError) {
	latest, err := s.store.Blocks.Latest(ctx)
	if err != nil {
		return nil, &rpcError{Code: codeApplicationErr, Message: "lookup failed"}
	}
	height := int64(0)
	if latest != nil {
		height = latest.Index
	}
	smtRootGaugeSet.Set(float64(height))
	return map[string]interface{}{"blockNumber": strconv.FormatInt(height, 10)}, nil
}

func (s *Server) getBlock(ctx context.Context, raw json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		BlockNumber string `json:"blockNumber"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "malformed params"}
	}

	var block *types.Block
	var err error
	if p.BlockNumber == "latest" || p.BlockNumber == "" {
		block, err = s.store.Blocks.Latest(ctx)
	} else {
		index, perr := strconv.ParseInt(p.BlockNumber, 10, 64)
		if perr != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "malformed blockNumber"}
		}
		block, err = s.store.Blocks.Get(ctx, index)
	}
	if err != nil {
		return nil, &rpcError{Code: codeApplicationErr, Message: "lookup failed"}
	}
	if block == nil {
		return nil, &rpcError{Code: codeNotFound, Message: "block not found"}
	}

	return blockToJSON(*block), nil
}

func (s *Server) getBlockCommitments(ctx context.Context, raw json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		BlockNumber string `json:"blockNumber"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "malformed params"}
	}
	index, err := strconv.ParseInt(p.BlockNumber, 10, 64)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "malformed blockNumber"}
	}

	records, err := s.store.BlockRecords.Get(ctx, index)
	if err != nil {
		return nil, &rpcError{Code: codeApplicationErr, Message: "lookup failed"}
	}
	if records == nil {
		return nil, &rpcError{Code: codeNotFound, Message: "block not found"}
	}

	out := make([]map[string]interface{}, 0, len(records.RequestIDs))
	for _, requestID := range records.RequestIDs {
		record, err := s.store.AggregatorRecords.Get(ctx, requestID)
		if err != nil || record == nil {
			continue
		}
		out = append(out, map[string]interface{}{
			"requestId":       hex.EncodeToString(record.RequestID),
			"transactionHash": map[string]interface{}{"algorithm": record.TransactionHash.Algorithm, "digest": hex.EncodeToString(record.TransactionHash.Digest)},
			"authenticator": map[string]interface{}{
				"algorithm": record.Authenticator.Algorithm,
				"publicKey": hex.EncodeToString(record.Authenticator.PublicKey),
				"signature": hex.EncodeToString(record.Authenticator.Signature),
				"stateHash": hex.EncodeToString(record.Authenticator.StateHash),
			},
		})
	}
	return out, nil
}

func blockToJSON(b types.Block) map[string]interface{} {
	return map[string]interface{}{
		"index":             strconv.FormatInt(b.Index, 10),
		"chainId":           strconv.FormatInt(b.ChainID, 10),
		"version":           b.Version,
		"forkId":            b.ForkID,
		"timestamp":         strconv.FormatInt(b.Timestamp.Unix(), 10),
		"rootHash":          hex.EncodeToString(b.RootHash[:]),
		"previousBlockHash": hex.EncodeToString(b.PreviousBlockHash),
		"noDeletionProofHash": hex.EncodeToString(b.TxProof),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	root := s.root.RootHash()
	role := "standalone"
	if s.role != nil {
		role = s.role()
	}
	if role == "leader" {
		leaderGauge.Set(1)
	} else {
		leaderGauge.Set(0)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                "ok",
		"role":                  role,
		"serverId":              s.serverID,
		"activeRequests":        len(s.sem),
		"maxConcurrentRequests": s.max,
		"smtRootHash":           hex.EncodeToString(root[:]),
	})
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, docsText)
}

const docsText = `Aggregator gateway JSON-RPC 2.0 API

POST / with {"jsonrpc":"2.0","id":1,"method":"<name>","params":{...}}

Methods:
  submit_commitment      {requestId, transactionHash, authenticator, receipt?}
  get_inclusion_proof    {requestId}
  get_no_deletion_proof  {}
  get_block_height       {}
  get_block              {blockNumber: decimal string | "latest"}
  get_block_commitments  {blockNumber}

All binary fields are lowercase hex strings; all bigint fields
(block numbers, timestamps, chain IDs) are decimal strings.

GET /health   -> liveness and leadership role
GET /metrics  -> Prometheus exposition
`

func (s *Server) writeResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	s.writeJSON(w, http.StatusOK, response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	s.writeJSON(w, status, response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}
