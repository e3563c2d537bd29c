package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"Provenance/internal/dispatch"
	"Provenance/internal/events"
	"Provenance/internal/ledger"
	"Provenance/internal/logger"
	"Provenance/internal/registry"
	"Provenance/internal/txn"
)

const (
	// maxTxSize is the maximum transaction size in bytes.
	maxTxSize = 64 << 10

	// defaultEventLimit is the page size of GET /events without a limit.
	defaultEventLimit = 100

	// maxEventLimit caps the page size of GET /events.
	maxEventLimit = 1000
)

// Backend executes transactions and serves committed state.
type Backend interface {
	Submit(data []byte) (*dispatch.Result, error)
	Credit(account registry.AccountID, amount uint64) (ledger.Balance, error)
	Claim(digest []byte) (registry.Claim, bool)
	Account(account registry.AccountID) (ledger.Balance, uint64, error)
	Events(from uint64, limit int) ([]events.Record, error)
	Snapshot() ([]byte, error)
	Stats() dispatch.Stats
}

// FollowerCounter reports connected feed followers.
type FollowerCounter interface {
	Followers() int
}

// Options configures optional endpoints.
type Options struct {
	Faucet       bool            // Faucet enables POST /faucet
	FaucetAmount uint64          // FaucetAmount is the maximum credit per faucet call
	Feed         FollowerCounter // Feed, if set, adds follower counts to /status
}

// Server is the HTTP API server.
type Server struct {
	addr     string       // addr is the HTTP listen address
	backend  Backend      // backend executes transactions and serves state
	opts     Options      // opts enables optional endpoints
	server   *http.Server // server is the underlying HTTP server
	listener net.Listener // listener is bound by Start
	started  time.Time    // started is the server start time
}

// New creates a new HTTP API server.
func New(addr string, backend Backend, opts Options) *Server {
	return &Server{
		addr:    addr,
		backend: backend,
		opts:    opts,
	}
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tx", s.handleSubmitTx)
	mux.HandleFunc("GET /claims/{digest}", s.handleGetClaim)
	mux.HandleFunc("GET /accounts/{account}", s.handleGetAccount)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	if s.opts.Faucet {
		mux.HandleFunc("POST /faucet", s.handleFaucet)
	}

	return mux
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	s.listener = listener
	s.started = time.Now()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", listener.Addr().String())

		if err := s.server.Serve(listener); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}

	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleSubmitTx handles POST /tx requests.
func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTxSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidTx", "failed to read body")
		return
	}

	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "InvalidTx", "empty transaction")
		return
	}

	if len(body) > maxTxSize {
		writeError(w, http.StatusRequestEntityTooLarge, "InvalidTx", "transaction too large")
		return
	}

	res, err := s.backend.Submit(body)
	if err != nil {
		status, code := classify(err)
		writeError(w, status, code, err.Error())
		return
	}

	logger.Debug("tx committed", "hash", hex.EncodeToString(res.Hash[:8]))

	seqs := make([]uint64, len(res.Events))
	for i, rec := range res.Events {
		seqs[i] = rec.Seq
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hash":   hex.EncodeToString(res.Hash[:]),
		"events": seqs,
	})
}

// ClaimResponse is the body of GET /claims/{digest}.
type ClaimResponse struct {
	Digest    string `json:"digest"`
	Owner     string `json:"owner"`
	CreatedAt uint64 `json:"createdAt"`
}

// handleGetClaim handles GET /claims/{digest} requests.
func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	digest, err := hex.DecodeString(r.PathValue("digest"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "digest must be hex")
		return
	}

	if len(digest) > registry.MaxDigestBytes {
		writeError(w, http.StatusBadRequest, registry.Code(registry.ErrDigestTooLong), "digest too long")
		return
	}

	claim, found := s.backend.Claim(digest)
	if !found {
		writeError(w, http.StatusNotFound, registry.Code(registry.ErrNotClaimed), "digest is not claimed")
		return
	}

	writeJSON(w, http.StatusOK, ClaimResponse{
		Digest:    hex.EncodeToString(digest),
		Owner:     claim.Owner.String(),
		CreatedAt: uint64(claim.CreatedAt),
	})
}

// AccountResponse is the body of GET /accounts/{account}.
type AccountResponse struct {
	Account  string `json:"account"`
	Free     uint64 `json:"free"`
	Reserved uint64 `json:"reserved"`
	Nonce    uint64 `json:"nonce"`
}

// handleGetAccount handles GET /accounts/{account} requests.
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := registry.ParseAccountID(r.PathValue("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}

	bal, nonce, err := s.backend.Account(account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, AccountResponse{
		Account:  account.String(),
		Free:     bal.Free,
		Reserved: bal.Reserved,
		Nonce:    nonce,
	})
}

// FaucetRequest is the body of POST /faucet.
type FaucetRequest struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

// handleFaucet handles POST /faucet requests.
func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid JSON body")
		return
	}

	account, err := registry.ParseAccountID(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}

	if req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "BadRequest", "amount must be positive")
		return
	}

	if s.opts.FaucetAmount > 0 && req.Amount > s.opts.FaucetAmount {
		writeError(w, http.StatusBadRequest, "BadRequest",
			fmt.Sprintf("amount exceeds faucet limit of %d", s.opts.FaucetAmount))
		return
	}

	bal, err := s.backend.Credit(account, req.Amount)
	if err != nil {
		status, code := classify(err)
		writeError(w, status, code, err.Error())
		return
	}

	logger.Info("faucet credit", "account", account.Short(), "amount", req.Amount)

	writeJSON(w, http.StatusOK, map[string]uint64{
		"free":     bal.Free,
		"reserved": bal.Reserved,
	})
}

// EventResponse is one entry of GET /events.
type EventResponse struct {
	Seq       uint64 `json:"seq"`
	Kind      string `json:"kind"`
	Owner     string `json:"owner"`
	Timestamp uint64 `json:"timestamp,omitempty"`
	Digest    string `json:"digest"`
}

// handleEvents handles GET /events?from=&limit= requests.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	from, err := queryUint(r, "from", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}

	limit, err := queryUint(r, "limit", defaultEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}

	if limit == 0 || limit > maxEventLimit {
		limit = maxEventLimit
	}

	records, err := s.backend.Events(from, int(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", err.Error())
		return
	}

	out := make([]EventResponse, len(records))
	for i, rec := range records {
		out[i] = EventResponse{
			Seq:       rec.Seq,
			Kind:      rec.Event.Kind.String(),
			Owner:     rec.Event.Owner.String(),
			Timestamp: uint64(rec.Event.Timestamp),
			Digest:    hex.EncodeToString(rec.Event.Digest),
		}
	}

	writeJSON(w, http.StatusOK, out)
}

// handleSnapshot handles GET /snapshot requests.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := s.backend.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.backend.Stats()

	status := map[string]any{
		"applied":  stats.Applied,
		"rejected": stats.Rejected,
		"lastSeq":  stats.LastSeq,
		"readOnly": stats.ReadOnly,
		"faucet":   s.opts.Faucet,
	}

	if !s.started.IsZero() {
		status["uptime"] = time.Since(s.started).Round(time.Second).String()
	}

	if s.opts.Feed != nil {
		status["followers"] = s.opts.Feed.Followers()
	}

	writeJSON(w, http.StatusOK, status)
}

// classify maps an error to its HTTP status and error code.
func classify(err error) (int, string) {
	if code := registry.Code(err); code != "" {
		return registryStatus[code], code
	}

	switch {
	case errors.Is(err, txn.ErrInvalidTx):
		return http.StatusBadRequest, "InvalidTx"
	case errors.Is(err, dispatch.ErrBadNonce):
		return http.StatusConflict, "BadNonce"
	case errors.Is(err, dispatch.ErrReadOnly):
		return http.StatusServiceUnavailable, "ReadOnly"
	case errors.Is(err, ledger.ErrOverflow):
		return http.StatusBadRequest, "Overflow"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

// registryStatus maps registry error codes to HTTP statuses.
var registryStatus = map[string]int{
	"DigestTooLong":       http.StatusBadRequest,
	"AlreadyClaimed":      http.StatusConflict,
	"NotClaimed":          http.StatusNotFound,
	"NotOwner":            http.StatusForbidden,
	"InsufficientBalance": http.StatusPaymentRequired,
	"EscrowInconsistency": http.StatusInternalServerError,
}

// queryUint parses an optional unsigned query parameter.
func queryUint(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}

	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an unsigned integer", name)
	}

	return v, nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
