package api

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"Provenance/internal/dispatch"
	"Provenance/internal/registry"
	"Provenance/internal/snapshot"
	"Provenance/internal/storage"
	"Provenance/internal/txn"
)

// newTestStorage creates a temporary storage for testing.
func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()

	dir, err := os.MkdirTemp("", "api_test_*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	db, err := storage.New(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("create storage: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
		os.RemoveAll(dir)
	})

	return db
}

// signer builds transactions for one account.
type signer struct {
	priv  ed25519.PrivateKey
	id    registry.AccountID
	nonce uint64
}

func newSigner(t *testing.T) *signer {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	s := &signer{priv: priv}
	copy(s.id[:], pub)

	return s
}

// tx builds the signer's next transaction.
func (s *signer) tx(action txn.Action, digest []byte) []byte {
	data, _ := txn.Build(s.priv, action, digest, s.nonce+1)
	return data
}

// testServer wires a server over a real dispatcher.
type testServer struct {
	handler http.Handler
	disp    *dispatch.Dispatcher
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()

	disp := dispatch.New(newTestStorage(t))

	return &testServer{
		handler: New(":0", disp, opts).Handler(),
		disp:    disp,
	}
}

func (ts *testServer) do(method, path string, body []byte) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)

	return w
}

// submit posts the signer's next tx and advances its nonce on success.
func (ts *testServer) submit(s *signer, action txn.Action, digest []byte) *httptest.ResponseRecorder {
	w := ts.do("POST", "/tx", s.tx(action, digest))
	if w.Code == http.StatusOK {
		s.nonce++
	}

	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()

	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}
}

func expectCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()

	if w.Code != status {
		t.Errorf("expected status %d, got %d: %s", status, w.Code, w.Body.String())
	}

	var resp map[string]string
	decodeBody(t, w, &resp)

	if resp["code"] != code {
		t.Errorf("expected code %q, got %q", code, resp["code"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{})

	w := ts.do("GET", "/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	decodeBody(t, w, &resp)

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestSubmitTx_Success(t *testing.T) {
	ts := newTestServer(t, Options{})
	s := newSigner(t)
	ts.disp.Credit(s.id, 10000)

	w := ts.submit(s, txn.ActionCreate, []byte{0xAB, 0xCD})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Hash   string   `json:"hash"`
		Events []uint64 `json:"events"`
	}
	decodeBody(t, w, &resp)

	if len(resp.Hash) != 64 || len(resp.Events) != 1 || resp.Events[0] != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}

	w = ts.do("GET", "/claims/abcd", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get claim: %d %s", w.Code, w.Body.String())
	}

	var claim ClaimResponse
	decodeBody(t, w, &claim)

	if claim.Owner != s.id.String() || claim.CreatedAt == 0 || claim.Digest != "abcd" {
		t.Errorf("unexpected claim: %+v", claim)
	}

	w = ts.do("GET", "/accounts/"+s.id.String(), nil)

	var acct AccountResponse
	decodeBody(t, w, &acct)

	if acct.Free != 9000 || acct.Reserved != 1000 || acct.Nonce != 1 {
		t.Errorf("unexpected account: %+v", acct)
	}
}

func TestSubmitTx_EmptyBody(t *testing.T) {
	ts := newTestServer(t, Options{})

	expectCode(t, ts.do("POST", "/tx", nil), http.StatusBadRequest, "InvalidTx")
}

func TestSubmitTx_InvalidData(t *testing.T) {
	ts := newTestServer(t, Options{})

	expectCode(t, ts.do("POST", "/tx", []byte("invalid")), http.StatusBadRequest, "InvalidTx")
}

func TestSubmitTx_TooLarge(t *testing.T) {
	ts := newTestServer(t, Options{})

	w := ts.do("POST", "/tx", make([]byte, maxTxSize+1))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", w.Code)
	}
}

func TestSubmitTx_WrongSignature(t *testing.T) {
	ts := newTestServer(t, Options{})
	s := newSigner(t)
	other := newSigner(t)

	// Signed by other but claiming s as sender
	data, _ := txn.Build(other.priv, txn.ActionCreate, []byte("doc"), 1)
	data = bytes.Replace(data, other.id[:], s.id[:], 1)

	expectCode(t, ts.do("POST", "/tx", data), http.StatusBadRequest, "InvalidTx")
}

// TestSubmitTx_ErrorMapping walks the registry scenarios through HTTP.
func TestSubmitTx_ErrorMapping(t *testing.T) {
	ts := newTestServer(t, Options{})
	a, b := newSigner(t), newSigner(t)
	ts.disp.Credit(a.id, 10000)
	ts.disp.Credit(b.id, 10000)

	if w := ts.submit(a, txn.ActionCreate, []byte{0}); w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}

	expectCode(t, ts.submit(b, txn.ActionCreate, []byte{0}), http.StatusConflict, "AlreadyClaimed")
	expectCode(t, ts.submit(b, txn.ActionRevoke, []byte{0}), http.StatusForbidden, "NotOwner")
	expectCode(t, ts.submit(b, txn.ActionRevoke, []byte{1}), http.StatusNotFound, "NotClaimed")
	expectCode(t, ts.submit(a, txn.ActionCreate, bytes.Repeat([]byte{1}, 101)), http.StatusBadRequest, "DigestTooLong")

	poor := newSigner(t)
	expectCode(t, ts.submit(poor, txn.ActionCreate, []byte{2}), http.StatusPaymentRequired, "InsufficientBalance")

	// Replaying a committed nonce
	stale, _ := txn.Build(a.priv, txn.ActionRevoke, []byte{0}, a.nonce)
	expectCode(t, ts.do("POST", "/tx", stale), http.StatusConflict, "BadNonce")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{registry.ErrEscrowInconsistency, http.StatusInternalServerError, "EscrowInconsistency"},
		{fmt.Errorf("wrapped:\n%w", registry.ErrNotOwner), http.StatusForbidden, "NotOwner"},
		{dispatch.ErrReadOnly, http.StatusServiceUnavailable, "ReadOnly"},
		{dispatch.ErrBadNonce, http.StatusConflict, "BadNonce"},
		{txn.ErrInvalidTx, http.StatusBadRequest, "InvalidTx"},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError, "Internal"},
	}

	for _, tt := range tests {
		status, code := classify(tt.err)
		if status != tt.status || code != tt.code {
			t.Errorf("classify(%v) = %d %q, want %d %q", tt.err, status, code, tt.status, tt.code)
		}
	}
}

func TestGetClaim_Errors(t *testing.T) {
	ts := newTestServer(t, Options{})

	expectCode(t, ts.do("GET", "/claims/zz", nil), http.StatusBadRequest, "BadRequest")
	expectCode(t, ts.do("GET", "/claims/"+strings.Repeat("ab", 101), nil), http.StatusBadRequest, "DigestTooLong")
	expectCode(t, ts.do("GET", "/claims/00", nil), http.StatusNotFound, "NotClaimed")
}

func TestGetAccount_Unknown(t *testing.T) {
	ts := newTestServer(t, Options{})
	s := newSigner(t)

	w := ts.do("GET", "/accounts/"+s.id.String(), nil)

	var acct AccountResponse
	decodeBody(t, w, &acct)

	if w.Code != http.StatusOK || acct.Free != 0 || acct.Nonce != 0 {
		t.Errorf("unexpected response %d: %+v", w.Code, acct)
	}

	expectCode(t, ts.do("GET", "/accounts/1234", nil), http.StatusBadRequest, "BadRequest")
}

func TestFaucet(t *testing.T) {
	s := newSigner(t)
	body := func(amount uint64) []byte {
		data, _ := json.Marshal(FaucetRequest{Account: s.id.String(), Amount: amount})
		return data
	}

	disabled := newTestServer(t, Options{})
	if w := disabled.do("POST", "/faucet", body(10)); w.Code != http.StatusNotFound {
		t.Errorf("disabled faucet: expected 404, got %d", w.Code)
	}

	ts := newTestServer(t, Options{Faucet: true, FaucetAmount: 5000})

	w := ts.do("POST", "/faucet", body(5000))
	if w.Code != http.StatusOK {
		t.Fatalf("faucet: %d %s", w.Code, w.Body.String())
	}

	var bal map[string]uint64
	decodeBody(t, w, &bal)

	if bal["free"] != 5000 {
		t.Errorf("free = %d, want 5000", bal["free"])
	}

	expectCode(t, ts.do("POST", "/faucet", body(5001)), http.StatusBadRequest, "BadRequest")
	expectCode(t, ts.do("POST", "/faucet", body(0)), http.StatusBadRequest, "BadRequest")
	expectCode(t, ts.do("POST", "/faucet", []byte("{")), http.StatusBadRequest, "BadRequest")
}

func TestEvents(t *testing.T) {
	ts := newTestServer(t, Options{})
	s := newSigner(t)
	ts.disp.Credit(s.id, 10000)

	ts.submit(s, txn.ActionCreate, []byte("a"))
	ts.submit(s, txn.ActionCreate, []byte("b"))
	ts.submit(s, txn.ActionRevoke, []byte("a"))

	w := ts.do("GET", "/events?from=2&limit=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("events: %d %s", w.Code, w.Body.String())
	}

	var list []EventResponse
	decodeBody(t, w, &list)

	if len(list) != 2 {
		t.Fatalf("expected 2 events, got %d", len(list))
	}

	if list[0].Seq != 2 || list[0].Digest != hex.EncodeToString([]byte("b")) {
		t.Errorf("unexpected first event: %+v", list[0])
	}

	if list[1].Kind != registry.EventClaimRevoked.String() || list[1].Owner != s.id.String() {
		t.Errorf("unexpected second event: %+v", list[1])
	}

	expectCode(t, ts.do("GET", "/events?from=x", nil), http.StatusBadRequest, "BadRequest")
}

func TestSnapshotEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{})
	s := newSigner(t)
	ts.disp.Credit(s.id, 10000)
	ts.submit(s, txn.ActionCreate, []byte("doc"))

	w := ts.do("GET", "/snapshot", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot: %d", w.Code)
	}

	data, err := snapshot.Decompress(w.Body.Bytes())
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}

	st, err := snapshot.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(st.Claims) != 1 || st.LastSeq != 1 {
		t.Errorf("unexpected snapshot: %d claims, seq %d", len(st.Claims), st.LastSeq)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{})
	s := newSigner(t)
	ts.disp.Credit(s.id, 10000)

	ts.submit(s, txn.ActionCreate, []byte("doc"))
	ts.submit(s, txn.ActionCreate, []byte("doc"))

	w := ts.do("GET", "/status", nil)

	var status map[string]any
	decodeBody(t, w, &status)

	if status["applied"] != float64(1) || status["rejected"] != float64(1) || status["lastSeq"] != float64(1) {
		t.Errorf("unexpected status: %v", status)
	}

	if status["readOnly"] != false {
		t.Errorf("readOnly = %v", status["readOnly"])
	}
}
