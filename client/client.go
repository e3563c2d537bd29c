package client

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"Provenance/internal/registry"
)

// Client talks to a Provenance node over HTTP.
type Client struct {
	baseURL string       // baseURL is the node URL without a trailing slash
	http    *http.Client // http is the underlying HTTP client
}

// NewClient creates a client for nodeAddr, either "host:port" or a full URL.
func NewClient(nodeAddr string) *Client {
	base := strings.TrimRight(nodeAddr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitResult is the node's answer to an accepted transaction.
type SubmitResult struct {
	Hash   string   `json:"hash"`   // Hash is the hex transaction hash
	Events []uint64 `json:"events"` // Events are the seqs of the emitted events
}

// ClaimInfo is a claim as reported by the node.
type ClaimInfo struct {
	Digest    string `json:"digest"`
	Owner     string `json:"owner"`
	CreatedAt uint64 `json:"createdAt"`
}

// AccountInfo is an account as reported by the node.
type AccountInfo struct {
	Account  string `json:"account"`
	Free     uint64 `json:"free"`
	Reserved uint64 `json:"reserved"`
	Nonce    uint64 `json:"nonce"`
}

// EventInfo is one entry of the node's event log.
type EventInfo struct {
	Seq       uint64 `json:"seq"`
	Kind      string `json:"kind"`
	Owner     string `json:"owner"`
	Timestamp uint64 `json:"timestamp"`
	Digest    string `json:"digest"`
}

// Submit sends signed transaction bytes to the node.
func (c *Client) Submit(tx []byte) (*SubmitResult, error) {
	data, err := c.do(http.MethodPost, "/tx", "application/octet-stream", tx)
	if err != nil {
		return nil, err
	}

	var res SubmitResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode response:\n%w", err)
	}

	return &res, nil
}

// Claim returns the claim on digest. An unclaimed digest yields an error
// matching registry.ErrNotClaimed.
func (c *Client) Claim(digest []byte) (*ClaimInfo, error) {
	var info ClaimInfo
	if err := c.httpGet("/claims/"+hex.EncodeToString(digest), &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// Account returns the balance and nonce of account.
func (c *Client) Account(account registry.AccountID) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.httpGet("/accounts/"+account.String(), &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// Faucet asks the node to credit account. The node must run with the faucet enabled.
func (c *Client) Faucet(account registry.AccountID, amount uint64) (*AccountInfo, error) {
	body := map[string]any{
		"account": account.String(),
		"amount":  amount,
	}

	var resp struct {
		Free     uint64 `json:"free"`
		Reserved uint64 `json:"reserved"`
	}

	if err := c.httpPostJSON("/faucet", body, &resp); err != nil {
		return nil, fmt.Errorf("faucet:\n%w", err)
	}

	return &AccountInfo{Account: account.String(), Free: resp.Free, Reserved: resp.Reserved}, nil
}

// Events returns up to limit events starting at seq from.
func (c *Client) Events(from uint64, limit int) ([]EventInfo, error) {
	var list []EventInfo
	if err := c.httpGet(fmt.Sprintf("/events?from=%d&limit=%d", from, limit), &list); err != nil {
		return nil, err
	}

	return list, nil
}

// Snapshot downloads the node's compressed state snapshot.
func (c *Client) Snapshot() ([]byte, error) {
	return c.do(http.MethodGet, "/snapshot", "", nil)
}

// Status returns the node's status counters.
func (c *Client) Status() (map[string]any, error) {
	var status map[string]any
	if err := c.httpGet("/status", &status); err != nil {
		return nil, err
	}

	return status, nil
}
