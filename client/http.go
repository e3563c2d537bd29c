package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"Provenance/internal/dispatch"
	"Provenance/internal/registry"
	"Provenance/internal/txn"
)

// APIError is a rejection reported by the node.
type APIError struct {
	Status  int    // Status is the HTTP status code
	Code    string // Code is the error kind, e.g. "NotOwner"
	Message string // Message is the node's error text
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("status %d: %s", e.Status, e.Message)
	}

	return fmt.Sprintf("%s (status %d): %s", e.Code, e.Status, e.Message)
}

// Unwrap returns the sentinel matching Code, so callers can use errors.Is
// with the node's error values.
func (e *APIError) Unwrap() error {
	return codeErrors[e.Code]
}

// codeErrors maps wire error codes to their sentinel errors.
var codeErrors = map[string]error{
	"DigestTooLong":       registry.ErrDigestTooLong,
	"AlreadyClaimed":      registry.ErrAlreadyClaimed,
	"NotClaimed":          registry.ErrNotClaimed,
	"NotOwner":            registry.ErrNotOwner,
	"InsufficientBalance": registry.ErrInsufficientBalance,
	"EscrowInconsistency": registry.ErrEscrowInconsistency,
	"BadNonce":            dispatch.ErrBadNonce,
	"ReadOnly":            dispatch.ErrReadOnly,
	"InvalidTx":           txn.ErrInvalidTx,
}

// do performs a request and returns the body of a 200 response.
func (c *Client) do(method, path, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request:\n%w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s:\n%w", method, path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, data)
	}

	return data, nil
}

// httpGet performs a GET request and decodes the JSON response.
func (c *Client) httpGet(path string, result any) error {
	data, err := c.do(http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, result)
}

// httpPostJSON performs a POST request with JSON body and decodes the JSON response.
func (c *Client) httpPostJSON(path string, body any, result any) error {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body:\n%w", err)
	}

	data, err := c.do(http.MethodPost, path, "application/json", jsonBytes)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, result)
}

// parseAPIError builds an APIError from an error response body.
func parseAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}

	if err := json.Unmarshal(body, &payload); err != nil {
		return &APIError{Status: status, Message: string(bytes.TrimSpace(body))}
	}

	return &APIError{Status: status, Code: payload.Code, Message: payload.Error}
}
