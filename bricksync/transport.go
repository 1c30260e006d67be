// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

package bricksync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Wire models for the remote sync endpoint.

// SyncOperation is one queued mutation on the wire.
type SyncOperation struct {
	ID        int64           `json:"id"`
	Table     string          `json:"table"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

// SyncRequest is the batch body for POST /sync.
type SyncRequest struct {
	ClientID   string          `json:"client_id"`
	Operations []SyncOperation `json:"operations"`
}

// SyncFailure is one server-reported per-operation failure.
type SyncFailure struct {
	ID    int64  `json:"id"`
	Error string `json:"error"`
}

// SyncResponse is the server's acknowledgement for a confirmed submit.
type SyncResponse struct {
	Success   bool          `json:"success"`
	Processed int           `json:"processed"`
	Failed    []SyncFailure `json:"failed,omitempty"`
}

// TokenProvider supplies the bearer token for remote calls.
type TokenProvider func(ctx context.Context) (string, error)

// Transport delivers operation batches to the remote store. Submit is the
// confirmed request/response path; SubmitBeacon is one-way, used on teardown
// where waiting for a response would block the shutdown.
type Transport interface {
	Submit(ctx context.Context, req *SyncRequest) (*SyncResponse, error)
	SubmitBeacon(ctx context.Context, req *SyncRequest) error
}

// HTTPTransport talks to the remote sync endpoint over HTTP with bearer auth.
type HTTPTransport struct {
	BaseURL string
	Token   TokenProvider
	HTTP    *http.Client

	// BeaconTimeout bounds the fire-and-forget submit so it never holds up
	// teardown. The response, if any, is discarded.
	BeaconTimeout time.Duration
}

// NewHTTPTransport builds a transport with stock timeouts.
func NewHTTPTransport(baseURL string, token TokenProvider) *HTTPTransport {
	return &HTTPTransport{
		BaseURL:       baseURL,
		Token:         token,
		HTTP:          &http.Client{Timeout: 60 * time.Second},
		BeaconTimeout: 2 * time.Second,
	}
}

// Submit posts the batch and decodes the per-operation acknowledgement.
func (t *HTTPTransport) Submit(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", t.BaseURL+"/sync", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := t.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send sync request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var syncResp SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&syncResp); err != nil {
		return nil, fmt.Errorf("failed to decode sync response: %w", err)
	}
	return &syncResp, nil
}

// SubmitBeacon delivers the same logical payload one-way. Errors from the
// response are ignored on purpose: the caller has already decided that not
// blocking teardown beats delivery guarantees.
func (t *HTTPTransport) SubmitBeacon(ctx context.Context, req *SyncRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal beacon request: %w", err)
	}

	timeout := t.BeaconTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, "POST", t.BaseURL+"/sync", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create beacon request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Sync-Beacon", "1")
	if err := t.authorize(ctx, httpReq); err != nil {
		return err
	}

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send beacon request: %w", err)
	}
	// One-way: drain and drop the body, status included.
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return nil
}

func (t *HTTPTransport) authorize(ctx context.Context, req *http.Request) error {
	if t.Token == nil {
		return nil
	}
	token, err := t.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
