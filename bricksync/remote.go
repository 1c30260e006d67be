// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

package bricksync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CloudQuery is the read-only remote collaborator feeding the merge engine:
// the user's owned-quantity aggregates and minimal metadata for an id set.
type CloudQuery interface {
	FetchOwnedAggregates(ctx context.Context, userID string) (map[string]int, error)
	FetchItemMeta(ctx context.Context, ids []string) (map[string]CloudItemMeta, error)
}

// HTTPCloudQuery implements CloudQuery against the remote query service.
type HTTPCloudQuery struct {
	BaseURL  string
	Token    TokenProvider
	HTTP     *http.Client
	PageSize int
}

// NewHTTPCloudQuery builds a query client with defaults matching the sync
// transport.
func NewHTTPCloudQuery(baseURL string, token TokenProvider) *HTTPCloudQuery {
	return &HTTPCloudQuery{
		BaseURL:  baseURL,
		Token:    token,
		HTTP:     &http.Client{Timeout: 60 * time.Second},
		PageSize: 500,
	}
}

type ownedAggregatesPage struct {
	Items map[string]int `json:"items"`
	Next  string         `json:"next,omitempty"`
}

// FetchOwnedAggregates pages through the user's remote owned counts.
func (q *HTTPCloudQuery) FetchOwnedAggregates(ctx context.Context, userID string) (map[string]int, error) {
	out := make(map[string]int)
	cursor := ""
	for {
		u := fmt.Sprintf("%s/users/%s/owned?limit=%d", q.BaseURL, url.PathEscape(userID), q.PageSize)
		if cursor != "" {
			u += "&cursor=" + url.QueryEscape(cursor)
		}
		var page ownedAggregatesPage
		if err := q.getJSON(ctx, u, &page); err != nil {
			return nil, fmt.Errorf("failed to fetch owned aggregates: %w", err)
		}
		for id, count := range page.Items {
			out[id] = count
		}
		if page.Next == "" {
			return out, nil
		}
		cursor = page.Next
	}
}

// FetchItemMeta fetches minimal metadata for the given ids, chunked to the
// page size.
func (q *HTTPCloudQuery) FetchItemMeta(ctx context.Context, ids []string) (map[string]CloudItemMeta, error) {
	out := make(map[string]CloudItemMeta, len(ids))
	size := q.PageSize
	if size <= 0 {
		size = 500
	}
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		u := fmt.Sprintf("%s/items/meta?ids=%s", q.BaseURL,
			url.QueryEscape(strings.Join(ids[start:end], ",")))
		var page map[string]CloudItemMeta
		if err := q.getJSON(ctx, u, &page); err != nil {
			return nil, fmt.Errorf("failed to fetch item metadata: %w", err)
		}
		for id, meta := range page {
			out[id] = meta
		}
	}
	return out, nil
}

func (q *HTTPCloudQuery) getJSON(ctx context.Context, u string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if q.Token != nil {
		token, err := q.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := q.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
