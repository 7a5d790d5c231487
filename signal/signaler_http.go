// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/KJ-Developers/note-relay/lib/clock"
)

// pollInterval is how often an HTTP subscription polls the relay for
// newly appended rows.
const pollInterval = 2 * time.Second

// Compile-time interface check.
var _ Signaler = (*HTTPSignaler)(nil)

// HTTPSignaler implements Signaler against the relay's row-store
// endpoints: POST /signals appends a row, GET /signals?target=X returns
// rows addressed to X. The push contract of Subscribe is satisfied by a
// background poller that tracks which row identities it has delivered,
// so each row reaches the callback exactly once per subscription.
type HTTPSignaler struct {
	baseURL    string
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger
}

// NewHTTPSignaler creates a relay-backed signaler. baseURL is the relay
// service root (no trailing slash required).
func NewHTTPSignaler(baseURL string, httpClient *http.Client, clk clock.Clock, logger *slog.Logger) *HTTPSignaler {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSignaler{
		baseURL:    trimSlash(baseURL),
		httpClient: httpClient,
		clock:      clk,
		logger:     logger,
	}
}

// Publish appends one row to the relay store.
func (s *HTTPSignaler) Publish(ctx context.Context, row Row) error {
	if row.Timestamp == "" {
		row.Timestamp = s.clock.Now().UTC().Format(time.RFC3339Nano)
	}
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encoding signal row: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/signals", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building signal publish request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("publishing signal row: %w", err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("publishing signal row: relay returned %s", response.Status)
	}
	return nil
}

// Subscribe starts a poll loop delivering new rows addressed to
// targetID. Rows already in the store at subscribe time form the
// baseline and are never delivered; later polls deliver any row whose
// identity is not yet recorded. Keying on identity rather than a
// timestamp watermark keeps delivery correct when the relay stamps at
// second granularity (two offers can share a timestamp) or does not
// stamp at all. Poll failures after the baseline are logged and retried
// on the next tick; a failed baseline fetch fails the subscription.
func (s *HTTPSignaler) Subscribe(ctx context.Context, targetID string, onInsert func(Row)) (func(), error) {
	existing, err := s.fetch(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("establishing subscription baseline: %w", err)
	}
	delivered := make(map[string]struct{}, len(existing))
	for _, row := range existing {
		delivered[rowKey(row)] = struct{}{}
	}

	subscriptionCtx, cancel := context.WithCancel(ctx)
	go s.pollLoop(subscriptionCtx, targetID, delivered, onInsert)
	return cancel, nil
}

func (s *HTTPSignaler) pollLoop(ctx context.Context, targetID string, delivered map[string]struct{}, onInsert func(Row)) {
	ticker := s.clock.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows, err := s.fetch(ctx, targetID)
			if err != nil {
				s.logger.Warn("polling relay for signal rows failed",
					"target", targetID,
					"error", err,
				)
				continue
			}
			for _, row := range rows {
				key := rowKey(row)
				if _, ok := delivered[key]; ok {
					continue
				}
				delivered[key] = struct{}{}
				onInsert(row)
			}
		}
	}
}

// rowKey is a row's identity within one subscription target. A
// byte-identical republish of the same row is treated as the same row
// and delivered once.
func rowKey(row Row) string {
	return row.Source + "\x00" + row.Type + "\x00" + row.Timestamp + "\x00" + row.Payload
}

// fetch returns all rows addressed to targetID.
func (s *HTTPSignaler) fetch(ctx context.Context, targetID string) ([]Row, error) {
	endpoint := fmt.Sprintf("%s/signals?target=%s", s.baseURL, url.QueryEscape(targetID))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building signal fetch request: %w", err)
	}

	response, err := s.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("fetching signal rows: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		io.Copy(io.Discard, response.Body)
		return nil, fmt.Errorf("fetching signal rows: relay returned %s", response.Status)
	}

	var rows []Row
	if err := json.NewDecoder(response.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding signal rows: %w", err)
	}
	return rows, nil
}

func trimSlash(u string) string {
	for len(u) > 0 && u[len(u)-1] == '/' {
		u = u[:len(u)-1]
	}
	return u
}
