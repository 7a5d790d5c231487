// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrRegistrationRejected marks a confirmed authorization rejection
// (HTTP 401/403) from the relay. Unlike transient network failures,
// a rejection disables the registration loop: retrying with the same
// credentials cannot succeed.
var ErrRegistrationRejected = errors.New("registration rejected by relay")

// RegisterRequest announces this host to the relay.
type RegisterRequest struct {
	Email     string `json:"email"`
	VaultID   string `json:"vaultId"`
	SignalID  string `json:"signalId"`
	VaultName string `json:"vaultName"`
	Hostname  string `json:"hostname"`
	NodeID    string `json:"nodeId"`
}

// RegisterResponse is the relay's acknowledgement. SignalID is the
// identifier the host subscribes under for inbound offers.
type RegisterResponse struct {
	Success  bool   `json:"success"`
	SignalID string `json:"signalId"`
	VaultID  string `json:"vaultId"`
	UserID   string `json:"userId"`
}

// HeartbeatRequest refreshes a live registration. The relay considers
// a registration expired when no heartbeat arrives within its liveness
// window (six heartbeat intervals).
type HeartbeatRequest struct {
	Email    string `json:"email"`
	VaultID  string `json:"vaultId"`
	SignalID string `json:"signalId"`
}

// TURNCredentials is the relay-issued ICE server list for NAT
// traversal. Credentials expire, so the host refreshes them whenever it
// rebuilds its registration.
type TURNCredentials struct {
	ICEServers []ICEServer `json:"iceServers"`
}

// ICEServer is one STUN/TURN endpoint with optional credentials.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// RegistrationClient talks to the relay's vault registration API.
type RegistrationClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewRegistrationClient creates a client for the relay registration
// API. timeout bounds every request; registration and heartbeat calls
// must never hang the liveness loop.
func NewRegistrationClient(baseURL string, httpClient *http.Client, timeout time.Duration) *RegistrationClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RegistrationClient{
		baseURL:    trimSlash(baseURL),
		httpClient: httpClient,
		timeout:    timeout,
	}
}

// Register announces the host and returns the relay's acknowledgement.
func (c *RegistrationClient) Register(ctx context.Context, request RegisterRequest) (*RegisterResponse, error) {
	var response RegisterResponse
	if err := c.post(ctx, "/vaults?route=register", request, &response); err != nil {
		return nil, fmt.Errorf("registering vault: %w", err)
	}
	if !response.Success {
		return nil, fmt.Errorf("registering vault: relay reported failure")
	}
	return &response, nil
}

// Heartbeat refreshes the registration. A 401/403 response returns
// ErrRegistrationRejected (wrapped); any other failure is transient.
func (c *RegistrationClient) Heartbeat(ctx context.Context, request HeartbeatRequest) error {
	if err := c.post(ctx, "/vaults?route=heartbeat", request, nil); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// TURNCredentials fetches the ICE server list for the given account.
func (c *RegistrationClient) TURNCredentials(ctx context.Context, email string) (*TURNCredentials, error) {
	var credentials TURNCredentials
	body := map[string]string{"email": email}
	if err := c.post(ctx, "/turn-credentials", body, &credentials); err != nil {
		return nil, fmt.Errorf("fetching TURN credentials: %w", err)
	}
	return &credentials, nil
}

func (c *RegistrationClient) post(ctx context.Context, route string, requestBody, responseBody any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	encoded, err := json.Marshal(requestBody)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, response.Body)
		return fmt.Errorf("%w (%s)", ErrRegistrationRejected, response.Status)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		io.Copy(io.Discard, response.Body)
		return fmt.Errorf("relay returned %s", response.Status)
	}

	if responseBody == nil {
		io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(responseBody); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
