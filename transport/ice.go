// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/KJ-Developers/note-relay/signal"
)

// ICEConfig holds the ICE server list used when answering offers.
type ICEConfig struct {
	// Servers are tried in order during candidate gathering.
	Servers []webrtc.ICEServer
}

// ICEConfigFromTURN converts relay-issued TURN credentials into an
// ICEConfig. A nil or empty credential set yields host candidates only,
// which is sufficient for same-machine and same-LAN use.
func ICEConfigFromTURN(credentials *signal.TURNCredentials) ICEConfig {
	if credentials == nil || len(credentials.ICEServers) == 0 {
		return ICEConfig{}
	}
	servers := make([]webrtc.ICEServer, 0, len(credentials.ICEServers))
	for _, server := range credentials.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return ICEConfig{Servers: servers}
}

// ICEProvider owns the current ICE configuration with a single
// initialization point and an explicit refresh operation. TURN
// credentials expire, so the liveness rebuild path refreshes the
// provider; sessions answering new offers read the latest value.
type ICEProvider struct {
	mu     sync.RWMutex
	config ICEConfig
}

// NewICEProvider creates a provider with an initial configuration.
func NewICEProvider(config ICEConfig) *ICEProvider {
	return &ICEProvider{config: config}
}

// Current returns the configuration for the next PeerConnection.
func (p *ICEProvider) Current() ICEConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// Refresh replaces the configuration. Existing connections keep the
// configuration they were built with.
func (p *ICEProvider) Refresh(config ICEConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config = config
}
