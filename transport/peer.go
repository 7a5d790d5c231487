// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport establishes direct peer connections to remote
// browser clients over WebRTC data channels.
//
// The host is always the answering side: a browser publishes an offer
// through the relay, the host builds an answer, and the browser opens
// the single message-oriented data channel both sides then use for
// protocol frames. Signaling is vanilla ICE — all candidates are
// gathered before the SDP is published, so connection establishment
// costs exactly one signaling round-trip.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before the answer SDP is published.
const iceGatherTimeout = 15 * time.Second

// messageBuffer is the inbound message channel capacity. The session
// loop drains it continuously; the buffer only absorbs short bursts.
const messageBuffer = 64

// Peer is one direct connection to a remote client. Inbound data
// channel messages surface on Messages; Done closes when the transport
// ends for any reason.
type Peer struct {
	connection *webrtc.PeerConnection
	remoteID   string
	logger     *slog.Logger

	messages chan []byte

	// opened is closed when the remote side's data channel is open and
	// Send becomes usable.
	opened     chan struct{}
	openedOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once

	channelMu sync.Mutex
	channel   *webrtc.DataChannel
}

// AcceptOffer builds a PeerConnection from a remote offer SDP and
// returns the peer together with the complete answer SDP the caller
// publishes back through the relay. remoteID is the correspondent
// address the answer must be directed to.
func AcceptOffer(ctx context.Context, remoteID, offerSDP string, config ICEConfig, logger *slog.Logger) (*Peer, string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	connection, err := newPeerConnection(config)
	if err != nil {
		return nil, "", fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := &Peer{
		connection: connection,
		remoteID:   remoteID,
		logger:     logger,
		messages:   make(chan []byte, messageBuffer),
		opened:     make(chan struct{}),
		done:       make(chan struct{}),
	}

	connection.OnDataChannel(peer.handleDataChannel)
	connection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		peer.handleICEStateChange(state)
	})

	remoteOffer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}
	if err := connection.SetRemoteDescription(remoteOffer); err != nil {
		connection.Close()
		return nil, "", fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := connection.CreateAnswer(nil)
	if err != nil {
		connection.Close()
		return nil, "", fmt.Errorf("creating SDP answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(connection)
	if err := connection.SetLocalDescription(answer); err != nil {
		connection.Close()
		return nil, "", fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		connection.Close()
		return nil, "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		connection.Close()
		return nil, "", ctx.Err()
	}

	logger.Info("answered connection offer", "remote", remoteID)
	return peer, connection.LocalDescription().SDP, nil
}

// handleDataChannel accepts the protocol data channel opened by the
// remote client and routes its messages into the inbound channel.
func (p *Peer) handleDataChannel(channel *webrtc.DataChannel) {
	p.logger.Debug("inbound data channel",
		"remote", p.remoteID,
		"label", channel.Label(),
	)

	p.channelMu.Lock()
	p.channel = channel
	p.channelMu.Unlock()

	channel.OnOpen(func() {
		p.openedOnce.Do(func() { close(p.opened) })
	})
	channel.OnClose(func() {
		p.shutdown()
	})
	channel.OnMessage(func(message webrtc.DataChannelMessage) {
		select {
		case p.messages <- message.Data:
		case <-p.done:
		}
	})
}

func (p *Peer) handleICEStateChange(state webrtc.ICEConnectionState) {
	p.logger.Debug("ICE state change", "remote", p.remoteID, "state", state.String())

	switch state {
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		p.shutdown()
	}
}

// Send transmits one message on the data channel, waiting for the
// channel to open first.
func (p *Peer) Send(data []byte) error {
	select {
	case <-p.opened:
	case <-p.done:
		return fmt.Errorf("sending to %s: transport closed", p.remoteID)
	}

	p.channelMu.Lock()
	channel := p.channel
	p.channelMu.Unlock()
	if channel == nil {
		return fmt.Errorf("sending to %s: no data channel", p.remoteID)
	}
	if err := channel.Send(data); err != nil {
		return fmt.Errorf("sending to %s: %w", p.remoteID, err)
	}
	return nil
}

// Messages returns the inbound message stream.
func (p *Peer) Messages() <-chan []byte { return p.messages }

// Done returns a channel closed when the transport has ended.
func (p *Peer) Done() <-chan struct{} { return p.done }

// RemoteID returns the correspondent address from the relay.
func (p *Peer) RemoteID() string { return p.remoteID }

// Close tears the connection down. Safe to call multiple times.
func (p *Peer) Close() error {
	p.shutdown()
	return nil
}

func (p *Peer) shutdown() {
	p.doneOnce.Do(func() {
		close(p.done)
		p.connection.Close()
	})
}

// newPeerConnection creates a pion PeerConnection with the given ICE
// configuration. Loopback candidates are enabled so same-machine and
// test environments work without STUN.
func newPeerConnection(config ICEConfig) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: config.Servers,
	})
}
