// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the per-peer protocol engine: the
// authentication handshake, the permission-enforcing command
// dispatcher, and the goroutine that serializes one remote client's
// traffic over its transport.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KJ-Developers/note-relay/lib/clock"
	"github.com/KJ-Developers/note-relay/lib/identity"
	"github.com/KJ-Developers/note-relay/protocol"
)

// AuthState is a session's authentication standing. It only ever moves
// from Unauthenticated to one of the authenticated states, exactly
// once; there is no downgrade, upgrade, or re-authentication within a
// session's lifetime.
type AuthState int

const (
	Unauthenticated AuthState = iota
	AuthenticatedReadWrite
	AuthenticatedReadOnly
)

// Authenticated reports whether the handshake has completed.
func (s AuthState) Authenticated() bool { return s != Unauthenticated }

// ReadOnly reports whether mutating commands must be refused.
func (s AuthState) ReadOnly() bool { return s == AuthenticatedReadOnly }

func (s AuthState) String() string {
	switch s {
	case AuthenticatedReadWrite:
		return "authenticated-rw"
	case AuthenticatedReadOnly:
		return "authenticated-ro"
	default:
		return "unauthenticated"
	}
}

// Transport is the session's channel to one remote peer. *transport.Peer
// is the production implementation.
type Transport interface {
	Send(data []byte) error
	Messages() <-chan []byte
	Done() <-chan struct{}
	RemoteID() string
	Close() error
}

// DefaultIdleTimeout is how long an unauthenticated session may sit
// idle before it is closed. Authenticated sessions have no idle limit;
// the transport's own liveness governs them.
const DefaultIdleTimeout = 30 * time.Second

// denialGraceDelay gives a denial ERROR time to flush through the data
// channel before the transport is torn down.
const denialGraceDelay = 500 * time.Millisecond

// Config carries a session's collaborators.
type Config struct {
	Directory  *identity.Directory
	Dispatcher *Dispatcher
	Clock      clock.Clock
	Logger     *slog.Logger

	// IdleTimeout overrides DefaultIdleTimeout when positive.
	IdleTimeout time.Duration

	// OnAuthenticated, when set, is invoked once after a successful
	// handshake with the authenticated identity and resulting state.
	OnAuthenticated func(email string, state AuthState)
}

// Session serializes one remote peer's protocol traffic. All message
// handling runs on the single Run goroutine, so commands are processed
// strictly in arrival order and responses are fully framed before the
// next command starts.
type Session struct {
	transport   Transport
	directory   *identity.Directory
	dispatcher  *Dispatcher
	clock       clock.Clock
	logger      *slog.Logger
	idleTimeout time.Duration
	onAuth      func(email string, state AuthState)

	writer      *protocol.ChunkWriter
	reassembler *protocol.Reassembler

	mu    sync.Mutex
	state AuthState
	email string
}

// New builds a session over an established transport. The session does
// nothing until Run is called.
func New(transport Transport, config Config) *Session {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("remote", transport.RemoteID())

	idleTimeout := config.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	return &Session{
		transport:   transport,
		directory:   config.Directory,
		dispatcher:  config.Dispatcher,
		clock:       config.Clock,
		logger:      logger,
		idleTimeout: idleTimeout,
		onAuth:      config.OnAuthenticated,
		writer:      protocol.NewChunkWriter(transport.Send, config.Clock),
		reassembler: protocol.NewReassembler(0),
	}
}

// State returns the session's current authentication standing.
func (s *Session) State() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the authenticated identity, or "" before the
// handshake completes.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.email
}

// Run processes inbound messages until the transport ends or ctx is
// cancelled. It owns the transport and closes it on return.
func (s *Session) Run(ctx context.Context) {
	defer s.transport.Close()

	// A peer that connects but never completes a handshake holds a
	// PeerConnection and a reassembly buffer for nothing. Close it.
	idle := s.clock.AfterFunc(s.idleTimeout, func() {
		if s.State().Authenticated() {
			return
		}
		s.logger.Info("closing unauthenticated idle session")
		s.transport.Close()
	})
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.transport.Done():
			return
		case data := <-s.transport.Messages():
			s.handleMessage(data)
		}
	}
}

// handleMessage processes one raw inbound message: either a transport
// frame to reassemble or a complete command envelope.
func (s *Session) handleMessage(data []byte) {
	payload, done, err := s.maybeReassemble(data)
	if err != nil {
		// The reassembly cap is only exceeded by a malformed or abusive
		// peer. The buffers were reset; drop the connection.
		s.logger.Warn("terminating session", "error", err)
		s.transport.Close()
		return
	}
	if !done {
		return
	}

	command, err := protocol.ParseCommand(payload)
	if err != nil {
		s.logger.Debug("malformed command", "error", err)
		s.sendError("", "malformed command envelope")
		return
	}

	if command.Cmd == protocol.CmdPing || command.Cmd == protocol.CmdHandshake {
		s.handleHandshake(command)
		return
	}

	if !s.State().Authenticated() {
		// No side effects before authentication, only a refusal.
		s.sendError(command.ID, "NOT AUTHENTICATED: complete the handshake first")
		return
	}

	s.send(s.dispatcher.Dispatch(command, s.State()))
}

// maybeReassemble routes PART frames through the reassembler. done is
// false while an envelope is still accumulating.
func (s *Session) maybeReassemble(data []byte) (payload []byte, done bool, err error) {
	var probe struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(data, &probe) != nil || probe.Type != protocol.TypePart {
		return data, true, nil
	}

	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, false, fmt.Errorf("decoding transport frame: %w", err)
	}
	payload, err = s.reassembler.Accept(frame)
	if err != nil {
		return nil, false, err
	}
	return payload, payload != nil, nil
}

// handleHandshake resolves the claimed identity and, on the first
// success, moves the session to its permanent authenticated state. A
// handshake on an already-authenticated session is acknowledged again
// without changing anything. Denial is an explicit ERROR followed by
// disconnect after a short flush delay.
func (s *Session) handleHandshake(command protocol.Command) {
	s.mu.Lock()
	current := s.state
	s.mu.Unlock()

	if current.Authenticated() {
		s.sendAck(command, current)
		return
	}

	permission, err := Resolve(s.directory, command.GuestEmail, command.AuthHash)
	if err != nil {
		s.logger.Info("handshake denied", "claimed", command.GuestEmail)
		s.sendError(command.ID, "authentication failed")
		s.clock.AfterFunc(denialGraceDelay, func() { s.transport.Close() })
		return
	}

	state := AuthenticatedReadWrite
	if permission == identity.ReadOnly {
		state = AuthenticatedReadOnly
	}

	s.mu.Lock()
	s.state = state
	s.email = command.GuestEmail
	s.mu.Unlock()

	s.logger.Info("session authenticated",
		"identity", command.GuestEmail,
		"state", state.String(),
		"session_name", command.SessionName,
	)
	if s.onAuth != nil {
		s.onAuth(command.GuestEmail, state)
	}

	s.sendAck(command, state)
}

// sendAck answers a handshake. PING gets PONG, HANDSHAKE gets
// HANDSHAKE_ACK; both carry the protocol version and the session's
// permission level, never any credential material.
func (s *Session) sendAck(command protocol.Command, state AuthState) {
	ackType := protocol.TypeHandshakeAck
	if command.Cmd == protocol.CmdPing {
		ackType = protocol.TypePong
	}
	s.send(protocol.NewEnvelope(ackType, command.ID, map[string]any{
		"version":  protocol.Version,
		"readOnly": state.ReadOnly(),
	}))
}

func (s *Session) sendError(correlationID, message string) {
	s.send(protocol.ErrorEnvelope(correlationID, message))
}

// send frames and transmits one envelope. Before authentication only
// ERROR envelopes may leave the host; anything else here is a bug, so
// it is dropped and logged rather than leaked.
func (s *Session) send(envelope protocol.Envelope) {
	if envelope.Type != protocol.TypeError && !s.State().Authenticated() {
		s.logger.Error("dropped pre-auth envelope", "type", envelope.Type)
		return
	}
	if err := s.writer.Send(envelope); err != nil {
		s.logger.Warn("send failed, closing session", "type", envelope.Type, "error", err)
		s.transport.Close()
	}
}
