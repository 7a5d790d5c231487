// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/KJ-Developers/note-relay/lib/clock"
	"github.com/KJ-Developers/note-relay/lib/identity"
	"github.com/KJ-Developers/note-relay/signal"
	"github.com/KJ-Developers/note-relay/transport"
)

// ErrNotConfigured is returned when the host has no owner identity and
// therefore nothing to register or authenticate against.
var ErrNotConfigured = errors.New("host is not configured with an owner identity")

// HostConfig carries the host coordinator's collaborators.
type HostConfig struct {
	Signaler      signal.Signaler
	Registration  *signal.RegistrationClient
	Directory     *identity.Directory
	Dispatcher    *Dispatcher
	ICE           *transport.ICEProvider
	Clock         clock.Clock
	Logger        *slog.Logger
	StatusTracker *StatusTracker

	// VaultName is the display name announced at registration.
	VaultName string

	// IdleTimeout is passed through to each session.
	IdleTimeout time.Duration
}

// Host coordinates the signaling side of the engine: it registers with
// the relay, subscribes for inbound connection offers, answers each one
// with a fresh peer session, and tracks the live session set. It also
// implements signal.Heartbeater and signal.Rebuilder for the liveness
// manager.
type Host struct {
	config HostConfig
	logger *slog.Logger
	status *StatusTracker

	mu            sync.Mutex
	signalID      string
	cancelSub     func()
	sessions      map[int]*Session
	nextSessionID int
	sessionWG     sync.WaitGroup
	runCtx        context.Context
}

// NewHost builds a host coordinator. Call Start to register and begin
// accepting offers.
func NewHost(config HostConfig) *Host {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	status := config.StatusTracker
	if status == nil {
		status = NewStatusTracker(logger)
	}
	return &Host{
		config:   config,
		logger:   logger,
		status:   status,
		sessions: make(map[int]*Session),
	}
}

// Start registers with the relay and subscribes for offers. ctx bounds
// the whole accept lifetime: sessions created from offers are run under
// it.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	h.runCtx = ctx
	h.mu.Unlock()

	if err := h.register(ctx); err != nil {
		return err
	}
	return h.subscribe(ctx)
}

// register announces the host and adopts the relay-assigned signal id.
func (h *Host) register(ctx context.Context) error {
	owner := h.config.Directory.Snapshot().Owner
	if !owner.Configured() {
		h.status.Set(StatusNotConfigured, "")
		return ErrNotConfigured
	}

	hostname, _ := os.Hostname()
	response, err := h.config.Registration.Register(ctx, signal.RegisterRequest{
		Email:     owner.Email,
		VaultID:   owner.VaultID,
		SignalID:  owner.NodeID,
		VaultName: h.config.VaultName,
		Hostname:  hostname,
		NodeID:    owner.NodeID,
	})
	if err != nil {
		h.status.Set(StatusError, err.Error())
		return err
	}

	signalID := response.SignalID
	if signalID == "" {
		signalID = signal.FallbackTarget
	}

	h.mu.Lock()
	h.signalID = signalID
	h.mu.Unlock()

	h.logger.Info("registered with relay", "signal_id", signalID, "vault", h.config.VaultName)
	h.status.Set(StatusActive, "")
	return nil
}

// subscribe starts (or restarts) the offer subscription under the
// current signal id.
func (h *Host) subscribe(ctx context.Context) error {
	h.mu.Lock()
	signalID := h.signalID
	previous := h.cancelSub
	h.mu.Unlock()

	if previous != nil {
		previous()
	}

	cancel, err := h.config.Signaler.Subscribe(ctx, signalID, func(row signal.Row) {
		h.handleRow(ctx, row)
	})
	if err != nil {
		h.status.Set(StatusDisconnected, err.Error())
		return fmt.Errorf("subscribing for offers: %w", err)
	}

	h.mu.Lock()
	h.cancelSub = cancel
	h.mu.Unlock()
	return nil
}

// handleRow filters subscription rows down to connection offers and
// answers each in its own goroutine so a slow ICE gather never blocks
// the subscription callback.
func (h *Host) handleRow(ctx context.Context, row signal.Row) {
	if row.Type != signal.KindOffer || row.Source == signal.SourceHost {
		return
	}
	h.sessionWG.Add(1)
	go func() {
		defer h.sessionWG.Done()
		h.answerOffer(ctx, row)
	}()
}

// answerOffer establishes one peer session from an offer row: build the
// answer under the current ICE configuration, publish it back to the
// offering client, and run the session until its transport ends.
func (h *Host) answerOffer(ctx context.Context, row signal.Row) {
	peer, answerSDP, err := transport.AcceptOffer(ctx, row.Source, row.Payload, h.config.ICE.Current(), h.logger)
	if err != nil {
		h.logger.Warn("answering offer failed", "remote", row.Source, "error", err)
		return
	}

	err = h.config.Signaler.Publish(ctx, signal.Row{
		Source:  signal.SourceHost,
		Target:  row.Source,
		Type:    signal.KindAnswer,
		Payload: answerSDP,
	})
	if err != nil {
		h.logger.Warn("publishing answer failed", "remote", row.Source, "error", err)
		peer.Close()
		return
	}

	sess := New(peer, Config{
		Directory:   h.config.Directory,
		Dispatcher:  h.config.Dispatcher,
		Clock:       h.config.Clock,
		Logger:      h.logger,
		IdleTimeout: h.config.IdleTimeout,
		OnAuthenticated: func(email string, state AuthState) {
			h.status.SetLinked(email, state.ReadOnly())
		},
	})

	// Registry entries are keyed by a unique id, never by row.Source: a
	// reconnecting remote reuses its source id while the old session's
	// goroutine is still draining, and the two must not share a slot.
	h.mu.Lock()
	h.nextSessionID++
	id := h.nextSessionID
	h.sessions[id] = sess
	h.mu.Unlock()

	sess.Run(ctx)

	h.mu.Lock()
	delete(h.sessions, id)
	remaining := len(h.sessions)
	h.mu.Unlock()

	h.logger.Info("session ended", "remote", row.Source, "remaining", remaining)
	if remaining == 0 {
		h.status.Set(StatusActive, "")
	}
}

// Heartbeat implements signal.Heartbeater.
func (h *Host) Heartbeat(ctx context.Context) error {
	owner := h.config.Directory.Snapshot().Owner
	if !owner.Configured() {
		return ErrNotConfigured
	}

	h.mu.Lock()
	signalID := h.signalID
	h.mu.Unlock()

	return h.config.Registration.Heartbeat(ctx, signal.HeartbeatRequest{
		Email:    owner.Email,
		VaultID:  owner.VaultID,
		SignalID: signalID,
	})
}

// Rebuild implements signal.Rebuilder: a fresh registration round-trip,
// fresh TURN credentials, and a fresh offer subscription. Live sessions
// are untouched; only the discovery path is rebuilt.
func (h *Host) Rebuild(ctx context.Context) error {
	h.mu.Lock()
	runCtx := h.runCtx
	h.mu.Unlock()
	if runCtx == nil {
		runCtx = ctx
	}

	if err := h.register(ctx); err != nil {
		return fmt.Errorf("rebuilding registration: %w", err)
	}
	if err := h.refreshTURN(ctx); err != nil {
		// Stale TURN credentials degrade NAT traversal but do not block
		// direct connections.
		h.logger.Warn("TURN refresh failed during rebuild", "error", err)
	}
	if err := h.subscribe(runCtx); err != nil {
		return fmt.Errorf("rebuilding subscription: %w", err)
	}
	return nil
}

// refreshTURN fetches a fresh ICE server list and installs it for
// subsequent offers.
func (h *Host) refreshTURN(ctx context.Context) error {
	owner := h.config.Directory.Snapshot().Owner
	if !owner.Configured() {
		return ErrNotConfigured
	}
	credentials, err := h.config.Registration.TURNCredentials(ctx, owner.Email)
	if err != nil {
		return err
	}
	h.config.ICE.Refresh(transport.ICEConfigFromTURN(credentials))
	return nil
}

// SessionCount returns the number of live sessions.
func (h *Host) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Status returns the host's status tracker.
func (h *Host) Status() *StatusTracker { return h.status }

// Close cancels the subscription and closes every live session, then
// waits for their goroutines to drain.
func (h *Host) Close() {
	h.mu.Lock()
	cancel := h.cancelSub
	h.cancelSub = nil
	sessions := make([]*Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sess := range sessions {
		sess.transport.Close()
	}
	h.sessionWG.Wait()
	h.status.Set(StatusDisconnected, "")
}
