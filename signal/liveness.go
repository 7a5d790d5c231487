// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/KJ-Developers/note-relay/lib/clock"
)

// DefaultHeartbeatInterval is how often the liveness manager re-announces
// host availability to the relay.
const DefaultHeartbeatInterval = 5 * time.Minute

// stalenessWindow is the maximum age of the last heartbeat attempt
// before a wake signal forces a full teardown and rebuild of the
// registration and signaling subscription.
const stalenessWindow = 6 * time.Minute

// Heartbeater sends one registration heartbeat. Implemented by the
// daemon wiring around RegistrationClient.
type Heartbeater interface {
	Heartbeat(ctx context.Context) error
}

// Rebuilder tears down and rebuilds the registration and signaling
// subscription from scratch: a fresh registration round-trip and a
// fresh subscription, never an in-place resume.
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// Liveness keeps the host's relay registration alive: an immediate
// heartbeat on start, then one per interval. Every attempt stamps
// lastAttempt regardless of outcome — the timestamp measures attempted
// contact, not confirmed health. Staleness recovery (wake after
// suspend, network flaps) runs through Wake, a separate control path.
type Liveness struct {
	heartbeater Heartbeater
	rebuilder   Rebuilder
	interval    time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	mu          sync.Mutex
	lastAttempt time.Time
}

// NewLiveness creates a liveness manager. interval <= 0 selects
// DefaultHeartbeatInterval.
func NewLiveness(heartbeater Heartbeater, rebuilder Rebuilder, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Liveness {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Liveness{
		heartbeater: heartbeater,
		rebuilder:   rebuilder,
		interval:    interval,
		clock:       clk,
		logger:      logger,
	}
}

// Run sends an immediate heartbeat, then one per interval, until ctx is
// cancelled. A confirmed authorization rejection stops the loop and is
// returned; every other failure is logged and retried on schedule.
func (l *Liveness) Run(ctx context.Context) error {
	if err := l.beat(ctx); err != nil {
		return err
	}

	ticker := l.clock.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.beat(ctx); err != nil {
				return err
			}
		}
	}
}

// beat performs one heartbeat attempt. The last-attempt timestamp is
// stamped before the outcome is known, so a run of failures still
// counts as attempted contact; sustained failure is handled by the
// relay's own liveness window and by Wake, not by this timestamp.
func (l *Liveness) beat(ctx context.Context) error {
	l.mu.Lock()
	l.lastAttempt = l.clock.Now()
	l.mu.Unlock()

	err := l.heartbeater.Heartbeat(ctx)
	if err == nil {
		l.logger.Debug("heartbeat sent")
		return nil
	}

	if errors.Is(err, ErrRegistrationRejected) {
		// The relay actively refused the registration. Retrying with
		// the same credentials is a retry storm, not recovery.
		l.logger.Error("registration rejected, disabling heartbeat loop", "error", err)
		return err
	}

	l.logger.Warn("heartbeat failed, will retry on schedule", "error", err)
	return nil
}

// LastAttempt returns when the most recent heartbeat attempt started.
func (l *Liveness) LastAttempt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastAttempt
}

// Wake handles a wake/visibility signal from the host environment. If
// more than the staleness window has passed since the last heartbeat
// attempt, the registration and subscription are rebuilt from scratch.
func (l *Liveness) Wake(ctx context.Context) error {
	l.mu.Lock()
	last := l.lastAttempt
	l.mu.Unlock()

	if l.clock.Now().Sub(last) <= stalenessWindow {
		return nil
	}

	l.logger.Info("signaling connection stale after wake, rebuilding",
		"last_attempt", last,
	)
	if err := l.rebuilder.Rebuild(ctx); err != nil {
		return err
	}

	// The rebuild re-registered; count it as contact.
	l.mu.Lock()
	l.lastAttempt = l.clock.Now()
	l.mu.Unlock()
	return nil
}
