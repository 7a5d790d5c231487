// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"log/slog"
	"sync"
)

// Status is the host's coarse operational state, surfaced in logs and
// by the status command of the daemon.
type Status string

const (
	StatusNotConfigured Status = "Not configured"
	StatusActive        Status = "Active"
	StatusLinked        Status = "Linked"
	StatusError         Status = "Error"
	StatusDisconnected  Status = "Disconnected"
)

// StatusTracker holds the current status and logs transitions.
type StatusTracker struct {
	logger *slog.Logger

	mu     sync.Mutex
	status Status
	detail string
}

// NewStatusTracker starts in StatusDisconnected.
func NewStatusTracker(logger *slog.Logger) *StatusTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusTracker{logger: logger, status: StatusDisconnected}
}

// Set records a status with an optional detail string.
func (t *StatusTracker) Set(status Status, detail string) {
	t.mu.Lock()
	changed := t.status != status || t.detail != detail
	t.status = status
	t.detail = detail
	t.mu.Unlock()

	if changed {
		t.logger.Info("status changed", "status", string(status), "detail", detail)
	}
}

// SetLinked records an active session with the given remote identity.
func (t *StatusTracker) SetLinked(email string, readOnly bool) {
	detail := email
	if readOnly {
		detail = email + " (RO)"
	}
	t.Set(StatusLinked, detail)
}

// Current returns the status and its display string.
func (t *StatusTracker) Current() (Status, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.display()
}

func (t *StatusTracker) display() string {
	if t.detail == "" {
		return string(t.status)
	}
	return fmt.Sprintf("%s: %s", t.status, t.detail)
}
