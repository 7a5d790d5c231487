// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package signal talks to the relay/discovery service: the append-only
// signaling row store used to exchange connection offers and answers,
// the registration and heartbeat API, and the liveness manager that
// keeps this host discoverable.
package signal

import (
	"context"
)

// Row kinds in the relay store.
const (
	KindOffer  = "offer"
	KindAnswer = "answer"
)

// SourceHost is the source identifier this host publishes answers under.
const SourceHost = "host"

// FallbackTarget is the subscription target used when the host has no
// registration yet (unregistered/testing mode).
const FallbackTarget = "default"

// Row is one entry in the shared append-only relay store. Payload is an
// opaque connection descriptor (a complete SDP with all ICE candidates
// embedded — signaling is vanilla ICE, one round-trip per connection).
type Row struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Type      string `json:"type"`
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Signaler is the signaling client boundary. The relay is a push
// notification mechanism, not a guaranteed-delivery queue: insertion
// order is the only ordering, and there are no acknowledgements. When
// the relay is unreachable both operations fail and the caller (the
// liveness manager) retries registration rather than treating the
// failure as fatal.
type Signaler interface {
	// Publish appends a row to the relay store.
	Publish(ctx context.Context, row Row) error

	// Subscribe invokes onInsert for every newly appended row whose
	// Target equals targetID, until ctx is cancelled or the returned
	// cancel function is called. Rows present before Subscribe was
	// called are not delivered.
	Subscribe(ctx context.Context, targetID string, onInsert func(Row)) (cancel func(), err error)
}
