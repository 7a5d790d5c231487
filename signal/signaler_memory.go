// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler for tests. Rows are held in
// an append-only slice and delivered to matching subscribers
// synchronously on Publish, bypassing the relay entirely.
type MemorySignaler struct {
	mu          sync.Mutex
	rows        []Row
	subscribers map[int]*memorySubscription
	nextID      int
}

type memorySubscription struct {
	target   string
	onInsert func(Row)
}

// NewMemorySignaler creates an empty in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{subscribers: make(map[int]*memorySubscription)}
}

// Publish appends the row and synchronously notifies subscribers whose
// target matches.
func (s *MemorySignaler) Publish(_ context.Context, row Row) error {
	s.mu.Lock()
	s.rows = append(s.rows, row)
	var deliveries []func(Row)
	for _, sub := range s.subscribers {
		if sub.target == row.Target {
			deliveries = append(deliveries, sub.onInsert)
		}
	}
	s.mu.Unlock()

	// Callbacks run outside the lock so they may publish in turn.
	for _, deliver := range deliveries {
		deliver(row)
	}
	return nil
}

// Subscribe registers a callback for rows addressed to targetID.
func (s *MemorySignaler) Subscribe(_ context.Context, targetID string, onInsert func(Row)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subscribers[id] = &memorySubscription{target: targetID, onInsert: onInsert}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}, nil
}

// Rows returns a copy of everything published so far. Test helper.
func (s *MemorySignaler) Rows() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]Row, len(s.rows))
	copy(rows, s.rows)
	return rows
}
