// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/KJ-Developers/note-relay/lib/clock"
	"github.com/KJ-Developers/note-relay/lib/testutil"
)

type fakeHeartbeater struct {
	mu    sync.Mutex
	err   error
	beats []time.Time

	clock    clock.Clock
	notified chan struct{}
}

func newFakeHeartbeater(clk clock.Clock) *fakeHeartbeater {
	return &fakeHeartbeater{clock: clk, notified: make(chan struct{}, 16)}
}

func (f *fakeHeartbeater) Heartbeat(context.Context) error {
	f.mu.Lock()
	f.beats = append(f.beats, f.clock.Now())
	err := f.err
	f.mu.Unlock()
	f.notified <- struct{}{}
	return err
}

func (f *fakeHeartbeater) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeHeartbeater) times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.beats...)
}

type fakeRebuilder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeRebuilder) Rebuild(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeRebuilder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestLivenessBeatsImmediatelyThenOnSchedule(t *testing.T) {
	clk := clock.Fake(time.Unix(1700000000, 0))
	heartbeater := newFakeHeartbeater(clk)
	liveness := NewLiveness(heartbeater, &fakeRebuilder{}, time.Minute, clk, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	finished := make(chan error, 1)
	go func() { finished <- liveness.Run(ctx) }()

	testutil.RequireReceive(t, heartbeater.notified, 2*time.Second, "immediate heartbeat")

	for i := 0; i < 3; i++ {
		clk.WaitForTimers(1)
		clk.Advance(time.Minute)
		testutil.RequireReceive(t, heartbeater.notified, 2*time.Second, "scheduled heartbeat %d", i)
	}

	times := heartbeater.times()
	if len(times) != 4 {
		t.Fatalf("beats = %d, want 4", len(times))
	}
	// Attempt times never move backwards and never exceed the interval.
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		if gap < 0 {
			t.Errorf("beat %d went backwards: %v", i, gap)
		}
		if gap > time.Minute {
			t.Errorf("beat %d gap = %v, want <= 1m", i, gap)
		}
	}

	cancel()
	if err := <-finished; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v", err)
	}
}

// Transient failures keep the loop alive; the attempt timestamp still
// advances because it measures attempted contact, not success.
func TestLivenessRetriesTransientFailures(t *testing.T) {
	clk := clock.Fake(time.Unix(1700000000, 0))
	heartbeater := newFakeHeartbeater(clk)
	heartbeater.setError(fmt.Errorf("relay unreachable"))
	liveness := NewLiveness(heartbeater, &fakeRebuilder{}, time.Minute, clk, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	finished := make(chan error, 1)
	go func() { finished <- liveness.Run(ctx) }()

	testutil.RequireReceive(t, heartbeater.notified, 2*time.Second, "first failing heartbeat")
	first := liveness.LastAttempt()

	clk.WaitForTimers(1)
	clk.Advance(time.Minute)
	testutil.RequireReceive(t, heartbeater.notified, 2*time.Second, "retry heartbeat")

	if !liveness.LastAttempt().After(first) {
		t.Error("last attempt did not advance across a failed beat")
	}

	cancel()
	<-finished
}

// A confirmed rejection stops the loop instead of retrying forever with
// credentials the relay already refused.
func TestLivenessStopsOnRejection(t *testing.T) {
	clk := clock.Fake(time.Unix(1700000000, 0))
	heartbeater := newFakeHeartbeater(clk)
	heartbeater.setError(fmt.Errorf("heartbeat: %w", ErrRegistrationRejected))
	liveness := NewLiveness(heartbeater, &fakeRebuilder{}, time.Minute, clk, discardLogger())

	err := liveness.Run(context.Background())
	if !errors.Is(err, ErrRegistrationRejected) {
		t.Fatalf("Run returned %v", err)
	}
	if len(heartbeater.times()) != 1 {
		t.Errorf("beats = %d, want 1", len(heartbeater.times()))
	}
}

func TestLivenessWake(t *testing.T) {
	clk := clock.Fake(time.Unix(1700000000, 0))
	heartbeater := newFakeHeartbeater(clk)
	rebuilder := &fakeRebuilder{}
	liveness := NewLiveness(heartbeater, rebuilder, time.Minute, clk, discardLogger())

	// Seed a recent attempt.
	if err := liveness.Run(canceledContext()); err == nil {
		t.Fatal("expected context error")
	}
	testutil.RequireReceive(t, heartbeater.notified, 2*time.Second, "seed heartbeat")

	// Fresh: wake is a no-op.
	clk.Advance(time.Minute)
	if err := liveness.Wake(context.Background()); err != nil {
		t.Fatalf("fresh wake: %v", err)
	}
	if rebuilder.count() != 0 {
		t.Errorf("rebuilds after fresh wake = %d", rebuilder.count())
	}

	// Stale: wake rebuilds and re-stamps.
	clk.Advance(10 * time.Minute)
	if err := liveness.Wake(context.Background()); err != nil {
		t.Fatalf("stale wake: %v", err)
	}
	if rebuilder.count() != 1 {
		t.Errorf("rebuilds after stale wake = %d", rebuilder.count())
	}
	if got := clk.Now().Sub(liveness.LastAttempt()); got != 0 {
		t.Errorf("last attempt not re-stamped: %v old", got)
	}

	// The rebuild failure propagates without re-stamping.
	rebuilder.err = fmt.Errorf("relay down")
	clk.Advance(10 * time.Minute)
	if err := liveness.Wake(context.Background()); err == nil {
		t.Fatal("expected rebuild error")
	}
}

// canceledContext returns an already-cancelled context so Run performs
// its immediate beat and exits on the first select.
func canceledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
