// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KJ-Developers/note-relay/lib/clock"
	"github.com/KJ-Developers/note-relay/lib/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestMemorySignalerDeliversByTarget(t *testing.T) {
	signaler := NewMemorySignaler()

	var mu sync.Mutex
	var got []Row
	cancel, err := signaler.Subscribe(context.Background(), "host-1", func(row Row) {
		mu.Lock()
		got = append(got, row)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	signaler.Publish(context.Background(), Row{Source: "a", Target: "host-1", Type: KindOffer, Payload: "one"})
	signaler.Publish(context.Background(), Row{Source: "a", Target: "other", Type: KindOffer, Payload: "two"})

	mu.Lock()
	if len(got) != 1 || got[0].Payload != "one" {
		t.Errorf("delivered = %+v", got)
	}
	mu.Unlock()

	cancel()
	signaler.Publish(context.Background(), Row{Source: "a", Target: "host-1", Type: KindOffer, Payload: "three"})

	mu.Lock()
	if len(got) != 1 {
		t.Errorf("delivered after cancel = %+v", got)
	}
	mu.Unlock()

	if rows := signaler.Rows(); len(rows) != 3 {
		t.Errorf("stored rows = %d, want 3", len(rows))
	}
}

func TestHTTPSignalerPublish(t *testing.T) {
	var mu sync.Mutex
	var published []Row
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/signals" {
			http.NotFound(w, r)
			return
		}
		var row Row
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		published = append(published, row)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	clk := clock.Fake(time.Unix(1700000000, 0))
	signaler := NewHTTPSignaler(server.URL, server.Client(), clk, discardLogger())

	err := signaler.Publish(context.Background(), Row{
		Source: SourceHost, Target: "browser-1", Type: KindAnswer, Payload: "sdp",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(published) != 1 {
		t.Fatalf("published = %d rows", len(published))
	}
	if published[0].Target != "browser-1" || published[0].Type != KindAnswer {
		t.Errorf("row = %+v", published[0])
	}
	if published[0].Timestamp == "" {
		t.Error("publish did not stamp a timestamp")
	}
}

// rowServer is an httptest relay whose row set tests mutate between
// polls.
type rowServer struct {
	server *httptest.Server

	mu   sync.Mutex
	rows []Row
}

func newRowServer(t *testing.T) *rowServer {
	t.Helper()
	rs := &rowServer{}
	rs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		json.NewEncoder(w).Encode(rs.rows)
	}))
	t.Cleanup(rs.server.Close)
	return rs
}

func (rs *rowServer) append(rows ...Row) {
	rs.mu.Lock()
	rs.rows = append(rs.rows, rows...)
	rs.mu.Unlock()
}

// The poll loop must deliver each row exactly once per subscription,
// even though every poll returns the full row set for the target.
func TestHTTPSignalerSubscribeDeliversOnce(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	relay := newRowServer(t)

	clk := clock.Fake(start)
	signaler := NewHTTPSignaler(relay.server.URL, relay.server.Client(), clk, discardLogger())

	delivered := make(chan Row, 16)
	cancel, err := signaler.Subscribe(context.Background(), "host-1", func(row Row) {
		delivered <- row
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	relay.append(Row{
		Source:    "browser-1",
		Target:    "host-1",
		Type:      KindOffer,
		Payload:   "sdp-offer",
		Timestamp: start.Add(time.Second).Format(time.RFC3339Nano),
	})

	clk.WaitForTimers(1)
	clk.Advance(pollInterval)

	row := testutil.RequireReceive(t, delivered, 2*time.Second, "first delivery")
	if row.Payload != "sdp-offer" {
		t.Errorf("payload = %q", row.Payload)
	}

	// The same row comes back on the next poll; it must not repeat.
	clk.WaitForTimers(1)
	clk.Advance(pollInterval)

	select {
	case repeat := <-delivered:
		t.Fatalf("row delivered twice: %+v", repeat)
	case <-time.After(200 * time.Millisecond):
	}
}

// Two distinct offers can carry the same timestamp (relays commonly
// stamp at second granularity). Both must reach the callback.
func TestHTTPSignalerSubscribeDeliversSameTimestampRows(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	relay := newRowServer(t)

	clk := clock.Fake(start)
	signaler := NewHTTPSignaler(relay.server.URL, relay.server.Client(), clk, discardLogger())

	delivered := make(chan Row, 16)
	cancel, err := signaler.Subscribe(context.Background(), "host-1", func(row Row) {
		delivered <- row
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	stamp := start.Add(time.Second).Format(time.RFC3339Nano)
	relay.append(
		Row{Source: "peer-a", Target: "host-1", Type: KindOffer, Payload: "offer-a", Timestamp: stamp},
		Row{Source: "peer-b", Target: "host-1", Type: KindOffer, Payload: "offer-b", Timestamp: stamp},
	)

	clk.WaitForTimers(1)
	clk.Advance(pollInterval)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		row := testutil.RequireReceive(t, delivered, 2*time.Second, "same-timestamp delivery")
		got[row.Source] = true
	}
	if !got["peer-a"] || !got["peer-b"] {
		t.Errorf("delivered sources = %v, want both peer-a and peer-b", got)
	}
}

// A relay that does not stamp rows at all still gets its offers
// through, exactly once.
func TestHTTPSignalerSubscribeDeliversUnstampedRows(t *testing.T) {
	relay := newRowServer(t)

	clk := clock.Fake(time.Unix(1700000000, 0))
	signaler := NewHTTPSignaler(relay.server.URL, relay.server.Client(), clk, discardLogger())

	delivered := make(chan Row, 16)
	cancel, err := signaler.Subscribe(context.Background(), "host-1", func(row Row) {
		delivered <- row
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	relay.append(Row{Source: "browser-1", Target: "host-1", Type: KindOffer, Payload: "unstamped"})

	clk.WaitForTimers(1)
	clk.Advance(pollInterval)

	row := testutil.RequireReceive(t, delivered, 2*time.Second, "unstamped delivery")
	if row.Payload != "unstamped" {
		t.Errorf("payload = %q", row.Payload)
	}

	clk.WaitForTimers(1)
	clk.Advance(pollInterval)

	select {
	case repeat := <-delivered:
		t.Fatalf("unstamped row delivered twice: %+v", repeat)
	case <-time.After(200 * time.Millisecond):
	}
}

// Rows appended before Subscribe are history, not pending offers, even
// when they carry no timestamp to compare against.
func TestHTTPSignalerSubscribeSkipsPreexistingRows(t *testing.T) {
	relay := newRowServer(t)
	relay.append(
		Row{Source: "browser-1", Target: "host-1", Type: KindOffer, Payload: "stale", Timestamp: "2020-01-01T00:00:00Z"},
		Row{Source: "browser-2", Target: "host-1", Type: KindOffer, Payload: "stale-unstamped"},
	)

	clk := clock.Fake(time.Unix(1700000000, 0))
	signaler := NewHTTPSignaler(relay.server.URL, relay.server.Client(), clk, discardLogger())

	delivered := make(chan Row, 16)
	cancel, err := signaler.Subscribe(context.Background(), "host-1", func(row Row) {
		delivered <- row
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	clk.WaitForTimers(1)
	clk.Advance(pollInterval)

	select {
	case row := <-delivered:
		t.Fatalf("pre-existing row delivered: %+v", row)
	case <-time.After(200 * time.Millisecond):
	}
}

// The baseline fetch is what separates history from new rows; when it
// fails the subscription must fail rather than start blind.
func TestHTTPSignalerSubscribeBaselineFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	clk := clock.Fake(time.Unix(1700000000, 0))
	signaler := NewHTTPSignaler(server.URL, server.Client(), clk, discardLogger())

	_, err := signaler.Subscribe(context.Background(), "host-1", func(Row) {})
	if err == nil {
		t.Fatal("Subscribe succeeded with an unreachable relay")
	}
}
