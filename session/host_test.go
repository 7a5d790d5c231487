// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/KJ-Developers/note-relay/lib/clock"
	"github.com/KJ-Developers/note-relay/lib/identity"
	"github.com/KJ-Developers/note-relay/lib/testutil"
	"github.com/KJ-Developers/note-relay/signal"
	"github.com/KJ-Developers/note-relay/transport"
)

// fakeRelay is an httptest relay serving the registration API.
type fakeRelay struct {
	server *httptest.Server

	registrations atomic.Int64
	heartbeats    atomic.Int64
	turnFetches   atomic.Int64

	rejectHeartbeats atomic.Bool
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	relay := &fakeRelay{}

	mux := http.NewServeMux()
	mux.HandleFunc("/vaults", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("route") {
		case "register":
			relay.registrations.Add(1)
			var request signal.RegisterRequest
			if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(signal.RegisterResponse{
				Success:  true,
				SignalID: "relay-assigned-" + request.NodeID,
				VaultID:  request.VaultID,
			})
		case "heartbeat":
			if relay.rejectHeartbeats.Load() {
				http.Error(w, "revoked", http.StatusForbidden)
				return
			}
			relay.heartbeats.Add(1)
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/turn-credentials", func(w http.ResponseWriter, r *http.Request) {
		relay.turnFetches.Add(1)
		json.NewEncoder(w).Encode(signal.TURNCredentials{
			ICEServers: []signal.ICEServer{{URLs: []string{"turn:relay.example.com"}, Username: "u", Credential: "c"}},
		})
	})

	relay.server = httptest.NewServer(mux)
	t.Cleanup(relay.server.Close)
	return relay
}

func newTestHost(t *testing.T, relay *fakeRelay, signaler signal.Signaler) *Host {
	t.Helper()
	return NewHost(HostConfig{
		Signaler:     signaler,
		Registration: signal.NewRegistrationClient(relay.server.URL, relay.server.Client(), time.Second),
		Directory:    testDirectory(),
		Dispatcher:   NewDispatcher(newSpyStorage(), DispatcherConfig{Logger: discardLogger()}),
		ICE:          transport.NewICEProvider(transport.ICEConfig{}),
		Clock:        clock.Fake(time.Unix(1700000000, 0)),
		Logger:       discardLogger(),
		VaultName:    "Test Vault",
	})
}

func TestHostStartRegistersAndSubscribes(t *testing.T) {
	relay := newFakeRelay(t)
	signaler := signal.NewMemorySignaler()
	host := newTestHost(t, relay, signaler)

	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer host.Close()

	if got := relay.registrations.Load(); got != 1 {
		t.Errorf("registrations = %d", got)
	}
	status, _ := host.Status().Current()
	if status != StatusActive {
		t.Errorf("status = %q, want Active", status)
	}
}

func TestHostStartUnconfigured(t *testing.T) {
	relay := newFakeRelay(t)
	host := NewHost(HostConfig{
		Signaler:     signal.NewMemorySignaler(),
		Registration: signal.NewRegistrationClient(relay.server.URL, relay.server.Client(), time.Second),
		Directory:    identity.NewDirectory(identity.Record{}),
		Dispatcher:   NewDispatcher(newSpyStorage(), DispatcherConfig{Logger: discardLogger()}),
		ICE:          transport.NewICEProvider(transport.ICEConfig{}),
		Clock:        clock.Fake(time.Unix(1700000000, 0)),
		Logger:       discardLogger(),
	})

	if err := host.Start(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	status, _ := host.Status().Current()
	if status != StatusNotConfigured {
		t.Errorf("status = %q", status)
	}
}

func TestHostHeartbeat(t *testing.T) {
	relay := newFakeRelay(t)
	host := newTestHost(t, relay, signal.NewMemorySignaler())

	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer host.Close()

	if err := host.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if got := relay.heartbeats.Load(); got != 1 {
		t.Errorf("heartbeats = %d", got)
	}

	relay.rejectHeartbeats.Store(true)
	err := host.Heartbeat(context.Background())
	if !errors.Is(err, signal.ErrRegistrationRejected) {
		t.Fatalf("rejected heartbeat err = %v", err)
	}
}

// Rebuild is a fresh registration plus fresh TURN credentials plus a
// fresh subscription, never an in-place resume.
func TestHostRebuild(t *testing.T) {
	relay := newFakeRelay(t)
	host := newTestHost(t, relay, signal.NewMemorySignaler())

	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer host.Close()

	if err := host.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if got := relay.registrations.Load(); got != 2 {
		t.Errorf("registrations = %d, want 2", got)
	}
	if got := relay.turnFetches.Load(); got != 1 {
		t.Errorf("turn fetches = %d, want 1", got)
	}
	if len(host.config.ICE.Current().Servers) != 1 {
		t.Error("ICE configuration was not refreshed")
	}
}

// Rows that are not offers (or that the host itself published) must be
// ignored without spawning sessions.
func TestHostIgnoresNonOfferRows(t *testing.T) {
	relay := newFakeRelay(t)
	signaler := signal.NewMemorySignaler()
	host := newTestHost(t, relay, signaler)

	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer host.Close()

	target := "relay-assigned-node-1"
	signaler.Publish(context.Background(), signal.Row{
		Source: signal.SourceHost, Target: target, Type: signal.KindAnswer, Payload: "sdp",
	})
	signaler.Publish(context.Background(), signal.Row{
		Source: signal.SourceHost, Target: target, Type: signal.KindOffer, Payload: "own echo",
	})

	host.sessionWG.Wait()
	if got := host.SessionCount(); got != 0 {
		t.Errorf("sessions = %d, want 0", got)
	}
}

// A malformed offer fails ICE setup; the host logs it and keeps
// serving instead of crashing or leaking a session slot.
func TestHostSurvivesMalformedOffer(t *testing.T) {
	relay := newFakeRelay(t)
	signaler := signal.NewMemorySignaler()
	host := newTestHost(t, relay, signaler)

	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer host.Close()

	signaler.Publish(context.Background(), signal.Row{
		Source: "browser-1", Target: "relay-assigned-node-1", Type: signal.KindOffer, Payload: "not an sdp",
	})

	host.sessionWG.Wait()
	if got := host.SessionCount(); got != 0 {
		t.Errorf("sessions = %d, want 0", got)
	}
}

// offerSDP produces a complete data-channel offer the host can answer
// (vanilla ICE: all candidates gathered before returning).
func offerSDP(t *testing.T) string {
	t.Helper()

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	connection, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("creating offer PeerConnection: %v", err)
	}
	t.Cleanup(func() { connection.Close() })

	if _, err := connection.CreateDataChannel("protocol", nil); err != nil {
		t.Fatalf("creating data channel: %v", err)
	}

	offer, err := connection.CreateOffer(nil)
	if err != nil {
		t.Fatalf("creating offer: %v", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(connection)
	if err := connection.SetLocalDescription(offer); err != nil {
		t.Fatalf("setting offer local description: %v", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(15 * time.Second):
		t.Fatal("offer ICE gathering timed out")
	}
	return connection.LocalDescription().SDP
}

// A remote that reconnects reuses its source id while its old session
// goroutine is still draining. Both sessions must hold independent
// registry slots so Close can tear each one down.
func TestHostTracksReconnectingSourceSeparately(t *testing.T) {
	relay := newFakeRelay(t)
	signaler := signal.NewMemorySignaler()
	host := newTestHost(t, relay, signaler)

	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	target := "relay-assigned-node-1"
	for i := 0; i < 2; i++ {
		signaler.Publish(context.Background(), signal.Row{
			Source: "browser-1", Target: target, Type: signal.KindOffer, Payload: offerSDP(t),
		})
	}

	deadline := time.Now().Add(15 * time.Second)
	for host.SessionCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions = %d, want 2", host.SessionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Close must terminate both sessions; with a shared registry slot
	// the evicted session's transport would never close and the wait
	// below would hang.
	closed := make(chan struct{})
	go func() {
		host.Close()
		close(closed)
	}()
	testutil.RequireClosed(t, closed, 15*time.Second, "host close with two sessions from one source")

	if got := host.SessionCount(); got != 0 {
		t.Errorf("sessions after close = %d", got)
	}
}

func TestStatusTracker(t *testing.T) {
	tracker := NewStatusTracker(discardLogger())

	if status, display := tracker.Current(); status != StatusDisconnected || display != "Disconnected" {
		t.Errorf("initial = %q %q", status, display)
	}

	tracker.SetLinked("reader@example.com", true)
	if _, display := tracker.Current(); display != "Linked: reader@example.com (RO)" {
		t.Errorf("display = %q", display)
	}

	tracker.SetLinked("owner@example.com", false)
	if _, display := tracker.Current(); display != "Linked: owner@example.com" {
		t.Errorf("display = %q", display)
	}

	tracker.Set(StatusError, "relay unreachable")
	if status, display := tracker.Current(); status != StatusError || display != "Error: relay unreachable" {
		t.Errorf("error = %q %q", status, display)
	}
}
