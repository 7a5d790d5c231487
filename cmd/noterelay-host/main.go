// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

// noterelay-host is the daemon that exposes a local note vault to
// remote browser clients: it registers with the relay, answers WebRTC
// connection offers, and serves the authenticated command protocol
// over the resulting data channels.
//
// Usage:
//
//	noterelay-host --config /etc/noterelay/host.yaml
//
// SIGUSR1 simulates a wake/visibility signal: if the signaling
// connection has gone stale (laptop suspend, long network outage), the
// registration and subscription are rebuilt from scratch.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/KJ-Developers/note-relay/lib/clock"
	"github.com/KJ-Developers/note-relay/lib/config"
	"github.com/KJ-Developers/note-relay/lib/identity"
	relaysignal "github.com/KJ-Developers/note-relay/signal"
	"github.com/KJ-Developers/note-relay/session"
	"github.com/KJ-Developers/note-relay/transport"
	"github.com/KJ-Developers/note-relay/vault"
)

func main() {
	configPath := pflag.String("config", "", "path to the host configuration file")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("host exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	directory, err := identity.Load(cfg.StatePath)
	if err != nil {
		return err
	}

	// The node id is derived, not stored, so a moved state file cannot
	// impersonate another device.
	nodeID, err := identity.DeriveNodeID(cfg.Vault.Path)
	if err != nil {
		return err
	}
	owner := directory.Owner()
	if owner.NodeID != nodeID {
		owner.NodeID = nodeID
		directory.SetOwner(owner)
		if err := identity.Save(cfg.StatePath, directory); err != nil {
			return err
		}
	}

	store, err := vault.Open(cfg.Vault.Path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	registration := relaysignal.NewRegistrationClient(cfg.Relay.URL, http.DefaultClient, cfg.Relay.RequestTimeout)
	signaler := relaysignal.NewHTTPSignaler(cfg.Relay.URL, http.DefaultClient, clk, logger)

	iceProvider := transport.NewICEProvider(transport.ICEConfig{})
	if owner.Configured() {
		credentials, err := registration.TURNCredentials(ctx, owner.Email)
		if err != nil {
			logger.Warn("TURN credentials unavailable, continuing with host candidates", "error", err)
		} else {
			iceProvider.Refresh(transport.ICEConfigFromTURN(credentials))
		}
	}

	dispatcher := session.NewDispatcher(store, session.DispatcherConfig{
		AllowGhostCreate: cfg.Session.AllowGhostCreate,
		Logger:           logger,
	})

	host := session.NewHost(session.HostConfig{
		Signaler:     signaler,
		Registration: registration,
		Directory:    directory,
		Dispatcher:   dispatcher,
		ICE:          iceProvider,
		Clock:        clk,
		Logger:       logger,
		VaultName:    cfg.Vault.Name,
		IdleTimeout:  cfg.Session.UnauthenticatedIdleTimeout,
	})
	defer host.Close()

	if err := host.Start(ctx); err != nil {
		if errors.Is(err, session.ErrNotConfigured) {
			return fmt.Errorf("%w: complete setup before starting the host", err)
		}
		return err
	}

	liveness := relaysignal.NewLiveness(host, host, cfg.Relay.HeartbeatInterval, clk, logger)

	wake := make(chan os.Signal, 1)
	signal.Notify(wake, syscall.SIGUSR1)
	go func() {
		for range wake {
			if err := liveness.Wake(ctx); err != nil {
				logger.Error("wake rebuild failed", "error", err)
			}
		}
	}()

	logger.Info("host running",
		"vault", cfg.Vault.Name,
		"vault_path", cfg.Vault.Path,
		"relay", cfg.Relay.URL,
	)

	err = liveness.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}
