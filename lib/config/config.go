// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the host daemon's configuration.
//
// Configuration comes from a single YAML file named by the --config flag
// or the NOTERELAY_CONFIG environment variable. There are no fallbacks or
// automatic discovery: deterministic, auditable configuration with no
// hidden overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable consulted when no --config flag
// is given.
const EnvVar = "NOTERELAY_CONFIG"

// Config is the host daemon configuration.
type Config struct {
	// Relay is the base URL of the relay/discovery service used for
	// registration, heartbeats, TURN credentials, and signaling rows.
	Relay RelayConfig `yaml:"relay"`

	// Vault configures the note store this host exposes.
	Vault VaultConfig `yaml:"vault"`

	// StatePath is where the identity record and guest directory are
	// persisted (CBOR, written atomically).
	StatePath string `yaml:"state_path"`

	// Session tunes per-session protocol behavior.
	Session SessionConfig `yaml:"session"`
}

// RelayConfig configures the relay/discovery service endpoints.
type RelayConfig struct {
	// URL is the relay base URL, e.g. "https://relay.example.com".
	URL string `yaml:"url"`

	// HeartbeatInterval overrides the default 5 minute re-announce
	// interval. Primarily for integration tests.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`

	// RequestTimeout bounds every registration and heartbeat HTTP call.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// VaultConfig configures the exposed note store.
type VaultConfig struct {
	// Path is the vault root directory on disk.
	Path string `yaml:"path"`

	// Name is the human-readable vault name reported at registration.
	Name string `yaml:"name"`
}

// SessionConfig tunes peer session behavior.
type SessionConfig struct {
	// AllowGhostCreate lets a render request for a missing note create
	// an empty placeholder ("ghost link" navigation). Off by default:
	// silently creating files on behalf of a remote reader was a prior
	// vulnerability, so it is strictly opt-in.
	AllowGhostCreate bool `yaml:"allow_ghost_create"`

	// UnauthenticatedIdleTimeout closes sessions that never complete a
	// handshake. Zero selects the 30 second default.
	UnauthenticatedIdleTimeout time.Duration `yaml:"unauthenticated_idle_timeout,omitempty"`
}

// Load reads and validates the configuration file at path. If path is
// empty, the NOTERELAY_CONFIG environment variable is consulted.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return nil, fmt.Errorf("no config file: pass --config or set %s", EnvVar)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Validate checks required fields. Missing identity or endpoints are
// configuration errors: surfaced once at startup, never retried.
func (c *Config) Validate() error {
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	if c.Vault.Path == "" {
		return fmt.Errorf("vault.path is required")
	}
	if c.StatePath == "" {
		return fmt.Errorf("state_path is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Relay.HeartbeatInterval == 0 {
		c.Relay.HeartbeatInterval = 5 * time.Minute
	}
	if c.Relay.RequestTimeout == 0 {
		c.Relay.RequestTimeout = 15 * time.Second
	}
	if c.Session.UnauthenticatedIdleTimeout == 0 {
		c.Session.UnauthenticatedIdleTimeout = 30 * time.Second
	}
}
