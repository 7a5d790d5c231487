// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/host"
	"github.com/zeebo/blake3"
)

// DeriveNodeID computes the per-device node identifier from machine
// attributes and the absolute vault path. The same machine serving the
// same vault always derives the same ID, so a process restart re-joins
// the relay under its previous identity without persisting any secret.
//
// Inputs, in order: the OS host ID (stable machine UUID), the hostname,
// and the cleaned absolute vault path. Hashed with BLAKE3 and truncated
// to 16 bytes (32 hex characters).
func DeriveNodeID(vaultPath string) (string, error) {
	info, err := host.Info()
	if err != nil {
		return "", fmt.Errorf("reading host attributes: %w", err)
	}

	absPath, err := filepath.Abs(vaultPath)
	if err != nil {
		return "", fmt.Errorf("resolving vault path: %w", err)
	}

	hostID := info.HostID
	if hostID == "" {
		// Containers and stripped-down systems may not expose a machine
		// UUID. Fall back to the hostname alone; the vault path still
		// disambiguates multiple vaults on one machine.
		hostID, _ = os.Hostname()
	}

	hasher := blake3.New()
	hasher.Write([]byte(hostID))
	hasher.Write([]byte{0})
	hasher.Write([]byte(info.Hostname))
	hasher.Write([]byte{0})
	hasher.Write([]byte(filepath.Clean(absPath)))

	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:16]), nil
}
