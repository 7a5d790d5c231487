// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity holds the vault owner's identity record and the guest
// directory consulted during session authentication.
//
// The directory is read-mostly: authentication resolutions take a
// consistent snapshot, and sharing actions (add, remove, verify a guest)
// or a credential rotation replace state atomically. A resolution that
// started before a mutation sees the pre-mutation directory, never a
// half-updated one.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// Permission is the access level granted to an authenticated session.
type Permission string

const (
	// ReadWrite grants the full command vocabulary.
	ReadWrite Permission = "read-write"
	// ReadOnly grants everything except mutating commands.
	ReadOnly Permission = "read-only"
)

// GuestStatus tracks whether a shared guest has completed verification.
// A pending guest never grants access.
type GuestStatus string

const (
	GuestPending  GuestStatus = "pending"
	GuestVerified GuestStatus = "verified"
)

// Record is the vault owner's identity. Immutable once established
// except through an explicit re-verification, which replaces the whole
// record via Directory.SetOwner.
type Record struct {
	// Email is the owner's identifier, compared case-insensitively.
	Email string `cbor:"email" json:"email"`

	// CredentialHash is the hex SHA-256 of the owner's credential.
	CredentialHash string `cbor:"credential_hash" json:"credentialHash"`

	// VaultID is the stable identifier of the vault this host serves.
	VaultID string `cbor:"vault_id" json:"vaultId"`

	// NodeID identifies this host process's device. Derived
	// deterministically from machine and vault-path attributes (see
	// DeriveNodeID) so it survives restarts without persisted secrets.
	NodeID string `cbor:"node_id" json:"nodeId"`
}

// Configured reports whether the record carries enough to register with
// the relay. A blank record is a configuration error, not a retry case.
func (r Record) Configured() bool {
	return r.Email != "" && r.CredentialHash != "" && r.VaultID != ""
}

// Guest is one entry in the owner's sharing list.
type Guest struct {
	Email          string      `cbor:"email" json:"email"`
	CredentialHash string      `cbor:"credential_hash" json:"credentialHash"`
	Permission     Permission  `cbor:"permission" json:"permission"`
	Status         GuestStatus `cbor:"status" json:"status"`
}

// Directory owns the identity record and guest list. All reads go
// through Snapshot; all writes replace state under the lock.
type Directory struct {
	mu     sync.RWMutex
	owner  Record
	guests map[string]Guest // keyed by lowercased email
}

// NewDirectory creates a directory with the given owner record and no
// guests.
func NewDirectory(owner Record) *Directory {
	return &Directory{
		owner:  owner,
		guests: make(map[string]Guest),
	}
}

// Snapshot is a point-in-time copy of the directory used for one
// authentication resolution. It is never mutated after creation.
type Snapshot struct {
	Owner  Record
	Guests map[string]Guest
}

// Snapshot returns a consistent copy of the owner record and guest list.
func (d *Directory) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	guests := make(map[string]Guest, len(d.guests))
	for email, guest := range d.guests {
		guests[email] = guest
	}
	return Snapshot{Owner: d.owner, Guests: guests}
}

// Owner returns the current owner record.
func (d *Directory) Owner() Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.owner
}

// SetOwner replaces the owner record (explicit re-verification or
// credential rotation). Takes effect on the next connection attempt.
func (d *Directory) SetOwner(owner Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owner = owner
}

// PutGuest adds or replaces a guest entry. The entry is keyed by the
// lowercased email so lookups are case-insensitive.
func (d *Directory) PutGuest(guest Guest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.guests[strings.ToLower(guest.Email)] = guest
}

// RemoveGuest deletes a guest entry. Removing an absent guest is a no-op.
func (d *Directory) RemoveGuest(email string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.guests, strings.ToLower(email))
}

// VerifyGuest marks a pending guest as verified. Reports whether the
// guest existed.
func (d *Directory) VerifyGuest(email string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := strings.ToLower(email)
	guest, ok := d.guests[key]
	if !ok {
		return false
	}
	guest.Status = GuestVerified
	d.guests[key] = guest
	return true
}

// Guests returns a copy of the guest list.
func (d *Directory) Guests() []Guest {
	d.mu.RLock()
	defer d.mu.RUnlock()

	guests := make([]Guest, 0, len(d.guests))
	for _, guest := range d.guests {
		guests = append(guests, guest)
	}
	return guests
}

// HashCredential returns the hex SHA-256 digest of a credential string.
// Browser clients compute the same digest with SubtleCrypto before
// sending it in the handshake, so only digests cross the wire or touch
// disk.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}
