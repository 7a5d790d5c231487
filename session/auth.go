// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/KJ-Developers/note-relay/lib/identity"
)

// ErrAuthDenied is returned for every authentication failure. The
// reasons are deliberately not distinguished to the caller: the remote
// peer learns only that the handshake was denied, never whether the
// identity exists or the guest is unverified.
var ErrAuthDenied = errors.New("authentication denied")

// Resolve evaluates a claimed identity and credential proof against a
// fresh snapshot of the directory. First match wins:
//
//  1. The owner's identity grants read-write only with the owner's
//     credential hash. There is no fallback to the guest list for the
//     owner's own identity — otherwise an attacker could probe guest
//     credentials using the owner's email.
//  2. A guest entry grants its stored permission only when verified and
//     the credential hash matches.
//  3. A missing identity or proof is always a denial, never an implicit
//     read-only grant.
//
// Resolve takes its snapshot at call time and must be called for every
// session's handshake — results are never cached across sessions, so a
// credential rotation takes effect on the very next connection attempt.
func Resolve(directory *identity.Directory, claimedEmail, credentialProof string) (identity.Permission, error) {
	if claimedEmail == "" || credentialProof == "" {
		return "", ErrAuthDenied
	}

	snapshot := directory.Snapshot()

	if snapshot.Owner.Email != "" && strings.EqualFold(claimedEmail, snapshot.Owner.Email) {
		if hashEqual(credentialProof, snapshot.Owner.CredentialHash) {
			return identity.ReadWrite, nil
		}
		return "", ErrAuthDenied
	}

	guest, ok := snapshot.Guests[strings.ToLower(claimedEmail)]
	if !ok {
		return "", ErrAuthDenied
	}
	if guest.Status != identity.GuestVerified {
		return "", ErrAuthDenied
	}
	if !hashEqual(credentialProof, guest.CredentialHash) {
		return "", ErrAuthDenied
	}
	return guest.Permission, nil
}

// hashEqual compares credential hashes in constant time.
func hashEqual(a, b string) bool {
	if b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
