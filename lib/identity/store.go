// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/KJ-Developers/note-relay/lib/codec"
)

// stateFile is the serialized form of the directory. CBOR with
// deterministic encoding: rewriting unchanged state produces identical
// bytes.
type stateFile struct {
	Owner  Record  `cbor:"owner"`
	Guests []Guest `cbor:"guests"`
}

// Load reads a directory from the state file at path. A missing file
// yields an empty, unconfigured directory rather than an error — first
// run looks exactly like an unconfigured host.
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewDirectory(Record{}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading identity state %s: %w", path, err)
	}

	var state stateFile
	if err := codec.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding identity state %s: %w", path, err)
	}

	directory := NewDirectory(state.Owner)
	for _, guest := range state.Guests {
		directory.PutGuest(guest)
	}
	return directory, nil
}

// Save writes the directory to path atomically: encode, write to a
// temporary file in the same directory, fsync, rename. A crash mid-save
// leaves the previous state intact.
func Save(path string, directory *Directory) error {
	snapshot := directory.Snapshot()

	guests := make([]Guest, 0, len(snapshot.Guests))
	for _, guest := range snapshot.Guests {
		guests = append(guests, guest)
	}
	// Deterministic order so unchanged state round-trips byte-identical.
	sort.Slice(guests, func(i, j int) bool { return guests[i].Email < guests[j].Email })

	data, err := codec.Marshal(stateFile{Owner: snapshot.Owner, Guests: guests})
	if err != nil {
		return fmt.Errorf("encoding identity state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	temp, err := os.CreateTemp(filepath.Dir(path), ".identity-*")
	if err != nil {
		return fmt.Errorf("creating temporary state file: %w", err)
	}
	tempName := temp.Name()

	if _, err := temp.Write(data); err != nil {
		temp.Close()
		os.Remove(tempName)
		return fmt.Errorf("writing identity state: %w", err)
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		os.Remove(tempName)
		return fmt.Errorf("syncing identity state: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("closing identity state: %w", err)
	}

	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("replacing identity state %s: %w", path, err)
	}
	return nil
}
