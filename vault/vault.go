// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault is the note-storage collaborator behind the command
// dispatcher: a directory tree of markdown notes and binary assets,
// addressed by vault-relative slash-separated paths.
//
// Every operation takes paths that have already passed CleanPath; the
// methods here re-validate anyway so no caller can reach the filesystem
// with a traversal path.
package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Sentinel errors surfaced to the dispatcher, which converts them into
// protocol ERROR envelopes.
var (
	ErrNotFound    = errors.New("not found")
	ErrExists      = errors.New("already exists")
	ErrInvalidPath = errors.New("invalid path")
)

// Vault exposes one note vault rooted at a directory.
type Vault struct {
	root     string
	markdown *renderer
}

// Open returns a Vault rooted at dir. The directory must exist.
func Open(dir string) (*Vault, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("opening vault %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("opening vault %s: not a directory", dir)
	}
	absRoot, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving vault root: %w", err)
	}
	return &Vault{root: absRoot, markdown: newRenderer()}, nil
}

// Root returns the absolute vault root directory.
func (v *Vault) Root() string { return v.root }

// CleanPath normalizes a client-supplied resource path. Backslashes
// become slashes, the path is cleaned, and any remaining parent or
// current directory segments are dropped, so the result can never
// escape the vault root. NUL bytes and paths that normalize to nothing
// are rejected.
func CleanPath(raw string) (string, error) {
	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("%w: contains NUL byte", ErrInvalidPath)
	}
	cleaned := path.Clean(strings.ReplaceAll(raw, "\\", "/"))

	var segments []string
	for _, segment := range strings.Split(cleaned, "/") {
		if segment == "" || segment == "." || segment == ".." {
			continue
		}
		segments = append(segments, segment)
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: empty after normalization", ErrInvalidPath)
	}
	return strings.Join(segments, "/"), nil
}

// abs maps a vault-relative path to an absolute filesystem path,
// re-validating it through CleanPath.
func (v *Vault) abs(relative string) (string, error) {
	cleaned, err := CleanPath(relative)
	if err != nil {
		return "", err
	}
	return filepath.Join(v.root, filepath.FromSlash(cleaned)), nil
}

// ReadRaw returns the raw bytes of a resource.
func (v *Vault) ReadRaw(relative string) ([]byte, error) {
	target, err := v.abs(relative)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", relative, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", relative, err)
	}
	return data, nil
}

// Exists reports whether a resource or folder exists.
func (v *Vault) Exists(relative string) bool {
	target, err := v.abs(relative)
	if err != nil {
		return false
	}
	_, err = os.Stat(target)
	return err == nil
}

// Save overwrites an existing note. The note must already exist —
// creation is an explicit, separate operation.
func (v *Vault) Save(relative string, data []byte) error {
	target, err := v.abs(relative)
	if err != nil {
		return err
	}
	if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", relative, ErrNotFound)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("saving %s: %w", relative, err)
	}
	return nil
}

// Create makes a new empty note. Fails if the path already exists.
// Intermediate folders are created as needed.
func (v *Vault) Create(relative string) error {
	target, err := v.abs(relative)
	if err != nil {
		return err
	}
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("%s: %w", relative, ErrExists)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating parent folders for %s: %w", relative, err)
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", relative, err)
	}
	return file.Close()
}

// CreateFolder makes a new folder (and any missing parents).
func (v *Vault) CreateFolder(relative string) error {
	target, err := v.abs(relative)
	if err != nil {
		return err
	}
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("%s: %w", relative, ErrExists)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("creating folder %s: %w", relative, err)
	}
	return nil
}

// Rename moves a note to a new path. The source must exist and the
// destination must not.
func (v *Vault) Rename(relative, newRelative string) error {
	source, err := v.abs(relative)
	if err != nil {
		return err
	}
	destination, err := v.abs(newRelative)
	if err != nil {
		return err
	}
	if _, err := os.Stat(source); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", relative, ErrNotFound)
	}
	if _, err := os.Stat(destination); err == nil {
		return fmt.Errorf("%s: %w", newRelative, ErrExists)
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("creating parent folders for %s: %w", newRelative, err)
	}
	if err := os.Rename(source, destination); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", relative, newRelative, err)
	}
	return nil
}

// Delete removes a note or an empty folder.
func (v *Vault) Delete(relative string) error {
	target, err := v.abs(relative)
	if err != nil {
		return err
	}
	if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", relative, ErrNotFound)
	}
	if err := os.Remove(target); err != nil {
		return fmt.Errorf("deleting %s: %w", relative, err)
	}
	return nil
}

// IsMarkdown reports whether a path names a markdown note.
func IsMarkdown(relative string) bool {
	return strings.EqualFold(path.Ext(relative), ".md")
}

// imageExtensions covers the asset types inlined as data URIs and
// returned base64-encoded by GET_FILE.
var imageExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".bmp":  "image/bmp",
}

// ImageMIME returns the MIME type for an image path, or "" if the path
// is not a recognized image.
func ImageMIME(relative string) string {
	return imageExtensions[strings.ToLower(path.Ext(relative))]
}

// walk runs fn for every file and folder under the vault root in
// depth-first lexical order. Paths passed to fn are vault-relative with
// forward slashes. Hidden entries (dotfiles, .obsidian and friends) are
// skipped.
func (v *Vault) walk(fn func(relative string, isDir bool) error) error {
	return filepath.WalkDir(v.root, func(absolute string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if absolute == v.root {
			return nil
		}
		relative := filepath.ToSlash(strings.TrimPrefix(absolute, v.root+string(filepath.Separator)))
		if strings.HasPrefix(entry.Name(), ".") {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return fn(relative, entry.IsDir())
	})
}
