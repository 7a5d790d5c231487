// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/KJ-Developers/note-relay/protocol"
	"github.com/KJ-Developers/note-relay/vault"
)

// Storage is the dispatcher's boundary to the note store. *vault.Vault
// is the production implementation; tests substitute spies to verify
// that permission checks short-circuit before any storage call.
type Storage interface {
	Tree() (vault.Tree, error)
	Render(path string, external vault.Renderer) (vault.RenderedNote, error)
	ReadRaw(path string) ([]byte, error)
	Backlinks(path string) ([]string, error)
	Save(path string, data []byte) error
	Create(path string) error
	CreateFolder(path string) error
	Rename(path, newPath string) error
	Delete(path string) error
	Exists(path string) bool
	Search(query string) ([]vault.SearchMatch, error)
}

// mutatingCommands is the fixed set of command names that change the
// vault. A read-only session is refused these before any handler runs.
var mutatingCommands = map[string]bool{
	protocol.CmdSaveFile:     true,
	protocol.CmdCreateFile:   true,
	protocol.CmdCreateFolder: true,
	protocol.CmdRenameFile:   true,
	protocol.CmdDeleteFile:   true,
}

// DispatcherConfig tunes dispatch behavior.
type DispatcherConfig struct {
	// Renderer optionally overrides the vault's built-in markdown
	// pipeline (plugin-style display formats). Nil uses the built-in.
	Renderer vault.Renderer

	// AllowGhostCreate lets GET_RENDERED_FILE create a missing note as
	// an empty placeholder for forward-reference navigation. This
	// applies only to the render command class, never to raw content
	// retrieval, and defaults to off.
	AllowGhostCreate bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type handlerFunc func(protocol.Command) (protocol.Envelope, error)

// Dispatcher routes authenticated commands to handlers, enforcing the
// session's permission level. Permission policy lives here — not in the
// handshake — so it can evolve without touching authentication.
type Dispatcher struct {
	storage  Storage
	config   DispatcherConfig
	logger   *slog.Logger
	handlers map[string]handlerFunc
}

// NewDispatcher builds a dispatcher over the given storage collaborator.
func NewDispatcher(storage Storage, config DispatcherConfig) *Dispatcher {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{storage: storage, config: config, logger: logger}
	d.handlers = map[string]handlerFunc{
		protocol.CmdGetTree:         d.handleTree,
		protocol.CmdGetRenderedFile: d.handleRenderedFile,
		protocol.CmdGetFile:         d.handleGetFile,
		protocol.CmdSaveFile:        d.handleSaveFile,
		protocol.CmdCreateFile:      d.handleCreateFile,
		protocol.CmdCreateFolder:    d.handleCreateFolder,
		protocol.CmdRenameFile:      d.handleRenameFile,
		protocol.CmdDeleteFile:      d.handleDeleteFile,
		protocol.CmdSearch:          d.handleSearch,
	}
	return d
}

// Dispatch routes one authenticated command. Handler failures are
// converted to ERROR envelopes here — only transport failures may
// terminate a session, so nothing a handler does is allowed to escape
// as a fault.
func (d *Dispatcher) Dispatch(command protocol.Command, state AuthState) protocol.Envelope {
	if !state.Authenticated() {
		return protocol.ErrorEnvelope(command.ID, "NOT AUTHENTICATED: complete the handshake first")
	}
	if state.ReadOnly() && mutatingCommands[command.Cmd] {
		return protocol.ErrorEnvelope(command.ID,
			fmt.Sprintf("cannot %s: session is in READ-ONLY mode", command.Cmd))
	}

	handler, ok := d.handlers[command.Cmd]
	if !ok {
		return protocol.ErrorEnvelope(command.ID, fmt.Sprintf("unknown command %q", command.Cmd))
	}

	envelope, err := handler(command)
	if err != nil {
		d.logger.Debug("command failed",
			"cmd", command.Cmd,
			"path", command.Path,
			"error", err,
		)
		return protocol.ErrorEnvelope(command.ID, commandErrorMessage(err))
	}
	return envelope
}

// commandErrorMessage reduces a handler error to the human-readable
// string sent to the peer. Internal detail (wrapped syscall errors,
// absolute paths) stays in the log.
func commandErrorMessage(err error) string {
	switch {
	case errors.Is(err, vault.ErrNotFound):
		return "file not found"
	case errors.Is(err, vault.ErrExists):
		return "already exists"
	case errors.Is(err, vault.ErrInvalidPath):
		return "invalid path"
	default:
		return err.Error()
	}
}

func (d *Dispatcher) handleTree(command protocol.Command) (protocol.Envelope, error) {
	tree, err := d.storage.Tree()
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("listing vault: %w", err)
	}
	return protocol.NewEnvelope(protocol.TypeTree, command.ID, map[string]any{
		"files":   tree.Files,
		"folders": tree.Folders,
	}), nil
}

// handleRenderedFile renders a note for display. When ghost creation is
// enabled, a missing markdown target is created empty first so forward
// references stay navigable; raw retrieval (handleGetFile) never gets
// this treatment.
func (d *Dispatcher) handleRenderedFile(command protocol.Command) (protocol.Envelope, error) {
	cleaned, err := vault.CleanPath(command.Path)
	if err != nil {
		return protocol.Envelope{}, err
	}

	if !d.storage.Exists(cleaned) {
		if !d.config.AllowGhostCreate || !vault.IsMarkdown(cleaned) {
			return protocol.Envelope{}, fmt.Errorf("%s: %w", cleaned, vault.ErrNotFound)
		}
		if err := d.storage.Create(cleaned); err != nil {
			return protocol.Envelope{}, err
		}
	}

	return d.renderEnvelope(cleaned, command.ID)
}

func (d *Dispatcher) renderEnvelope(cleaned, correlationID string) (protocol.Envelope, error) {
	rendered, err := d.storage.Render(cleaned, d.config.Renderer)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.NewEnvelope(protocol.TypeRenderedFile, correlationID, map[string]any{
		"path":      cleaned,
		"html":      rendered.HTML,
		"yaml":      rendered.FrontMatter,
		"backlinks": rendered.Backlinks,
		"graph":     rendered.Graph,
	}), nil
}

func (d *Dispatcher) handleGetFile(command protocol.Command) (protocol.Envelope, error) {
	cleaned, err := vault.CleanPath(command.Path)
	if err != nil {
		return protocol.Envelope{}, err
	}

	data, err := d.storage.ReadRaw(cleaned)
	if err != nil {
		return protocol.Envelope{}, err
	}

	if vault.ImageMIME(cleaned) != "" {
		return protocol.NewEnvelope(protocol.TypeFile, command.ID, map[string]any{
			"path":    cleaned,
			"data":    base64.StdEncoding.EncodeToString(data),
			"isImage": true,
		}), nil
	}

	backlinks, err := d.storage.Backlinks(cleaned)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.NewEnvelope(protocol.TypeFile, command.ID, map[string]any{
		"path":      cleaned,
		"data":      string(data),
		"backlinks": backlinks,
	}), nil
}

func (d *Dispatcher) handleSaveFile(command protocol.Command) (protocol.Envelope, error) {
	cleaned, err := vault.CleanPath(command.Path)
	if err != nil {
		return protocol.Envelope{}, err
	}

	var content string
	if err := json.Unmarshal(command.Data, &content); err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: SAVE_FILE data must be a string", vault.ErrInvalidPath)
	}
	if err := d.storage.Save(cleaned, []byte(content)); err != nil {
		return protocol.Envelope{}, err
	}
	return savedEnvelope(command.ID, cleaned), nil
}

// handleCreateFile creates an empty note, then renders it. The two
// steps are explicit sequential composition, not a re-entrant dispatch,
// so the chained contract stays a single testable unit.
func (d *Dispatcher) handleCreateFile(command protocol.Command) (protocol.Envelope, error) {
	cleaned, err := vault.CleanPath(command.Path)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if err := d.storage.Create(cleaned); err != nil {
		return protocol.Envelope{}, err
	}
	return d.renderEnvelope(cleaned, command.ID)
}

func (d *Dispatcher) handleCreateFolder(command protocol.Command) (protocol.Envelope, error) {
	cleaned, err := vault.CleanPath(command.Path)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if err := d.storage.CreateFolder(cleaned); err != nil {
		return protocol.Envelope{}, err
	}
	return savedEnvelope(command.ID, cleaned), nil
}

func (d *Dispatcher) handleRenameFile(command protocol.Command) (protocol.Envelope, error) {
	cleaned, err := vault.CleanPath(command.Path)
	if err != nil {
		return protocol.Envelope{}, err
	}

	var data struct {
		NewPath string `json:"newPath"`
	}
	if err := json.Unmarshal(command.Data, &data); err != nil || data.NewPath == "" {
		return protocol.Envelope{}, fmt.Errorf("%w: RENAME_FILE requires data.newPath", vault.ErrInvalidPath)
	}
	newCleaned, err := vault.CleanPath(data.NewPath)
	if err != nil {
		return protocol.Envelope{}, err
	}

	if err := d.storage.Rename(cleaned, newCleaned); err != nil {
		return protocol.Envelope{}, err
	}
	return savedEnvelope(command.ID, newCleaned), nil
}

func (d *Dispatcher) handleDeleteFile(command protocol.Command) (protocol.Envelope, error) {
	cleaned, err := vault.CleanPath(command.Path)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if err := d.storage.Delete(cleaned); err != nil {
		return protocol.Envelope{}, err
	}
	return savedEnvelope(command.ID, cleaned), nil
}

func (d *Dispatcher) handleSearch(command protocol.Command) (protocol.Envelope, error) {
	matches, err := d.storage.Search(command.Query)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("searching vault: %w", err)
	}
	return protocol.NewEnvelope(protocol.TypeSearchResults, command.ID, map[string]any{
		"results": matches,
		"query":   command.Query,
	}), nil
}

func savedEnvelope(correlationID, path string) protocol.Envelope {
	return protocol.NewEnvelope(protocol.TypeSaved, correlationID, map[string]any{
		"path": path,
	})
}
