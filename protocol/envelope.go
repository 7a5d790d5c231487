// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the typed message envelopes exchanged with
// remote browser clients and the chunked framing that carries them over
// a data channel with a bounded message size.
//
// The wire encoding is JSON: the remote end of every session is a web
// client, and JSON is the only encoding both sides share natively. The
// host's own persisted state uses CBOR (lib/codec) instead.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version announced in handshake
// acknowledgements. Clients use it to detect incompatible hosts.
const Version = "1.0.0"

// Command names accepted from remote clients. PING and HANDSHAKE are
// the two spellings of the authentication handshake; everything else
// requires an authenticated session.
const (
	CmdPing            = "PING"
	CmdHandshake       = "HANDSHAKE"
	CmdGetTree         = "GET_TREE"
	CmdGetRenderedFile = "GET_RENDERED_FILE"
	CmdGetFile         = "GET_FILE"
	CmdSaveFile        = "SAVE_FILE"
	CmdCreateFile      = "CREATE_FILE"
	CmdCreateFolder    = "CREATE_FOLDER"
	CmdRenameFile      = "RENAME_FILE"
	CmdDeleteFile      = "DELETE_FILE"
	CmdSearch          = "SEARCH"
)

// Response envelope types sent to remote clients.
const (
	TypePong          = "PONG"
	TypeHandshakeAck  = "HANDSHAKE_ACK"
	TypeTree          = "TREE"
	TypeRenderedFile  = "RENDERED_FILE"
	TypeFile          = "FILE"
	TypeSaved         = "SAVED"
	TypeSearchResults = "SEARCH_RESULTS"
	TypeError         = "ERROR"

	// TypePart is the transport frame type; it never appears as a
	// logical envelope type.
	TypePart = "PART"
)

// Command is an inbound request envelope. Unused fields stay zero; the
// dispatcher validates what each command actually requires.
type Command struct {
	// Cmd names the requested operation.
	Cmd string `json:"cmd"`

	// ID is an optional correlation identifier supplied by the
	// requester and echoed verbatim in the response, letting the client
	// match concurrent in-flight requests.
	ID string `json:"id,omitempty"`

	// Path is the vault-relative resource path for file commands.
	Path string `json:"path,omitempty"`

	// Data carries command-specific payload: note content for
	// SAVE_FILE, {"newPath": ...} for RENAME_FILE.
	Data json.RawMessage `json:"data,omitempty"`

	// Query is the SEARCH term.
	Query string `json:"query,omitempty"`

	// Handshake credentials. Present only on PING/HANDSHAKE.
	GuestEmail  string `json:"guestEmail,omitempty"`
	AuthHash    string `json:"authHash,omitempty"`
	SessionName string `json:"sessionName,omitempty"`
}

// ParseCommand decodes one inbound envelope.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("decoding command envelope: %w", err)
	}
	if cmd.Cmd == "" {
		return Command{}, fmt.Errorf("command envelope missing cmd field")
	}
	return cmd, nil
}

// Envelope is an outbound response. Body fields are flattened alongside
// "type" and "id" on the wire, matching what browser clients expect.
type Envelope struct {
	// Type is one of the Type* constants.
	Type string

	// ID echoes the request's correlation identifier, when present.
	ID string

	// Body holds the type-specific response fields.
	Body map[string]any
}

// NewEnvelope builds a response envelope of the given type, echoing the
// correlation id of the command it answers.
func NewEnvelope(envelopeType, correlationID string, body map[string]any) Envelope {
	return Envelope{Type: envelopeType, ID: correlationID, Body: body}
}

// ErrorEnvelope builds an ERROR response. Message must be a
// human-readable string; internal error detail never crosses the wire.
func ErrorEnvelope(correlationID, message string) Envelope {
	return NewEnvelope(TypeError, correlationID, map[string]any{"message": message})
}

// MarshalJSON flattens Body to the top level next to type and id.
func (e Envelope) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Body)+2)
	for key, value := range e.Body {
		flat[key] = value
	}
	flat["type"] = e.Type
	if e.ID != "" {
		flat["id"] = e.ID
	}
	return json.Marshal(flat)
}

// UnmarshalJSON reverses MarshalJSON, splitting type and id back out of
// the flattened object.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	envelopeType, _ := flat["type"].(string)
	if envelopeType == "" {
		return fmt.Errorf("envelope missing type field")
	}
	delete(flat, "type")

	correlationID, _ := flat["id"].(string)
	delete(flat, "id")

	e.Type = envelopeType
	e.ID = correlationID
	e.Body = flat
	return nil
}
