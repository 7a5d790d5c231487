// Copyright 2026 The Note Relay Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KJ-Developers/note-relay/lib/clock"
)

// FrameSize is the maximum chunk payload per transport frame. Data
// channel implementations commonly cap messages at 16 KiB, so one
// serialized envelope fans out into ceil(len/FrameSize) frames.
const FrameSize = 16 * 1024

// frameDelay paces successive frames of one envelope so a large
// response does not overrun the channel's internal buffering.
const frameDelay = 2 * time.Millisecond

// DefaultMaxReassembly bounds the bytes a receiver will buffer across
// all unfinished reassemblies of one session. Frames for a category
// that never sees a final marker would otherwise leak memory without
// limit.
const DefaultMaxReassembly = 4 << 20

// Frame is the size-bounded unit actually placed on the wire. Chunk is
// raw bytes of the serialized envelope (base64 on the JSON wire), so
// splitting never corrupts multi-byte sequences. Frames carry no
// authentication of their own; they inherit the session's trust.
type Frame struct {
	Type     string `json:"type"` // always TypePart
	Category string `json:"category"`
	Chunk    []byte `json:"chunk"`
	IsFinal  bool   `json:"isFinal"`
	ID       string `json:"id,omitempty"`
}

// Split divides payload into chunks of at most FrameSize bytes. A zero
// length payload still yields one (empty) chunk so the receiver always
// sees a final frame.
func Split(payload []byte) [][]byte {
	if len(payload) == 0 {
		return [][]byte{nil}
	}
	chunks := make([][]byte, 0, (len(payload)+FrameSize-1)/FrameSize)
	for len(payload) > FrameSize {
		chunks = append(chunks, payload[:FrameSize])
		payload = payload[FrameSize:]
	}
	return append(chunks, payload)
}

// ChunkWriter serializes envelopes and emits them as paced frames
// through a transport send function.
type ChunkWriter struct {
	send  func(data []byte) error
	clock clock.Clock
}

// NewChunkWriter wraps a transport send function. send is called once
// per frame with the frame's JSON encoding.
func NewChunkWriter(send func(data []byte) error, clk clock.Clock) *ChunkWriter {
	return &ChunkWriter{send: send, clock: clk}
}

// Send serializes envelope, splits it into frames tagged with the
// envelope's type and correlation id, and emits them in order with a
// short delay between successive frames.
func (w *ChunkWriter) Send(envelope Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", envelope.Type, err)
	}

	chunks := Split(payload)
	for index, chunk := range chunks {
		frame := Frame{
			Type:     TypePart,
			Category: envelope.Type,
			Chunk:    chunk,
			IsFinal:  index == len(chunks)-1,
			ID:       envelope.ID,
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return fmt.Errorf("encoding frame %d of %s envelope: %w", index, envelope.Type, err)
		}
		if err := w.send(data); err != nil {
			return fmt.Errorf("sending frame %d of %s envelope: %w", index, envelope.Type, err)
		}
		if index < len(chunks)-1 {
			w.clock.Sleep(frameDelay)
		}
	}
	return nil
}

// Reassembler buffers inbound frames keyed by category and correlation
// id until a final frame arrives, then decodes exactly one envelope.
// Keying on the correlation id lets frames of two interleaved responses
// from the same peer demultiplex without corruption.
type Reassembler struct {
	maxBytes int
	buffers  map[string]*bytes.Buffer
	total    int
}

// NewReassembler creates a Reassembler with the given total buffering
// cap. maxBytes <= 0 selects DefaultMaxReassembly.
func NewReassembler(maxBytes int) *Reassembler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxReassembly
	}
	return &Reassembler{
		maxBytes: maxBytes,
		buffers:  make(map[string]*bytes.Buffer),
	}
}

// Accept consumes one frame. It returns the reassembled payload when
// the frame is final, or nil while more frames are expected. The caller
// decodes the payload as whatever the category implies. Exceeding the
// buffering cap is an error; the caller should terminate the session
// since the peer is malformed or abusive.
func (r *Reassembler) Accept(frame Frame) ([]byte, error) {
	if frame.Type != TypePart {
		return nil, fmt.Errorf("unexpected frame type %q", frame.Type)
	}

	key := frame.Category + "\x00" + frame.ID
	buffer, ok := r.buffers[key]
	if !ok {
		buffer = &bytes.Buffer{}
		r.buffers[key] = buffer
	}

	if r.total+len(frame.Chunk) > r.maxBytes {
		r.reset()
		return nil, fmt.Errorf("reassembly buffer limit exceeded (%d bytes)", r.maxBytes)
	}
	buffer.Write(frame.Chunk)
	r.total += len(frame.Chunk)

	if !frame.IsFinal {
		return nil, nil
	}

	delete(r.buffers, key)
	r.total -= buffer.Len()

	// A zero-length payload reassembles to an empty (non-nil) slice so
	// callers can distinguish "complete" from "incomplete".
	payload := buffer.Bytes()
	if payload == nil {
		payload = []byte{}
	}
	return payload, nil
}

// Outstanding returns the bytes currently buffered across unfinished
// reassemblies.
func (r *Reassembler) Outstanding() int { return r.total }

func (r *Reassembler) reset() {
	r.buffers = make(map[string]*bytes.Buffer)
	r.total = 0
}
