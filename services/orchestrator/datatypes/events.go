// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// EventType names the events of a response stream.
type EventType string

const (
	// EventMessage carries one fragment of generated text.
	EventMessage EventType = "message"
	// EventCancelled reports that the client cancelled the generation.
	EventCancelled EventType = "cancelled"
	// EventError reports a failed generation.
	EventError EventType = "error"
	// EventDone always closes the stream.
	EventDone EventType = "done"
	// EventStart announces the response id. Transport handshake only; the
	// chat core never emits it.
	EventStart EventType = "start"
)

// StreamEvent is the transport-agnostic unit of a response stream.
//
// # Sequence
//
// Zero or more EventMessage, at most one of EventCancelled / EventError,
// then exactly one EventDone.
type StreamEvent struct {
	Type      EventType `json:"-"`
	Token     string    `json:"token,omitempty"`
	Error     string    `json:"error,omitempty"`
	MessageID string    `json:"message_id"`
}

// IsTerminal reports whether the event ends the content part of a stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventCancelled || e.Type == EventError || e.Type == EventDone
}
