// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the records shared by the chat core, the storage
// backends and the HTTP layer.
package datatypes

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrUnknownRole is returned when a stored role is outside the vocabulary.
var ErrUnknownRole = errors.New("unknown message role")

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleSystem, RoleUser, RoleAssistant:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// Metadata keys written by the chat core.
const (
	MetaStreaming    = "streaming"
	MetaStatus       = "status"
	MetaError        = "error"
	MetaRAGEnabled   = "rag_enabled"
	MetaRAGStrategy  = "rag_strategy"
	MetaUserID       = "user_id"
	MetaProvider     = "provider"
	MetaModel        = "model"
	MetaFinalizedAt  = "finalized_at"
	MetaOutputTokens = "output_tokens"
)

// Terminal values of Metadata["status"].
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// CancelledMarker is appended to the partial text of a cancelled response.
const CancelledMarker = " [GENERATION CANCELLED]"

// Message is one persisted turn of a session.
//
// Assistant messages produced by a stream are created empty with
// Metadata["streaming"] = true and written exactly once more when the
// stream terminates.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// IsStreaming reports whether the message is still a streaming placeholder.
func (m Message) IsStreaming() bool {
	v, _ := m.Metadata[MetaStreaming].(bool)
	return v
}

// Status returns Metadata["status"] or "".
func (m Message) Status() string {
	v, _ := m.Metadata[MetaStatus].(string)
	return v
}

// Clone returns a deep-enough copy: the metadata map is copied so stores
// never share it with callers.
func (m Message) Clone() Message {
	out := m
	out.Metadata = CopyMetadata(m.Metadata)
	return out
}

// CopyMetadata returns a shallow copy of md, never nil.
func CopyMetadata(md map[string]any) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// NewID returns a canonical identifier (UUIDv4 without dashes).
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
