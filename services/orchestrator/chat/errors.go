// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"errors"

	"github.com/AleutianAI/AleutianStream/services/llm"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/memory"
)

var (
	// ErrCancelledByUser marks a generation stopped through Cancel. It is a
	// terminal state, not a failure.
	ErrCancelledByUser = errors.New("generation cancelled by user")

	// ErrClientGone marks a generation stopped because its caller's context ended.
	ErrClientGone = errors.New("client disconnected")

	// ErrSessionNotFound is returned for unknown sessions and for sessions
	// owned by another user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEmptyQuery is returned when the user message is blank.
	ErrEmptyQuery = errors.New("query must not be empty")
)

// MemoryError is a persistence failure surfaced by conversation memory.
type MemoryError = memory.MemoryError

// ProviderError is an upstream model failure.
type ProviderError = llm.ProviderError

// ConfigurationError is an invalid provider setup.
type ConfigurationError = llm.ConfigurationError

// IsMemoryError reports whether err wraps a *MemoryError.
func IsMemoryError(err error) bool {
	var me *MemoryError
	return errors.As(err, &me)
}
