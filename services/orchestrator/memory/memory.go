// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory holds per-session conversation history under a token budget.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianStream/services/llm"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/storage"
)

// DefaultMaxTokenLimit bounds the history sent to a model.
const DefaultMaxTokenLimit = 4000

// MemoryError wraps a store failure seen by ConversationMemory.
type MemoryError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("memory: %s session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *MemoryError) Unwrap() error { return e.Err }

// Option configures a ConversationMemory.
type Option func(*ConversationMemory)

// WithMaxTokenLimit sets the history budget. Non-positive values keep the default.
func WithMaxTokenLimit(limit int) Option {
	return func(m *ConversationMemory) {
		if limit > 0 {
			m.maxTokenLimit = limit
		}
	}
}

// WithTokenCounter sets a custom token counter. If nil, default is used.
func WithTokenCounter(tc *TokenCounter) Option {
	return func(m *ConversationMemory) {
		if tc != nil {
			m.counter = tc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *ConversationMemory) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *ConversationMemory) {
		if now != nil {
			m.now = now
		}
	}
}

// ConversationMemory is the ordered message history of one session.
//
// # Description
//
// Every append is a single store write; nothing is cached, so two memories
// over the same store and session observe the same history.
//
// # Thread Safety
//
// Safe for concurrent use if the underlying store is.
type ConversationMemory struct {
	sessionID     string
	userID        string
	maxTokenLimit int
	store         storage.MessageStore
	counter       *TokenCounter
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a memory bound to sessionID.
//
// # Inputs
//
//   - sessionID: Session whose messages this memory reads and writes.
//   - userID: Caller identity, recorded in message metadata.
//   - store: Message persistence. Must not be nil.
//   - opts: Functional options.
//
// # Outputs
//
//   - *ConversationMemory: Ready to use.
func New(sessionID, userID string, store storage.MessageStore, opts ...Option) *ConversationMemory {
	m := &ConversationMemory{
		sessionID:     sessionID,
		userID:        userID,
		maxTokenLimit: DefaultMaxTokenLimit,
		store:         store,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.counter == nil {
		m.counter = NewTokenCounter(m.logger)
	}
	m.logger = m.logger.With(
		slog.String("component", "conversation_memory"),
		slog.String("session_id", sessionID),
	)
	return m
}

// SessionID returns the bound session.
func (m *ConversationMemory) SessionID() string { return m.sessionID }

// MaxTokenLimit returns the history budget.
func (m *ConversationMemory) MaxTokenLimit() int { return m.maxTokenLimit }

// Append stores a new message with a fresh id.
func (m *ConversationMemory) Append(ctx context.Context, role datatypes.Role, content string, metadata map[string]any) (datatypes.Message, error) {
	return m.Insert(ctx, datatypes.Message{Role: role, Content: content, Metadata: metadata})
}

// Insert stores msg, filling in a missing id, session or timestamp.
// Callers that need a known id (the assistant placeholder) use this.
func (m *ConversationMemory) Insert(ctx context.Context, msg datatypes.Message) (datatypes.Message, error) {
	role, err := datatypes.ParseRole(string(msg.Role))
	if err != nil {
		return datatypes.Message{}, err
	}
	msg.Role = role
	if msg.ID == "" {
		msg.ID = datatypes.NewID()
	}
	msg.SessionID = m.sessionID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now().UTC()
	}
	msg.Metadata = datatypes.CopyMetadata(msg.Metadata)
	if m.userID != "" {
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]any, 1)
		}
		if _, ok := msg.Metadata[datatypes.MetaUserID]; !ok {
			msg.Metadata[datatypes.MetaUserID] = m.userID
		}
	}

	if err := m.store.InsertMessage(ctx, msg); err != nil {
		return datatypes.Message{}, &MemoryError{Op: "append", SessionID: m.sessionID, Err: err}
	}
	m.logger.Debug("message appended",
		slog.String("message_id", msg.ID),
		slog.String("role", string(msg.Role)))
	return msg, nil
}

// AddUserMessage appends a user message.
func (m *ConversationMemory) AddUserMessage(ctx context.Context, content string, metadata map[string]any) (datatypes.Message, error) {
	return m.Append(ctx, datatypes.RoleUser, content, metadata)
}

// AddAssistantMessage appends an assistant message.
func (m *ConversationMemory) AddAssistantMessage(ctx context.Context, content string, metadata map[string]any) (datatypes.Message, error) {
	return m.Append(ctx, datatypes.RoleAssistant, content, metadata)
}

// AddSystemMessage appends a system message.
func (m *ConversationMemory) AddSystemMessage(ctx context.Context, content string, metadata map[string]any) (datatypes.Message, error) {
	return m.Append(ctx, datatypes.RoleSystem, content, metadata)
}

// Finalize replaces content and metadata of an existing message.
// Repeating the same call leaves the same stored state.
func (m *ConversationMemory) Finalize(ctx context.Context, id, content string, metadata map[string]any) error {
	if err := m.store.UpdateMessage(ctx, id, content, metadata); err != nil {
		return &MemoryError{Op: "finalize", SessionID: m.sessionID, Err: err}
	}
	return nil
}

// History returns all messages in chronological order.
func (m *ConversationMemory) History(ctx context.Context, excludeSystem bool) ([]datatypes.Message, error) {
	msgs, err := m.store.ListMessages(ctx, m.sessionID)
	if err != nil {
		return nil, &MemoryError{Op: "history", SessionID: m.sessionID, Err: err}
	}
	if !excludeSystem {
		return msgs, nil
	}
	out := msgs[:0]
	for _, msg := range msgs {
		if msg.Role != datatypes.RoleSystem {
			out = append(out, msg)
		}
	}
	return out, nil
}

// BoundedHistory returns the longest chronological suffix of History that
// fits the token budget.
//
// # Description
//
// Walks newest to oldest and stops at the first message that would push the
// total over the limit. The newest message is always kept, so the result
// exceeds the budget only when that single message does.
func (m *ConversationMemory) BoundedHistory(ctx context.Context, excludeSystem bool) ([]datatypes.Message, error) {
	msgs, err := m.History(ctx, excludeSystem)
	if err != nil {
		return nil, err
	}
	return m.boundSuffix(msgs), nil
}

func (m *ConversationMemory) boundSuffix(msgs []datatypes.Message) []datatypes.Message {
	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		n := m.counter.Count(msgs[i].Content)
		if total+n > m.maxTokenLimit && start < len(msgs) {
			break
		}
		total += n
		start = i
	}
	if start > 0 {
		m.logger.Debug("history truncated to token budget",
			slog.Int("dropped", start),
			slog.Int("kept", len(msgs)-start),
			slog.Int("tokens", total))
	}
	return msgs[start:]
}

// ToModelMessages converts the bounded history into provider input.
// A non-empty systemPrompt is prepended as a system message.
func (m *ConversationMemory) ToModelMessages(ctx context.Context, systemPrompt string) ([]llm.ChatMessage, error) {
	history, err := m.BoundedHistory(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]llm.ChatMessage, 0, len(history)+1)
	if systemPrompt != "" {
		out = append(out, llm.ChatMessage{Role: llm.RoleSystem, Content: systemPrompt})
	}
	converted, err := ConvertMessages(history)
	if err != nil {
		return nil, err
	}
	return append(out, converted...), nil
}

// ConvertMessages maps stored messages one-to-one onto provider messages.
func ConvertMessages(msgs []datatypes.Message) ([]llm.ChatMessage, error) {
	out := make([]llm.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		role, err := modelRole(msg.Role)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", msg.ID, err)
		}
		out = append(out, llm.ChatMessage{Role: role, Content: msg.Content})
	}
	return out, nil
}

func modelRole(r datatypes.Role) (string, error) {
	switch r {
	case datatypes.RoleSystem:
		return llm.RoleSystem, nil
	case datatypes.RoleUser:
		return llm.RoleUser, nil
	case datatypes.RoleAssistant:
		return llm.RoleAssistant, nil
	default:
		return "", fmt.Errorf("%w: %q", datatypes.ErrUnknownRole, string(r))
	}
}

// Clear deletes every message of the session.
func (m *ConversationMemory) Clear(ctx context.Context) error {
	if err := m.store.DeleteMessages(ctx, m.sessionID); err != nil {
		return &MemoryError{Op: "clear", SessionID: m.sessionID, Err: err}
	}
	return nil
}
