// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
)

// MemoryStore keeps everything in process memory.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]*datatypes.Message
	byID     map[string]*datatypes.Message
	sessions map[string]datatypes.Session
	closed   bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]*datatypes.Message),
		byID:     make(map[string]*datatypes.Message),
		sessions: make(map[string]datatypes.Session),
	}
}

// Backend implements Store.
func (s *MemoryStore) Backend() string { return BackendMemory }

// InsertMessage implements MessageStore.
func (s *MemoryStore) InsertMessage(ctx context.Context, msg datatypes.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.byID[msg.ID]; exists {
		return fmt.Errorf("%w: message %s", ErrDuplicate, msg.ID)
	}
	stored := msg.Clone()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], &stored)
	s.byID[msg.ID] = &stored
	return nil
}

// ListMessages implements MessageStore.
func (s *MemoryStore) ListMessages(ctx context.Context, sessionID string) ([]datatypes.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	stored := s.messages[sessionID]
	out := make([]datatypes.Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, m.Clone())
	}
	return out, nil
}

// GetMessage implements MessageStore.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (datatypes.Message, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.Message{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return datatypes.Message{}, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	return m.Clone(), nil
}

// UpdateMessage implements MessageStore.
func (s *MemoryStore) UpdateMessage(ctx context.Context, id, content string, metadata map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	m, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	m.Content = content
	m.Metadata = datatypes.CopyMetadata(metadata)
	return nil
}

// DeleteMessages implements MessageStore.
func (s *MemoryStore) DeleteMessages(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[sessionID] {
		delete(s.byID, m.ID)
	}
	delete(s.messages, sessionID)
	return nil
}

// CreateSession implements SessionStore.
func (s *MemoryStore) CreateSession(ctx context.Context, session datatypes.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("%w: session %s", ErrDuplicate, session.ID)
	}
	session.Metadata = datatypes.CopyMetadata(session.Metadata)
	s.sessions[session.ID] = session
	return nil
}

// GetSession implements SessionStore.
func (s *MemoryStore) GetSession(ctx context.Context, id string) (datatypes.Session, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.Session{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return datatypes.Session{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	session.Metadata = datatypes.CopyMetadata(session.Metadata)
	return session, nil
}

// UpdateSessionTitle implements SessionStore.
func (s *MemoryStore) UpdateSessionTitle(ctx context.Context, id, title string, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	session.Title = title
	session.UpdatedAt = updatedAt
	s.sessions[id] = session
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
