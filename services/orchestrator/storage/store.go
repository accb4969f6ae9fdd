// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists sessions and messages.
//
// # Description
//
// The chat core talks to storage only through MessageStore and SessionStore.
// Three backends implement both: an in-process map (tests, single-node
// demos), BadgerDB (embedded, durable) and SQLite (embedded, queryable).
//
// # Ordering
//
// ListMessages returns messages in insertion order, which is the
// chronological order of appends for a session.
//
// # Idempotence
//
// UpdateMessage replaces content and metadata wholesale, so repeating the
// same update leaves the same stored state.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
)

var (
	// ErrNotFound is returned when a message or session does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicate is returned when inserting an id that already exists.
	ErrDuplicate = errors.New("storage: duplicate id")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: closed")
)

// MessageStore persists messages keyed by session.
type MessageStore interface {
	// InsertMessage stores a new message. msg.ID must be unique.
	InsertMessage(ctx context.Context, msg datatypes.Message) error

	// ListMessages returns every message of the session in chronological order.
	ListMessages(ctx context.Context, sessionID string) ([]datatypes.Message, error)

	// GetMessage returns one message or ErrNotFound.
	GetMessage(ctx context.Context, id string) (datatypes.Message, error)

	// UpdateMessage sets content and metadata of an existing message.
	UpdateMessage(ctx context.Context, id, content string, metadata map[string]any) error

	// DeleteMessages removes every message of the session.
	DeleteMessages(ctx context.Context, sessionID string) error
}

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session datatypes.Session) error
	GetSession(ctx context.Context, id string) (datatypes.Session, error)
	UpdateSessionTitle(ctx context.Context, id, title string, updatedAt time.Time) error
}

// Store is a full backend.
type Store interface {
	MessageStore
	SessionStore
	// Backend names the implementation, e.g. "badger".
	Backend() string
	Close() error
}

// Backend names.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Config selects a backend.
type Config struct {
	// Backend is one of "memory", "badger", "sqlite".
	Backend string `yaml:"backend" validate:"omitempty,oneof=memory badger sqlite"`
	// Path is the badger directory or the sqlite file. Ignored for memory.
	Path string `yaml:"path"`
	// GCInterval runs badger value-log GC periodically. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`
}

// Open builds the configured backend.
//
// # Inputs
//
//   - cfg: Backend selection. Empty Backend means memory.
//   - logger: Optional; defaults to slog.Default().
//
// # Outputs
//
//   - Store: Ready to use; the caller must Close it.
//   - error: Non-nil for unknown backends or open failures.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendBadger:
		bcfg := DefaultBadgerConfig()
		bcfg.Path = cfg.Path
		bcfg.GCInterval = cfg.GCInterval
		bcfg.Logger = logger
		return OpenBadgerStore(bcfg)
	case BackendSQLite:
		return OpenSQLiteStore(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
