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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
)

const sqliteSchema = `
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL,
	rag_enabled INTEGER NOT NULL DEFAULT 1,
	rag_strategy TEXT NOT NULL DEFAULT '',
	metadata_json TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata_json TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
`

// SQLiteStore persists sessions and messages in a SQLite file.
//
// Thread Safety: Safe for concurrent use. Writes are serialized to avoid
// SQLITE_BUSY under WAL.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
	logger  *slog.Logger
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if inMemory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With(slog.String("component", "sqlite_store")),
	}, nil
}

// Backend implements Store.
func (s *SQLiteStore) Backend() string { return BackendSQLite }

// InsertMessage implements MessageStore.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg datatypes.Message) error {
	meta, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, meta, msg.Timestamp.UnixNano())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: message %s", ErrDuplicate, msg.ID)
	}
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return nil
}

// ListMessages implements MessageStore.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]datatypes.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, metadata_json, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []datatypes.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// GetMessage implements MessageStore.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (datatypes.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, role, content, metadata_json, created_at
		FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return datatypes.Message{}, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	return msg, err
}

// UpdateMessage implements MessageStore.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, id, content string, metadata map[string]any) error {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", id, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, metadata_json = ? WHERE id = ?`, content, meta, id)
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	return requireAffected(res, "message", id)
}

// DeleteMessages implements MessageStore.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, sessionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// CreateSession implements SessionStore.
func (s *SQLiteStore) CreateSession(ctx context.Context, session datatypes.Session) error {
	meta, err := encodeMetadata(session.Metadata)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, title, rag_enabled, rag_strategy, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.Title, boolToInt(session.RAGEnabled), session.RAGStrategy,
		meta, session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: session %s", ErrDuplicate, session.ID)
	}
	if err != nil {
		return fmt.Errorf("insert session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession implements SessionStore.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (datatypes.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, rag_enabled, rag_strategy, metadata_json, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var session datatypes.Session
	var ragEnabled int
	var meta sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&session.ID, &session.UserID, &session.Title, &ragEnabled,
		&session.RAGStrategy, &meta, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return datatypes.Session{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return datatypes.Session{}, fmt.Errorf("scan session row: %w", err)
	}
	session.RAGEnabled = ragEnabled != 0
	session.CreatedAt = time.Unix(0, createdAt).UTC()
	session.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if session.Metadata, err = decodeMetadata(meta); err != nil {
		return datatypes.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return session, nil
}

// UpdateSessionTitle implements SessionStore.
func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, id, title string, updatedAt time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`, title, updatedAt.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	return requireAffected(res, "session", id)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)

// ===== helpers =====

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (datatypes.Message, error) {
	var msg datatypes.Message
	var role string
	var meta sql.NullString
	var createdAt int64
	if err := row.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &meta, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return msg, err
		}
		return msg, fmt.Errorf("scan message row: %w", err)
	}
	msg.Role = datatypes.Role(role)
	msg.Timestamp = time.Unix(0, createdAt).UTC()
	var err error
	if msg.Metadata, err = decodeMetadata(meta); err != nil {
		return msg, fmt.Errorf("decode message %s: %w", msg.ID, err)
	}
	return msg, nil
}

func encodeMetadata(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeMetadata(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
