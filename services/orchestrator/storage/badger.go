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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
)

// Key layout:
//
//	s/{session_id}                 -> session JSON
//	m/{session_id}/{seq:020d}      -> message JSON
//	i/{message_id}                 -> m/... key of that message
//	seq/messages                   -> badger sequence
const (
	prefixSession  = "s/"
	prefixMessage  = "m/"
	prefixMsgIndex = "i/"
	sequenceKey    = "seq/messages"
)

// BadgerConfig holds configuration for a BadgerStore.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs and GC events.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production defaults: synchronous writes,
// a five minute GC interval and a 0.5 discard ratio.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore persists sessions and messages in BadgerDB.
//
// Thread Safety: Safe for concurrent use. Badger transactions provide
// isolation between concurrent writers.
type BadgerStore struct {
	db       *badger.DB
	seq      *badger.Sequence
	gcRunner *GCRunner
	logger   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// OpenBadgerStore opens a BadgerDB and starts the GC runner if configured.
//
// Description:
//
//	Opens the database at cfg.Path, or in memory if cfg.InMemory is true.
//	Creates the directory if it doesn't exist.
//
// Inputs:
//
//	cfg - Database configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*BadgerStore - The opened store. Caller must call Close() when done.
//	error - Non-nil if the path is invalid or the database cannot be opened.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("storage: badger path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	seq, err := db.GetSequence([]byte(sequenceKey), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open message sequence: %w", err)
	}

	store := &BadgerStore{db: db, seq: seq, logger: logger}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		if err != nil {
			seq.Release()
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		store.gcRunner = runner
		runner.Start()
	}
	return store, nil
}

// Backend implements Store.
func (s *BadgerStore) Backend() string { return BackendBadger }

func messageKey(sessionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", prefixMessage, sessionID, seq))
}

func messagePrefix(sessionID string) []byte {
	return []byte(prefixMessage + sessionID + "/")
}

// InsertMessage implements MessageStore.
func (s *BadgerStore) InsertMessage(ctx context.Context, msg datatypes.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("next message sequence: %w", err)
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	key := messageKey(msg.SessionID, n)
	indexKey := []byte(prefixMsgIndex + msg.ID)

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(indexKey); err == nil {
			return fmt.Errorf("%w: message %s", ErrDuplicate, msg.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, value); err != nil {
			return err
		}
		return txn.Set(indexKey, key)
	})
}

// ListMessages implements MessageStore.
func (s *BadgerStore) ListMessages(ctx context.Context, sessionID string) ([]datatypes.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []datatypes.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var msg datatypes.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetMessage implements MessageStore.
func (s *BadgerStore) GetMessage(ctx context.Context, id string) (datatypes.Message, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.Message{}, err
	}
	var msg datatypes.Message
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := s.loadMessage(txn, id, &msg)
		return err
	})
	return msg, err
}

// UpdateMessage implements MessageStore.
func (s *BadgerStore) UpdateMessage(ctx context.Context, id, content string, metadata map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var msg datatypes.Message
		key, err := s.loadMessage(txn, id, &msg)
		if err != nil {
			return err
		}
		msg.Content = content
		msg.Metadata = datatypes.CopyMetadata(metadata)
		value, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", id, err)
		}
		return txn.Set(key, value)
	})
}

// loadMessage resolves the id index and decodes the message into dst.
func (s *BadgerStore) loadMessage(txn *badger.Txn, id string, dst *datatypes.Message) ([]byte, error) {
	item, err := txn.Get([]byte(prefixMsgIndex + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	item, err = txn.Get(key)
	if err != nil {
		return nil, fmt.Errorf("message %s index points to missing key: %w", id, err)
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	}); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return key, nil
}

// DeleteMessages implements MessageStore.
func (s *BadgerStore) DeleteMessages(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix(sessionID)
		it := txn.NewIterator(opts)

		var keys [][]byte
		var ids []string
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var msg datatypes.Message
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				it.Close()
				return fmt.Errorf("decode message: %w", err)
			}
			keys = append(keys, item.KeyCopy(nil))
			ids = append(ids, msg.ID)
		}
		it.Close()

		for i, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Delete([]byte(prefixMsgIndex + ids[i])); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateSession implements SessionStore.
func (s *BadgerStore) CreateSession(ctx context.Context, session datatypes.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	key := []byte(prefixSession + session.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: session %s", ErrDuplicate, session.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, value)
	})
}

// GetSession implements SessionStore.
func (s *BadgerStore) GetSession(ctx context.Context, id string) (datatypes.Session, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.Session{}, err
	}
	var session datatypes.Session
	err := s.db.View(func(txn *badger.Txn) error {
		return loadSession(txn, id, &session)
	})
	return session, err
}

// UpdateSessionTitle implements SessionStore.
func (s *BadgerStore) UpdateSessionTitle(ctx context.Context, id, title string, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var session datatypes.Session
		if err := loadSession(txn, id, &session); err != nil {
			return err
		}
		session.Title = title
		session.UpdatedAt = updatedAt
		value, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", id, err)
		}
		return txn.Set([]byte(prefixSession+id), value)
	})
}

func loadSession(txn *badger.Txn, id string, dst *datatypes.Session) error {
	item, err := txn.Get([]byte(prefixSession + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

// Close stops the GC runner, releases the sequence and closes the database.
// Safe to call multiple times.
func (s *BadgerStore) Close() error {
	s.closeOnce.Do(func() {
		if s.gcRunner != nil {
			s.gcRunner.Stop()
		}
		if err := s.seq.Release(); err != nil {
			s.logger.Warn("release message sequence", slog.String("error", err.Error()))
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

var _ Store = (*BadgerStore)(nil)

// ===== GC Runner =====

// GCRunner runs periodic value log garbage collection on a BadgerDB instance.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewGCRunner creates a garbage collection runner.
//
// Description:
//
//	Creates a runner that periodically triggers BadgerDB value log GC.
//	Call Start() to begin GC and Stop() to halt it.
//
// Inputs:
//
//	db - The BadgerDB instance. Must not be nil.
//	interval - How often to run GC. Must be positive.
//	ratio - Minimum garbage ratio to trigger GC (0.0-1.0).
//	logger - Optional logger for GC events.
//
// Outputs:
//
//	*GCRunner - The runner. Not started until Start() is called.
//	error - Non-nil if inputs are invalid.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio < 0 || ratio > 1 {
		return nil, errors.New("ratio must be between 0 and 1")
	}
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}, nil
}

// Start begins periodic garbage collection.
func (r *GCRunner) Start() {
	go r.run()
}

// Stop signals the GC goroutine and waits for it to finish.
// Subsequent calls are no-ops.
func (r *GCRunner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
}

func (r *GCRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *GCRunner) runGC() {
	// ErrNoRewrite means nothing was worth collecting.
	err := r.db.RunValueLogGC(r.ratio)
	if err == nil {
		if r.logger != nil {
			r.logger.Debug("badger value log GC completed")
		}
	} else if !errors.Is(err, badger.ErrNoRewrite) {
		if r.logger != nil {
			r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
		}
	}
}
