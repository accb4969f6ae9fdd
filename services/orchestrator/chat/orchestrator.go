// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat runs generations against a model provider.
//
// # Description
//
// The Orchestrator owns the lifecycle of one response: it records the user
// message, creates the assistant placeholder, assembles model input from
// bounded history plus optional retrieved context, streams fragments to the
// caller and writes the final assistant message exactly once.
//
// # States
//
//	STARTED -> STREAMING -> COMPLETED | CANCELLED | FAILED
//
// Every terminal state unregisters the stream and finalizes the placeholder.
//
// # Thread Safety
//
// Orchestrator is safe for concurrent use. Each stream runs a producer
// goroutine (the provider call) and a consumer goroutine (event emission);
// the stream registry is the only state they share with other streams.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianStream/services/llm"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/memory"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/rag"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/storage"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/streams"
)

var tracer = otel.Tracer("aleutian.orchestrator.chat")

// Defaults.
const (
	DefaultQueueSize        = 64
	DefaultLivenessInterval = 10 * time.Second
	DefaultFinalizeTimeout  = 10 * time.Second

	titleMaxRunes     = 50
	titleKeepRunes    = 47
	titleEllipsis     = "..."
	minTitledMessages = 2
)

// Config tunes an Orchestrator.
type Config struct {
	// MaxTokenLimit bounds history sent to the model. Default 4000.
	MaxTokenLimit int
	// Params are the generation defaults passed to the provider.
	Params llm.GenerationParams
	// QueueSize is the capacity of the fragment hand-off channel. Default 64.
	QueueSize int
	// LivenessInterval is how often an idle stream logs that it is alive.
	// It is never a deadline. Default 10s.
	LivenessInterval time.Duration
	// FinalizeTimeout bounds the final store write. Default 10s.
	FinalizeTimeout time.Duration
	// AutoTitle derives a session title after the first completed exchange
	// when the session still carries its default title.
	AutoTitle bool
}

func (c *Config) applyDefaults() {
	if c.MaxTokenLimit <= 0 {
		c.MaxTokenLimit = memory.DefaultMaxTokenLimit
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = DefaultLivenessInterval
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = DefaultFinalizeTimeout
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces the configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithRetriever enables retrieval-augmented generation.
func WithRetriever(r rag.Retriever) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.retriever = r
		}
	}
}

// WithRegistry shares a stream registry. By default each Orchestrator owns one.
func WithRegistry(r *streams.Registry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithTokenCounter sets the counter used for history budgets.
func WithTokenCounter(tc *memory.TokenCounter) Option {
	return func(o *Orchestrator) {
		if tc != nil {
			o.counter = tc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMeterProvider records generation counters on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Orchestrator) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// Orchestrator coordinates memory, retrieval, the provider and the registry.
type Orchestrator struct {
	provider  llm.Provider
	store     storage.Store
	retriever rag.Retriever
	registry  *streams.Registry
	counter   *memory.TokenCounter
	logger    *slog.Logger
	// baseLogger is the caller's logger before the component attribute is
	// added; collaborators add their own.
	baseLogger *slog.Logger
	now        func() time.Time

	meterProvider metric.MeterProvider
	generations   metric.Int64Counter

	mu  sync.RWMutex
	cfg Config
}

// New creates an Orchestrator.
//
// # Inputs
//
//   - provider: Model backend. Must not be nil.
//   - store: Session and message persistence. Must not be nil.
//   - opts: Functional options.
//
// # Outputs
//
//   - *Orchestrator: Ready to use.
//   - error: Non-nil if a required dependency is missing or metrics cannot
//     be registered.
func New(provider llm.Provider, store storage.Store, opts ...Option) (*Orchestrator, error) {
	if provider == nil {
		return nil, &ConfigurationError{Field: "provider", Reason: "must not be nil"}
	}
	if store == nil {
		return nil, &ConfigurationError{Field: "store", Reason: "must not be nil"}
	}

	o := &Orchestrator{
		provider:  provider,
		store:     store,
		retriever: rag.NoopRetriever{},
		logger:    slog.Default(),
		now:       time.Now,
		cfg:       Config{AutoTitle: true},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg.applyDefaults()
	o.baseLogger = o.logger
	o.logger = o.baseLogger.With(slog.String("component", "chat_orchestrator"))
	if o.registry == nil {
		o.registry = streams.NewRegistry(o.baseLogger)
	}
	if o.counter == nil {
		o.counter = memory.NewTokenCounter(o.baseLogger)
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}

	counter, err := o.meterProvider.Meter("aleutian.orchestrator.chat").Int64Counter(
		"aleutian.chat.generations",
		metric.WithDescription("Generations by terminal status"),
	)
	if err != nil {
		return nil, fmt.Errorf("create generations counter: %w", err)
	}
	o.generations = counter
	return o, nil
}

// Registry returns the stream registry.
func (o *Orchestrator) Registry() *streams.Registry { return o.registry }

// Provider returns the model backend.
func (o *Orchestrator) Provider() llm.Provider { return o.provider }

// Config returns a copy of the current configuration.
func (o *Orchestrator) Config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// SetGenerationDefaults swaps generation parameters and the history budget.
// Streams already running keep the values they started with.
func (o *Orchestrator) SetGenerationDefaults(params llm.GenerationParams, maxTokenLimit int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.Params = params
	if maxTokenLimit > 0 {
		o.cfg.MaxTokenLimit = maxTokenLimit
	}
	o.logger.Info("generation defaults updated", slog.Int("max_token_limit", o.cfg.MaxTokenLimit))
}

// Cancel requests cancellation of responseID.
//
// # Outputs
//
//   - bool: False if no stream with that id is running.
func (o *Orchestrator) Cancel(responseID string) bool {
	return o.registry.Cancel(responseID)
}

// CancelFor cancels responseID on behalf of userID.
//
// # Description
//
// The assistant message keyed by responseID must belong to a session
// visible to userID (see Session). Streams of other users report false, the
// same as unknown ids, so foreign response ids are not disclosed.
// An empty userID skips the check, like Session.
func (o *Orchestrator) CancelFor(ctx context.Context, responseID, userID string) bool {
	if userID != "" {
		msg, err := o.store.GetMessage(ctx, responseID)
		if err != nil {
			if !isNotFound(err) {
				o.logger.Warn("cancel: load message failed",
					slog.String("message_id", responseID),
					slog.String("error", err.Error()))
			}
			return false
		}
		if _, err := o.Session(ctx, msg.SessionID, userID); err != nil {
			return false
		}
	}
	return o.registry.Cancel(responseID)
}

// CancelAll cancels every running stream. Used at shutdown.
func (o *Orchestrator) CancelAll() int {
	return o.registry.CancelAll()
}

// ActiveStreams returns the number of running streams.
func (o *Orchestrator) ActiveStreams() int {
	return o.registry.Active()
}

func (o *Orchestrator) memoryFor(sessionID, userID string, cfg Config) *memory.ConversationMemory {
	return memory.New(sessionID, userID, o.store,
		memory.WithMaxTokenLimit(cfg.MaxTokenLimit),
		memory.WithTokenCounter(o.counter),
		memory.WithLogger(o.baseLogger),
		memory.WithClock(o.now),
	)
}

// ===== Sessions =====

// CreateSessionParams describes a new session.
type CreateSessionParams struct {
	UserID      string
	Title       *string
	RAGEnabled  *bool
	RAGStrategy string
	Metadata    map[string]any
}

// CreateSession stores a new session. Without a title it gets the default
// timestamped one.
func (o *Orchestrator) CreateSession(ctx context.Context, p CreateSessionParams) (datatypes.Session, error) {
	now := o.now().UTC()
	session := datatypes.Session{
		ID:          datatypes.NewID(),
		UserID:      p.UserID,
		Title:       datatypes.DefaultSessionTitle(now),
		RAGEnabled:  p.RAGEnabled == nil || *p.RAGEnabled,
		RAGStrategy: p.RAGStrategy,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    datatypes.CopyMetadata(p.Metadata),
	}
	if p.Title != nil && *p.Title != "" {
		session.Title = *p.Title
	}
	if err := o.store.CreateSession(ctx, session); err != nil {
		return datatypes.Session{}, fmt.Errorf("create session: %w", err)
	}
	o.logger.Info("session created",
		slog.String("session_id", session.ID),
		slog.String("user_id", p.UserID))
	return session, nil
}

// Session returns a session visible to userID. An empty userID or an
// ownerless session skips the ownership check.
func (o *Orchestrator) Session(ctx context.Context, sessionID, userID string) (datatypes.Session, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		if isNotFound(err) {
			return datatypes.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return datatypes.Session{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if userID != "" && session.UserID != "" && session.UserID != userID {
		return datatypes.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, nil
}

// Messages returns the session history in chronological order.
func (o *Orchestrator) Messages(ctx context.Context, sessionID, userID string) ([]datatypes.Message, error) {
	if _, err := o.Session(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return o.memoryFor(sessionID, userID, o.Config()).History(ctx, false)
}

// UpdateSessionTitle sets or derives a session title.
//
// # Description
//
// A non-empty title is stored verbatim. Otherwise, when the session has
// fewer than two non-system messages, the default timestamped title is
// used. Otherwise the first user message is used, cut to 47 runes plus
// "..." when it is longer than 50 runes.
//
// # Outputs
//
//   - string: The stored title.
//   - error: ErrSessionNotFound or a store failure.
func (o *Orchestrator) UpdateSessionTitle(ctx context.Context, sessionID string, title *string) (string, error) {
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return "", fmt.Errorf("load session %s: %w", sessionID, err)
	}

	var newTitle string
	if title != nil && *title != "" {
		newTitle = *title
	} else {
		history, err := o.memoryFor(sessionID, "", o.Config()).History(ctx, true)
		if err != nil {
			return "", err
		}
		newTitle = deriveTitle(history, o.now())
	}

	if err := o.store.UpdateSessionTitle(ctx, sessionID, newTitle, o.now().UTC()); err != nil {
		return "", fmt.Errorf("update session title: %w", err)
	}
	o.logger.Debug("session title updated",
		slog.String("session_id", sessionID),
		slog.String("title", newTitle))
	return newTitle, nil
}

// deriveTitle implements the title rule over non-system history.
func deriveTitle(history []datatypes.Message, now time.Time) string {
	if len(history) < minTitledMessages {
		return datatypes.DefaultSessionTitle(now)
	}
	for _, m := range history {
		if m.Role != datatypes.RoleUser {
			continue
		}
		if utf8.RuneCountInString(m.Content) > titleMaxRunes {
			return string([]rune(m.Content)[:titleKeepRunes]) + titleEllipsis
		}
		return m.Content
	}
	return datatypes.DefaultSessionTitle(now)
}

// autoTitle replaces a default title once the first exchange completed.
func (o *Orchestrator) autoTitle(ctx context.Context, sessionID string) {
	if !o.Config().AutoTitle {
		return
	}
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil || !datatypes.IsDefaultSessionTitle(session.Title) {
		return
	}
	history, err := o.memoryFor(sessionID, "", o.Config()).History(ctx, true)
	if err != nil || len(history) != minTitledMessages {
		return
	}
	if _, err := o.UpdateSessionTitle(ctx, sessionID, nil); err != nil {
		o.logger.Warn("auto title failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

// ===== Model input =====

// buildInput assembles bounded history plus retrieved context.
func (o *Orchestrator) buildInput(ctx context.Context, mem *memory.ConversationMemory, useRAG bool, q rag.Query) ([]llm.ChatMessage, bool, error) {
	systemPrompt := ""
	if useRAG {
		contextText, err := o.retriever.RetrieveContext(ctx, q)
		if err != nil {
			o.logger.Warn("retrieval failed, continuing without context",
				slog.String("session_id", q.SessionID),
				slog.String("error", err.Error()))
			contextText = ""
		}
		if contextText != "" {
			rendered, err := rag.SystemPrompt(contextText)
			if err != nil {
				return nil, false, err
			}
			systemPrompt = rendered
		}
	}
	messages, err := mem.ToModelMessages(ctx, systemPrompt)
	if err != nil {
		return nil, false, err
	}
	return messages, systemPrompt != "", nil
}

func (o *Orchestrator) recordGeneration(ctx context.Context, status string) {
	o.generations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("provider", o.provider.Name()),
	))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, storage.ErrNotFound)
}
