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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianStream/services/llm"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/memory"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/rag"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/streams"
)

// StreamRequest starts one generation.
type StreamRequest struct {
	Query     string
	SessionID string
	UserID    string
	// RAGEnabled overrides the session setting when non-nil.
	RAGEnabled  *bool
	RAGStrategy string
	// ResponseID is used as the assistant message id when set; otherwise
	// one is allocated.
	ResponseID string
}

// Result is the terminal outcome of a stream.
type Result struct {
	// Text is the persisted assistant content.
	Text   string
	Status string
	// Err is ErrCancelledByUser, ErrClientGone, or the provider failure.
	// Nil for completed streams.
	Err error
}

// Stream is a running generation.
//
// # Description
//
// Events delivers zero or more EventMessage, at most one EventCancelled or
// EventError, then EventDone, and is then closed. Callers must drain it or
// cancel the context passed to StartStream.
type Stream struct {
	ResponseID    string
	SessionID     string
	UserMessageID string

	events chan datatypes.StreamEvent
	done   chan struct{}
	result Result
}

// Events returns the event channel.
func (s *Stream) Events() <-chan datatypes.StreamEvent { return s.events }

// Done is closed once the assistant message has been finalized.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Wait blocks until the stream is finalized and returns its result.
func (s *Stream) Wait() Result {
	<-s.done
	return s.result
}

// StartStream runs the STARTED phase synchronously and the rest in the
// background.
//
// # Description
//
// Appends the user message, assembles model input, creates the assistant
// placeholder keyed by the response id and registers an abort signal. Any
// failure here is returned before a single event is produced.
//
// # Inputs
//
//   - ctx: Scope of the generation. When it ends the stream terminates as
//     cancelled and no further events are delivered.
//   - req: Query, session and caller.
//
// # Outputs
//
//   - *Stream: Running stream; ResponseID identifies it for Cancel.
//   - error: ErrEmptyQuery, ErrSessionNotFound or *MemoryError.
func (o *Orchestrator) StartStream(ctx context.Context, req StreamRequest) (*Stream, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.StartStream")

	fail := func(err error) (*Stream, error) {
		recordSpanError(span, err)
		span.End()
		return nil, err
	}

	if strings.TrimSpace(req.Query) == "" {
		return fail(ErrEmptyQuery)
	}
	session, err := o.Session(ctx, req.SessionID, req.UserID)
	if err != nil {
		return fail(err)
	}

	cfg := o.Config()
	responseID := req.ResponseID
	if responseID == "" {
		responseID = datatypes.NewID()
	}
	useRAG := session.RAGEnabled
	if req.RAGEnabled != nil {
		useRAG = *req.RAGEnabled
	}
	strategy := req.RAGStrategy
	if strategy == "" {
		strategy = session.RAGStrategy
	}

	span.SetAttributes(
		attribute.String("session_id", session.ID),
		attribute.String("message_id", responseID),
		attribute.Bool("rag.enabled", useRAG),
		attribute.String("llm.provider", o.provider.Name()),
	)
	logger := o.logger.With(
		slog.String("session_id", session.ID),
		slog.String("message_id", responseID),
	)

	mem := o.memoryFor(session.ID, req.UserID, cfg)
	userMsg, err := mem.AddUserMessage(ctx, req.Query, map[string]any{
		datatypes.MetaRAGEnabled: useRAG,
	})
	if err != nil {
		return fail(err)
	}

	// Input is built before the placeholder exists so the empty assistant
	// message never reaches the model.
	input, withContext, err := o.buildInput(ctx, mem, useRAG, rag.Query{
		Text:      req.Query,
		SessionID: session.ID,
		Strategy:  strategy,
	})
	if err != nil {
		return fail(err)
	}

	placeholderMeta := map[string]any{
		datatypes.MetaStreaming:   true,
		datatypes.MetaRAGEnabled:  useRAG,
		datatypes.MetaProvider:    o.provider.Name(),
		datatypes.MetaModel:       o.provider.Model(),
		datatypes.MetaRAGStrategy: strategy,
	}
	placeholder, err := mem.Insert(ctx, datatypes.Message{
		ID:       responseID,
		Role:     datatypes.RoleAssistant,
		Metadata: placeholderMeta,
	})
	if err != nil {
		return fail(err)
	}

	abort := o.registry.Register(responseID)
	stream := &Stream{
		ResponseID:    responseID,
		SessionID:     session.ID,
		UserMessageID: userMsg.ID,
		events:        make(chan datatypes.StreamEvent, cfg.QueueSize),
		done:          make(chan struct{}),
	}

	logger.Info("stream started",
		slog.Int("input_messages", len(input)),
		slog.Bool("rag_context", withContext))

	run := &streamRun{
		o:           o,
		stream:      stream,
		mem:         mem,
		abort:       abort,
		input:       input,
		cfg:         cfg,
		placeholder: placeholder,
		logger:      logger,
		span:        span,
	}
	go run.consume(ctx)
	return stream, nil
}

// streamRun is the state of one generation after STARTED.
type streamRun struct {
	o           *Orchestrator
	stream      *Stream
	mem         *memory.ConversationMemory
	abort       *streams.AbortSignal
	input       []llm.ChatMessage
	cfg         Config
	placeholder datatypes.Message
	logger      *slog.Logger
	span        trace.Span

	text          strings.Builder
	fragments     int
	sentinel      string
	firstFragment time.Time
	finalizeOnce  sync.Once
}

// consume drives STREAMING and the terminal transition.
func (r *streamRun) consume(ctx context.Context) {
	defer close(r.stream.events)
	defer r.span.End()
	defer r.o.registry.Unregister(r.stream.ResponseID)

	genCtx, cancelGen := context.WithCancel(ctx)
	defer cancelGen()

	queue := make(chan string, r.cfg.QueueSize)
	producerDone := make(chan error, 1)
	go r.produce(genCtx, queue, producerDone)

	ticker := time.NewTicker(r.cfg.LivenessInterval)
	defer ticker.Stop()
	started := time.Now()

	for {
		// Cancellation wins over any fragment already queued.
		if r.abort.IsSet() {
			cancelGen()
			r.terminate(ctx, datatypes.StatusCancelled, ErrCancelledByUser)
			return
		}
		if ctx.Err() != nil {
			r.terminate(ctx, datatypes.StatusCancelled, ErrClientGone)
			return
		}

		select {
		case frag := <-queue:
			r.handleFragment(ctx, frag)

		case <-r.abort.Done():
			// Handled at the top of the loop.

		case <-ctx.Done():
			// Handled at the top of the loop.

		case err := <-producerDone:
			// Every put happened before the provider returned.
			r.drain(ctx, queue)
			r.finish(ctx, err)
			return

		case <-ticker.C:
			r.logger.Debug("stream alive",
				slog.Int("fragments", r.fragments),
				slog.Duration("elapsed", time.Since(started)))
		}
	}
}

// produce runs the provider and hands fragments over through queue.
func (r *streamRun) produce(ctx context.Context, queue chan<- string, done chan<- error) {
	err := r.o.provider.GenerateStreaming(ctx, r.input, func(fragment string) error {
		select {
		case queue <- fragment:
			return nil
		case <-r.abort.Done():
			return ErrCancelledByUser
		case <-ctx.Done():
			return ctx.Err()
		}
	}, r.cfg.Params)
	done <- err
}

func (r *streamRun) drain(ctx context.Context, queue <-chan string) {
	for {
		select {
		case frag := <-queue:
			r.handleFragment(ctx, frag)
		default:
			return
		}
	}
}

func (r *streamRun) handleFragment(ctx context.Context, frag string) {
	if llm.IsErrorFragment(frag) {
		r.sentinel = strings.TrimPrefix(frag, "[ERROR]: ")
		return
	}
	if frag == "" {
		return
	}
	ev := datatypes.StreamEvent{
		Type:      datatypes.EventMessage,
		Token:     frag,
		MessageID: r.stream.ResponseID,
	}
	select {
	case r.stream.events <- ev:
	case <-r.abort.Done():
		return
	case <-ctx.Done():
		return
	}
	if r.fragments == 0 {
		r.firstFragment = time.Now()
		r.span.AddEvent("first_fragment")
	}
	r.fragments++
	r.text.WriteString(frag)
}

// finish classifies the provider outcome.
func (r *streamRun) finish(ctx context.Context, err error) {
	switch {
	case r.abort.IsSet():
		r.terminate(ctx, datatypes.StatusCancelled, ErrCancelledByUser)
	case ctx.Err() != nil:
		r.terminate(ctx, datatypes.StatusCancelled, ErrClientGone)
	case err != nil:
		r.terminate(ctx, datatypes.StatusFailed, err)
	case r.sentinel != "":
		r.terminate(ctx, datatypes.StatusFailed, errors.New(r.sentinel))
	default:
		r.terminate(ctx, datatypes.StatusCompleted, nil)
	}
}

// terminate finalizes the placeholder and emits the closing events.
func (r *streamRun) terminate(ctx context.Context, status string, cause error) {
	r.finalizeOnce.Do(func() {
		r.o.registry.Unregister(r.stream.ResponseID)

		content := r.text.String()
		meta := datatypes.CopyMetadata(r.placeholder.Metadata)
		meta[datatypes.MetaStreaming] = false
		meta[datatypes.MetaStatus] = status
		meta[datatypes.MetaFinalizedAt] = r.o.now().UTC().Format(time.RFC3339Nano)
		meta[datatypes.MetaOutputTokens] = r.o.counter.Count(content)

		var terminal *datatypes.StreamEvent
		switch status {
		case datatypes.StatusCancelled:
			content += datatypes.CancelledMarker
			terminal = &datatypes.StreamEvent{Type: datatypes.EventCancelled, MessageID: r.stream.ResponseID}
		case datatypes.StatusFailed:
			meta[datatypes.MetaError] = cause.Error()
			terminal = &datatypes.StreamEvent{
				Type:      datatypes.EventError,
				Error:     cause.Error(),
				MessageID: r.stream.ResponseID,
			}
			recordSpanError(r.span, cause)
		}

		// The write must land even when the caller has gone away.
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FinalizeTimeout)
		defer cancel()
		if err := r.mem.Finalize(writeCtx, r.stream.ResponseID, content, meta); err != nil {
			r.logger.Error("finalize assistant message failed",
				slog.String("status", status),
				slog.String("error", err.Error()))
		}

		r.stream.result = Result{Text: content, Status: status, Err: cause}
		close(r.stream.done)

		r.span.SetAttributes(
			attribute.String("status", status),
			attribute.Int("fragments", r.fragments),
		)
		r.o.recordGeneration(writeCtx, status)
		attrs := []any{
			slog.String("status", status),
			slog.Int("fragments", r.fragments),
		}
		if !r.firstFragment.IsZero() {
			attrs = append(attrs, slog.Time("first_fragment_at", r.firstFragment))
		}
		if cause != nil {
			attrs = append(attrs, slog.String("cause", cause.Error()))
		}
		r.logger.Info("stream finished", attrs...)

		if terminal != nil {
			r.emit(ctx, *terminal)
		}
		r.emit(ctx, datatypes.StreamEvent{Type: datatypes.EventDone, MessageID: r.stream.ResponseID})

		if status == datatypes.StatusCompleted {
			r.o.autoTitle(writeCtx, r.stream.SessionID)
		}
	})
}

// emit delivers a closing event unless the caller is gone.
func (r *streamRun) emit(ctx context.Context, ev datatypes.StreamEvent) {
	select {
	case r.stream.events <- ev:
	case <-ctx.Done():
	}
}

// ===== Non-streaming =====

// Response is the outcome of GenerateResponse.
type Response struct {
	MessageID string
	SessionID string
	Answer    string
}

// GenerateResponse answers in one blocking provider call.
//
// # Description
//
// Appends the user message, builds input with optional retrieved context,
// calls Provider.Generate and appends the assistant message. On provider
// failure nothing is appended for the assistant.
func (o *Orchestrator) GenerateResponse(ctx context.Context, req StreamRequest) (Response, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.GenerateResponse")
	defer span.End()

	if strings.TrimSpace(req.Query) == "" {
		recordSpanError(span, ErrEmptyQuery)
		return Response{}, ErrEmptyQuery
	}
	session, err := o.Session(ctx, req.SessionID, req.UserID)
	if err != nil {
		recordSpanError(span, err)
		return Response{}, err
	}

	cfg := o.Config()
	useRAG := session.RAGEnabled
	if req.RAGEnabled != nil {
		useRAG = *req.RAGEnabled
	}
	strategy := req.RAGStrategy
	if strategy == "" {
		strategy = session.RAGStrategy
	}

	mem := o.memoryFor(session.ID, req.UserID, cfg)
	if _, err := mem.AddUserMessage(ctx, req.Query, map[string]any{datatypes.MetaRAGEnabled: useRAG}); err != nil {
		recordSpanError(span, err)
		return Response{}, err
	}
	input, _, err := o.buildInput(ctx, mem, useRAG, rag.Query{
		Text:      req.Query,
		SessionID: session.ID,
		Strategy:  strategy,
	})
	if err != nil {
		recordSpanError(span, err)
		return Response{}, err
	}

	answer, err := o.provider.Generate(ctx, input, cfg.Params)
	if err != nil {
		o.recordGeneration(ctx, datatypes.StatusFailed)
		recordSpanError(span, err)
		return Response{}, fmt.Errorf("generate response: %w", err)
	}

	msgID := req.ResponseID
	if msgID == "" {
		msgID = datatypes.NewID()
	}
	if _, err := mem.Insert(ctx, datatypes.Message{
		ID:      msgID,
		Role:    datatypes.RoleAssistant,
		Content: answer,
		Metadata: map[string]any{
			datatypes.MetaStreaming:    false,
			datatypes.MetaStatus:       datatypes.StatusCompleted,
			datatypes.MetaRAGEnabled:   useRAG,
			datatypes.MetaProvider:     o.provider.Name(),
			datatypes.MetaModel:        o.provider.Model(),
			datatypes.MetaOutputTokens: o.counter.Count(answer),
		},
	}); err != nil {
		recordSpanError(span, err)
		return Response{}, err
	}

	o.recordGeneration(ctx, datatypes.StatusCompleted)
	o.autoTitle(ctx, session.ID)
	return Response{MessageID: msgID, SessionID: session.ID, Answer: answer}, nil
}
