// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianStream/pkg/ux"
	"github.com/AleutianAI/AleutianStream/services/llm"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/chat"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/memory"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/storage"
)

type wordsProvider struct{ words []string }

func (p *wordsProvider) Name() string  { return "words" }
func (p *wordsProvider) Model() string { return "words-1" }

func (p *wordsProvider) Generate(context.Context, []llm.ChatMessage, llm.GenerationParams) (string, error) {
	return strings.Join(p.words, ""), nil
}

func (p *wordsProvider) GenerateStreaming(_ context.Context, _ []llm.ChatMessage, onFragment llm.FragmentFunc, _ llm.GenerationParams) error {
	for _, w := range p.words {
		if err := onFragment(w); err != nil {
			return err
		}
	}
	return nil
}

type fakeStream struct {
	events chan datatypes.StreamEvent
	result chat.Result
}

func (s *fakeStream) Events() <-chan datatypes.StreamEvent { return s.events }
func (s *fakeStream) Wait() chat.Result                    { return s.result }

func newFakeStream(evs ...datatypes.StreamEvent) *fakeStream {
	s := &fakeStream{events: make(chan datatypes.StreamEvent, len(evs)+2)}
	for _, ev := range evs {
		s.events <- ev
	}
	return s
}

func TestQuestionSource(t *testing.T) {
	t.Run("argument", func(t *testing.T) {
		next := questionSource([]string{"why?"}, strings.NewReader("ignored\n"))
		q, ok := next()
		assert.True(t, ok)
		assert.Equal(t, "why?", q)
		_, ok = next()
		assert.False(t, ok)
	})

	t.Run("stdin skips blank lines", func(t *testing.T) {
		next := questionSource(nil, strings.NewReader("first\n\n  \nsecond\n"))
		var got []string
		for q, ok := next(); ok; q, ok = next() {
			got = append(got, q)
		}
		assert.Equal(t, []string{"first", "second"}, got)
	})
}

func TestStreamAnswer_RendersEvents(t *testing.T) {
	s := newFakeStream(
		datatypes.StreamEvent{Type: datatypes.EventMessage, Token: "Hel", MessageID: "m1"},
		datatypes.StreamEvent{Type: datatypes.EventMessage, Token: "lo", MessageID: "m1"},
		datatypes.StreamEvent{Type: datatypes.EventDone, MessageID: "m1"},
	)
	close(s.events)
	s.result = chat.Result{Text: "Hello", Status: datatypes.StatusCompleted}

	var buf bytes.Buffer
	res := streamAnswer(context.Background(), ux.NewPlainPrinter(&buf), "m1", s, nil, func(string) bool { return false })

	assert.Equal(t, "Hello\nmessage m1\n", buf.String())
	assert.Equal(t, datatypes.StatusCompleted, res.Status)
}

func TestStreamAnswer_InterruptCancels(t *testing.T) {
	s := newFakeStream(datatypes.StreamEvent{Type: datatypes.EventMessage, Token: "Hi", MessageID: "m2"})
	s.result = chat.Result{Text: "Hi", Status: datatypes.StatusCancelled, Err: chat.ErrCancelledByUser}

	interrupts := make(chan os.Signal, 1)
	interrupts <- os.Interrupt

	var cancelledID string
	cancel := func(id string) bool {
		cancelledID = id
		s.events <- datatypes.StreamEvent{Type: datatypes.EventCancelled, MessageID: id}
		s.events <- datatypes.StreamEvent{Type: datatypes.EventDone, MessageID: id}
		close(s.events)
		return true
	}

	var buf bytes.Buffer
	res := streamAnswer(context.Background(), ux.NewPlainPrinter(&buf), "m2", s, interrupts, cancel)

	assert.Equal(t, "m2", cancelledID)
	assert.Equal(t, datatypes.StatusCancelled, res.Status)
	assert.Contains(t, buf.String(), "⚠ cancelled\n")
	assert.True(t, strings.HasSuffix(buf.String(), "message m2\n"))
}

func TestStreamAnswer_SecondInterruptReturns(t *testing.T) {
	s := newFakeStream()
	interrupts := make(chan os.Signal, 2)
	interrupts <- os.Interrupt
	interrupts <- os.Interrupt

	calls := 0
	res := streamAnswer(context.Background(), ux.NewPlainPrinter(&bytes.Buffer{}), "m3", s, interrupts,
		func(string) bool { calls++; return true })

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, res.Err, errInterrupted)
}

func newLocalOrchestrator(t *testing.T, words ...string) *chat.Orchestrator {
	t.Helper()
	orch, err := chat.New(&wordsProvider{words: words}, storage.NewMemoryStore(),
		chat.WithTokenCounter(memory.NewTokenCounterWithTokenizer(nil, nil)))
	require.NoError(t, err)
	return orch
}

func TestRunChat_NewSession(t *testing.T) {
	orch := newLocalOrchestrator(t, "Four", ".")
	var buf bytes.Buffer

	err := runChat(context.Background(), ux.NewPlainPrinter(&buf), orch, &chatFlags{noRAG: true},
		questionSource([]string{"2+2?"}, nil))
	require.NoError(t, err)

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "Session: "))
	sessionID := strings.TrimSpace(strings.TrimPrefix(strings.SplitN(out, "\n", 2)[0], "Session: "))
	assert.Contains(t, out, "Four.\n")

	msgs, err := orch.Messages(context.Background(), sessionID, localUser)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "2+2?", msgs[0].Content)
	assert.Equal(t, "Four.", msgs[1].Content)
}

func TestRunChat_UnknownSession(t *testing.T) {
	orch := newLocalOrchestrator(t, "x")

	err := runChat(context.Background(), ux.NewPlainPrinter(&bytes.Buffer{}), orch,
		&chatFlags{sessionID: "missing"}, questionSource([]string{"hi"}, nil))

	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.True(t, strings.HasPrefix(buf.String(), "aleutian "))
}

func TestRootCmd_RejectsBadLogLevel(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"chat", "hi", "--log-level", "verbose"})

	assert.Error(t, root.Execute())
}
