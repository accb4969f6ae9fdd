// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianStream/services/llm"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/storage"
)

// wordCounter counts whitespace-separated words, one token each.
func wordCounter() *TokenCounter {
	return NewTokenCounterWithTokenizer(TokenizerFunc(func(text string) (int, error) {
		return len(strings.Fields(text)), nil
	}), nil)
}

func words(n int, w string) string {
	return strings.TrimSpace(strings.Repeat(w+" ", n))
}

func newTestMemory(t *testing.T, limit int) (*ConversationMemory, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return New("sess-1", "alice", store, WithMaxTokenLimit(limit), WithTokenCounter(wordCounter())), store
}

func TestTokenCounter_FallbackOnTokenizerError(t *testing.T) {
	tc := NewTokenCounterWithTokenizer(TokenizerFunc(func(string) (int, error) {
		return 0, errors.New("bpe ranks unavailable")
	}), nil)

	assert.Equal(t, 0, tc.Count(""))
	assert.Equal(t, 1, tc.Count("abc"))
	assert.Equal(t, 1, tc.Count("abcd"))
	assert.Equal(t, 2, tc.Count("abcde"))
	// Runes, not bytes.
	assert.Equal(t, 1, tc.Count("日本語"))
}

func TestTokenCounter_NilTokenizerUsesEstimate(t *testing.T) {
	tc := NewTokenCounterWithTokenizer(nil, nil)
	assert.Equal(t, 3, tc.Count("twelve chars"))
}

func TestTiktokenTokenizer_SlowLoadFallsBack(t *testing.T) {
	release := make(chan struct{})
	tok := newTiktokenTokenizer(DefaultEncoding, 20*time.Millisecond, func(string) (*tiktoken.Tiktoken, error) {
		<-release
		return nil, errors.New("download aborted")
	})
	tc := NewTokenCounterWithTokenizer(tok, nil)

	start := time.Now()
	assert.Equal(t, 3, tc.Count("twelve chars"))
	assert.Equal(t, 3, tc.Count("twelve chars"))
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	<-tok.ready
	assert.Equal(t, 3, tc.Count("twelve chars"))
}

func TestTokenCounter_UnreachableBPEDownloadDoesNotHang(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	t.Setenv("HTTPS_PROXY", "http://"+ln.Addr().String())
	t.Setenv("HTTP_PROXY", "http://"+ln.Addr().String())
	t.Setenv("TIKTOKEN_CACHE_DIR", t.TempDir())

	tc := NewTokenCounterWithTokenizer(
		newTiktokenTokenizer(DefaultEncoding, 100*time.Millisecond, tiktoken.GetEncoding), nil)

	done := make(chan int, 1)
	go func() { done <- tc.Count("hello world") }()

	select {
	case n := <-done:
		assert.Positive(t, n)
	case <-time.After(3 * time.Second):
		t.Fatal("Count blocked on the BPE download")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcdefgh", 2},
		{"abcdefghi", 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateTokens(tt.text), tt.text)
	}
}

func TestAppendAndHistory(t *testing.T) {
	mem, _ := newTestMemory(t, 100)
	ctx := context.Background()

	_, err := mem.AddSystemMessage(ctx, "be brief", nil)
	require.NoError(t, err)
	user, err := mem.AddUserMessage(ctx, "hello", nil)
	require.NoError(t, err)
	_, err = mem.AddAssistantMessage(ctx, "hi there", map[string]any{"k": "v"})
	require.NoError(t, err)

	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "sess-1", user.SessionID)
	assert.Equal(t, "alice", user.Metadata[datatypes.MetaUserID])
	assert.False(t, user.Timestamp.IsZero())

	all, err := mem.History(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, datatypes.RoleSystem, all[0].Role)

	noSystem, err := mem.History(ctx, true)
	require.NoError(t, err)
	require.Len(t, noSystem, 2)
	assert.Equal(t, "hello", noSystem[0].Content)
	assert.Equal(t, "hi there", noSystem[1].Content)
}

func TestAppend_UnknownRole(t *testing.T) {
	mem, _ := newTestMemory(t, 100)
	_, err := mem.Append(context.Background(), datatypes.Role("tool"), "x", nil)
	assert.ErrorIs(t, err, datatypes.ErrUnknownRole)
}

func TestAppend_StoreFailureIsMemoryError(t *testing.T) {
	mem, store := newTestMemory(t, 100)
	require.NoError(t, store.Close())

	_, err := mem.AddUserMessage(context.Background(), "hello", nil)

	var memErr *MemoryError
	require.ErrorAs(t, err, &memErr)
	assert.Equal(t, "append", memErr.Op)
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestInsert_KeepsCallerID(t *testing.T) {
	mem, _ := newTestMemory(t, 100)
	msg, err := mem.Insert(context.Background(), datatypes.Message{
		ID:       "resp-1",
		Role:     datatypes.RoleAssistant,
		Metadata: map[string]any{datatypes.MetaStreaming: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "resp-1", msg.ID)
	assert.True(t, msg.IsStreaming())
}

// Limit 100, five messages of 30 tokens each: only the newest three fit.
func TestBoundedHistory_KeepsNewestSuffix(t *testing.T) {
	mem, _ := newTestMemory(t, 100)
	ctx := context.Background()
	for _, w := range []string{"m1", "m2", "m3", "m4", "m5"} {
		_, err := mem.AddUserMessage(ctx, words(30, w), nil)
		require.NoError(t, err)
	}

	got, err := mem.BoundedHistory(ctx, false)
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.True(t, strings.HasPrefix(got[0].Content, "m3"))
	assert.True(t, strings.HasPrefix(got[1].Content, "m4"))
	assert.True(t, strings.HasPrefix(got[2].Content, "m5"))
}

func TestBoundedHistory_OversizedNewestKeptAlone(t *testing.T) {
	mem, _ := newTestMemory(t, 10)
	ctx := context.Background()
	_, err := mem.AddUserMessage(ctx, words(3, "a"), nil)
	require.NoError(t, err)
	_, err = mem.AddUserMessage(ctx, words(50, "b"), nil)
	require.NoError(t, err)

	got, err := mem.BoundedHistory(ctx, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0].Content, "b"))
}

func TestBoundedHistory_SuffixProperty(t *testing.T) {
	sizes := []int{5, 40, 12, 7, 33, 1, 60, 9, 14, 22}
	for _, limit := range []int{1, 10, 25, 50, 100, 1000} {
		mem, _ := newTestMemory(t, limit)
		ctx := context.Background()
		for _, n := range sizes {
			_, err := mem.AddUserMessage(ctx, words(n, "w"), nil)
			require.NoError(t, err)
		}
		all, err := mem.History(ctx, false)
		require.NoError(t, err)
		got, err := mem.BoundedHistory(ctx, false)
		require.NoError(t, err)

		require.NotEmpty(t, got)
		offset := len(all) - len(got)
		total := 0
		for i, m := range got {
			assert.Equal(t, all[offset+i].ID, m.ID, "limit %d: not a suffix", limit)
			total += len(strings.Fields(m.Content))
		}
		if len(got) > 1 {
			assert.LessOrEqual(t, total, limit)
		}
		if offset > 0 {
			next := len(strings.Fields(all[offset-1].Content))
			assert.Greater(t, total+next, limit, "limit %d: suffix not maximal", limit)
		}
	}
}

func TestBoundedHistory_Empty(t *testing.T) {
	mem, _ := newTestMemory(t, 100)
	got, err := mem.BoundedHistory(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestToModelMessages(t *testing.T) {
	mem, _ := newTestMemory(t, 1000)
	ctx := context.Background()
	_, err := mem.AddUserMessage(ctx, "What is Go?", nil)
	require.NoError(t, err)
	_, err = mem.AddAssistantMessage(ctx, "A language.", nil)
	require.NoError(t, err)
	_, err = mem.AddUserMessage(ctx, "Who made it?", nil)
	require.NoError(t, err)

	got, err := mem.ToModelMessages(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []llm.ChatMessage{
		{Role: llm.RoleUser, Content: "What is Go?"},
		{Role: llm.RoleAssistant, Content: "A language."},
		{Role: llm.RoleUser, Content: "Who made it?"},
	}, got)

	withSystem, err := mem.ToModelMessages(ctx, "context here")
	require.NoError(t, err)
	require.Len(t, withSystem, 4)
	assert.Equal(t, llm.ChatMessage{Role: llm.RoleSystem, Content: "context here"}, withSystem[0])
}

func TestConvertMessages_UnknownRole(t *testing.T) {
	_, err := ConvertMessages([]datatypes.Message{{ID: "x", Role: "tool"}})
	assert.ErrorIs(t, err, datatypes.ErrUnknownRole)
}

func TestFinalizeAndClear(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mem := New("sess-2", "", storage.NewMemoryStore(), WithClock(func() time.Time { return fixed }), WithTokenCounter(wordCounter()))

	msg, err := mem.AddAssistantMessage(ctx, "", map[string]any{datatypes.MetaStreaming: true})
	require.NoError(t, err)
	assert.Equal(t, fixed, msg.Timestamp)
	_, hasUser := msg.Metadata[datatypes.MetaUserID]
	assert.False(t, hasUser)

	require.NoError(t, mem.Finalize(ctx, msg.ID, "done", map[string]any{datatypes.MetaStatus: "completed"}))
	hist, err := mem.History(ctx, false)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "done", hist[0].Content)

	err = mem.Finalize(ctx, "missing", "x", nil)
	var memErr *MemoryError
	require.ErrorAs(t, err, &memErr)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, mem.Clear(ctx))
	hist, err = mem.History(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, hist)
}
