// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianStream/services/llm"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/storage"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func testOptions(t *testing.T, env map[string]string) Options {
	t.Helper()
	return Options{
		EnvFiles:   []string{},
		Lookup:     envMap(env),
		SecretsDir: t.TempDir(),
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithOptions("", testOptions(t, nil))
	require.NoError(t, err)

	assert.Equal(t, llm.ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, 4000, cfg.Memory.MaxTokens)
	assert.Equal(t, storage.BackendMemory, cfg.Store.Backend)
	assert.Equal(t, "none", cfg.RAG.Backend)
	assert.Equal(t, 12210, cfg.Server.Port)
	assert.Empty(t, cfg.Secrets.Names())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
server:
  port: 9000
llm:
  provider: hf
  model: yaml-model
  max_tokens: 256
  hf_chunk_delay: 50ms
memory:
  max_tokens: 800
store:
  backend: sqlite
  path: /tmp/chat.db
`)
	cfg, err := LoadWithOptions(path, testOptions(t, map[string]string{
		"LLM_MODEL":         "env-model",
		"MEMORY_MAX_TOKENS": "1200",
	}))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "hf", cfg.LLM.Provider)
	assert.Equal(t, "env-model", cfg.LLM.Model, "env overrides yaml")
	assert.Equal(t, 256, cfg.LLM.MaxTokens)
	assert.Equal(t, 50*time.Millisecond, cfg.LLM.HFChunkDelay)
	assert.Equal(t, 1200, cfg.Memory.MaxTokens)
	assert.Equal(t, storage.BackendSQLite, cfg.Store.Backend)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "ALEUTIAN_STREAM_TEST_MODEL=from-dotenv\n")
	t.Cleanup(func() { os.Unsetenv("ALEUTIAN_STREAM_TEST_MODEL") })

	opts := testOptions(t, nil)
	opts.EnvFiles = []string{envFile, filepath.Join(dir, "missing.env")}
	_, err := LoadWithOptions("", opts)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", os.Getenv("ALEUTIAN_STREAM_TEST_MODEL"))
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadWithOptions(filepath.Join(dir, "nope.yaml"), testOptions(t, nil))
		assert.Error(t, err)
	})
	t.Run("bad yaml", func(t *testing.T) {
		p := writeFile(t, dir, "bad.yaml", "server: [")
		_, err := LoadWithOptions(p, testOptions(t, nil))
		assert.Error(t, err)
	})
	t.Run("bad integer", func(t *testing.T) {
		_, err := LoadWithOptions("", testOptions(t, map[string]string{"PORT": "abc"}))
		assert.ErrorContains(t, err, "PORT")
	})
	t.Run("bad completion switch", func(t *testing.T) {
		_, err := LoadWithOptions("", testOptions(t, map[string]string{"LM_STUDIO_COMPLETION": "sometimes"}))
		assert.ErrorContains(t, err, "LM_STUDIO_COMPLETION")
	})
	t.Run("unknown provider", func(t *testing.T) {
		_, err := LoadWithOptions("", testOptions(t, map[string]string{"LLM_PROVIDER": "carrier-pigeon"}))
		var cfgErr *llm.ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	})
	t.Run("bad backend", func(t *testing.T) {
		_, err := LoadWithOptions("", testOptions(t, map[string]string{"STORE_BACKEND": "postgres"}))
		assert.ErrorContains(t, err, "invalid configuration")
	})
}

func TestLoad_WeaviateURLEnablesRetrieval(t *testing.T) {
	cfg, err := LoadWithOptions("", testOptions(t, map[string]string{"WEAVIATE_URL": "http://weaviate:8080"}))
	require.NoError(t, err)
	assert.Equal(t, "weaviate", cfg.RAG.Backend)
}

func TestSecrets_EnvAndSecretFiles(t *testing.T) {
	opts := testOptions(t, map[string]string{"OPENAI_API_KEY": "  sk-env  "})
	writeFile(t, opts.SecretsDir, SecretHFKey, "hf-from-file\n")

	cfg, err := LoadWithOptions("", opts)
	require.NoError(t, err)

	assert.Equal(t, []string{SecretHFKey, SecretOpenAIKey}, cfg.Secrets.Names())

	v, err := cfg.Secrets.Reveal(SecretOpenAIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-env", v)

	v, err = cfg.Secrets.Reveal(SecretHFKey)
	require.NoError(t, err)
	assert.Equal(t, "hf-from-file", v)

	_, err = cfg.Secrets.Reveal(SecretWeaviateKey)
	assert.ErrorIs(t, err, ErrSecretNotSet)
}

func TestSecrets_RevealTwice(t *testing.T) {
	s := NewSecrets()
	s.Set("k", "value")
	for i := 0; i < 2; i++ {
		v, err := s.Reveal("k")
		require.NoError(t, err)
		assert.Equal(t, "value", v)
	}
	assert.True(t, s.Has("k"))
	assert.False(t, s.Has("other"))
}

func TestProviderConfig(t *testing.T) {
	cfg, err := LoadWithOptions("", testOptions(t, map[string]string{
		"LLM_PROVIDER":         "local-server",
		"LM_STUDIO_BASE_URL":   "http://localhost:1234/v1",
		"LM_STUDIO_API_KEY":    "lm-key",
		"LLM_TEMPERATURE":      "0.2",
		"LM_STUDIO_COMPLETION": "true",
	}))
	require.NoError(t, err)

	fc, err := cfg.ProviderConfig()
	require.NoError(t, err)
	assert.Equal(t, "local-server", fc.Provider)
	assert.Equal(t, "lm-key", fc.LMStudio.APIKey)
	assert.Equal(t, "http://localhost:1234/v1", fc.LMStudio.BaseURL)
	assert.True(t, fc.LMStudio.CompletionMode)
	assert.Empty(t, fc.OpenAI.APIKey)

	params := cfg.GenerationParams()
	require.NotNil(t, params.Temperature)
	assert.InDelta(t, 0.2, *params.Temperature, 1e-6)
	require.NotNil(t, params.MaxTokens)
	assert.Equal(t, llm.DefaultMaxTokens, *params.MaxTokens)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "memory:\n  max_tokens: 100\n")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, testOptions(t, nil), func(cfg *Config) { reloaded <- cfg }, nil)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("memory:\n  max_tokens: 250\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 250, cfg.Memory.MaxTokens)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestNewWatcher_Validation(t *testing.T) {
	_, err := NewWatcher("", Options{}, func(*Config) {}, nil)
	assert.Error(t, err)
	_, err = NewWatcher("x.yaml", Options{}, nil, nil)
	assert.Error(t, err)
}
