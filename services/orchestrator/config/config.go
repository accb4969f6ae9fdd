// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads orchestrator configuration.
//
// # Precedence
//
// Later sources override earlier ones:
//
//	defaults -> YAML file -> .env files -> process environment
//
// .env files never override variables already present in the environment.
// API keys are moved into memguard enclaves as soon as they are read and
// are revealed only when a provider or client is built.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianStream/pkg/telemetry"
	"github.com/AleutianAI/AleutianStream/services/llm"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/storage"
)

// DefaultSecretsDir is where container secrets are mounted.
const DefaultSecretsDir = "/run/secrets"

// Secret names.
const (
	SecretOpenAIKey   = "openai_api_key"
	SecretHFKey       = "hf_api_key"
	SecretLMStudioKey = "lm_studio_api_key"
	SecretWeaviateKey = "weaviate_api_key"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port              int           `yaml:"port" validate:"min=1,max=65535"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" validate:"min=0"`
	// AuthTokens maps bearer tokens to user ids. Empty trusts X-User-ID.
	AuthTokens map[string]string `yaml:"auth_tokens"`
}

// LLMConfig selects and tunes the provider.
type LLMConfig struct {
	Provider    string  `yaml:"provider" validate:"required"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens" validate:"min=1"`
	Temperature float32 `yaml:"temperature" validate:"min=0,max=2"`

	OpenAIBaseURL   string        `yaml:"openai_base_url" validate:"omitempty,url"`
	HFEndpoint      string        `yaml:"hf_endpoint" validate:"omitempty,url"`
	HFChunkSize     int           `yaml:"hf_chunk_size" validate:"min=0"`
	HFChunkDelay    time.Duration `yaml:"hf_chunk_delay"`
	LMStudioBaseURL string        `yaml:"lm_studio_base_url" validate:"omitempty,url"`
	LMStudioModel   string        `yaml:"lm_studio_model"`
	// LMStudioCompletion sends a rendered transcript to /completions
	// instead of messages to /chat/completions.
	LMStudioCompletion bool `yaml:"lm_studio_completion"`
	RequestTimeoutSec  int  `yaml:"request_timeout_sec" validate:"min=0"`
}

// MemoryConfig bounds conversation history.
type MemoryConfig struct {
	MaxTokens int `yaml:"max_tokens" validate:"min=1"`
}

// RAGConfig selects a retriever.
type RAGConfig struct {
	// Backend is "none", "http" or "weaviate".
	Backend       string `yaml:"backend" validate:"omitempty,oneof=none http weaviate"`
	EngineURL     string `yaml:"engine_url" validate:"omitempty,url"`
	WeaviateURL   string `yaml:"weaviate_url"`
	Class         string `yaml:"class"`
	ScopeProperty string `yaml:"scope_property"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir    string `yaml:"dir"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// Config is the full orchestrator configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	LLM       LLMConfig        `yaml:"llm"`
	Memory    MemoryConfig     `yaml:"memory"`
	Store     storage.Config   `yaml:"store"`
	RAG       RAGConfig        `yaml:"rag"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Secrets holds API keys. Never serialized.
	Secrets *Secrets `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              12210,
			ShutdownTimeout:   15 * time.Second,
			KeepAliveInterval: 15 * time.Second,
		},
		LLM: LLMConfig{
			Provider:    llm.ProviderOpenAI,
			MaxTokens:   llm.DefaultMaxTokens,
			Temperature: llm.DefaultTemperature,
		},
		Memory:    MemoryConfig{MaxTokens: 4000},
		Store:     storage.Config{Backend: storage.BackendMemory},
		RAG:       RAGConfig{Backend: "none"},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
		Secrets:   NewSecrets(),
	}
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Options tune Load. The zero value reads ".env" from the working directory,
// the process environment and DefaultSecretsDir.
type Options struct {
	// EnvFiles are loaded with godotenv before the environment is read.
	// Missing files are ignored. Nil means [".env"].
	EnvFiles []string
	// Lookup reads environment variables. Nil means os.LookupEnv.
	Lookup LookupFunc
	// SecretsDir is searched for <name> files when a key is not in the
	// environment. Empty means DefaultSecretsDir.
	SecretsDir string
}

// Load builds the configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, Options{})
}

// LoadWithOptions is Load with explicit sources.
//
// # Inputs
//
//   - path: YAML file. Empty skips the file; a missing file is an error.
//   - opts: Environment sources.
//
// # Outputs
//
//   - *Config: Validated configuration.
//   - error: Non-nil on read, parse or validation failure.
func LoadWithOptions(path string, opts Options) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	secretsDir := opts.SecretsDir
	if secretsDir == "" {
		secretsDir = DefaultSecretsDir
	}
	cfg.loadSecrets(lookup, secretsDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the provider name.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := llm.NormalizeProvider(c.LLM.Provider); err != nil {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}

	str("LLM_PROVIDER", &c.LLM.Provider)
	str("LLM_MODEL", &c.LLM.Model)
	str("OPENAI_BASE_URL", &c.LLM.OpenAIBaseURL)
	str("HF_ENDPOINT", &c.LLM.HFEndpoint)
	str("LM_STUDIO_BASE_URL", &c.LLM.LMStudioBaseURL)
	str("LM_STUDIO_MODEL", &c.LLM.LMStudioModel)
	str("STORE_BACKEND", &c.Store.Backend)
	str("STORE_PATH", &c.Store.Path)
	str("RAG_BACKEND", &c.RAG.Backend)
	str("RAG_ENGINE_URL", &c.RAG.EngineURL)
	str("WEAVIATE_URL", &c.RAG.WeaviateURL)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_DIR", &c.Logging.Dir)
	str("LOG_FORMAT", &c.Logging.Format)

	if err := integer("LLM_MAX_TOKENS", &c.LLM.MaxTokens); err != nil {
		return err
	}
	if err := integer("MEMORY_MAX_TOKENS", &c.Memory.MaxTokens); err != nil {
		return err
	}
	if err := integer("PORT", &c.Server.Port); err != nil {
		return err
	}
	if v, ok := lookup("LM_STUDIO_COMPLETION"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("LM_STUDIO_COMPLETION: %w", err)
		}
		c.LLM.LMStudioCompletion = b
	}
	if v, ok := lookup("LLM_TEMPERATURE"); ok && v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
		if err != nil {
			return fmt.Errorf("LLM_TEMPERATURE: %w", err)
		}
		c.LLM.Temperature = float32(f)
	}
	// A Weaviate URL alone is enough to turn retrieval on.
	if c.RAG.WeaviateURL != "" && (c.RAG.Backend == "" || c.RAG.Backend == "none") {
		c.RAG.Backend = "weaviate"
	}
	return nil
}

func (c *Config) loadSecrets(lookup LookupFunc, dir string) {
	if c.Secrets == nil {
		c.Secrets = NewSecrets()
	}
	sources := []struct {
		name string
		env  string
	}{
		{SecretOpenAIKey, "OPENAI_API_KEY"},
		{SecretHFKey, "HF_API_KEY"},
		{SecretLMStudioKey, "LM_STUDIO_API_KEY"},
		{SecretWeaviateKey, "WEAVIATE_API_KEY"},
	}
	for _, s := range sources {
		if v, ok := lookup(s.env); ok && strings.TrimSpace(v) != "" {
			c.Secrets.Set(s.name, strings.TrimSpace(v))
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, s.name))
		if err != nil {
			continue
		}
		if v := strings.TrimSpace(string(data)); v != "" {
			c.Secrets.Set(s.name, v)
		}
	}
}

// GenerationParams returns provider defaults derived from the LLM section.
func (c *Config) GenerationParams() llm.GenerationParams {
	return llm.GenerationParams{
		MaxTokens:   llm.Int(c.LLM.MaxTokens),
		Temperature: llm.Float32(c.LLM.Temperature),
	}
}

// ProviderConfig reveals the keys needed by the selected provider.
func (c *Config) ProviderConfig() (llm.FactoryConfig, error) {
	reveal := func(name string) (string, error) {
		v, err := c.Secrets.Reveal(name)
		if errors.Is(err, ErrSecretNotSet) {
			return "", nil
		}
		return v, err
	}
	openAIKey, err := reveal(SecretOpenAIKey)
	if err != nil {
		return llm.FactoryConfig{}, err
	}
	hfKey, err := reveal(SecretHFKey)
	if err != nil {
		return llm.FactoryConfig{}, err
	}
	lmKey, err := reveal(SecretLMStudioKey)
	if err != nil {
		return llm.FactoryConfig{}, err
	}

	return llm.FactoryConfig{
		Provider: c.LLM.Provider,
		Model:    c.LLM.Model,
		OpenAI: llm.OpenAIConfig{
			APIKey:  openAIKey,
			BaseURL: c.LLM.OpenAIBaseURL,
		},
		HuggingFace: llm.HuggingFaceConfig{
			APIKey:     hfKey,
			Endpoint:   c.LLM.HFEndpoint,
			ChunkSize:  c.LLM.HFChunkSize,
			ChunkDelay: c.LLM.HFChunkDelay,
		},
		LMStudio: llm.LMStudioConfig{
			BaseURL:        c.LLM.LMStudioBaseURL,
			APIKey:         lmKey,
			Model:          c.LLM.LMStudioModel,
			CompletionMode: c.LLM.LMStudioCompletion,
		},
	}, nil
}
