// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"log/slog"
	"strconv"
	"strings"
)

// Canonical provider names.
const (
	ProviderOpenAI      = "openai"
	ProviderHuggingFace = "huggingface"
	ProviderLMStudio    = "lmstudio"
)

var providerAliases = map[string]string{
	"openai":       ProviderOpenAI,
	"remote-batch": ProviderOpenAI,
	"huggingface":  ProviderHuggingFace,
	"hf":           ProviderHuggingFace,
	"remote-http":  ProviderHuggingFace,
	"lmstudio":     ProviderLMStudio,
	"lm-studio":    ProviderLMStudio,
	"local-server": ProviderLMStudio,
}

// FactoryConfig selects and configures one provider.
type FactoryConfig struct {
	// Provider is a canonical name or alias (remote-batch, remote-http, local-server).
	Provider string
	// Model applies to the selected provider when its own Model is empty.
	Model string

	OpenAI      OpenAIConfig
	HuggingFace HuggingFaceConfig
	LMStudio    LMStudioConfig
}

// NormalizeProvider maps a provider name or alias to its canonical name.
func NormalizeProvider(name string) (string, error) {
	canonical, ok := providerAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", &ConfigurationError{Field: "provider", Reason: "unsupported provider " + strconv.Quote(name)}
	}
	return canonical, nil
}

// NewProvider builds the provider named by cfg.Provider.
//
// # Outputs
//
//   - Provider: The selected strategy.
//   - error: *ConfigurationError for unknown providers or missing credentials.
func NewProvider(cfg FactoryConfig, logger *slog.Logger) (Provider, error) {
	name, err := NormalizeProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}

	switch name {
	case ProviderOpenAI:
		if cfg.OpenAI.Model == "" {
			cfg.OpenAI.Model = cfg.Model
		}
		p, err := NewOpenAIProvider(cfg.OpenAI, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case ProviderHuggingFace:
		if cfg.HuggingFace.Model == "" {
			cfg.HuggingFace.Model = cfg.Model
		}
		p, err := NewHuggingFaceProvider(cfg.HuggingFace, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		if cfg.LMStudio.Model == "" {
			cfg.LMStudio.Model = cfg.Model
		}
		return NewLMStudioProvider(cfg.LMStudio, logger), nil
	}
}
