// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the streaming chat service.
//
// New wires the configured provider, message store, retriever and chat
// orchestrator behind a gin router. Run serves HTTP until its context ends,
// then cancels every in-flight generation, drains the server and releases
// resources.
//
// # Usage
//
//	cfg, err := config.Load("config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	log.Fatal(svc.Run(ctx))
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianStream/pkg/telemetry"
	"github.com/AleutianAI/AleutianStream/services/llm"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/chat"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/config"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/memory"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/rag"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/storage"
)

// Version is reported by /health and the CLI.
var Version = "0.1.0"

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the orchestrator lifecycle.
//
// # Thread Safety
//
// Run is called at most once. Router, Chat and Close are safe to call
// concurrently with Run.
type Service interface {
	// Run serves HTTP until ctx is cancelled or the server fails. On return
	// every in-flight generation has been cancelled and Close has run.
	Run(ctx context.Context) error

	// Router returns the configured gin engine.
	Router() *gin.Engine

	// Chat returns the chat orchestrator.
	Chat() *chat.Orchestrator

	// Close releases the store and telemetry. Idempotent.
	Close() error
}

// Options override components New would otherwise build from the config.
// A nil *Options is valid.
type Options struct {
	Provider  llm.Provider
	Store     storage.Store
	Retriever rag.Retriever
	// TokenCounter defaults to a tiktoken-backed counter.
	TokenCounter *memory.TokenCounter
	Logger       *slog.Logger

	// Registry receives the streaming metrics and backs /metrics. Nil uses
	// the default Prometheus registry.
	Registry *prometheus.Registry

	// ConfigPath, when set, is watched and generation defaults are reloaded
	// on change.
	ConfigPath string
	// ConfigOptions are used for reloads.
	ConfigOptions config.Options

	// SkipTelemetry leaves the global OpenTelemetry providers untouched.
	SkipTelemetry bool
}

type service struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	router *gin.Engine
	orch   *chat.Orchestrator
	store  storage.Store

	telemetryShutdown func(context.Context) error
	closeOnce         sync.Once
	closeErr          error
}

// =============================================================================
// Constructor
// =============================================================================

// New builds the service.
//
// # Description
//
// Components are built in dependency order: telemetry, metrics, provider,
// store, retriever, chat orchestrator, router. A failure closes whatever
// was already opened.
//
// # Inputs
//
//   - cfg: Validated configuration.
//   - opts: Overrides, mostly for tests. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Configuration or initialization failure.
func New(cfg *config.Config, opts *Options) (Service, error) {
	if cfg == nil {
		return nil, errors.New("orchestrator: config must not be nil")
	}
	s := &service{cfg: cfg}
	if opts != nil {
		s.opts = *opts
	}
	s.logger = s.opts.Logger
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if !s.opts.SkipTelemetry {
		shutdown, err := telemetry.Init(context.Background(), cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("initialize telemetry: %w", err)
		}
		s.telemetryShutdown = shutdown
	}

	var (
		metrics        *observability.StreamingMetrics
		metricsHandler http.Handler
	)
	if s.opts.Registry != nil {
		metrics = observability.NewStreamingMetrics(s.opts.Registry)
		metricsHandler = promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{})
	} else {
		metrics = observability.InitMetrics()
		metricsHandler = telemetry.MetricsHandler()
	}

	provider, err := s.buildProvider()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initialize provider: %w", err)
	}

	s.store = s.opts.Store
	if s.store == nil {
		s.store, err = storage.Open(cfg.Store, s.logger)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open message store: %w", err)
		}
	}

	retriever, err := s.buildRetriever()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initialize retriever: %w", err)
	}

	counter := s.opts.TokenCounter
	if counter == nil {
		counter = memory.NewTokenCounter(s.logger)
	}

	s.orch, err = chat.New(provider, s.store,
		chat.WithConfig(chat.Config{
			MaxTokenLimit: cfg.Memory.MaxTokens,
			Params:        cfg.GenerationParams(),
			AutoTitle:     true,
		}),
		chat.WithRetriever(retriever),
		chat.WithTokenCounter(counter),
		chat.WithLogger(s.logger),
		chat.WithMeterProvider(otel.GetMeterProvider()),
	)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initialize chat orchestrator: %w", err)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware(cfg.Telemetry.ServiceName))
	routes.SetupRoutes(s.router, s.orch, routes.Options{
		Version:           Version,
		Metrics:           metrics,
		MetricsHandler:    metricsHandler,
		KeepAliveInterval: cfg.Server.KeepAliveInterval,
		Authenticator:     authenticator(cfg.Server.AuthTokens),
		Logger:            s.logger,
	})

	s.logger.Info("Orchestrator initialized",
		slog.String("provider", provider.Name()),
		slog.String("model", provider.Model()),
		slog.String("store", s.store.Backend()),
		slog.String("rag", cfg.RAG.Backend))
	return s, nil
}

// authenticator returns nil, not a nil map, when no tokens are configured
// so the identity middleware falls back to the user header.
func authenticator(tokens map[string]string) middleware.Authenticator {
	if len(tokens) == 0 {
		return nil
	}
	auth := make(middleware.TokenAuthenticator, len(tokens))
	for token, user := range tokens {
		auth[token] = user
	}
	return auth
}

func (s *service) buildProvider() (llm.Provider, error) {
	if s.opts.Provider != nil {
		return s.opts.Provider, nil
	}
	factoryCfg, err := s.cfg.ProviderConfig()
	if err != nil {
		return nil, err
	}
	return llm.NewProvider(factoryCfg, s.logger)
}

func (s *service) buildRetriever() (rag.Retriever, error) {
	if s.opts.Retriever != nil {
		return s.opts.Retriever, nil
	}
	switch s.cfg.RAG.Backend {
	case "", "none":
		return rag.NoopRetriever{}, nil
	case "http":
		return rag.NewHTTPRetriever(rag.HTTPRetrieverConfig{BaseURL: s.cfg.RAG.EngineURL}, s.logger)
	case "weaviate":
		apiKey, err := s.cfg.Secrets.Reveal(config.SecretWeaviateKey)
		if err != nil && !errors.Is(err, config.ErrSecretNotSet) {
			return nil, err
		}
		return rag.NewWeaviateRetriever(rag.WeaviateConfig{
			URL:           s.cfg.RAG.WeaviateURL,
			Class:         s.cfg.RAG.Class,
			ScopeProperty: s.cfg.RAG.ScopeProperty,
			APIKey:        apiKey,
		}, s.logger)
	default:
		return nil, fmt.Errorf("unknown rag backend %q", s.cfg.RAG.Backend)
	}
}

// =============================================================================
// Service Interface Methods
// =============================================================================

func (s *service) Router() *gin.Engine { return s.router }

func (s *service) Chat() *chat.Orchestrator { return s.orch }

// Run serves until ctx ends.
//
// # Description
//
// The HTTP server, the optional config watcher and the shutdown routine
// share an errgroup. When ctx is cancelled (or the server fails) every
// active generation is cancelled first, so each finalizes its assistant
// message with the cancelled marker while its HTTP request is still open,
// then the server is shut down within Server.ShutdownTimeout.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting orchestrator server", slog.Int("port", s.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.opts.ConfigPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, s.opts.ConfigPath, s.opts.ConfigOptions, s.applyReload, s.logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown(srv)
		return nil
	})

	return g.Wait()
}

func (s *service) shutdown(srv *http.Server) {
	cancelled := s.orch.CancelAll()
	s.logger.Info("Shutting down", slog.Int("cancelled_streams", cancelled))

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("Server shutdown incomplete", slog.String("error", err.Error()))
	}
}

// applyReload pushes reloadable settings into the running orchestrator.
// Provider, store and retriever changes need a restart.
func (s *service) applyReload(cfg *config.Config) {
	s.orch.SetGenerationDefaults(cfg.GenerationParams(), cfg.Memory.MaxTokens)
	s.logger.Info("Generation defaults reloaded",
		slog.Int("max_tokens", cfg.LLM.MaxTokens),
		slog.Int("memory_max_tokens", cfg.Memory.MaxTokens))
}

// Close releases the store and flushes telemetry.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		if s.telemetryShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.telemetryShutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

var _ Service = (*service)(nil)
