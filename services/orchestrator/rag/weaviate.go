// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/attribute"
)

// Weaviate defaults.
const (
	DefaultWeaviateClass = "Document"
	// DefaultScopeProperty holds the session (data space) a document belongs to.
	DefaultScopeProperty = "data_space"
)

// WeaviateConfig configures a WeaviateRetriever.
type WeaviateConfig struct {
	// URL of the Weaviate server, with or without scheme.
	URL string
	// Class searched with nearText. Default "Document".
	Class string
	// ScopeProperty, when non-empty, restricts results to documents whose
	// property equals the session id or is empty (shared documents).
	ScopeProperty string
	// APIKey is sent as a Bearer token when set.
	APIKey string
}

// WeaviateRetriever runs a nearText query over a document class.
//
// # Description
//
// The class must have a text2vec module configured so nearText can
// vectorize the query server side. Requested properties are "content" and
// "source"; certainty is read from _additional.
//
// # Thread Safety
//
// Safe for concurrent use. The Weaviate client pools connections.
type WeaviateRetriever struct {
	client        *weaviate.Client
	class         string
	scopeProperty string
	logger        *slog.Logger
}

// NewWeaviateRetriever builds a client for cfg.URL. No request is made.
func NewWeaviateRetriever(cfg WeaviateConfig, logger *slog.Logger) (*WeaviateRetriever, error) {
	if cfg.URL == "" {
		return nil, errors.New("rag: weaviate url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Class == "" {
		cfg.Class = DefaultWeaviateClass
	}

	clientCfg, err := weaviateClientConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.APIKey != "" {
		clientCfg.Headers = map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	}
	client, err := weaviate.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	return &WeaviateRetriever{
		client:        client,
		class:         cfg.Class,
		scopeProperty: cfg.ScopeProperty,
		logger:        logger.With(slog.String("component", "weaviate_retriever")),
	}, nil
}

func weaviateClientConfig(raw string) (weaviate.Config, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return weaviate.Config{}, fmt.Errorf("rag: invalid weaviate url: %w", err)
	}
	if u.Host == "" {
		return weaviate.Config{}, fmt.Errorf("rag: invalid weaviate url %q", raw)
	}
	return weaviate.Config{Host: u.Host, Scheme: u.Scheme}, nil
}

// Ready reports whether the Weaviate server answers its readiness probe.
func (r *WeaviateRetriever) Ready(ctx context.Context) (bool, error) {
	return r.client.Misc().ReadyChecker().Do(ctx)
}

// documentResult is one hit of the Get query.
type documentResult struct {
	Content    string `json:"content"`
	Source     string `json:"source"`
	Additional struct {
		Certainty float64 `json:"certainty"`
	} `json:"_additional"`
}

// RetrieveContext implements Retriever.
func (r *WeaviateRetriever) RetrieveContext(ctx context.Context, q Query) (string, error) {
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.RetrieveContext")
	defer span.End()

	if strings.TrimSpace(q.Text) == "" {
		return "", nil
	}
	span.SetAttributes(
		attribute.String("rag.class", r.class),
		attribute.String("rag.strategy", q.strategy()),
		attribute.String("session_id", q.SessionID),
	)

	nearText := r.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{q.Text})

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	get := r.client.GraphQL().Get().
		WithClassName(r.class).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(q.maxChunks())
	if where := r.scopeFilter(q.SessionID); where != nil {
		get = get.WithWhere(where)
	}

	resp, err := get.Do(ctx)
	if err != nil {
		err = fmt.Errorf("weaviate search failed: %w", err)
		recordSpanError(span, err)
		return "", err
	}
	if len(resp.Errors) > 0 {
		err := fmt.Errorf("weaviate search failed: %s", graphQLErrorMessage(resp.Errors))
		recordSpanError(span, err)
		return "", err
	}

	docs, err := parseDocuments(resp, r.class)
	if err != nil {
		recordSpanError(span, err)
		return "", err
	}

	chunks := make([]Chunk, 0, len(docs))
	for _, d := range docs {
		chunks = append(chunks, Chunk{Content: d.Content, Source: d.Source, Score: d.Additional.Certainty})
	}
	span.SetAttributes(attribute.Int("rag.chunks", len(chunks)))
	r.logger.Debug("retrieved documents",
		slog.String("session_id", q.SessionID),
		slog.Int("count", len(chunks)))
	return FormatChunks(chunks), nil
}

func (r *WeaviateRetriever) scopeFilter(sessionID string) *filters.WhereBuilder {
	if r.scopeProperty == "" || sessionID == "" {
		return nil
	}
	own := filters.Where().
		WithPath([]string{r.scopeProperty}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)
	shared := filters.Where().
		WithPath([]string{r.scopeProperty}).
		WithOperator(filters.IsNull).
		WithValueBoolean(true)
	return filters.Where().
		WithOperator(filters.Or).
		WithOperands([]*filters.WhereBuilder{own, shared})
}

// parseDocuments extracts Get.{class} from a GraphQL response.
func parseDocuments(resp *models.GraphQLResponse, class string) ([]documentResult, error) {
	parsed, err := ParseGraphQLResponse[struct {
		Get map[string][]documentResult `json:"Get"`
	}](resp)
	if err != nil {
		return nil, err
	}
	return parsed.Get[class], nil
}

// ParseGraphQLResponse converts Weaviate's dynamic response data into T.
// T must carry json tags matching the response shape; mismatched fields
// decode as zero values rather than errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}

func graphQLErrorMessage(errs []*models.GraphQLError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			msgs = append(msgs, e.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

var _ Retriever = (*WeaviateRetriever)(nil)
