// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// MaxMessageContentBytes bounds a single user message.
const MaxMessageContentBytes = 32 * 1024

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxMessageContentBytes
	})
}

// StreamRequest is the query of GET /v1/chat/stream.
type StreamRequest struct {
	SessionID   string `form:"session_id" json:"session_id" validate:"required,max=128"`
	Message     string `form:"message" json:"message" validate:"required,maxbytes"`
	RAGEnabled  *bool  `form:"rag_enabled" json:"rag_enabled"`
	RAGStrategy string `form:"rag_strategy" json:"rag_strategy" validate:"omitempty,oneof=basic semantic_chunking hybrid_search reranking recursive"`
}

// Validate checks struct tags.
func (r *StreamRequest) Validate() error {
	return validate.Struct(r)
}

// RAG returns the effective RAG flag, defaulting to true.
func (r *StreamRequest) RAG() bool {
	return r.RAGEnabled == nil || *r.RAGEnabled
}

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	Title       string         `json:"title" validate:"max=200"`
	RAGEnabled  *bool          `json:"rag_enabled"`
	RAGStrategy string         `json:"rag_strategy" validate:"omitempty,oneof=basic semantic_chunking hybrid_search reranking recursive"`
	Metadata    map[string]any `json:"metadata"`
}

// Validate checks struct tags.
func (r *CreateSessionRequest) Validate() error {
	return validate.Struct(r)
}

// UpdateTitleRequest is the body of PUT /v1/sessions/:id/title. A nil Title
// asks the server to derive one.
type UpdateTitleRequest struct {
	Title *string `json:"title" validate:"omitempty,max=200"`
}

// Validate checks struct tags.
func (r *UpdateTitleRequest) Validate() error {
	return validate.Struct(r)
}

// CancelResponse is returned by POST /v1/chat/cancel/:message_id.
type CancelResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Cancel statuses.
const (
	CancelStatusSuccess  = "success"
	CancelStatusNotFound = "not_found"
)

// ChatResponse is returned by the non-streaming POST /v1/chat.
type ChatResponse struct {
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id"`
	Answer    string `json:"answer"`
}
