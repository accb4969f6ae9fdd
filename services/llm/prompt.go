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
	"fmt"

	"github.com/tmc/langchaingo/prompts"
)

// transcriptTemplate flattens a chat into the plain-text form expected by
// text-generation inference endpoints that have no chat schema.
const transcriptTemplate = `{{range .messages}}{{if eq .Role "system"}}Instructions: {{.Content}}

{{else if eq .Role "user"}}Human: {{.Content}}
{{else if eq .Role "assistant"}}AI: {{.Content}}
{{else}}{{.Role}}: {{.Content}}
{{end}}{{end}}AI: `

var transcriptPrompt = prompts.NewPromptTemplate(transcriptTemplate, []string{"messages"})

// RenderTranscript converts messages into a single prompt ending with the
// assistant cue "AI: ".
//
// # Examples
//
//	RenderTranscript([]ChatMessage{{Role: RoleSystem, Content: "Be brief."}, {Role: RoleUser, Content: "Hi"}})
//	// "Instructions: Be brief.\n\nHuman: Hi\nAI: "
func RenderTranscript(messages []ChatMessage) (string, error) {
	out, err := transcriptPrompt.Format(map[string]any{"messages": messages})
	if err != nil {
		return "", fmt.Errorf("render transcript: %w", err)
	}
	return out, nil
}
