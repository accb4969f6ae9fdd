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
	"fmt"
	"time"
)

// Session groups the messages of one conversation.
type Session struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Title       string         `json:"title"`
	RAGEnabled  bool           `json:"rag_enabled"`
	RAGStrategy string         `json:"rag_strategy,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Metadata    map[string]any `json:"metadata"`
}

// DefaultSessionTitle renders the timestamped title given to sessions that
// have no meaningful first question yet.
func DefaultSessionTitle(now time.Time) string {
	return fmt.Sprintf("New conversation (%s)", now.Format("2006-01-02 15:04"))
}

// IsDefaultSessionTitle reports whether title looks like DefaultSessionTitle output.
func IsDefaultSessionTitle(title string) bool {
	var y, mo, d, h, mi int
	n, err := fmt.Sscanf(title, "New conversation (%d-%d-%d %d:%d)", &y, &mo, &d, &h, &mi)
	return err == nil && n == 5
}
