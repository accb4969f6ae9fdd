// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianStream/services/orchestrator/chat"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/observability"
)

// Client frame types.
const (
	WSFrameStart  = "start"
	WSFrameCancel = "cancel"
)

// Server-only frame types. Stream events reuse their event names.
const (
	WSFrameCancelAck = "cancel_ack"
	WSFrameError     = "error"
)

const wsWriteTimeout = 10 * time.Second

// WSClientFrame is a frame sent by the client.
//
// start: session_id, message, optional rag_enabled and rag_strategy.
// cancel: message_id.
type WSClientFrame struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	Message     string `json:"message,omitempty"`
	RAGEnabled  *bool  `json:"rag_enabled,omitempty"`
	RAGStrategy string `json:"rag_strategy,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
}

// WSServerFrame is a frame sent to the client.
type WSServerFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	Token     string `json:"token,omitempty"`
	Error     string `json:"error,omitempty"`
	Status    string `json:"status,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (w *wsConn) send(frame WSServerFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.ws.WriteJSON(frame)
}

// HandleChatWebSocket serves GET /v1/chat/ws.
//
// # Description
//
// One connection can run several generations. Each "start" frame opens a
// stream and is answered with a "start" frame carrying the response id,
// then the same event sequence as the SSE transport. A "cancel" frame is
// answered with "cancel_ack" carrying success or not_found. Closing the
// socket terminates every stream it started as client-gone.
func (h *StreamingChatHandler) HandleChatWebSocket(c *gin.Context) {
	endpoint := observability.EndpointWSStream

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	conn := &wsConn{ws: ws}
	userID := userIDFrom(c)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	var streamsWG sync.WaitGroup
	defer streamsWG.Wait()
	// Runs before Wait so every stream sees the connection end.
	defer cancel()

	h.logger.Debug("Websocket client connected")
	for {
		var frame WSClientFrame
		if err := ws.ReadJSON(&frame); err != nil {
			h.logger.Debug("Websocket client disconnected", slog.String("error", err.Error()))
			return
		}

		switch frame.Type {
		case WSFrameStart:
			req := datatypes.StreamRequest{
				SessionID:   frame.SessionID,
				Message:     frame.Message,
				RAGEnabled:  frame.RAGEnabled,
				RAGStrategy: frame.RAGStrategy,
			}
			if err := req.Validate(); err != nil {
				h.metrics.RecordError(endpoint, observability.ErrorCodeValidation)
				_ = conn.send(WSServerFrame{Type: WSFrameError, Error: "invalid request: " + err.Error()})
				continue
			}
			stream, err := h.svc.StartStream(ctx, chat.StreamRequest{
				Query:       req.Message,
				SessionID:   req.SessionID,
				UserID:      userID,
				RAGEnabled:  req.RAGEnabled,
				RAGStrategy: req.RAGStrategy,
			})
			if err != nil {
				h.recordSetupError(endpoint, err)
				_ = conn.send(WSServerFrame{Type: WSFrameError, Error: clientMessage(err)})
				continue
			}
			if err := conn.send(WSServerFrame{Type: WSFrameStart, MessageID: stream.ResponseID}); err != nil {
				cancel()
			}

			streamsWG.Add(1)
			go func() {
				defer streamsWG.Done()
				h.forwardToSocket(ctx, cancel, conn, stream, endpoint)
			}()

		case WSFrameCancel:
			found := frame.MessageID != "" && h.svc.CancelFor(ctx, frame.MessageID, userID)
			h.metrics.RecordCancellation(found)
			status := datatypes.CancelStatusSuccess
			if !found {
				status = datatypes.CancelStatusNotFound
			}
			_ = conn.send(WSServerFrame{Type: WSFrameCancelAck, MessageID: frame.MessageID, Status: status})

		default:
			_ = conn.send(WSServerFrame{Type: WSFrameError, Error: "unknown frame type"})
		}
	}
}

func (h *StreamingChatHandler) forwardToSocket(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *wsConn,
	stream *chat.Stream,
	endpoint observability.Endpoint,
) {
	startTime := time.Now()
	h.metrics.StreamStarted(endpoint)
	defer h.metrics.StreamEnded(endpoint)

	fragments := h.pump(ctx, cancel, stream, startTime, endpoint, func(ev datatypes.StreamEvent) error {
		return conn.send(WSServerFrame{
			Type:      string(ev.Type),
			MessageID: ev.MessageID,
			Token:     ev.Token,
			Error:     ev.Error,
		})
	})
	h.recordResult(endpoint, startTime, stream.Wait(), fragments)
}
