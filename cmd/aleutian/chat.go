// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianStream/pkg/ux"
	"github.com/AleutianAI/AleutianStream/services/orchestrator"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/chat"
	"github.com/AleutianAI/AleutianStream/services/orchestrator/datatypes"
)

// localUser owns sessions created from the terminal.
const localUser = "local"

var errInterrupted = errors.New("interrupted")

type chatFlags struct {
	sessionID string
	noRAG     bool
}

func newChatCmd(a *app) *cobra.Command {
	f := &chatFlags{}

	cmd := &cobra.Command{
		Use:   "chat [question]",
		Short: "Ask a question and stream the answer",
		Long: `Streams an answer in-process using the configured provider and store.
Without a question, reads one question per line from stdin. Ctrl-C cancels
the answer being generated; a second Ctrl-C exits.

Sessions outlive the process only with a persistent store (sqlite or badger).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := orchestrator.New(a.cfg, &orchestrator.Options{
				Logger:        a.logger.Slog(),
				Registry:      prometheus.NewRegistry(),
				SkipTelemetry: true,
			})
			if err != nil {
				return err
			}
			defer svc.Close()

			p := ux.NewPrinter(cmd.OutOrStdout())
			questions := questionSource(args, cmd.InOrStdin())
			return runChat(cmd.Context(), p, svc.Chat(), f, questions)
		},
	}
	cmd.Flags().StringVarP(&f.sessionID, "session", "s", "", "continue an existing session")
	cmd.Flags().BoolVar(&f.noRAG, "no-rag", false, "answer without retrieved context")
	return cmd
}

// questionSource yields the argument, or stdin lines when there is none.
func questionSource(args []string, in io.Reader) func() (string, bool) {
	if len(args) == 1 {
		done := false
		return func() (string, bool) {
			if done {
				return "", false
			}
			done = true
			return args[0], true
		}
	}
	scanner := bufio.NewScanner(in)
	return func() (string, bool) {
		for scanner.Scan() {
			if q := strings.TrimSpace(scanner.Text()); q != "" {
				return q, true
			}
		}
		return "", false
	}
}

func runChat(ctx context.Context, p *ux.Printer, orch *chat.Orchestrator, f *chatFlags, next func() (string, bool)) error {
	sessionID := f.sessionID
	if sessionID == "" {
		session, err := orch.CreateSession(ctx, chat.CreateSessionParams{UserID: localUser})
		if err != nil {
			return err
		}
		sessionID = session.ID
		p.Box("Session", sessionID)
	} else if _, err := orch.Session(ctx, sessionID, localUser); err != nil {
		return err
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	var ragEnabled *bool
	if f.noRAG {
		off := false
		ragEnabled = &off
	}

	for {
		question, ok := next()
		if !ok {
			return nil
		}
		stream, err := orch.StartStream(ctx, chat.StreamRequest{
			Query:      question,
			SessionID:  sessionID,
			UserID:     localUser,
			RAGEnabled: ragEnabled,
		})
		if err != nil {
			return err
		}
		res := streamAnswer(ctx, p, stream.ResponseID, stream, interrupts, orch.Cancel)
		if errors.Is(res.Err, errInterrupted) {
			return nil
		}
		if res.Status == datatypes.StatusFailed {
			return fmt.Errorf("generation failed: %w", res.Err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// answerStream is the part of *chat.Stream the renderer needs.
type answerStream interface {
	Events() <-chan datatypes.StreamEvent
	Wait() chat.Result
}

// streamAnswer prints fragments as they arrive. The first interrupt cancels
// the generation; a second one returns without waiting for the stream.
func streamAnswer(ctx context.Context, p *ux.Printer, responseID string, s answerStream, interrupts <-chan os.Signal, cancel func(string) bool) chat.Result {
	events := s.Events()
	cancelled := false
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return s.Wait()
			}
			renderEvent(p, ev)
		case <-interrupts:
			if cancelled {
				return chat.Result{Status: datatypes.StatusCancelled, Err: errInterrupted}
			}
			cancelled = true
			cancel(responseID)
		case <-ctx.Done():
			// The stream observes ctx itself; keep draining until it closes.
			ctx = context.Background()
		}
	}
}

func renderEvent(p *ux.Printer, ev datatypes.StreamEvent) {
	switch ev.Type {
	case datatypes.EventMessage:
		_, _ = io.WriteString(p, ev.Token)
	case datatypes.EventCancelled:
		_, _ = io.WriteString(p, "\n")
		p.Warning("cancelled")
	case datatypes.EventError:
		_, _ = io.WriteString(p, "\n")
		p.Error(ev.Error)
	case datatypes.EventDone:
		_, _ = io.WriteString(p, "\n")
		p.Muted("message " + ev.MessageID)
	}
}
