package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/synapse-core/internal/agent"
	"github.com/haasonsaas/synapse-core/pkg/models"
)

func runHandler(cmd *cobra.Command, sessionID, message string) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("--message is required")
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()

	session, err := resolveSession(ctx, a, sessionID)
	if err != nil {
		return err
	}

	msg := &models.Message{
		SessionID: session.ID,
		Role:      models.RoleUser,
		Blocks:    []models.ContentBlock{models.TextBlock(message)},
	}

	chunks, err := a.loop.Run(ctx, session, msg)
	if err != nil {
		return fmt.Errorf("run loop: %w", err)
	}
	chunks = agent.RunEvents(ctx, uuid.NewString(), a.sink, chunks)

	fmt.Fprintf(out, "session: %s\n", session.ID)
	for chunk := range chunks {
		if err := writeChunk(out, chunk); err != nil {
			return err
		}
	}
	fmt.Fprintln(out)
	return nil
}

func writeChunk(out io.Writer, chunk *agent.ResponseChunk) error {
	switch {
	case chunk.Error != nil:
		return fmt.Errorf("loop error: %w", chunk.Error)
	case chunk.Text != "":
		_, err := fmt.Fprint(out, chunk.Text)
		return err
	}
	return nil
}

func resolveSession(ctx context.Context, a *app, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		session := &models.Session{ID: uuid.NewString()}
		if err := a.store.Create(ctx, session); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		return session, nil
	}
	session, err := a.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return session, nil
}
