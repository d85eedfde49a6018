package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/synapse-core/internal/sessions"
)

func sessionsListHandler(cmd *cobra.Command, limit, offset int) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	list, err := a.store.List(ctx, sessions.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ID, s.Title, s.MessageCount, s.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

func sessionsShowHandler(cmd *cobra.Command, sessionID string, historyLimit int) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	session, err := a.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:       %s\n", session.ID)
	fmt.Fprintf(out, "title:    %s\n", session.Title)
	fmt.Fprintf(out, "messages: %d\n", session.MessageCount)
	fmt.Fprintf(out, "created:  %s\n", session.CreatedAt)
	fmt.Fprintf(out, "updated:  %s\n", session.UpdatedAt)
	fmt.Fprintf(out, "usage:    input_other=%d output=%d\n", session.Usage.InputOther, session.Usage.Output)

	history, err := a.store.GetHistory(ctx, sessionID, historyLimit)
	if err != nil {
		return fmt.Errorf("get history: %w", err)
	}
	fmt.Fprintln(out, "---")
	for _, msg := range history {
		fmt.Fprintf(out, "[%s] %s\n", msg.Role, msg.Text())
	}
	return nil
}

func sessionsSubagentsHandler(cmd *cobra.Command) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	a.subagent.CheckTimeouts(ctx)
	runs := a.subagent.Active()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "RUN_ID\tTYPE\tPARENT_SESSION\tCHILD_SESSION\tSTARTED\tTASK")
	for _, r := range runs {
		started := ""
		if !r.StartedAt.IsZero() {
			started = r.StartedAt.Format("2006-01-02T15:04:05Z07:00")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.RunID, r.Type, r.ParentSessionID, r.ChildSessionID, started, r.Task)
	}
	return nil
}

func sessionsDeleteHandler(cmd *cobra.Command, sessionID string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted session %s\n", sessionID)
	return nil
}
