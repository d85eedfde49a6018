package main

import (
	"github.com/spf13/cobra"
)

// buildSessionsCmd creates the "sessions" command group.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsShowCmd(), buildSessionsDeleteCmd(), buildSessionsSubagentsCmd())
	return cmd
}

func buildSessionsSubagentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subagents",
		Short: "List sub-agent runs that have not yet reached a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionsSubagentsHandler(cmd)
		},
	}
}

func buildSessionsListCmd() *cobra.Command {
	var limit int
	var offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionsListHandler(cmd, limit, offset)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Offset into the list")
	return cmd
}

func buildSessionsShowCmd() *cobra.Command {
	var historyLimit int
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session's metadata and recent history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionsShowHandler(cmd, args[0], historyLimit)
		},
	}
	cmd.Flags().IntVar(&historyLimit, "history", 20, "Maximum recent messages to print (0 = unbounded)")
	return cmd
}

func buildSessionsDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionsDeleteHandler(cmd, args[0])
		},
	}
	return cmd
}
