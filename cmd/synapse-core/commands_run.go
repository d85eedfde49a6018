package main

import (
	"github.com/spf13/cobra"
)

// buildRunCmd creates the "run" command: one turn of the agentic loop
// against the given (or newly created) session.
func buildRunCmd() *cobra.Command {
	var sessionID string
	var message string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one turn of the agent loop against the stub provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHandler(cmd, sessionID, message)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID to continue (creates a new one if empty)")
	cmd.Flags().StringVar(&message, "message", "", "User message to send")
	return cmd
}
