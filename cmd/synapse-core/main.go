// Package main provides the synapse-core CLI, a small demo harness around
// the agent execution core: a stub LLM provider, a file-backed (default),
// in-memory, SQLite or Cockroach-backed session store, and the agentic loop wired with context
// management, the failure detector, and stop hooks.
//
// # Basic usage
//
// Run one turn against the stub provider:
//
//	synapse-core run --message "hello"
//
// Inspect sessions:
//
//	synapse-core sessions list
//	synapse-core sessions show <id>
//	synapse-core sessions delete <id>
//
// Check configuration and storage health:
//
//	synapse-core doctor
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main so tests can exercise it without a process exit.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "synapse-core",
		Short: "Agent execution core demo CLI",
		Long: `synapse-core drives the agentic loop end to end against a stub provider:
a bounded tool-call loop, session persistence, context compaction, and the
sliding-window failure detector.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config overlay (env vars always apply first)")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildSessionsCmd(),
		buildDoctorCmd(),
	)
	return rootCmd
}
