package main

import (
	"github.com/spf13/cobra"
)

// buildDoctorCmd creates the "doctor" command: validate configuration and
// probe the configured store.
func buildDoctorCmd() *cobra.Command {
	var probe bool
	var showSchema bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and probe storage connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showSchema {
				return doctorSchemaHandler(cmd)
			}
			return doctorHandler(cmd, probe)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "Also create and delete a throwaway session to verify write access")
	cmd.Flags().BoolVar(&showSchema, "schema", false, "Print the config file's JSON Schema and exit")
	return cmd
}
