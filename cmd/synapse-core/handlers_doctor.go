package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/synapse-core/internal/config"
	"github.com/haasonsaas/synapse-core/pkg/models"
)

// doctorSchemaHandler prints the Config struct's JSON Schema so operators
// can validate a YAML overlay before handing it to --config.
func doctorSchemaHandler(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("build config schema: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

func doctorHandler(cmd *cobra.Command, probe bool) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	a, err := newApp(ctx, configPath)
	if err != nil {
		fmt.Fprintf(out, "config:  FAIL (%v)\n", err)
		return err
	}
	defer a.close()
	fmt.Fprintln(out, "config:  OK")

	backend := "cockroach"
	switch {
	case a.cfg.Database.URL == "memory":
		backend = "memory"
	case a.cfg.Database.URL == "":
		backend = "file"
	case strings.HasPrefix(a.cfg.Database.URL, "sqlite:"):
		backend = "sqlite"
	}
	fmt.Fprintf(out, "storage: %s backend configured\n", backend)

	if a.cfg.Loop.MaxIterations <= 0 {
		fmt.Fprintln(out, "loop:    WARN max_iterations is unset, using the default")
	} else {
		fmt.Fprintf(out, "loop:    max_iterations=%d max_tokens=%d\n", a.cfg.Loop.MaxIterations, a.cfg.Loop.MaxTokens)
	}

	if !probe {
		return nil
	}

	session := &models.Session{ID: uuid.NewString()}
	if err := a.store.Create(ctx, session); err != nil {
		fmt.Fprintf(out, "probe:   FAIL create (%v)\n", err)
		return err
	}
	if err := a.store.Delete(ctx, session.ID); err != nil {
		fmt.Fprintf(out, "probe:   FAIL delete (%v)\n", err)
		return err
	}
	fmt.Fprintln(out, "probe:   OK (create/delete round-trip succeeded)")
	return nil
}
