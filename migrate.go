package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the local database",
		Long: `Open the mirror database, apply any pending schema migrations, and seed
the default sync policies. The daemon does this on startup too; migrate
exists so upgrades can be applied ahead of a restart.`,
		Args: cobra.NoArgs,
		RunE: runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg
	logger := buildLogger()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SeedDefaultConfigs(cmd.Context()); err != nil {
		return err
	}

	fmt.Printf("database ready at %s\n", cfg.Storage.DatabasePath)

	return nil
}
