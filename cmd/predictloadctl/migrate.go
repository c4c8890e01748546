package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/predictlib/corelib/internal/config"
	"github.com/predictlib/corelib/internal/store"
	"github.com/predictlib/corelib/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the storage schema (or bring it up to date)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log := logger.NewLogger(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})

		// Open applies any pending migrations on the way up.
		st, err := store.Open(cmd.Context(), cfg.Storage.Path, log, nil)
		if err != nil {
			return err
		}
		if err := st.Close(); err != nil {
			return err
		}

		fmt.Printf("storage at %s is up to date\n", cfg.Storage.Path)
		return nil
	},
}
