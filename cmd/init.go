package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/BobbyCannon/cornerstone-go/internal/models"
	"github.com/BobbyCannon/cornerstone-go/internal/output"
	"github.com/BobbyCannon/cornerstone-go/internal/store"
	"github.com/BobbyCannon/cornerstone-go/internal/syncconfig"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config file and local database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := syncconfig.Load()
		if err != nil {
			return err
		}
		if cfg.ClientName == "" {
			cfg.ClientName = "client-" + uuid.NewString()[:8]
		}
		if err := syncconfig.Save(cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}

		st, err := store.OpenSqlite("sqlite", cfg.DatabasePath(), models.NewRegistry())
		if err != nil {
			return fmt.Errorf("create database: %w", err)
		}
		defer st.Close()

		output.Success("Initialized %s as %s", cfg.DatabasePath(), cfg.ClientName)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
