package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/BobbyCannon/cornerstone-go/internal/models"
	"github.com/BobbyCannon/cornerstone-go/internal/output"
	"github.com/BobbyCannon/cornerstone-go/internal/store"
	"github.com/BobbyCannon/cornerstone-go/internal/syncconfig"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state and server reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := syncconfig.Load()
		if err != nil {
			return err
		}

		output.Title("cornerstone status")
		output.Info("database: %s", cfg.DatabasePath())
		output.Info("server:   %s", cfg.Sync.URL)

		registry := models.NewRegistry()
		st, err := store.OpenSqlite("sqlite", cfg.DatabasePath(), registry)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()

		lastClient, lastServer, err := st.Watermarks(fullSyncType)
		if err != nil {
			return err
		}
		if lastClient.IsZero() {
			output.Subtle("never synced")
		} else {
			output.Info("last synced (client): %s", lastClient.Format(time.RFC3339))
			output.Info("last synced (server): %s", lastServer.Format(time.RFC3339))
		}

		db, err := st.GetDatabase()
		if err != nil {
			return err
		}
		defer db.Close()
		pending := 0
		for _, typeName := range registry.TypeNames() {
			n, err := db.Repository(typeName).ChangeCount(lastClient, time.Now().UTC(), nil)
			if err != nil {
				return fmt.Errorf("count pending %s: %w", typeName, err)
			}
			pending += n
		}
		output.Info("pending changes: %d", pending)

		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Get(cfg.Sync.URL + "/healthz")
		if err != nil {
			output.Warning("server unreachable: %v", err)
			return nil
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			output.Success("server reachable")
		} else {
			output.Warning("server returned HTTP %d", resp.StatusCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
