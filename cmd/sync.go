package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BobbyCannon/cornerstone-go/internal/models"
	"github.com/BobbyCannon/cornerstone-go/internal/output"
	"github.com/BobbyCannon/cornerstone-go/internal/store"
	"github.com/BobbyCannon/cornerstone-go/internal/sync"
	"github.com/BobbyCannon/cornerstone-go/internal/syncclient"
	"github.com/BobbyCannon/cornerstone-go/internal/syncconfig"
)

const fullSyncType = "full"

func clientName(cfg *syncconfig.Config) string {
	if cfg.ClientName != "" {
		return cfg.ClientName
	}
	return "client"
}

var (
	syncDirection string
	syncWait      time.Duration
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the local database against the configured server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := syncconfig.Load()
		if err != nil {
			return err
		}

		registry := models.NewRegistry()
		st, err := store.OpenSqlite("sqlite", cfg.DatabasePath(), registry)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()

		local := sync.NewDataClient(sync.Options{
			Name:           clientName(cfg),
			EnableKeyCache: cfg.KeyCacheEnabled(),
			SyncOrder:      models.SyncOrder,
		}, registry, st)
		if cfg.KeyCacheEnabled() {
			local.SetKeyCache(sync.NewMemoryKeyCache(registry.TypeNames()...))
		}
		remote := syncclient.New(cfg.Sync.URL, cfg.Sync.APIKey)

		lastClient, lastServer, err := st.Watermarks(fullSyncType)
		if err != nil {
			return err
		}

		direction := sync.Direction(cfg.Sync.Direction)
		if syncDirection != "" {
			direction = sync.Direction(syncDirection)
		}
		settings := sync.Settings{
			Direction:          direction,
			ItemsPerRequest:    cfg.Sync.ItemsPerRequest,
			LastSyncedOnClient: lastClient,
			LastSyncedOnServer: lastServer,
		}

		manager := sync.NewManager(local, remote, func(syncType string, session *sync.Session) {
			if !session.Successful() {
				return
			}
			if err := st.SaveWatermarks(syncType, session.ClientWatermark(), session.ServerWatermark()); err != nil {
				output.Error("save sync state: %v", err)
			}
		})
		manager.Register(sync.SyncType{Name: fullSyncType, Enabled: true, Settings: settings})

		session, err := manager.Process(fullSyncType, syncWait)
		if err != nil {
			return err
		}
		output.SessionSummary(session)
		if !session.Successful() {
			return fmt.Errorf("sync finished with %d issue(s)", len(session.Issues()))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncDirection, "direction", "", "sync direction (pull-down, push-up, pull-down-then-push-up, push-up-then-pull-down)")
	syncCmd.Flags().DurationVar(&syncWait, "wait", 0, "how long to wait for a running sync to finish")
	rootCmd.AddCommand(syncCmd)
}
