package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BobbyCannon/cornerstone-go/internal/api"
	"github.com/BobbyCannon/cornerstone-go/internal/models"
	"github.com/BobbyCannon/cornerstone-go/internal/store"
	"github.com/BobbyCannon/cornerstone-go/internal/sync"
	"github.com/BobbyCannon/cornerstone-go/internal/syncconfig"
)

var serveListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := syncconfig.Load()
		if err != nil {
			return err
		}
		if serveListenAddr != "" {
			cfg.Server.ListenAddr = serveListenAddr
		}

		registry := models.NewRegistry()
		st, err := store.OpenSqlite("sqlite", cfg.DatabasePath(), registry)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()

		server := api.NewServer(api.Config{
			ListenAddr: cfg.Server.ListenAddr,
			APIKey:     cfg.Server.APIKey,
		}, func() sync.Client {
			return sync.NewDataClient(sync.Options{
				Name:      "server",
				IsServer:  true,
				SyncOrder: models.SyncOrder,
			}, registry, st)
		})

		if err := server.Start(); err != nil {
			return err
		}
		slog.Info("sync server listening", "addr", cfg.Server.ListenAddr)

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
